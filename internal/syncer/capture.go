package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/correlator"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/resolver"
	"go.uber.org/zap"
)

// Observation is one clipboard change reported by the capture path.
type Observation struct {
	Content     string
	ContentType clip.ContentType
	ObservedAt  time.Time
}

// Delivery reports what happened to a record after capture or deletion.
type Delivery string

const (
	DeliveryPushed  Delivery = "pushed"
	DeliveryQueued  Delivery = "queued"
	DeliveryPending Delivery = "pending"
)

// CaptureResult describes how an observation was recorded.
type CaptureResult struct {
	Record      clip.Record
	Correlation correlator.Result
	Outcome     resolver.Outcome
	Duplicate   bool
	Delivery    Delivery
}

// Capture records a clipboard observation. The observation is correlated,
// stored as a provisional record, resolved to a canonical ID and pushed, or
// queued when the store cannot be reached. Content already held by a live
// record only refreshes that record's modification time.
func (c *Coordinator) Capture(ctx context.Context, observation Observation) (CaptureResult, error) {
	if strings.TrimSpace(observation.Content) == "" {
		return CaptureResult{}, clip.NewServiceError(opCapture, "empty_content", fmt.Errorf("%w: missing content", clip.ErrInvalidRecord))
	}
	contentType := observation.ContentType
	if contentType == "" {
		contentType = clip.ContentTypeText
	}
	if _, err := clip.ParseContentType(string(contentType)); err != nil {
		return CaptureResult{}, clip.NewServiceError(opCapture, "invalid_content_type", err)
	}
	observedAt := observation.ObservedAt
	if observedAt.IsZero() {
		observedAt = c.clock()
	}

	correlation := c.correlator.Correlate(observation.Content, contentType, observedAt)
	hash := clip.HashString(observation.Content)

	existing, err := c.store.FindAll(ctx, localstore.Combine(localstore.Live(), localstore.WithContentHash(hash)))
	if err != nil {
		return CaptureResult{}, clip.NewServiceError(opCapture, "lookup_failed", err)
	}
	if len(existing) > 0 {
		return c.refresh(ctx, existing[len(existing)-1], correlation, observedAt)
	}

	localID, err := c.ids.NewID()
	if err != nil {
		return CaptureResult{}, clip.NewServiceError(opCapture, "id_generation_failed", err)
	}
	record := clip.Record{
		LocalID:            localID,
		Content:            observation.Content,
		ContentType:        contentType,
		ContentHash:        hash,
		CreatedAtMillis:    clip.Millis(observedAt),
		LastModifiedMillis: clip.Millis(observedAt),
		OriginDevice:       c.deviceID,
		OriginClass:        c.deviceClass,
		SyncState:          clip.SyncStateLocal,
	}
	if correlation.IsLikelyHandoff && correlation.SourceDevice != "" {
		record.OriginDevice = correlation.SourceDevice
		if correlation.SourceClass != "" {
			record.OriginClass = correlation.SourceClass
		}
	}
	if err := c.store.Insert(ctx, &record); err != nil {
		return CaptureResult{}, clip.NewServiceError(opCapture, "insert_failed", err)
	}

	var hint *resolver.Hint
	if correlation.IsLikelyHandoff && correlation.SuggestedCanonicalID != "" {
		hint = &resolver.Hint{
			CanonicalID:  correlation.SuggestedCanonicalID,
			OriginDevice: correlation.SourceDevice,
			OriginClass:  correlation.SourceClass,
		}
	}
	resolution := c.resolver.Resolve(ctx, resolver.Request{Record: record, Hint: hint})

	c.correlator.Register(correlator.Event{
		Content:     observation.Content,
		ContentType: contentType,
		ObservedAt:  observedAt,
		CanonicalID: resolution.CanonicalID,
	})

	result := CaptureResult{
		Record:      resolution.Record,
		Correlation: correlation,
		Outcome:     resolution.Outcome,
		Delivery:    DeliveryPending,
	}
	if resolution.Outcome == resolver.OutcomeResolved {
		result.Delivery = c.pushOrEnqueue(ctx, resolution.Record)
		if stored, findErr := c.store.FindByID(ctx, localID); findErr == nil {
			result.Record = stored
		}
	}

	c.logger.Info("clipboard captured",
		zap.String(fieldLocalID, localID),
		zap.String("canonical_id", result.Record.CanonicalID),
		zap.String("correlation", string(correlation.Reason)),
		zap.String("resolution", string(resolution.Outcome)),
		zap.String("delivery", string(result.Delivery)))
	return result, nil
}

// refresh bumps the modification time of a live record whose content was
// observed again.
func (c *Coordinator) refresh(ctx context.Context, record clip.Record, correlation correlator.Result, observedAt time.Time) (CaptureResult, error) {
	if modified := clip.Millis(observedAt); modified > record.LastModifiedMillis {
		record.LastModifiedMillis = modified
		record.SyncState = clip.SyncStateLocal
		if err := c.store.Update(ctx, &record); err != nil {
			return CaptureResult{}, clip.NewServiceError(opCapture, "refresh_failed", err)
		}
	}
	if correlation.Reason != correlator.ReasonDuplicateCapture {
		c.correlator.Register(correlator.Event{
			Content:     record.Content,
			ContentType: record.ContentType,
			ObservedAt:  observedAt,
			CanonicalID: record.CanonicalID,
		})
	}

	result := CaptureResult{
		Record:      record,
		Correlation: correlation,
		Outcome:     resolver.OutcomeResolved,
		Duplicate:   true,
		Delivery:    DeliveryPending,
	}
	if record.Provisional() {
		result.Outcome = ""
		return result, nil
	}
	if record.SyncState == clip.SyncStateLocal {
		result.Delivery = c.pushOrEnqueue(ctx, record)
		if stored, err := c.store.FindByID(ctx, record.LocalID); err == nil {
			result.Record = stored
		}
	}
	return result, nil
}

// Delete tombstones a record and propagates the deletion. A provisional record
// never reached the remote store and is removed outright.
func (c *Coordinator) Delete(ctx context.Context, localID string) (Delivery, error) {
	record, err := c.store.FindByID(ctx, localID)
	if err != nil {
		return "", err
	}
	if record.Tombstoned {
		return DeliveryPending, nil
	}
	if record.Provisional() {
		if err := c.store.Delete(ctx, localID); err != nil {
			return "", err
		}
		return DeliveryPending, nil
	}

	record.Tombstoned = true
	record.LastModifiedMillis = clip.Millis(c.clock())
	record.SyncState = clip.SyncStateLocal
	if err := c.store.Update(ctx, &record); err != nil {
		return "", clip.NewServiceError(opDelete, "tombstone_failed", err)
	}
	c.logger.Info("clipboard record deleted", zap.String(fieldLocalID, localID), zap.String("canonical_id", record.CanonicalID))
	return c.pushOrEnqueue(ctx, record), nil
}

// Execute performs one queued operation against the remote store using the
// record's current local state.
func (c *Coordinator) Execute(ctx context.Context, operation clip.QueuedOperation) error {
	record, err := c.store.FindByID(ctx, operation.ItemID)
	if errors.Is(err, clip.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return clip.NewServiceError(opExecute, "lookup_failed", err)
	}
	switch operation.Kind {
	case clip.OperationPush:
		if record.Tombstoned || record.Provisional() {
			return nil
		}
		return c.push(ctx, record)
	case clip.OperationDelete:
		return c.deleteRemote(ctx, record)
	default:
		return clip.NewServiceError(opExecute, "unknown_operation", unknownOperation(operation.Kind))
	}
}

// pushOrEnqueue delivers record immediately when connected and falls back to
// the offline queue otherwise or on failure.
func (c *Coordinator) pushOrEnqueue(ctx context.Context, record clip.Record) Delivery {
	kind := clip.OperationPush
	deliver := c.push
	if record.Tombstoned {
		kind = clip.OperationDelete
		deliver = c.deleteRemote
	}
	if c.network.Connected() {
		err := deliver(ctx, record)
		if err == nil {
			return DeliveryPushed
		}
		c.logger.Info("remote delivery deferred", zap.String(fieldLocalID, record.LocalID), zap.Error(err))
	}
	if err := c.queue.Enqueue(ctx, record.LocalID, kind, record.ContentHash); err != nil {
		logError(c.logger, opPush, "enqueue_failed", err, zap.String(fieldLocalID, record.LocalID))
		return DeliveryPending
	}
	return DeliveryQueued
}

func (c *Coordinator) push(ctx context.Context, record clip.Record) error {
	remote, err := record.Remote()
	if err != nil {
		return clip.NewServiceError(opPush, "invalid_record", err)
	}
	if err := c.transition(ctx, record, clip.SyncStateSyncing); err != nil {
		return clip.NewServiceError(opPush, "state_update_failed", err)
	}
	if err := c.remote.Push(ctx, remote); err != nil {
		next := clip.SyncStateFailed
		if errors.Is(err, clip.ErrNotConnected) {
			next = clip.SyncStateLocal
		}
		if stateErr := c.transition(ctx, record, next); stateErr != nil {
			logError(c.logger, opPush, "state_update_failed", stateErr, zap.String(fieldLocalID, record.LocalID))
		}
		return err
	}
	return c.transition(ctx, record, clip.SyncStateSynced)
}

func (c *Coordinator) deleteRemote(ctx context.Context, record clip.Record) error {
	if err := c.remote.Delete(ctx, record.CanonicalID); err != nil {
		return err
	}
	return c.transition(ctx, record, clip.SyncStateSynced)
}

// transition sets the sync state of the stored record provided it still holds
// the content and modification time of sent.
func (c *Coordinator) transition(ctx context.Context, sent clip.Record, state clip.SyncState) error {
	return c.store.Transaction(ctx, func(records localstore.Records) error {
		current, err := records.FindByID(ctx, sent.LocalID)
		if errors.Is(err, clip.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.ContentHash != sent.ContentHash ||
			current.LastModifiedMillis != sent.LastModifiedMillis ||
			current.Tombstoned != sent.Tombstoned ||
			current.SyncState == state {
			return nil
		}
		current.SyncState = state
		if state == clip.SyncStateSynced {
			current.SyncedAtMillis = clip.Millis(c.clock())
		}
		return records.Update(ctx, &current)
	})
}
