package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWindow    = 60 * time.Second
	defaultBatchSize = 10
	opResolve        = "resolver.resolve"
	fieldLocalID     = "local_id"
)

var (
	errMissingSource     = errors.New("candidate source is required")
	errMissingAssigner   = errors.New("canonical id assigner is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device id is required")
)

// Outcome classifies a resolution attempt.
type Outcome string

const (
	OutcomeResolved   Outcome = "resolved"
	OutcomeConflicted Outcome = "conflicted"
	OutcomeFailed     Outcome = "failed"
)

// CandidateSource finds records that may already name the same logical entry.
type CandidateSource interface {
	// FindCandidates returns records originated by devices other than exclude
	// whose content equals record's and whose creation time lies within window
	// of record's.
	FindCandidates(ctx context.Context, record clip.Record, exclude clip.DeviceID, window time.Duration) ([]clip.RemoteRecord, error)
	// FindSiblings returns resolved local records with record's content created
	// within window, excluding record itself.
	FindSiblings(ctx context.Context, record clip.Record, window time.Duration) ([]clip.Record, error)
}

// Assigner persists a canonical ID onto a provisional record.
type Assigner interface {
	AssignCanonicalID(ctx context.Context, localID, canonicalID string, origin clip.DeviceID, class clip.DeviceClass) (clip.Record, error)
}

// Hint carries a correlator suggestion for a hand-off observation.
type Hint struct {
	CanonicalID  string
	OriginDevice clip.DeviceID
	OriginClass  clip.DeviceClass
}

// Request asks for one record to be resolved.
type Request struct {
	Record clip.Record
	Hint   *Hint
}

// Conflict describes an ambiguous resolution awaiting a strategy.
type Conflict struct {
	Record     clip.Record
	Candidates []clip.RemoteRecord
	Reason     string
	Suggested  Strategy
	DetectedAt time.Time
}

// Result is the outcome of resolving one record.
type Result struct {
	LocalID      string
	Outcome      Outcome
	CanonicalID  string
	OriginDevice clip.DeviceID
	Minted       bool
	Record       clip.Record
	Conflict     *Conflict
	Err          error
}

// Config describes the dependencies and tuning of a Resolver.
type Config struct {
	Source      CandidateSource
	Assigner    Assigner
	IDProvider  clip.IDProvider
	DeviceID    clip.DeviceID
	DeviceClass clip.DeviceClass
	Window      time.Duration
	BatchSize   int
	// AutoStrategy resolves ambiguous matches immediately when set; otherwise
	// they are deferred to the conflict list.
	AutoStrategy Strategy
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Resolver assigns canonical IDs to provisional records.
type Resolver struct {
	source       CandidateSource
	assigner     Assigner
	ids          clip.IDProvider
	deviceID     clip.DeviceID
	deviceClass  clip.DeviceClass
	window       time.Duration
	batchSize    int
	autoStrategy Strategy
	clock        func() time.Time
	logger       *zap.Logger

	groups *keyedMutex

	mu        sync.Mutex
	conflicts map[string]Conflict
}

// New constructs a Resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Source == nil {
		return nil, clip.NewServiceError("resolver.new", "missing_source", errMissingSource)
	}
	if cfg.Assigner == nil {
		return nil, clip.NewServiceError("resolver.new", "missing_assigner", errMissingAssigner)
	}
	if cfg.IDProvider == nil {
		return nil, clip.NewServiceError("resolver.new", "missing_id_provider", errMissingIDProvider)
	}
	if cfg.DeviceID == "" {
		return nil, clip.NewServiceError("resolver.new", "missing_device_id", errMissingDeviceID)
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		source:       cfg.Source,
		assigner:     cfg.Assigner,
		ids:          cfg.IDProvider,
		deviceID:     cfg.DeviceID,
		deviceClass:  cfg.DeviceClass,
		window:       window,
		batchSize:    batchSize,
		autoStrategy: cfg.AutoStrategy,
		clock:        clock,
		logger:       logger,
		groups:       newKeyedMutex(),
		conflicts:    make(map[string]Conflict),
	}, nil
}

// Resolve assigns or reconciles the canonical ID of one record. Records that
// already carry a canonical ID are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, request Request) Result {
	record := request.Record
	if !record.Provisional() {
		return Result{
			LocalID:      record.LocalID,
			Outcome:      OutcomeResolved,
			CanonicalID:  record.CanonicalID,
			OriginDevice: record.OriginDevice,
			Record:       record,
		}
	}

	unlock := r.groups.lock(record.ContentHash)
	defer unlock()

	candidates, err := r.source.FindCandidates(ctx, record, r.deviceID, r.window)
	if err != nil {
		return r.fail(record, "candidate_lookup_failed", err)
	}
	candidates = r.filterCandidates(record, candidates)

	var chosen clip.RemoteRecord
	minted := false
	switch len(candidates) {
	case 0:
		sibling, found, siblingErr := r.earliestSibling(ctx, record)
		if siblingErr != nil {
			return r.fail(record, "sibling_lookup_failed", siblingErr)
		}
		switch {
		case found:
			chosen = sibling
		case request.Hint != nil && request.Hint.CanonicalID != "" && request.Hint.OriginDevice != r.deviceID:
			chosen = clip.RemoteRecord{
				CanonicalID:  request.Hint.CanonicalID,
				OriginDevice: request.Hint.OriginDevice,
				OriginClass:  request.Hint.OriginClass,
			}
		default:
			canonicalID, idErr := r.ids.NewID()
			if idErr != nil {
				return r.fail(record, "id_generation_failed", idErr)
			}
			chosen = clip.RemoteRecord{CanonicalID: canonicalID, OriginDevice: r.deviceID, OriginClass: r.deviceClass}
			minted = true
		}
	case 1:
		chosen = candidates[0]
	default:
		tied := earliestTied(candidates)
		if len(tied) == 1 {
			chosen = tied[0]
		} else if r.autoStrategy != "" {
			chosen = r.autoStrategy.Apply(tied)
		} else {
			return r.deferConflict(record, tied)
		}
	}

	stored, err := r.assigner.AssignCanonicalID(ctx, record.LocalID, chosen.CanonicalID, chosen.OriginDevice, chosen.OriginClass)
	if err != nil {
		return r.fail(record, "assign_failed", err)
	}
	r.clearConflict(record.LocalID)

	r.logger.Debug("canonical id resolved",
		zap.String(fieldLocalID, record.LocalID),
		zap.String("canonical_id", stored.CanonicalID),
		zap.String("origin_device", stored.OriginDevice.String()),
		zap.Bool("minted", minted),
		zap.Int("candidates", len(candidates)))

	return Result{
		LocalID:      record.LocalID,
		Outcome:      OutcomeResolved,
		CanonicalID:  stored.CanonicalID,
		OriginDevice: stored.OriginDevice,
		Minted:       minted && stored.CanonicalID == chosen.CanonicalID,
		Record:       stored,
	}
}

// ResolveBatch resolves many records with at most BatchSize in flight. Records
// in the same content group are serialized by Resolve itself.
func (r *Resolver) ResolveBatch(ctx context.Context, requests []Request) []Result {
	results := make([]Result, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.batchSize)
	for index := range requests {
		group.Go(func() error {
			results[index] = r.Resolve(groupCtx, requests[index])
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// Conflicts returns the deferred conflicts ordered by detection time.
func (r *Resolver) Conflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflicts := make([]Conflict, 0, len(r.conflicts))
	for _, conflict := range r.conflicts {
		conflicts = append(conflicts, conflict)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if !conflicts[i].DetectedAt.Equal(conflicts[j].DetectedAt) {
			return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
		}
		return conflicts[i].Record.LocalID < conflicts[j].Record.LocalID
	})
	return conflicts
}

// ResolveConflict replays a deferred conflict with a fixed strategy.
func (r *Resolver) ResolveConflict(ctx context.Context, localID string, strategy Strategy) Result {
	r.mu.Lock()
	conflict, ok := r.conflicts[localID]
	r.mu.Unlock()
	if !ok {
		return Result{LocalID: localID, Outcome: OutcomeFailed,
			Err: clip.NewServiceError(opResolve, "conflict_not_found", fmt.Errorf("%w: %s", clip.ErrRecordNotFound, localID))}
	}
	chosen := strategy.Apply(conflict.Candidates)
	stored, err := r.assigner.AssignCanonicalID(ctx, localID, chosen.CanonicalID, chosen.OriginDevice, chosen.OriginClass)
	if err != nil {
		return r.fail(conflict.Record, "assign_failed", err)
	}
	r.clearConflict(localID)
	return Result{
		LocalID:      localID,
		Outcome:      OutcomeResolved,
		CanonicalID:  stored.CanonicalID,
		OriginDevice: stored.OriginDevice,
		Record:       stored,
	}
}

func (r *Resolver) filterCandidates(record clip.Record, candidates []clip.RemoteRecord) []clip.RemoteRecord {
	seen := make(map[string]bool, len(candidates))
	filtered := make([]clip.RemoteRecord, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.CanonicalID == "" || candidate.OriginDevice == r.deviceID || seen[candidate.CanonicalID] {
			continue
		}
		if candidate.Content != record.Content {
			continue
		}
		if record.CreatedAtMillis > 0 && candidate.CreatedAtMillis > 0 {
			delta := time.Duration(record.CreatedAtMillis-candidate.CreatedAtMillis) * time.Millisecond
			if delta < 0 {
				delta = -delta
			}
			if delta > r.window {
				continue
			}
		}
		seen[candidate.CanonicalID] = true
		filtered = append(filtered, candidate)
	}
	return filtered
}

func (r *Resolver) earliestSibling(ctx context.Context, record clip.Record) (clip.RemoteRecord, bool, error) {
	siblings, err := r.source.FindSiblings(ctx, record, r.window)
	if err != nil {
		return clip.RemoteRecord{}, false, err
	}
	var best clip.RemoteRecord
	found := false
	for _, sibling := range siblings {
		if sibling.LocalID == record.LocalID || sibling.Provisional() || sibling.Content != record.Content {
			continue
		}
		candidate, convErr := sibling.Remote()
		if convErr != nil {
			continue
		}
		if !found || earlier(candidate, best) {
			best = candidate
			found = true
		}
	}
	return best, found, nil
}

// earliestTied returns the candidates sharing the earliest creation time.
func earliestTied(candidates []clip.RemoteRecord) []clip.RemoteRecord {
	ordered := append([]clip.RemoteRecord(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return earlier(ordered[i], ordered[j])
	})
	tied := ordered[:1]
	for _, candidate := range ordered[1:] {
		if candidate.CreatedAtMillis != ordered[0].CreatedAtMillis {
			break
		}
		tied = append(tied, candidate)
	}
	return tied
}

func (r *Resolver) deferConflict(record clip.Record, tied []clip.RemoteRecord) Result {
	conflict := Conflict{
		Record:     record,
		Candidates: tied,
		Reason:     fmt.Sprintf("%d candidates share the earliest creation time", len(tied)),
		Suggested:  suggestStrategy(tied),
		DetectedAt: r.clock().UTC(),
	}
	r.mu.Lock()
	if existing, ok := r.conflicts[record.LocalID]; ok {
		conflict.DetectedAt = existing.DetectedAt
	}
	r.conflicts[record.LocalID] = conflict
	r.mu.Unlock()

	r.logger.Info("canonical id resolution deferred",
		zap.String(fieldLocalID, record.LocalID),
		zap.Int("candidates", len(tied)),
		zap.String("suggested_strategy", string(conflict.Suggested)))

	return Result{
		LocalID:  record.LocalID,
		Outcome:  OutcomeConflicted,
		Record:   record,
		Conflict: &conflict,
		Err:      clip.NewServiceError(opResolve, "conflicted", clip.ErrResolutionConflict),
	}
}

func (r *Resolver) clearConflict(localID string) {
	r.mu.Lock()
	delete(r.conflicts, localID)
	r.mu.Unlock()
}

func (r *Resolver) fail(record clip.Record, reason string, err error) Result {
	r.logger.Warn("canonical id resolution failed",
		zap.String("operation", opResolve),
		zap.String("reason", reason),
		zap.String(fieldLocalID, record.LocalID),
		zap.Error(err))
	return Result{
		LocalID: record.LocalID,
		Outcome: OutcomeFailed,
		Record:  record,
		Err:     clip.NewServiceError(opResolve, reason, err),
	}
}
