package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
)

const (
	defaultStorageKey = "offline_queue"
	opQueueNew        = "queue.new"
	opEnqueue         = "queue.enqueue"
	opDrain           = "queue.drain"
	fieldItemID       = "item_id"
)

var (
	errMissingBlobStore = errors.New("blob store is required")
	errMissingItemID    = errors.New("item id is required")
	errUnknownOperation = errors.New("unknown operation kind")
	noOpLogger          = zap.NewNop()
)

// BlobStore persists the serialized queue.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Executor performs one queued operation against the remote store.
type Executor interface {
	Execute(ctx context.Context, operation clip.QueuedOperation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, operation clip.QueuedOperation) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, operation clip.QueuedOperation) error {
	return f(ctx, operation)
}

// Config describes the dependencies of a Queue.
type Config struct {
	Blobs      BlobStore
	StorageKey string
	Backoff    BackoffConfig
	Clock      func() time.Time
	Logger     *zap.Logger
	// OnDepthChange observes the queue depth after every mutation.
	OnDepthChange func(depth int)
}

// Queue is a persisted log of pending remote operations holding at most one
// operation per item, ordered by enqueue time.
type Queue struct {
	mu       sync.Mutex
	drainMu  sync.Mutex
	ops      []clip.QueuedOperation
	backoffs map[string]*retryBackoff

	blobs         BlobStore
	key           string
	backoff       BackoffConfig
	clock         func() time.Time
	logger        *zap.Logger
	onDepthChange func(int)
}

// New restores the queue from its persisted snapshot.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Blobs == nil {
		return nil, clip.NewServiceError(opQueueNew, "missing_blob_store", errMissingBlobStore)
	}
	key := cfg.StorageKey
	if key == "" {
		key = defaultStorageKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	q := &Queue{
		backoffs:      make(map[string]*retryBackoff),
		blobs:         cfg.Blobs,
		key:           key,
		backoff:       cfg.Backoff,
		clock:         clock,
		logger:        logger,
		onDepthChange: cfg.OnDepthChange,
	}

	data, found, err := cfg.Blobs.Get(ctx, key)
	if err != nil {
		return nil, clip.NewServiceError(opQueueNew, "load_failed", err)
	}
	if found && len(data) > 0 {
		operations, decodeErr := decodeSnapshot(data)
		if decodeErr != nil {
			return nil, clip.NewServiceError(opQueueNew, "decode_failed", decodeErr)
		}
		q.ops = operations
	}
	q.notifyDepth(len(q.ops))
	return q, nil
}

// Enqueue inserts or replaces the pending operation for itemID. Re-enqueueing an
// identical operation keeps the original position.
func (q *Queue) Enqueue(ctx context.Context, itemID string, kind clip.OperationKind, contentHash string) error {
	if itemID == "" {
		return clip.NewServiceError(opEnqueue, "missing_item_id", errMissingItemID)
	}
	if kind != clip.OperationPush && kind != clip.OperationDelete {
		return clip.NewServiceError(opEnqueue, "unknown_operation", fmt.Errorf("%w: %q", errUnknownOperation, kind))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.indexOf(itemID)
	if index >= 0 {
		existing := q.ops[index]
		if existing.Kind == kind && existing.ContentHash == contentHash {
			return nil
		}
	}

	next := make([]clip.QueuedOperation, 0, len(q.ops)+1)
	for i, op := range q.ops {
		if i != index {
			next = append(next, op)
		}
	}
	next = append(next, clip.QueuedOperation{
		ItemID:      itemID,
		Kind:        kind,
		ContentHash: contentHash,
		EnqueuedAt:  q.clock().UTC(),
	})
	delete(q.backoffs, itemID)

	if err := q.persistLocked(ctx, next); err != nil {
		return clip.NewServiceError(opEnqueue, "persist_failed", err)
	}
	q.ops = next
	q.logger.Debug("operation enqueued",
		zap.String(fieldItemID, itemID),
		zap.String("kind", string(kind)),
		zap.Int("depth", len(next)))
	q.notifyDepth(len(next))
	return nil
}

// Drain executes queued operations in enqueue order and stops at the first
// failure, leaving the failed operation at the head. It returns the number of
// operations that succeeded and were removed.
func (q *Queue) Drain(ctx context.Context, executor Executor) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return processed, nil
		}
		head := q.ops[0]
		if backoff, ok := q.backoffs[head.ItemID]; ok && !backoff.due(q.clock()) {
			q.mu.Unlock()
			q.logger.Debug("queue head backing off", zap.String(fieldItemID, head.ItemID))
			return processed, nil
		}
		q.mu.Unlock()

		if err := executor.Execute(ctx, head); err != nil {
			q.recordFailure(head)
			q.logger.Warn("queued operation failed",
				zap.String("operation", opDrain),
				zap.String(fieldItemID, head.ItemID),
				zap.String("kind", string(head.Kind)),
				zap.Error(err))
			return processed, clip.NewServiceError(opDrain, "operation_failed", err)
		}

		if err := q.remove(ctx, head); err != nil {
			return processed, clip.NewServiceError(opDrain, "persist_failed", err)
		}
		processed++
	}
}

// Depth returns the number of pending operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the pending operations in drain order.
func (q *Queue) Pending() []clip.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]clip.QueuedOperation(nil), q.ops...)
}

// ResetBackoff makes every pending operation immediately eligible, used when
// connectivity returns.
func (q *Queue) ResetBackoff() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoffs = make(map[string]*retryBackoff)
}

func (q *Queue) recordFailure(operation clip.QueuedOperation) {
	if !q.backoff.enabled() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(operation.ItemID) < 0 {
		return
	}
	backoff, ok := q.backoffs[operation.ItemID]
	if !ok {
		backoff = newRetryBackoff(q.backoff)
		q.backoffs[operation.ItemID] = backoff
	}
	delay := backoff.fail(q.clock())
	q.logger.Debug("queued operation backoff scheduled",
		zap.String(fieldItemID, operation.ItemID),
		zap.Duration("delay", delay),
		zap.Int("attempts", backoff.attempts))
}

// remove drops operation unless it was superseded while executing.
func (q *Queue) remove(ctx context.Context, operation clip.QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.indexOf(operation.ItemID)
	if index < 0 {
		return nil
	}
	current := q.ops[index]
	if current.Kind != operation.Kind || !current.EnqueuedAt.Equal(operation.EnqueuedAt) {
		return nil
	}

	next := make([]clip.QueuedOperation, 0, len(q.ops)-1)
	next = append(next, q.ops[:index]...)
	next = append(next, q.ops[index+1:]...)
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.ops = next
	delete(q.backoffs, operation.ItemID)
	q.notifyDepth(len(next))
	return nil
}

func (q *Queue) indexOf(itemID string) int {
	for i, op := range q.ops {
		if op.ItemID == itemID {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked(ctx context.Context, operations []clip.QueuedOperation) error {
	data, err := encodeSnapshot(operations)
	if err != nil {
		return err
	}
	return q.blobs.Put(ctx, q.key, data)
}

func (q *Queue) notifyDepth(depth int) {
	if q.onDepthChange != nil {
		q.onDepthChange(depth)
	}
}
