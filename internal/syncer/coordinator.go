package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/correlator"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clipsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clipsync/internal/resolver"
	"go.uber.org/zap"
)

const (
	defaultInterval = 10 * time.Second
	opCycle         = "syncer.cycle"
	opPush          = "syncer.push"
	opDelete        = "syncer.delete"
	opCapture       = "syncer.capture"
	opExecute       = "syncer.execute"
	fieldLocalID    = "local_id"
	fieldTrigger    = "trigger"
)

var (
	errMissingStore      = errors.New("local store is required")
	errMissingQueue      = errors.New("offline queue is required")
	errMissingResolver   = errors.New("id resolver is required")
	errMissingReconciler = errors.New("reconciliation engine is required")
	errMissingCorrelator = errors.New("clipboard correlator is required")
	errMissingRemote     = errors.New("remote adapter is required")
	errMissingNetwork    = errors.New("network monitor is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device id is required")
)

// RemoteAdapter is the coordinator's view of the remote store.
type RemoteAdapter interface {
	Push(ctx context.Context, record clip.RemoteRecord) error
	PullAll(ctx context.Context) ([]clip.RemoteRecord, bool, error)
	Delete(ctx context.Context, canonicalID string) error
	Subscribe(ctx context.Context) (<-chan clip.Change, error)
}

// NetworkMonitor reports connectivity and its transitions.
type NetworkMonitor interface {
	Connected() bool
	Transitions() <-chan bool
}

// Trigger names what started a sync cycle.
type Trigger string

const (
	TriggerTimer        Trigger = "timer"
	TriggerReconnect    Trigger = "reconnect"
	TriggerForce        Trigger = "force"
	TriggerNotification Trigger = "notification"
)

// Status is the externally observable state of the engine.
type Status struct {
	State      clip.SyncStatus  `json:"state"`
	Connected  bool             `json:"connected"`
	LastSyncAt time.Time        `json:"last_sync_at"`
	LastError  string           `json:"last_error,omitempty"`
	QueueDepth int              `json:"queue_depth"`
	LastResult reconcile.Result `json:"last_result"`
	Conflicts  int              `json:"conflicts"`
}

// Config wires the coordinator to its collaborators.
type Config struct {
	Store       *localstore.Store
	Queue       *queue.Queue
	Resolver    *resolver.Resolver
	Reconciler  *reconcile.Engine
	Correlator  *correlator.Correlator
	Candidates  *CandidateSource
	Remote      RemoteAdapter
	Network     NetworkMonitor
	IDProvider  clip.IDProvider
	DeviceID    clip.DeviceID
	DeviceClass clip.DeviceClass
	Interval    time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	// OnStatusChange observes every engine state transition.
	OnStatusChange func(Status)
}

// Coordinator runs sync cycles and is the entry point for local captures and
// deletions.
type Coordinator struct {
	store       *localstore.Store
	queue       *queue.Queue
	resolver    *resolver.Resolver
	reconciler  *reconcile.Engine
	correlator  *correlator.Correlator
	candidates  *CandidateSource
	remote      RemoteAdapter
	network     NetworkMonitor
	ids         clip.IDProvider
	deviceID    clip.DeviceID
	deviceClass clip.DeviceClass
	interval    time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	onStatus    func(Status)

	cycleMu  sync.Mutex
	triggers chan Trigger

	statusMu   sync.Mutex
	state      clip.SyncStatus
	lastSyncAt time.Time
	lastError  string
	lastResult reconcile.Result
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Store == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_store", errMissingStore)
	case cfg.Queue == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_queue", errMissingQueue)
	case cfg.Resolver == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_resolver", errMissingResolver)
	case cfg.Reconciler == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_reconciler", errMissingReconciler)
	case cfg.Correlator == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_correlator", errMissingCorrelator)
	case cfg.Remote == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_remote", errMissingRemote)
	case cfg.Network == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_network", errMissingNetwork)
	case cfg.IDProvider == nil:
		return nil, clip.NewServiceError("syncer.new", "missing_id_provider", errMissingIDProvider)
	case cfg.DeviceID == "":
		return nil, clip.NewServiceError("syncer.new", "missing_device_id", errMissingDeviceID)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:       cfg.Store,
		queue:       cfg.Queue,
		resolver:    cfg.Resolver,
		reconciler:  cfg.Reconciler,
		correlator:  cfg.Correlator,
		candidates:  cfg.Candidates,
		remote:      cfg.Remote,
		network:     cfg.Network,
		ids:         cfg.IDProvider,
		deviceID:    cfg.DeviceID,
		deviceClass: cfg.DeviceClass,
		interval:    interval,
		clock:       clock,
		logger:      logger,
		onStatus:    cfg.OnStatusChange,
		triggers:    make(chan Trigger, 1),
		state:       clip.StatusLocal,
	}, nil
}

// Run drives sync cycles from the timer, reconnection edges, change
// notifications and Trigger calls until ctx is cancelled. Cycles never overlap;
// triggers arriving during a cycle coalesce into one follow-up cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.recoverInFlight(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	go c.watchChanges(ctx)

	transitions := c.network.Transitions()
	c.Trigger(TriggerForce)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runCycle(ctx, TriggerTimer)
		case connected := <-transitions:
			if connected {
				c.logger.Info("connectivity restored")
				c.queue.ResetBackoff()
				c.runCycle(ctx, TriggerReconnect)
			} else {
				c.logger.Info("connectivity lost")
			}
		case trigger := <-c.triggers:
			c.runCycle(ctx, trigger)
		}
	}
}

// Trigger requests a cycle from the Run loop without blocking. A request made
// while another is pending is merged into it.
func (c *Coordinator) Trigger(trigger Trigger) {
	select {
	case c.triggers <- trigger:
	default:
	}
}

// SyncNow runs one cycle synchronously, waiting for any cycle in flight.
func (c *Coordinator) SyncNow(ctx context.Context) (reconcile.Result, error) {
	return c.cycle(ctx, TriggerForce)
}

// Status returns a snapshot of the observable engine state.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.statusLocked()
}

// Conflicts returns the deferred canonical ID conflicts.
func (c *Coordinator) Conflicts() []resolver.Conflict {
	return c.resolver.Conflicts()
}

// ResolveConflict replays a deferred conflict with strategy and pushes the
// resolved record.
func (c *Coordinator) ResolveConflict(ctx context.Context, localID string, strategy resolver.Strategy) (clip.Record, error) {
	result := c.resolver.ResolveConflict(ctx, localID, strategy)
	if result.Outcome != resolver.OutcomeResolved {
		return clip.Record{}, result.Err
	}
	c.pushOrEnqueue(ctx, result.Record)
	return c.store.FindByID(ctx, localID)
}

func (c *Coordinator) runCycle(ctx context.Context, trigger Trigger) {
	if _, err := c.cycle(ctx, trigger); err != nil {
		c.logger.Debug("sync cycle ended with error", zap.String(fieldTrigger, string(trigger)), zap.Error(err))
	}
}

// cycle resolves provisional records, queues pending pushes, drains the queue,
// pulls the complete remote set and reconciles it. Any failure marks the
// engine failed; the next trigger retries from scratch.
func (c *Coordinator) cycle(ctx context.Context, trigger Trigger) (reconcile.Result, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.setState(clip.StatusSyncing, nil, nil)
	c.logger.Debug("sync cycle started", zap.String(fieldTrigger, string(trigger)))

	c.resolveProvisional(ctx)

	if err := c.enqueuePending(ctx); err != nil {
		return c.fail("enqueue_failed", err)
	}

	if !c.network.Connected() {
		return c.fail("not_connected", clip.ErrNotConnected)
	}

	if processed, err := c.queue.Drain(ctx, queue.ExecutorFunc(c.Execute)); err != nil {
		c.logger.Warn("offline queue drain halted",
			zap.String("operation", opCycle),
			zap.Int("processed", processed),
			zap.Int("remaining", c.queue.Depth()),
			zap.Error(err))
	}

	takenAt := c.clock()
	records, complete, err := c.remote.PullAll(ctx)
	if err != nil {
		return c.fail("pull_failed", err)
	}
	pulledAt := c.clock()
	c.correlator.ObserveRemote(records, pulledAt)
	if c.candidates != nil {
		c.candidates.Observe(records, pulledAt)
	}

	result, err := c.reconciler.Reconcile(ctx, reconcile.Snapshot{
		Records:       records,
		Complete:      complete,
		TakenAtMillis: clip.Millis(takenAt),
	})
	if err != nil {
		return c.fail("reconcile_failed", err)
	}

	c.setState(clip.StatusSynced, nil, &result)
	return result, nil
}

func (c *Coordinator) fail(reason string, err error) (reconcile.Result, error) {
	wrapped := clip.NewServiceError(opCycle, reason, err)
	if !errors.Is(err, clip.ErrNotConnected) {
		logError(c.logger, opCycle, reason, err)
	}
	c.setState(clip.StatusFailed, wrapped, nil)
	return reconcile.Result{}, wrapped
}

// resolveProvisional retries canonical ID resolution for every provisional
// record. Failures leave records provisional for the next cycle.
func (c *Coordinator) resolveProvisional(ctx context.Context) {
	provisional, err := c.store.FindAll(ctx, localstore.Provisional())
	if err != nil || len(provisional) == 0 {
		return
	}
	requests := make([]resolver.Request, 0, len(provisional))
	for _, record := range provisional {
		requests = append(requests, resolver.Request{Record: record})
	}
	resolved, conflicted, failed := 0, 0, 0
	for _, result := range c.resolver.ResolveBatch(ctx, requests) {
		switch result.Outcome {
		case resolver.OutcomeResolved:
			resolved++
		case resolver.OutcomeConflicted:
			conflicted++
		default:
			failed++
		}
	}
	c.logger.Debug("provisional records resolved",
		zap.Int("resolved", resolved),
		zap.Int("conflicted", conflicted),
		zap.Int("failed", failed))
}

// enqueuePending queues every resolved record whose latest state has not been
// acknowledged by the remote store.
func (c *Coordinator) enqueuePending(ctx context.Context) error {
	pending, err := c.store.FindAll(ctx, localstore.PendingPush())
	if err != nil {
		return err
	}
	for _, record := range pending {
		kind := clip.OperationPush
		if record.Tombstoned {
			kind = clip.OperationDelete
		}
		if err := c.queue.Enqueue(ctx, record.LocalID, kind, record.ContentHash); err != nil {
			return err
		}
	}
	return nil
}

// recoverInFlight returns records left syncing by an interrupted push to the
// local state so they are pushed again.
func (c *Coordinator) recoverInFlight(ctx context.Context) error {
	records, err := c.store.FindAll(ctx, localstore.All())
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.SyncState != clip.SyncStateSyncing {
			continue
		}
		record.SyncState = clip.SyncStateLocal
		if err := c.store.Update(ctx, &record); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) watchChanges(ctx context.Context) {
	for {
		if c.network.Connected() {
			changes, err := c.remote.Subscribe(ctx)
			if err != nil {
				c.logger.Warn("change subscription failed", zap.Error(err))
			} else {
				c.logger.Debug("change subscription established")
				for change := range changes {
					c.logger.Debug("remote change notified",
						zap.String("kind", string(change.Kind)),
						zap.String("canonical_id", change.CanonicalID),
						zap.String("device", change.Device.String()))
					c.Trigger(TriggerNotification)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

func (c *Coordinator) setState(state clip.SyncStatus, err error, result *reconcile.Result) {
	c.statusMu.Lock()
	c.state = state
	switch state {
	case clip.StatusSynced:
		c.lastSyncAt = c.clock().UTC()
		c.lastError = ""
		if result != nil {
			c.lastResult = *result
		}
	case clip.StatusFailed:
		if err != nil {
			c.lastError = err.Error()
		}
	}
	status := c.statusLocked()
	c.statusMu.Unlock()

	c.logger.Debug("sync state changed", zap.String("state", string(state)))
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

func (c *Coordinator) statusLocked() Status {
	return Status{
		State:      c.state,
		Connected:  c.network.Connected(),
		LastSyncAt: c.lastSyncAt,
		LastError:  c.lastError,
		QueueDepth: c.queue.Depth(),
		LastResult: c.lastResult,
		Conflicts:  len(c.resolver.Conflicts()),
	}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("syncer error", attrs...)
}

func unknownOperation(kind clip.OperationKind) error {
	return fmt.Errorf("unknown operation kind %q", kind)
}
