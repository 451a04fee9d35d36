package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"go.uber.org/zap"
)

const (
	defaultConflictWindow     = 10 * time.Second
	defaultLengthRatio        = 1.2
	defaultTombstoneRetention = 24 * time.Hour
	opReconcile               = "reconcile.apply"
)

var (
	errMissingStore      = errors.New("local store is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// Transactor runs a function against an atomic view of the local store.
type Transactor interface {
	Transaction(ctx context.Context, fn func(localstore.Records) error) error
}

// Snapshot is the result of one pull. Complete must only be set when Records is
// the entire remote set; absence is then treated as deletion. TakenAtMillis is
// when the pull started; records acknowledged at or after it may be missing
// from Records without having been deleted.
type Snapshot struct {
	Records       []clip.RemoteRecord
	Complete      bool
	TakenAtMillis int64
}

// Counts summarises one reconciliation pass.
type Counts struct {
	Reconciled     int `json:"reconciled"`
	NewFromRemote  int `json:"new_from_remote"`
	DeletedLocally int `json:"deleted_locally"`
	Conflicts      int `json:"conflicts"`
	Discarded      int `json:"discarded"`
	Collapsed      int `json:"collapsed"`
	Purged         int `json:"purged"`
}

// Result reports the counts and the number of local store writes of a pass.
type Result struct {
	Counts
	Mutations int `json:"mutations"`
}

// Config describes the dependencies and thresholds of an Engine.
type Config struct {
	Store              Transactor
	IDProvider         clip.IDProvider
	ConflictWindow     time.Duration
	LengthRatio        float64
	TombstoneRetention time.Duration
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Engine merges pulled remote snapshots into the local store.
type Engine struct {
	store     Transactor
	ids       clip.IDProvider
	policy    policy
	retention time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, clip.NewServiceError("reconcile.new", "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, clip.NewServiceError("reconcile.new", "missing_id_provider", errMissingIDProvider)
	}
	window := cfg.ConflictWindow
	if window <= 0 {
		window = defaultConflictWindow
	}
	ratio := cfg.LengthRatio
	if ratio < 1 {
		ratio = defaultLengthRatio
	}
	retention := cfg.TombstoneRetention
	if retention <= 0 {
		retention = defaultTombstoneRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     cfg.Store,
		ids:       cfg.IDProvider,
		policy:    policy{conflictWindow: window, lengthRatio: ratio},
		retention: retention,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Reconcile merges snapshot into the full local record set. All writes of the
// pass commit together; on error nothing is applied.
func (e *Engine) Reconcile(ctx context.Context, snapshot Snapshot) (Result, error) {
	var result Result
	err := e.store.Transaction(ctx, func(records localstore.Records) error {
		local, err := records.FindAll(ctx, localstore.All())
		if err != nil {
			return err
		}
		p, err := e.buildPlan(local, snapshot)
		if err != nil {
			return err
		}
		if err := p.apply(ctx, records); err != nil {
			return err
		}
		result = Result{Counts: p.counts, Mutations: p.mutations()}
		return nil
	})
	if err != nil {
		e.logger.Error("reconcile error",
			zap.String("operation", opReconcile),
			zap.String("reason", "transaction_failed"),
			zap.Error(err))
		return Result{}, clip.NewServiceError(opReconcile, "transaction_failed", err)
	}

	e.logger.Info("reconciliation pass complete",
		zap.Int("remote_records", len(snapshot.Records)),
		zap.Bool("complete", snapshot.Complete),
		zap.Int("reconciled", result.Reconciled),
		zap.Int("new_from_remote", result.NewFromRemote),
		zap.Int("deleted_locally", result.DeletedLocally),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("mutations", result.Mutations))
	return result, nil
}

type plan struct {
	inserts []clip.Record
	updates []clip.Record
	deletes []string
	counts  Counts
}

func (p *plan) mutations() int {
	return len(p.inserts) + len(p.updates) + len(p.deletes)
}

func (p *plan) mergedHashes(local []clip.Record) map[string]bool {
	updated := make(map[string]clip.Record, len(p.updates))
	for _, record := range p.updates {
		updated[record.LocalID] = record
	}
	removed := make(map[string]bool, len(p.deletes))
	for _, localID := range p.deletes {
		removed[localID] = true
	}
	hashes := make(map[string]bool, len(local))
	for _, record := range local {
		if removed[record.LocalID] {
			continue
		}
		if merged, ok := updated[record.LocalID]; ok {
			record = merged
		}
		hashes[record.ContentHash] = true
	}
	return hashes
}

func (p *plan) apply(ctx context.Context, records localstore.Records) error {
	for _, localID := range p.deletes {
		if err := records.Delete(ctx, localID); err != nil {
			return err
		}
	}
	for index := range p.updates {
		if err := records.Update(ctx, &p.updates[index]); err != nil {
			return err
		}
	}
	for index := range p.inserts {
		if err := records.Insert(ctx, &p.inserts[index]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildPlan(local []clip.Record, snapshot Snapshot) (*plan, error) {
	now := e.clock()
	p := &plan{}
	acknowledgedAt := snapshot.TakenAtMillis
	if acknowledgedAt <= 0 {
		acknowledgedAt = clip.Millis(now)
	}

	primaries := e.collapse(local, p)

	seen := make(map[string]bool, len(snapshot.Records))
	var unmatched []clip.RemoteRecord
	for _, remote := range snapshot.Records {
		if err := remote.Validate(); err != nil {
			e.logger.Warn("skipping invalid remote record",
				zap.String("canonical_id", remote.CanonicalID),
				zap.Error(err))
			continue
		}
		if seen[remote.CanonicalID] {
			continue
		}
		seen[remote.CanonicalID] = true
		if remote.ContentHash == "" {
			remote.ContentHash = clip.HashString(remote.Content)
		}

		existing, matched := primaries[remote.CanonicalID]
		if !matched {
			unmatched = append(unmatched, remote)
			continue
		}

		p.counts.Reconciled++
		if existing.Tombstoned {
			// Tombstones never revive; a still-present remote copy means the
			// deletion has to be sent again.
			if existing.SyncState == clip.SyncStateSynced {
				existing.SyncState = clip.SyncStateLocal
				p.updates = append(p.updates, existing)
			}
			continue
		}

		decision := decide(existing, remote, e.policy)
		if decision.Conflict {
			p.counts.Conflicts++
			e.logger.Debug("conflict resolved",
				zap.String("canonical_id", remote.CanonicalID),
				zap.String("winner", string(decision.Winner)),
				zap.String("rule", string(decision.Rule)))
		}
		if merged, changed := merge(existing, remote, decision, acknowledgedAt); changed {
			p.updates = append(p.updates, merged)
		}
	}

	// Dedup runs against the merged view so a second pass sees the same hashes.
	knownHashes := p.mergedHashes(local)
	for _, remote := range unmatched {
		if knownHashes[remote.ContentHash] {
			p.counts.Discarded++
			continue
		}
		localID, err := e.ids.NewID()
		if err != nil {
			return nil, err
		}
		p.inserts = append(p.inserts, fromRemote(localID, remote, acknowledgedAt))
		knownHashes[remote.ContentHash] = true
		p.counts.NewFromRemote++
	}

	if !snapshot.Complete {
		return p, nil
	}

	nowMillis := clip.Millis(now)
	cutoff := clip.Millis(now.Add(-e.retention))
	for _, canonicalID := range sortedKeys(primaries) {
		if seen[canonicalID] {
			continue
		}
		existing := primaries[canonicalID]
		switch {
		case !existing.Tombstoned && existing.SyncState == clip.SyncStateSynced && ackedDuringPull(existing, snapshot):
			e.logger.Debug("deletion deferred for record acknowledged during pull",
				zap.String("canonical_id", canonicalID),
				zap.Int64("synced_at_ms", existing.SyncedAtMillis))
		case !existing.Tombstoned && existing.SyncState == clip.SyncStateSynced:
			existing.Tombstoned = true
			existing.LastModifiedMillis = nowMillis
			p.updates = append(p.updates, existing)
			p.counts.DeletedLocally++
		case existing.Tombstoned && existing.SyncState == clip.SyncStateSynced && existing.LastModifiedMillis < cutoff:
			p.deletes = append(p.deletes, existing.LocalID)
			p.counts.Purged++
		}
	}
	return p, nil
}

// collapse keeps one primary record per canonical ID and schedules the physical
// removal of the others. A tombstone always wins the primary slot.
func (e *Engine) collapse(local []clip.Record, p *plan) map[string]clip.Record {
	groups := make(map[string][]clip.Record)
	for _, record := range local {
		if record.Provisional() {
			continue
		}
		groups[record.CanonicalID] = append(groups[record.CanonicalID], record)
	}

	primaries := make(map[string]clip.Record, len(groups))
	for canonicalID, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Tombstoned != group[j].Tombstoned {
				return group[i].Tombstoned
			}
			if group[i].CreatedAtMillis != group[j].CreatedAtMillis {
				return group[i].CreatedAtMillis < group[j].CreatedAtMillis
			}
			return group[i].LocalID < group[j].LocalID
		})
		primaries[canonicalID] = group[0]
		for _, duplicate := range group[1:] {
			p.deletes = append(p.deletes, duplicate.LocalID)
			p.counts.Collapsed++
		}
	}
	return primaries
}

func ackedDuringPull(record clip.Record, snapshot Snapshot) bool {
	return snapshot.TakenAtMillis > 0 && record.SyncedAtMillis >= snapshot.TakenAtMillis
}

func fromRemote(localID string, remote clip.RemoteRecord, syncedAt int64) clip.Record {
	return clip.Record{
		LocalID:            localID,
		CanonicalID:        remote.CanonicalID,
		Content:            remote.Content,
		ContentType:        remote.ContentType,
		ContentHash:        remote.ContentHash,
		CreatedAtMillis:    remote.CreatedAtMillis,
		LastModifiedMillis: remote.LastModifiedMillis,
		OriginDevice:       remote.OriginDevice,
		OriginClass:        remote.OriginClass,
		SyncState:          clip.SyncStateSynced,
		SyncedAtMillis:     syncedAt,
	}
}

func sortedKeys(records map[string]clip.Record) []string {
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
