package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshAfter = 2 * time.Second

// Fetcher pulls the remote record set.
type Fetcher interface {
	PullAll(ctx context.Context) ([]clip.RemoteRecord, bool, error)
}

// CandidatesConfig describes the dependencies of a CandidateSource.
type CandidatesConfig struct {
	Store   *localstore.Store
	Fetcher Fetcher
	// RefreshAfter bounds the age of the cached remote snapshot before a
	// resolution triggers a fresh pull.
	RefreshAfter time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// CandidateSource answers ID Resolver lookups from the local store and the most
// recently pulled remote snapshot.
type CandidateSource struct {
	store        *localstore.Store
	fetcher      Fetcher
	refreshAfter time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	flight       singleflight.Group

	mu       sync.RWMutex
	remote   []clip.RemoteRecord
	pulledAt time.Time
}

// NewCandidateSource constructs a CandidateSource.
func NewCandidateSource(cfg CandidatesConfig) (*CandidateSource, error) {
	if cfg.Store == nil {
		return nil, clip.NewServiceError("syncer.candidates", "missing_store", errMissingStore)
	}
	refreshAfter := cfg.RefreshAfter
	if refreshAfter <= 0 {
		refreshAfter = defaultRefreshAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateSource{
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		refreshAfter: refreshAfter,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Observe replaces the cached remote snapshot.
func (s *CandidateSource) Observe(records []clip.RemoteRecord, pulledAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = append([]clip.RemoteRecord(nil), records...)
	s.pulledAt = pulledAt
}

// FindCandidates returns resolved records from other devices sharing record's
// content within window. A stale remote snapshot is refreshed first; when the
// store is unreachable the cached snapshot is used as is.
func (s *CandidateSource) FindCandidates(ctx context.Context, record clip.Record, exclude clip.DeviceID, window time.Duration) ([]clip.RemoteRecord, error) {
	remote, err := s.remoteSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	local, err := s.store.FindAll(ctx, localstore.Combine(localstore.Live(), localstore.WithContentHash(record.ContentHash)))
	if err != nil {
		return nil, err
	}

	var candidates []clip.RemoteRecord
	for _, existing := range local {
		if existing.Provisional() || existing.OriginDevice == exclude || !withinWindow(existing.CreatedAtMillis, record.CreatedAtMillis, window) {
			continue
		}
		converted, convertErr := existing.Remote()
		if convertErr != nil {
			continue
		}
		candidates = append(candidates, converted)
	}
	for _, existing := range remote {
		if existing.ContentHash != record.ContentHash || existing.OriginDevice == exclude || !withinWindow(existing.CreatedAtMillis, record.CreatedAtMillis, window) {
			continue
		}
		candidates = append(candidates, existing)
	}
	return candidates, nil
}

// FindSiblings returns resolved live local records sharing record's content
// within window.
func (s *CandidateSource) FindSiblings(ctx context.Context, record clip.Record, window time.Duration) ([]clip.Record, error) {
	local, err := s.store.FindAll(ctx, localstore.Combine(localstore.Live(), localstore.WithContentHash(record.ContentHash)))
	if err != nil {
		return nil, err
	}
	siblings := make([]clip.Record, 0, len(local))
	for _, existing := range local {
		if existing.LocalID == record.LocalID || existing.Provisional() || !withinWindow(existing.CreatedAtMillis, record.CreatedAtMillis, window) {
			continue
		}
		siblings = append(siblings, existing)
	}
	return siblings, nil
}

func (s *CandidateSource) remoteSnapshot(ctx context.Context) ([]clip.RemoteRecord, error) {
	s.mu.RLock()
	cached, pulledAt := s.remote, s.pulledAt
	s.mu.RUnlock()
	if s.fetcher == nil || (!pulledAt.IsZero() && s.clock().Sub(pulledAt) < s.refreshAfter) {
		return cached, nil
	}

	value, err, _ := s.flight.Do("pull", func() (interface{}, error) {
		records, _, pullErr := s.fetcher.PullAll(ctx)
		if pullErr != nil {
			return nil, pullErr
		}
		s.Observe(records, s.clock())
		return records, nil
	})
	if err != nil {
		if errors.Is(err, clip.ErrNotConnected) {
			s.logger.Debug("resolving against cached remote snapshot", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	return value.([]clip.RemoteRecord), nil
}

func withinWindow(left, right int64, window time.Duration) bool {
	delta := left - right
	if delta < 0 {
		delta = -delta
	}
	return delta <= window.Milliseconds()
}
