package main

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/config"
	"github.com/MarcoPoloResearchLab/clipsync/internal/correlator"
	"github.com/MarcoPoloResearchLab/clipsync/internal/database"
	"github.com/MarcoPoloResearchLab/clipsync/internal/devices"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/netmon"
	"github.com/MarcoPoloResearchLab/clipsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clipsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clipsync/internal/remote"
	"github.com/MarcoPoloResearchLab/clipsync/internal/resolver"
	"github.com/MarcoPoloResearchLab/clipsync/internal/syncer"
	"go.uber.org/zap"
)

// agent holds the wired components of one device.
type agent struct {
	identity    devices.Identity
	store       *localstore.Store
	monitor     *netmon.Monitor
	coordinator *syncer.Coordinator
	logger      *zap.Logger
	close       func() error
}

func openAgent(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (*agent, error) {
	db, err := database.OpenSQLite(cfg.DatabasePath, logger, &clip.Record{}, &localstore.Blob{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	store, err := localstore.NewStore(localstore.Config{Database: db, Logger: logger})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	ids := clip.NewUUIDProvider()
	identity, err := devices.LoadOrCreate(ctx, devices.IdentityConfig{
		Blobs:      store.Blobs(),
		IDProvider: ids,
		Name:       cfg.DeviceName,
		Class:      cfg.DeviceClass,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger = logger.With(zap.String("device_id", identity.DeviceID.String()))

	coordinator, monitor, err := wireSync(ctx, cfg, identity, store, ids, logger)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &agent{
		identity:    identity,
		store:       store,
		monitor:     monitor,
		coordinator: coordinator,
		logger:      logger,
		close:       sqlDB.Close,
	}, nil
}

func wireSync(ctx context.Context, cfg config.AgentConfig, identity devices.Identity, store *localstore.Store, ids clip.IDProvider, logger *zap.Logger) (*syncer.Coordinator, *netmon.Monitor, error) {
	client, err := remote.New(remote.Config{
		BaseURL:          cfg.StoreURL,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.Name,
		DeviceClass:      identity.Class,
		EnrollmentSecret: cfg.EnrollmentSecret,
		RequestTimeout:   cfg.RequestTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}

	monitor, err := netmon.New(netmon.Config{Prober: client, Interval: cfg.NetmonInterval, Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	offline, err := queue.New(ctx, queue.Config{
		Blobs:   store.Blobs(),
		Backoff: queue.BackoffConfig{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		Logger:  logger,
		OnDepthChange: func(depth int) {
			logger.Debug("offline queue depth", zap.Int("depth", depth))
		},
	})
	if err != nil {
		return nil, nil, err
	}

	candidates, err := syncer.NewCandidateSource(syncer.CandidatesConfig{Store: store, Fetcher: client, Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	idResolver, err := resolver.New(resolver.Config{
		Source:       candidates,
		Assigner:     store,
		IDProvider:   ids,
		DeviceID:     identity.DeviceID,
		DeviceClass:  identity.Class,
		Window:       cfg.ResolverWindow,
		BatchSize:    cfg.ResolverBatchSize,
		AutoStrategy: cfg.ResolverStrategy,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := reconcile.New(reconcile.Config{
		Store:              store,
		IDProvider:         ids,
		ConflictWindow:     cfg.ConflictWindow,
		LengthRatio:        cfg.LengthRatio,
		TombstoneRetention: cfg.TombstoneRetention,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}

	coordinator, err := syncer.New(syncer.Config{
		Store:      store,
		Queue:      offline,
		Resolver:   idResolver,
		Reconciler: engine,
		Correlator: correlator.New(correlator.Config{
			DeviceID:    identity.DeviceID,
			DeviceClass: identity.Class,
			Window:      cfg.Correlator.Window,
			Capacity:    cfg.Correlator.Capacity,
			Threshold:   cfg.Correlator.Threshold,
			MinLength:   cfg.Correlator.MinLength,
			Logger:      logger,
		}),
		Candidates:  candidates,
		Remote:      client,
		Network:     monitor,
		IDProvider:  ids,
		DeviceID:    identity.DeviceID,
		DeviceClass: identity.Class,
		Interval:    cfg.SyncInterval,
		Logger:      logger,
		OnStatusChange: func(status syncer.Status) {
			if status.State == clip.StatusFailed {
				logger.Warn("sync failed", zap.String("error", status.LastError), zap.Int("queue_depth", status.QueueDepth))
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return coordinator, monitor, nil
}

// captureLines feeds every non-empty line of input to the coordinator until
// input ends or ctx is cancelled.
func captureLines(ctx context.Context, a *agent, input io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				a.logger.Info("capture input closed")
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := a.coordinator.Capture(ctx, syncer.Observation{Content: line, ContentType: contentTypeOf(line)}); err != nil {
				a.logger.Warn("capture rejected", zap.Error(err))
			}
		}
	}
}

func contentTypeOf(content string) clip.ContentType {
	parsed, err := url.ParseRequestURI(strings.TrimSpace(content))
	if err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "" {
		return clip.ContentTypeURL
	}
	return clip.ContentTypeText
}
