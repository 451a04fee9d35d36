package netmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 2 * time.Second
)

var errMissingProber = errors.New("prober is required")

// Prober checks whether the remote store is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// Config describes the probing cadence of a Monitor.
type Config struct {
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Monitor tracks connectivity and emits the new state on every change. It
// starts disconnected, so the first successful probe is a reconnection edge.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	connected   bool
	transitions chan bool
}

// New constructs a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, errMissingProber
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:      cfg.Prober,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
		transitions: make(chan bool, 1),
	}, nil
}

// Connected reports the last observed state.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Transitions delivers the latest state after each change. Only the newest
// undelivered state is kept.
func (m *Monitor) Transitions() <-chan bool {
	return m.transitions
}

// Run probes immediately and then on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and records its outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()
	m.Set(err == nil)
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	return err == nil
}

// Set records a connectivity observation made elsewhere, such as a transport
// error from the remote adapter.
func (m *Monitor) Set(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()
	if !changed {
		return
	}
	m.logger.Info("connectivity changed", zap.Bool("connected", connected))
	select {
	case <-m.transitions:
	default:
	}
	select {
	case m.transitions <- connected:
	default:
	}
}
