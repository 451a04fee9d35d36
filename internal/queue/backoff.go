package queue

import (
	"math/rand"
	"time"
)

// retryBackoff tracks exponential retry delays with jitter for one queued item.
// Access is guarded by the owning queue's mutex.
type retryBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	current     time.Duration
	attempts    int
	nextAttempt time.Time
}

// BackoffConfig tunes per-item retry delays. A zero Initial disables backoff so a
// failed head is retried on every drain.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

func (cfg BackoffConfig) enabled() bool {
	return cfg.Initial > 0
}

func newRetryBackoff(cfg BackoffConfig) *retryBackoff {
	max := cfg.Max
	if max <= 0 {
		max = 5 * time.Minute
	}
	factor := cfg.Factor
	if factor <= 1 {
		factor = 2.0
	}
	jitter := cfg.Jitter
	if jitter < 0 || jitter > 1 {
		jitter = 0.1
	}
	return &retryBackoff{
		initial: cfg.Initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		current: cfg.Initial,
	}
}

// fail records a failed attempt at now and schedules the next one.
func (b *retryBackoff) fail(now time.Time) time.Duration {
	duration := b.current
	if b.jitter > 0 {
		jitterRange := float64(duration) * b.jitter
		jitterValue := (rand.Float64()*2 - 1) * jitterRange
		duration = time.Duration(float64(duration) + jitterValue)
	}

	b.attempts++
	b.current = time.Duration(float64(b.current) * b.factor)
	if b.current > b.max {
		b.current = b.max
	}
	b.nextAttempt = now.Add(duration)
	return duration
}

func (b *retryBackoff) due(now time.Time) bool {
	return !now.Before(b.nextAttempt)
}
