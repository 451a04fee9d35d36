package correlator

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
)

const (
	defaultWindow         = 15 * time.Second
	defaultDuplicateFloor = time.Second
	defaultCapacity       = 50
	defaultThreshold      = 0.85
	defaultMinLength      = 3
	exactMatchConfidence  = 0.95
	noMatchConfidence     = 0.1
)

// Reason names the rule that produced a correlation result.
type Reason string

const (
	ReasonExactMatch       Reason = "exact_match"
	ReasonFuzzyMatch       Reason = "fuzzy_match"
	ReasonCrossDeviceMatch Reason = "cross_device_match"
	ReasonDuplicateCapture Reason = "duplicate_capture"
	ReasonNoMatch          Reason = "no_match"
)

// Result classifies one clipboard observation.
type Result struct {
	IsLikelyHandoff      bool
	Confidence           float64
	SuggestedCanonicalID string
	SourceDevice         clip.DeviceID
	SourceClass          clip.DeviceClass
	Reason               Reason
}

// Event is a clipboard observation registered on this device.
type Event struct {
	Content     string
	ContentType clip.ContentType
	ObservedAt  time.Time
	CanonicalID string
}

type sighting struct {
	record   clip.RemoteRecord
	pulledAt time.Time
}

// Config tunes the correlation windows and thresholds.
type Config struct {
	DeviceID       clip.DeviceID
	DeviceClass    clip.DeviceClass
	Window         time.Duration
	DuplicateFloor time.Duration
	Capacity       int
	Threshold      float64
	MinLength      int
	Logger         *zap.Logger
}

// Correlator decides whether a clipboard observation is the user's own action or
// the arrival of content copied on another device.
type Correlator struct {
	mu          sync.Mutex
	events      []Event
	next        int
	count       int
	remote      []sighting
	deviceID    clip.DeviceID
	deviceClass clip.DeviceClass

	window         time.Duration
	duplicateFloor time.Duration
	threshold      float64
	minLength      int
	logger         *zap.Logger
}

// New constructs a Correlator with defaults for unset fields.
func New(cfg Config) *Correlator {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	floor := cfg.DuplicateFloor
	if floor <= 0 {
		floor = defaultDuplicateFloor
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultThreshold
	}
	minLength := cfg.MinLength
	if minLength <= 0 {
		minLength = defaultMinLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		events:         make([]Event, capacity),
		deviceID:       cfg.DeviceID,
		deviceClass:    cfg.DeviceClass,
		window:         window,
		duplicateFloor: floor,
		threshold:      threshold,
		minLength:      minLength,
		logger:         logger,
	}
}

// Register appends a local clipboard event to the ring buffer, evicting the oldest.
func (c *Correlator) Register(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[c.next] = event
	c.next = (c.next + 1) % len(c.events)
	if c.count < len(c.events) {
		c.count++
	}
}

// ObserveRemote replaces the recently pulled remote records considered for
// cross-device matches. Only records from other devices touched within the
// window of pulledAt are kept.
func (c *Correlator) ObserveRemote(records []clip.RemoteRecord, pulledAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := make([]sighting, 0, len(records))
	for _, record := range records {
		if record.OriginDevice == c.deviceID {
			continue
		}
		touched := record.LastModified()
		if created := record.CreatedAt(); created.After(touched) {
			touched = created
		}
		if absDuration(pulledAt.Sub(touched)) > c.window {
			continue
		}
		kept = append(kept, sighting{record: record, pulledAt: pulledAt})
	}
	c.remote = kept
}

// Correlate classifies content observed at observedAt. Matching compares content
// only, so a hand-off that arrives with a different content type still matches.
func (c *Correlator) Correlate(content string, _ clip.ContentType, observedAt time.Time) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.recentLocked()

	duplicate := false
	for _, event := range recent {
		if event.Content != content {
			continue
		}
		age := observedAt.Sub(event.ObservedAt)
		if age < 0 || age > c.window {
			continue
		}
		if age < c.duplicateFloor {
			duplicate = true
			continue
		}
		return c.logResult(Result{
			IsLikelyHandoff:      true,
			Confidence:           exactMatchConfidence,
			SuggestedCanonicalID: event.CanonicalID,
			SourceDevice:         c.deviceID,
			SourceClass:          c.deviceClass,
			Reason:               ReasonExactMatch,
		})
	}
	if duplicate {
		return c.logResult(Result{Confidence: noMatchConfidence, Reason: ReasonDuplicateCapture})
	}

	if utf8.RuneCountInString(content) >= c.minLength {
		best := Result{}
		for _, event := range recent {
			age := observedAt.Sub(event.ObservedAt)
			if age < c.duplicateFloor || age > c.window || event.Content == content {
				continue
			}
			if score, ok := similarityAtLeast(content, event.Content, c.threshold); ok && score > best.Confidence {
				best = Result{
					IsLikelyHandoff:      true,
					Confidence:           score,
					SuggestedCanonicalID: event.CanonicalID,
					SourceDevice:         c.deviceID,
					SourceClass:          c.deviceClass,
					Reason:               ReasonFuzzyMatch,
				}
			}
		}
		if best.IsLikelyHandoff {
			return c.logResult(best)
		}
	}

	best := Result{}
	for _, seen := range c.remote {
		if observedAt.Sub(seen.pulledAt) > c.window || seen.record.OriginDevice == c.deviceID {
			continue
		}
		score, ok := 0.0, false
		if seen.record.Content == content {
			score, ok = 1, true
		} else if utf8.RuneCountInString(content) >= c.minLength {
			score, ok = similarityAtLeast(content, seen.record.Content, c.threshold)
		}
		if ok && score > best.Confidence {
			best = Result{
				IsLikelyHandoff:      true,
				Confidence:           score,
				SuggestedCanonicalID: seen.record.CanonicalID,
				SourceDevice:         seen.record.OriginDevice,
				SourceClass:          seen.record.OriginClass,
				Reason:               ReasonCrossDeviceMatch,
			}
		}
	}
	if best.IsLikelyHandoff {
		return c.logResult(best)
	}

	return c.logResult(Result{Confidence: noMatchConfidence, Reason: ReasonNoMatch})
}

// recentLocked returns the buffered events newest first.
func (c *Correlator) recentLocked() []Event {
	events := make([]Event, 0, c.count)
	for i := 1; i <= c.count; i++ {
		index := (c.next - i + len(c.events)) % len(c.events)
		events = append(events, c.events[index])
	}
	return events
}

func (c *Correlator) logResult(result Result) Result {
	c.logger.Debug("clipboard observation correlated",
		zap.String("reason", string(result.Reason)),
		zap.Bool("handoff", result.IsLikelyHandoff),
		zap.Float64("confidence", result.Confidence),
		zap.String("source_device", result.SourceDevice.String()))
	return result
}

func absDuration(value time.Duration) time.Duration {
	if value < 0 {
		return -value
	}
	return value
}
