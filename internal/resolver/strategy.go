package resolver

import (
	"sort"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
)

// Strategy names a deterministic rule for choosing between equally old candidates.
type Strategy string

const (
	StrategyTimestampPriority   Strategy = "timestamp_priority"
	StrategyDevicePriority      Strategy = "device_priority"
	StrategyContentHashTiebreak Strategy = "content_hash_tiebreak"
)

// ParseStrategy validates a strategy name. The empty string defers conflicts.
func ParseStrategy(value string) (Strategy, bool) {
	switch Strategy(value) {
	case "", StrategyTimestampPriority, StrategyDevicePriority, StrategyContentHashTiebreak:
		return Strategy(value), true
	default:
		return "", false
	}
}

// Apply picks one candidate using strategy. Candidates must be non-empty.
func (strategy Strategy) Apply(candidates []clip.RemoteRecord) clip.RemoteRecord {
	ordered := append([]clip.RemoteRecord(nil), candidates...)
	switch strategy {
	case StrategyDevicePriority:
		sort.SliceStable(ordered, func(i, j int) bool {
			left, right := ordered[i].OriginClass.Priority(), ordered[j].OriginClass.Priority()
			if left != right {
				return left > right
			}
			return earlier(ordered[i], ordered[j])
		})
	case StrategyContentHashTiebreak:
		sort.SliceStable(ordered, func(i, j int) bool {
			return clip.HashString(ordered[i].CanonicalID) < clip.HashString(ordered[j].CanonicalID)
		})
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			return earlier(ordered[i], ordered[j])
		})
	}
	return ordered[0]
}

func earlier(left, right clip.RemoteRecord) bool {
	if left.CreatedAtMillis != right.CreatedAtMillis {
		return left.CreatedAtMillis < right.CreatedAtMillis
	}
	return left.CanonicalID < right.CanonicalID
}

func suggestStrategy(tied []clip.RemoteRecord) Strategy {
	for _, candidate := range tied[1:] {
		if candidate.OriginClass.Priority() != tied[0].OriginClass.Priority() {
			return StrategyDevicePriority
		}
	}
	return StrategyContentHashTiebreak
}
