package safeconv

import (
	"math"
	"time"
)

// DurationToU64 converts a duration to an unsigned nanoseconds counter. Negative durations are
// mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration, clamped to MaxInt64.
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}

// Float32ToUint8 rounds v and clamps it into [0, 255].
func Float32ToUint8(v float32) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= math.MaxUint8:
		return math.MaxUint8
	default:
		return uint8(math.Round(float64(v)))
	}
}
