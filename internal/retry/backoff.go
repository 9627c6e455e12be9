package retry

import (
	"math"
	"math/rand"
	"time"
)

// Duration is a thin wrapper so Strategy's fields read naturally in seconds
// in the policy table while still composing with time.Duration arithmetic.
type Duration time.Duration

// Seconds builds a Duration from a whole number of seconds.
func Seconds(n int) Duration { return Duration(time.Duration(n) * time.Second) }

func (d Duration) asTimeDuration() time.Duration { return time.Duration(d) }

// DefaultJitterWidth is the width of the uniform jitter window added to
// every computed backoff.
const DefaultJitterWidth = 500 * time.Millisecond

// Backoff computes the retry delay for attempt k (0-indexed):
// min(maxDelay, baseDelay * multiplier^k) + jitter, where jitter is uniform
// in [0, jitterWidth]. If retryAfter is non-zero, the result is
// max(retryAfter, computed) so a server-supplied hint is always honored.
func Backoff(attempt int, strategy Strategy, retryAfter time.Duration, jitterWidth time.Duration, rng *rand.Rand) time.Duration {
	computed := computeDelay(attempt, strategy)

	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	jitter := time.Duration(0)
	if jitterWidth > 0 {
		jitter = time.Duration(rng.Int63n(int64(jitterWidth) + 1))
	}
	delay := computed + jitter

	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// computeDelay returns the pre-jitter delay, monotonically non-decreasing in
// attempt and capped at MaxDelay.
func computeDelay(attempt int, strategy Strategy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := strategy.BaseDelay.asTimeDuration()
	maxDelay := strategy.MaxDelay.asTimeDuration()
	multiplier := strategy.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	scaled := float64(base) * math.Pow(multiplier, float64(attempt))
	delay := time.Duration(scaled)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
