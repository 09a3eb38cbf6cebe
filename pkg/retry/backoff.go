// Package retry holds the pure retry policy: exponential backoff with jitter
// and idempotency key derivation. No I/O, no clock ownership.
package retry

import (
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultBaseDelay is the delay before the first retry
	DefaultBaseDelay = 5 * time.Second

	// DefaultMaxDelay caps the computed delay
	DefaultMaxDelay = 15 * time.Minute

	// DefaultMultiplier is the geometric growth factor
	DefaultMultiplier = 2.0

	// DefaultMaxRetries is how many retries an item gets before it is dead
	DefaultMaxRetries = 5

	// jitterFraction is the symmetric jitter applied to each delay
	jitterFraction = 0.1
)

// Policy computes retry delays for failed queue items.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int

	// DisableJitter makes Delay deterministic. Used in tests.
	DisableJitter bool
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns the wait before attempt retryCount+1. The raw delay grows
// geometrically (base * multiplier^retryCount) capped at MaxDelay, with ±10%
// jitter so synchronized failures do not produce synchronized retry storms.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryCount))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}

	if !p.DisableJitter {
		// Symmetric jitter in [-jitterFraction, +jitterFraction]. With a
		// multiplier >= 1.25 the jittered sequence stays monotonic.
		jitter := (rand.Float64()*2 - 1) * jitterFraction
		raw = raw * (1 + jitter)
	}

	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	return time.Duration(raw)
}

// Exhausted reports whether the retry budget is spent.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// NextEligibleAt computes the backoff gate for a failed item. A server-provided
// retry hint (e.g. a 429 Retry-After) overrides the computed delay when it is
// larger.
func (p Policy) NextEligibleAt(now time.Time, retryCount int, retryHint time.Duration) time.Time {
	delay := p.Delay(retryCount)
	if retryHint > delay {
		delay = retryHint
	}
	return now.Add(delay)
}
