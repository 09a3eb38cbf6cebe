package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayMonotonic(t *testing.T) {
	policy := Policy{
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Minute,
		Multiplier:    2.0,
		MaxRetries:    10,
		DisableJitter: true,
	}

	prev := time.Duration(0)
	for n := 0; n < 12; n++ {
		delay := policy.Delay(n)
		assert.GreaterOrEqual(t, delay, prev, "delay(%d) must not shrink", n)
		assert.LessOrEqual(t, delay, policy.MaxDelay)
		prev = delay
	}
}

func TestDelayMonotonicWithJitter(t *testing.T) {
	// Multiplier 2 with ±10% jitter: worst case 0.9*2x vs 1.1*x still grows.
	policy := Policy{
		BaseDelay:  time.Second,
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
		MaxRetries: 10,
	}

	for i := 0; i < 100; i++ {
		low := policy.Delay(3)
		high := policy.Delay(4)
		// Bounds rather than exact values: jitter is random.
		assert.GreaterOrEqual(t, float64(high), float64(8*time.Second)*0.9)
		assert.LessOrEqual(t, float64(low), float64(8*time.Second)*1.1)
	}
}

func TestDelayCapped(t *testing.T) {
	policy := Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 3.0,
		MaxRetries: 20,
	}

	for n := 0; n < 25; n++ {
		assert.LessOrEqual(t, policy.Delay(n), policy.MaxDelay)
	}
}

func TestExhausted(t *testing.T) {
	policy := Policy{MaxRetries: 3}

	assert.False(t, policy.Exhausted(0))
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(7))
}

func TestNextEligibleAtHonorsLargerHint(t *testing.T) {
	policy := Policy{
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		Multiplier:    2.0,
		MaxRetries:    5,
		DisableJitter: true,
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Hint larger than computed backoff wins.
	at := policy.NextEligibleAt(now, 0, 30*time.Second)
	assert.Equal(t, now.Add(30*time.Second), at)

	// Computed backoff larger than hint wins.
	at = policy.NextEligibleAt(now, 4, time.Second)
	assert.Equal(t, now.Add(16*time.Second), at)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	payload := map[string]any{
		"quantity": 95,
		"sku":      "WIDGET-1",
		"nested":   map[string]any{"b": 2, "a": 1},
	}
	same := map[string]any{
		"sku":      "WIDGET-1",
		"nested":   map[string]any{"a": 1, "b": 2},
		"quantity": 95,
	}

	k1 := IdempotencyKey("t1", "commerce", "inventory", "inv-9", "update", payload)
	k2 := IdempotencyKey("t1", "commerce", "inventory", "inv-9", "update", same)
	require.Equal(t, k1, k2, "key must be independent of map iteration order")
	assert.Len(t, k1, 64)
}

func TestIdempotencyKeyDistinguishesChanges(t *testing.T) {
	base := map[string]any{"quantity": 95}

	k1 := IdempotencyKey("t1", "commerce", "inventory", "inv-9", "update", base)
	k2 := IdempotencyKey("t1", "commerce", "inventory", "inv-9", "update", map[string]any{"quantity": 90})
	k3 := IdempotencyKey("t1", "ledger", "inventory", "inv-9", "update", base)
	k4 := IdempotencyKey("t2", "commerce", "inventory", "inv-9", "update", base)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}
