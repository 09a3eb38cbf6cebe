package breaker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(uuid.New(), "commerce", cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute})

	assert.True(t, b.ShouldAllow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.True(t, b.ShouldAllow())

	b.RecordFailure()
	assert.Equal(t, models.CircuitOpen, b.State())
	assert.False(t, b.ShouldAllow(), "no dispatch while open")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Minute, ProbeQuota: 1})

	b.RecordFailure()
	require.Equal(t, models.CircuitOpen, b.State())
	assert.False(t, b.ShouldAllow())

	*now = now.Add(61 * time.Second)
	assert.True(t, b.ShouldAllow(), "first probe after reset timeout")
	assert.Equal(t, models.CircuitHalfOpen, b.State())
	assert.False(t, b.ShouldAllow(), "probe quota exhausted")
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Minute, ProbeQuota: 1})

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	require.True(t, b.ShouldAllow())
	b.RecordSuccess()
	assert.Equal(t, models.CircuitHalfOpen, b.State(), "one success is not enough")

	require.True(t, b.ShouldAllow())
	b.RecordSuccess()
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.True(t, b.ShouldAllow())
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: time.Minute, ProbeQuota: 1})

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, models.CircuitOpen, b.State())

	*now = now.Add(2 * time.Minute)
	require.True(t, b.ShouldAllow())
	require.Equal(t, models.CircuitHalfOpen, b.State())

	// A single probe failure reopens; the full threshold is not re-accumulated.
	b.RecordFailure()
	assert.Equal(t, models.CircuitOpen, b.State())
	assert.False(t, b.ShouldAllow())
}

func TestTripFatalPinsOpenUntilReset(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Second})

	b.TripFatal()
	assert.Equal(t, models.CircuitHalted, b.State())

	// Reset timeout never applies to a halted breaker.
	*now = now.Add(time.Hour)
	assert.False(t, b.ShouldAllow())

	b.Reset()
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.True(t, b.ShouldAllow())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, models.CircuitClosed, b.State(), "streak broken by success")

	b.RecordFailure()
	assert.Equal(t, models.CircuitOpen, b.State())
}

func TestSnapshotRestore(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	snapshot := b.Snapshot()
	require.Equal(t, models.CircuitOpen, snapshot.State)
	require.NotNil(t, snapshot.OpenedAt)

	restored, _ := testBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})
	restored.restore(snapshot)
	assert.Equal(t, models.CircuitOpen, restored.State())
	assert.False(t, restored.ShouldAllow())

	// Half-open snapshots restore as closed (cautious default).
	halfOpen := &models.CircuitSnapshot{State: models.CircuitHalfOpen}
	fresh, _ := testBreaker(Config{})
	fresh.restore(halfOpen)
	assert.Equal(t, models.CircuitClosed, fresh.State())
	_ = now
}
