// Package breaker implements a per (tenant, platform) circuit breaker. State
// is in-memory and internally synchronized; a durable snapshot is taken on
// every transition so breakers can be rebuilt after a restart.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	// DefaultFailureThreshold opens the breaker after this many consecutive failures
	DefaultFailureThreshold = 5

	// DefaultSuccessThreshold closes the breaker after this many half-open successes
	DefaultSuccessThreshold = 2

	// DefaultResetTimeout is how long the breaker stays open before probing
	DefaultResetTimeout = 60 * time.Second

	// DefaultProbeQuota is how many in-flight probes half-open allows
	DefaultProbeQuota = 1
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	ProbeQuota       int
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		ResetTimeout:     DefaultResetTimeout,
		ProbeQuota:       DefaultProbeQuota,
	}
}

// SnapshotStore persists breaker state across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *models.CircuitSnapshot) error
	Load(ctx context.Context, tenantID uuid.UUID, platform string) (*models.CircuitSnapshot, error)
}

// Breaker tracks failures for one (tenant, platform) pair.
type Breaker struct {
	tenantID uuid.UUID
	platform string
	config   Config

	mu                   sync.Mutex
	state                models.CircuitStateName
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probesInFlight       int

	now func() time.Time
}

// New creates a closed breaker.
func New(tenantID uuid.UUID, platform string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultSuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultResetTimeout
	}
	if config.ProbeQuota <= 0 {
		config.ProbeQuota = DefaultProbeQuota
	}

	return &Breaker{
		tenantID: tenantID,
		platform: platform,
		config:   config,
		state:    models.CircuitClosed,
		now:      time.Now,
	}
}

// restore applies a durable snapshot. An open snapshot is restored as open so
// a restart does not hammer a failing remote; closed and half-open restore as
// closed (cautious default: half-open probe accounting is not durable).
func (b *Breaker) restore(snapshot *models.CircuitSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch snapshot.State {
	case models.CircuitOpen, models.CircuitHalted:
		b.state = snapshot.State
		b.consecutiveFailures = snapshot.ConsecutiveFailures
		if snapshot.OpenedAt != nil {
			b.openedAt = *snapshot.OpenedAt
		} else {
			b.openedAt = b.now()
		}
	default:
		b.state = models.CircuitClosed
	}
}

// ShouldAllow reports whether a dispatch may proceed. An open breaker flips to
// half-open once the reset timeout elapses; half-open admits up to the probe
// quota of concurrent attempts.
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return true
	case models.CircuitHalted:
		return false
	case models.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return false
		}
		b.state = models.CircuitHalfOpen
		b.consecutiveSuccesses = 0
		b.probesInFlight = 1
		return true
	case models.CircuitHalfOpen:
		if b.probesInFlight >= b.config.ProbeQuota {
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

// RecordSuccess counts a successful call. From half-open, the success
// threshold closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		b.consecutiveFailures = 0
	case models.CircuitHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = models.CircuitClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure counts a failed call. From closed, the failure threshold opens
// the breaker. Any half-open failure reopens immediately without
// re-accumulating the full threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.state = models.CircuitOpen
			b.openedAt = b.now()
		}
	case models.CircuitHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.state = models.CircuitOpen
		b.openedAt = b.now()
		b.consecutiveSuccesses = 0
	}
}

// TripFatal pins the breaker open until Reset. Used when a tenant's
// credentials or configuration are broken and an operator must intervene.
func (b *Breaker) TripFatal() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = models.CircuitHalted
	b.openedAt = b.now()
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = models.CircuitClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probesInFlight = 0
}

// State returns the current state name.
func (b *Breaker) State() models.CircuitStateName {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot produces a durable copy of the current state.
func (b *Breaker) Snapshot() *models.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := &models.CircuitSnapshot{
		TenantID:             b.tenantID,
		Platform:             b.platform,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		UpdatedAt:            b.now(),
	}
	if b.state == models.CircuitOpen || b.state == models.CircuitHalted {
		openedAt := b.openedAt
		snapshot.OpenedAt = &openedAt
	}
	return snapshot
}

// Registry hands out the shared breaker for a (tenant, platform) pair and
// mirrors transitions to the snapshot store.
type Registry struct {
	config Config
	store  SnapshotStore
	logger ectologger.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, store SnapshotStore, logger ectologger.Logger) *Registry {
	return &Registry{
		config:   config,
		store:    store,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

func registryKey(tenantID uuid.UUID, platform string) string {
	return tenantID.String() + ":" + platform
}

// Get returns the breaker for the pair, creating it from the last durable
// snapshot if one exists, or closed otherwise.
func (r *Registry) Get(ctx context.Context, tenantID uuid.UUID, platform string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(tenantID, platform)
	if b, ok := r.breakers[key]; ok {
		return b
	}

	b := New(tenantID, platform, r.config)
	if r.store != nil {
		snapshot, err := r.store.Load(ctx, tenantID, platform)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Warnf("Failed to load circuit snapshot for %s, assuming closed", platform)
		} else if snapshot != nil {
			b.restore(snapshot)
		}
	}

	r.breakers[key] = b
	return b
}

// Persist writes the breaker's current state to the snapshot store.
func (r *Registry) Persist(ctx context.Context, b *Breaker) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, b.Snapshot()); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to persist circuit snapshot")
	}
}

// PersistAll snapshots every known breaker. Called periodically and on shutdown.
func (r *Registry) PersistAll(ctx context.Context) {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		r.Persist(ctx, b)
	}
}
