package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between scheduling passes
	DefaultPollInterval = 30 * time.Second

	// DefaultLockTTL is the default TTL for distributed locks
	DefaultLockTTL = 60 * time.Second

	// DefaultStaleClaimAge is how long an item may sit in-flight before it is
	// presumed orphaned by a crashed worker and returned to pending
	DefaultStaleClaimAge = 10 * time.Minute

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "scheduler:run:"

	// staleSweepLockKey serializes the stale-claim sweep across instances
	staleSweepLockKey = "scheduler:stale-sweep"
)

// RunStarter triggers sync runs. Satisfied by the orchestrator.
type RunStarter interface {
	StartRun(ctx context.Context, tenantID uuid.UUID, platform string, entityType *models.EntityType, trigger models.RunTrigger) (*models.SyncRun, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check for due tenants
	PollInterval time.Duration

	// LockTTL is how long to hold a lock for a tenant+platform
	LockTTL time.Duration

	// StaleClaimAge is the in-flight age after which claims are requeued
	StaleClaimAge time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		LockTTL:       DefaultLockTTL,
		StaleClaimAge: DefaultStaleClaimAge,
	}
}

// Scheduler polls sync settings across tenants and triggers runs whose
// interval has elapsed. The per (tenant, platform) distributed lock keeps
// multiple instances from double-triggering the same run.
type Scheduler struct {
	settings  repositories.SettingsRepo
	queueRepo repositories.QueueRepo
	starter   RunStarter
	locker    *redis.Locker
	config    Config
	logger    ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(
	settings repositories.SettingsRepo,
	queueRepo repositories.QueueRepo,
	starter RunStarter,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	// Apply defaults
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.StaleClaimAge <= 0 {
		config.StaleClaimAge = DefaultStaleClaimAge
	}

	return &Scheduler{
		settings:  settings,
		queueRepo: queueRepo,
		starter:   starter,
		locker:    locker,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s", s.config.PollInterval)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop continuously polls for due tenants
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runSchedulingCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler poll loop stopping")
			return
		case <-ticker.C:
			s.runSchedulingCycle(ctx)
		}
	}
}

// runSchedulingCycle runs a single scheduling cycle
func (s *Scheduler) runSchedulingCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runSchedulingCycle")
	defer span.End()

	start := time.Now()
	s.logger.WithContext(ctx).Debug("Running scheduling cycle")

	s.sweepStaleClaims(ctx)

	due, err := s.settings.ListDue(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list due sync settings")
		return
	}

	if len(due) == 0 {
		s.logger.WithContext(ctx).Debug("No tenants due for sync")
		return
	}

	s.logger.WithContext(ctx).Infof("Found %d tenants due for sync", len(due))

	triggered := 0
	skipped := 0
	for _, settings := range due {
		if err := s.triggerRun(ctx, settings); err != nil {
			switch {
			case errors.Is(err, redis.ErrLockNotAcquired):
				skipped++
			case errors.Is(err, orchestrator.ErrRunActive):
				// Another instance or a manual trigger got there first.
				skipped++
			default:
				s.logger.WithContext(ctx).WithError(err).Warnf("Failed to trigger run for tenant %s platform %s",
					settings.TenantID, settings.Platform)
			}
			continue
		}
		triggered++
	}

	duration := time.Since(start)
	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: triggered=%d skipped=%d duration=%s",
		triggered, skipped, duration)
}

// sweepStaleClaims returns items orphaned in-flight by crashed workers to
// pending. One instance sweeps per cycle.
func (s *Scheduler) sweepStaleClaims(ctx context.Context) {
	err := s.locker.WithLock(ctx, staleSweepLockKey, s.config.LockTTL, func(ctx context.Context) error {
		_, err := s.queueRepo.RequeueStale(ctx, s.config.StaleClaimAge)
		return err
	})
	if err != nil && !errors.Is(err, redis.ErrLockNotAcquired) {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to requeue stale claims")
	}
}

// triggerRun starts a scheduled run for one tenant+platform under a lock
func (s *Scheduler) triggerRun(ctx context.Context, settings models.SyncSettings) error {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.triggerRun")
	defer span.End()

	lockKey := s.lockKey(settings.TenantID, settings.Platform)

	lock, err := s.locker.Acquire(ctx, lockKey, s.config.LockTTL)
	if err != nil {
		return err
	}
	// Release after triggering; the run itself is guarded by the
	// orchestrator's active-run check.
	defer lock.Release(ctx)

	ctx = appctx.SetTenantID(ctx, settings.TenantID.String())
	ctx = appctx.SetPlatform(ctx, settings.Platform)

	run, err := s.starter.StartRun(ctx, settings.TenantID, settings.Platform, nil, models.TriggerScheduled)
	if err != nil {
		return err
	}

	metrics.SchedulerRunsScheduled.Inc()
	s.logger.WithContext(ctx).Infof("Scheduled sync run %s for platform %s", run.ID, settings.Platform)

	return nil
}

// lockKey generates a lock key for a tenant+platform combination
func (s *Scheduler) lockKey(tenantID uuid.UUID, platform string) string {
	return LockKeyPrefix + tenantID.String() + ":" + platform
}
