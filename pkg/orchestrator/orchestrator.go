// Package orchestrator owns the per-tenant run state machine and fans work
// out to the queue processor per entity type, in dependency tier order.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrRunActive rejects a trigger while another run is in progress for
	// the tenant and platform.
	ErrRunActive = errors.New("a sync run is already active")

	// ErrSyncDisabled rejects a trigger for a disabled platform.
	ErrSyncDisabled = errors.New("sync is disabled for platform")

	// ErrRunNotActive rejects a cancel for a run that is not running.
	ErrRunNotActive = errors.New("run is not active")
)

// ItemProcessor drains one entity type's queue for a tenant and platform.
type ItemProcessor interface {
	ProcessEntityType(ctx context.Context, tenantID uuid.UUID, platform string, entityType models.EntityType, runID uuid.UUID, cancelled func() bool) (*queue.Stats, error)
}

// Orchestrator runs the idle -> running -> completed|failed|cancelled state
// machine for sync runs.
type Orchestrator struct {
	runs      repositories.RunRepo
	settings  repositories.SettingsRepo
	queueRepo repositories.QueueRepo
	conflicts repositories.ConflictRepo
	processor ItemProcessor
	emitter   *events.Emitter
	logger    ectologger.Logger

	// Async runs execute detached from the triggering request.
	background bool

	mu      sync.Mutex
	cancels map[uuid.UUID]*atomic.Bool
}

// NewOrchestrator creates a sync orchestrator. Runs execute in a background
// goroutine; SetSynchronous exists for tests.
func NewOrchestrator(runs repositories.RunRepo, settings repositories.SettingsRepo, queueRepo repositories.QueueRepo, conflicts repositories.ConflictRepo, processor ItemProcessor, emitter *events.Emitter, logger ectologger.Logger) *Orchestrator {
	return &Orchestrator{
		runs:       runs,
		settings:   settings,
		queueRepo:  queueRepo,
		conflicts:  conflicts,
		processor:  processor,
		emitter:    emitter,
		logger:     logger,
		background: true,
		cancels:    make(map[uuid.UUID]*atomic.Bool),
	}
}

// SetSynchronous makes StartRun block until the run finishes.
func (o *Orchestrator) SetSynchronous() {
	o.background = false
}

// StartRun creates and starts a run for the tenant and platform. A nil
// entityType means all entity types. Returns the run immediately; the work
// proceeds in the background.
func (o *Orchestrator) StartRun(ctx context.Context, tenantID uuid.UUID, platform string, entityType *models.EntityType, trigger models.RunTrigger) (*models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.StartRun")
	defer span.End()

	settings, err := o.settings.Get(ctx, platform)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, ErrSyncDisabled
	}

	active, err := o.runs.ActiveRun(ctx, platform)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrRunActive
	}

	now := time.Now().UTC()
	run := &models.SyncRun{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Platform:   platform,
		EntityType: entityType,
		Status:     models.RunStatusRunning,
		Trigger:    trigger,
		StartedAt:  &now,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	flag := &atomic.Bool{}
	o.mu.Lock()
	o.cancels[run.ID] = flag
	o.mu.Unlock()

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":   run.ID,
		"platform": platform,
		"trigger":  string(trigger),
	}).Info("Sync run started")

	if o.background {
		go o.execute(run, settings, flag)
	} else {
		o.execute(run, settings, flag)
	}

	return run, nil
}

// Cancel requests cooperative cancellation of an active run. The flag is
// polled between item dispatches; an in-flight remote call completes first.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	// The lookup is tenant-scoped, so a run id belonging to another tenant
	// reads as not found and cannot be cancelled here.
	if _, err := o.runs.GetByID(ctx, runID); err != nil {
		return err
	}

	o.mu.Lock()
	flag, ok := o.cancels[runID]
	o.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}

	flag.Store(true)
	o.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": runID,
	}).Info("Sync run cancellation requested")
	return nil
}

// execute drains each entity type in tier order under the run's settings
// snapshot. Direction changes made mid-run apply from the next run.
func (o *Orchestrator) execute(run *models.SyncRun, settings *models.SyncSettings, flag *atomic.Bool) {
	ctx := appctx.SetTenantID(context.Background(), run.TenantID.String())
	ctx = appctx.SetPlatform(ctx, run.Platform)
	ctx = appctx.SetRunID(ctx, run.ID.String())

	defer func() {
		o.mu.Lock()
		delete(o.cancels, run.ID)
		o.mu.Unlock()
	}()

	cancelled := flag.Load
	var runErr error

	for _, et := range o.entityTypes(run) {
		if cancelled() {
			break
		}

		direction := settings.DirectionFor(et)
		if direction == models.DirectionDisabled {
			continue
		}

		if direction.Pulls() {
			o.seedPull(ctx, run, settings, et)
		}

		stats, err := o.processor.ProcessEntityType(ctx, run.TenantID, run.Platform, et, run.ID, cancelled)
		if stats != nil {
			run.Attempted += stats.Attempted
			run.Succeeded += stats.Succeeded
			run.Failed += stats.Failed
			run.Conflicted += stats.Conflicted
			run.Dead += stats.Dead
		}
		if err != nil {
			runErr = err
			break
		}

		// Lower tiers fully drain before the next tier begins, so persist
		// progress at each boundary.
		if err := o.runs.Update(ctx, run); err != nil {
			o.logger.WithContext(ctx).WithError(err).Error("failed to persist run progress")
		}
	}

	o.finish(ctx, run, settings, cancelled(), runErr)
}

func (o *Orchestrator) finish(ctx context.Context, run *models.SyncRun, settings *models.SyncSettings, wasCancelled bool, runErr error) {
	now := time.Now().UTC()
	run.FinishedAt = &now

	switch {
	case runErr != nil:
		run.Status = models.RunStatusFailed
		detail := runErr.Error()
		run.ErrorDetail = &detail
	case wasCancelled:
		run.Status = models.RunStatusCancelled
	default:
		run.Status = models.RunStatusCompleted
	}

	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("failed to persist run outcome")
	}
	if err := o.settings.TouchLastRun(ctx, run.Platform); err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("failed to touch last run timestamp")
	}

	duration := 0.0
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt).Seconds()
	}
	metrics.RecordSyncRun(run.TenantID.String(), run.Platform, string(run.Status), duration)
	o.emitter.RunCompleted(ctx, run)

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":     run.ID,
		"status":     string(run.Status),
		"attempted":  run.Attempted,
		"succeeded":  run.Succeeded,
		"failed":     run.Failed,
		"conflicted": run.Conflicted,
		"dead":       run.Dead,
	}).Info("Sync run finished")
}

// seedPull enqueues the fetch item that drives the pull side of an entity
// type. The idempotent enqueue suppresses the duplicate if a fetch is already
// queued.
func (o *Orchestrator) seedPull(ctx context.Context, run *models.SyncRun, settings *models.SyncSettings, entityType models.EntityType) {
	payload := map[string]any{}
	item := &models.QueueItem{
		TenantID:   run.TenantID,
		Platform:   run.Platform,
		EntityType: entityType,
		EntityID:   "*",
		Operation:  models.OperationFetch,
		Payload:    database.NewJSONB(payload),
		RunID:      &run.ID,
		IdempotencyKey: retry.IdempotencyKey(run.TenantID.String(), run.Platform, string(entityType),
			"*", string(models.OperationFetch), payload),
	}

	if _, err := o.queueRepo.Enqueue(ctx, item, settings.QueueCeiling); err != nil && !errors.Is(err, repositories.ErrQueueFull) {
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entityType,
		}).Error("failed to seed pull fetch")
	}
}

func (o *Orchestrator) entityTypes(run *models.SyncRun) []models.EntityType {
	if run.EntityType != nil {
		return []models.EntityType{*run.EntityType}
	}
	return models.AllEntityTypes()
}

// Status is the aggregated view of sync health for a tenant and platform.
// Healthy is never true while dead items or pending conflicts exist.
type Status struct {
	ActiveRun        *models.SyncRun              `json:"active_run,omitempty"`
	Queue            map[models.QueueStatus]int   `json:"queue"`
	PendingConflicts int                          `json:"pending_conflicts"`
	CircuitState     models.CircuitStateName      `json:"circuit_state"`
	Healthy          bool                         `json:"healthy"`
}

// Status reports real queue depth and failure counts. The context must carry
// the tenant id.
func (o *Orchestrator) Status(ctx context.Context, platform string, circuitState models.CircuitStateName) (*Status, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Status")
	defer span.End()

	counts, err := o.queueRepo.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := o.conflicts.ListPending(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	active, err := o.runs.ActiveRun(ctx, platform)
	if err != nil {
		return nil, err
	}

	return &Status{
		ActiveRun:        active,
		Queue:            counts,
		PendingConflicts: len(pending),
		CircuitState:     circuitState,
		Healthy: counts[models.QueueStatusDead] == 0 && len(pending) == 0 &&
			circuitState == models.CircuitClosed,
	}, nil
}

// GetRun returns one run's counters.
func (o *Orchestrator) GetRun(ctx context.Context, runID uuid.UUID) (*models.SyncRun, error) {
	return o.runs.GetByID(ctx, runID)
}

// ListRuns returns recent runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, limit, offset int) ([]models.SyncRun, error) {
	return o.runs.List(ctx, limit, offset)
}
