// Package queue drains the durable sync queue. The processor owns every retry
// decision: adapters classify failures, the processor decides what happens to
// the item.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/conflict"
	"github.com/Ramsey-B/fern/pkg/connector"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrHalted is returned when a fatal error has pinned the breaker for the
// tenant and platform. No further items are attempted until an operator
// resets the circuit.
var ErrHalted = errors.New("sync halted for tenant and platform")

const (
	// DefaultBatchSize is how many items one claim pulls from the store
	DefaultBatchSize = 25

	// DefaultMaxRateWait bounds how long a worker blocks on the rate limiter
	DefaultMaxRateWait = 30 * time.Second

	// DefaultConflictDefer is how long an item blocked on an unresolved
	// conflict waits before becoming eligible again
	DefaultConflictDefer = 5 * time.Minute
)

// LocalStore is the local retail database as the processor sees it. Apply
// upserts a remote snapshot and returns the local id it landed on.
type LocalStore interface {
	Get(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, entityID string) (*connector.LocalEntity, bool, error)
	Apply(ctx context.Context, tenantID uuid.UUID, entity connector.RemoteEntity) (string, error)
}

// IdMapper resolves and records cross-system id correlations.
type IdMapper interface {
	connector.Resolver
	Record(ctx context.Context, tenantID uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem, targetID string) error
}

// ConflictResolver decides dual edits.
type ConflictResolver interface {
	Resolve(ctx context.Context, input conflict.Input) (*conflict.Outcome, error)
}

// TokenRefresher performs the one-shot credential refresh on a 401.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context, tenantID uuid.UUID, platform string) (*auth.CachedToken, error)
}

// RateGate is the outbound rate limiter as the processor uses it.
type RateGate interface {
	WaitForLimit(ctx context.Context, tenantID uuid.UUID, platform string, maxWait time.Duration) error
	Block(ctx context.Context, tenantID uuid.UUID, platform string, d time.Duration) error
}

// Config holds processor tuning.
type Config struct {
	BatchSize     int
	MaxRateWait   time.Duration
	ConflictDefer time.Duration
	Policy        retry.Policy
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		MaxRateWait:   DefaultMaxRateWait,
		ConflictDefer: DefaultConflictDefer,
		Policy:        retry.DefaultPolicy(),
	}
}

// Deps are the processor's collaborators. Limiter and Auth may be nil, which
// disables rate gating and the 401 refresh respectively.
type Deps struct {
	Queue      repositories.QueueRepo
	Settings   repositories.SettingsRepo
	Conflicts  repositories.ConflictRepo
	Store      LocalStore
	Mapper     IdMapper
	Resolver   ConflictResolver
	Breakers   *breaker.Registry
	Limiter    RateGate
	Auth       TokenRefresher
	Connectors map[string]connector.Connector
	Emitter    *events.Emitter
	Logger     ectologger.Logger
}

// Stats aggregates one drain's outcomes.
type Stats struct {
	Attempted  int
	Succeeded  int
	Failed     int
	Conflicted int
	Dead       int
}

// Add accumulates another drain's outcomes.
func (s *Stats) Add(other *Stats) {
	s.Attempted += other.Attempted
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Conflicted += other.Conflicted
	s.Dead += other.Dead
}

// Processor drains the queue for one tenant at a time.
type Processor struct {
	config Config
	deps   Deps
	logger ectologger.Logger
}

// NewProcessor creates a queue processor
func NewProcessor(config Config, deps Deps) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxRateWait <= 0 {
		config.MaxRateWait = DefaultMaxRateWait
	}
	if config.ConflictDefer <= 0 {
		config.ConflictDefer = DefaultConflictDefer
	}
	if config.Policy.MaxRetries == 0 {
		config.Policy = retry.DefaultPolicy()
	}

	return &Processor{
		config: config,
		deps:   deps,
		logger: deps.Logger,
	}
}

// ProcessEntityType drains every eligible item of one entity type for the
// tenant and platform. The context must carry the tenant id. cancelled is
// polled between item dispatches; an in-flight remote call always runs to
// completion so a cancelled run never leaves a maybe-applied remote state.
func (p *Processor) ProcessEntityType(ctx context.Context, tenantID uuid.UUID, platform string, entityType models.EntityType, runID uuid.UUID, cancelled func() bool) (*Stats, error) {
	ctx, span := tracing.StartSpan(ctx, "Processor.ProcessEntityType")
	defer span.End()

	stats := &Stats{}

	conn, ok := p.deps.Connectors[platform]
	if !ok {
		return stats, errors.New("no connector registered for platform " + platform)
	}

	settings, err := p.deps.Settings.Get(ctx, platform)
	if err != nil {
		return stats, err
	}

	b := p.deps.Breakers.Get(ctx, tenantID, platform)

	for {
		if cancelled != nil && cancelled() {
			return stats, nil
		}
		if b.State() == models.CircuitHalted {
			return stats, ErrHalted
		}

		items, err := p.deps.Queue.DequeueBatch(ctx, platform, []models.EntityType{entityType}, p.config.BatchSize, runID)
		if err != nil {
			return stats, err
		}
		if len(items) == 0 {
			return stats, nil
		}

		for i := range items {
			item := &items[i]

			if cancelled != nil && cancelled() {
				p.releaseAll(ctx, items[i:])
				return stats, nil
			}

			// A pending manual conflict excludes the entity from automatic
			// sync until a human resolves it.
			gated, err := p.deps.Conflicts.HasPendingForEntity(ctx, item.EntityType, item.EntityID)
			if err != nil {
				p.releaseAll(ctx, items[i:])
				return stats, err
			}
			if gated {
				p.deferItem(ctx, item, p.config.ConflictDefer)
				continue
			}

			// An item queued for a direction the config no longer allows
			// waits rather than dying; re-enabling the direction resumes it.
			if !directionAllows(settings, item) {
				p.deferItem(ctx, item, p.config.ConflictDefer)
				continue
			}

			if p.deps.Limiter != nil {
				if err := p.deps.Limiter.WaitForLimit(ctx, tenantID, platform, p.config.MaxRateWait); err != nil {
					// Still over the limit after the bounded wait. Put the
					// batch back and let the next drain pick it up.
					p.releaseAll(ctx, items[i:])
					return stats, nil
				}
			}

			if !b.ShouldAllow() {
				p.releaseAll(ctx, items[i:])
				return stats, nil
			}

			dispatchErr := p.dispatchWithAuthRetry(ctx, conn, b, tenantID, platform, settings, item, stats)
			if halted := p.handleOutcome(ctx, b, tenantID, platform, settings, item, dispatchErr, stats); halted {
				p.releaseAll(ctx, items[i+1:])
				return stats, ErrHalted
			}
		}
	}
}

// dispatchWithAuthRetry runs one dispatch, with the single inline credential
// refresh a 401 earns. A second 401 after the refresh escalates to fatal.
func (p *Processor) dispatchWithAuthRetry(ctx context.Context, conn connector.Connector, b *breaker.Breaker, tenantID uuid.UUID, platform string, settings *models.SyncSettings, item *models.QueueItem, stats *Stats) error {
	err := p.dispatch(ctx, conn, tenantID, platform, settings, item, stats)
	if connector.ClassOf(err) != connector.ClassAuthExpired {
		return err
	}

	if p.deps.Auth == nil {
		return connector.NewError(connector.ClassFatal, "credentials expired and no refresher is configured")
	}
	if _, refreshErr := p.deps.Auth.ForceRefresh(ctx, tenantID, platform); refreshErr != nil {
		return connector.NewError(connector.ClassFatal, "credential refresh failed: "+refreshErr.Error())
	}

	err = p.dispatch(ctx, conn, tenantID, platform, settings, item, stats)
	if connector.ClassOf(err) == connector.ClassAuthExpired {
		return connector.NewError(connector.ClassFatal, "credentials rejected again after refresh")
	}
	return err
}

func (p *Processor) dispatch(ctx context.Context, conn connector.Connector, tenantID uuid.UUID, platform string, settings *models.SyncSettings, item *models.QueueItem, stats *Stats) error {
	if item.Operation == models.OperationFetch {
		return p.pull(ctx, conn, tenantID, platform, settings, item, stats)
	}
	return p.push(ctx, conn, tenantID, platform, settings, item)
}

// push sends one local change to the remote and records the resulting id
// mapping so a later push updates instead of creating a duplicate.
func (p *Processor) push(ctx context.Context, conn connector.Connector, tenantID uuid.UUID, platform string, settings *models.SyncSettings, item *models.QueueItem) error {
	// The delete policy resolves here, not in the adapter: local-only never
	// reaches the remote, archive-remote dispatches as an archive.
	op := item.Operation
	if op == models.OperationDelete {
		switch settings.DeletePolicyFor(item.EntityType) {
		case models.DeleteLocalOnly:
			// The deletion stays local; the remote copy is intentionally kept.
			return nil
		case models.DeleteArchiveRemote:
			op = models.OperationArchive
		}
	}

	entity := connector.LocalEntity{
		EntityType: item.EntityType,
		LocalID:    item.EntityID,
		Data:       item.Payload.GetValue(),
		UpdatedAt:  item.CreatedAt,
	}

	result, err := conn.Push(ctx, tenantID, op, entity)
	if err != nil {
		return err
	}

	if (op == models.OperationCreate || op == models.OperationUpdate) && result.RemoteID != "" {
		if err := p.deps.Mapper.Record(ctx, tenantID, models.LocalSystem, item.EntityType, item.EntityID, platform, result.RemoteID); err != nil {
			// The remote change is already applied. Failing the item would
			// re-push and create a duplicate remote entity, so log instead;
			// the next inbound fetch re-records the mapping.
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_type": item.EntityType,
				"entity_id":   item.EntityID,
				"remote_id":   result.RemoteID,
			}).Error("failed to record id mapping after push")
		}
	}

	return nil
}

// pull fetches remote changes since the item's cursor and applies them to the
// local store, page by page.
func (p *Processor) pull(ctx context.Context, conn connector.Connector, tenantID uuid.UUID, platform string, settings *models.SyncSettings, item *models.QueueItem, stats *Stats) error {
	since := connector.Cursor("")
	if c, ok := item.Payload.GetValue()["cursor"].(string); ok {
		since = connector.Cursor(c)
	}

	for {
		page, err := conn.Fetch(ctx, tenantID, item.EntityType, since)
		if err != nil {
			return err
		}

		for i := range page.Entities {
			if err := p.applyInbound(ctx, tenantID, platform, settings, &page.Entities[i], stats); err != nil {
				return err
			}
		}

		if !page.HasMore {
			return nil
		}
		since = page.NextCursor
	}
}

// applyInbound lands one remote snapshot locally. A remote change arriving
// while a local change for the same entity is still queued is a dual edit and
// goes through the conflict resolver.
func (p *Processor) applyInbound(ctx context.Context, tenantID uuid.UUID, platform string, settings *models.SyncSettings, remote *connector.RemoteEntity, stats *Stats) error {
	localID, found, err := p.deps.Mapper.Resolve(ctx, tenantID, platform, remote.EntityType, remote.RemoteID, models.LocalSystem)
	if err != nil {
		return err
	}

	if found {
		gated, err := p.deps.Conflicts.HasPendingForEntity(ctx, remote.EntityType, localID)
		if err != nil {
			return err
		}
		if gated {
			return nil
		}

		dual, err := p.deps.Queue.PendingForEntity(ctx, platform, remote.EntityType, localID)
		if err != nil {
			return err
		}
		if dual {
			return p.resolveDualEdit(ctx, tenantID, platform, settings, localID, remote, stats)
		}
	}

	newLocalID, err := p.deps.Store.Apply(ctx, tenantID, *remote)
	if err != nil {
		return err
	}

	if !found {
		if err := p.deps.Mapper.Record(ctx, tenantID, models.LocalSystem, remote.EntityType, newLocalID, platform, remote.RemoteID); err != nil {
			return err
		}
	}

	return nil
}

func (p *Processor) resolveDualEdit(ctx context.Context, tenantID uuid.UUID, platform string, settings *models.SyncSettings, localID string, remote *connector.RemoteEntity, stats *Stats) error {
	local, ok, err := p.deps.Store.Get(ctx, tenantID, remote.EntityType, localID)
	if err != nil {
		return err
	}
	if !ok {
		// Local row is gone but a delete is still queued. The remote copy
		// wins; the queued delete resolves against it when dispatched.
		_, err := p.deps.Store.Apply(ctx, tenantID, *remote)
		return err
	}

	outcome, err := p.deps.Resolver.Resolve(ctx, conflict.Input{
		TenantID:   tenantID,
		Platform:   platform,
		EntityType: remote.EntityType,
		EntityID:   localID,
		Local:      models.EntityVersion{Data: local.Data, UpdatedAt: local.UpdatedAt},
		Remote:     models.EntityVersion{Data: remote.Data, UpdatedAt: remote.UpdatedAt},
		Strategy:   settings.ConflictStrategyFor(remote.EntityType),
	})
	if err != nil {
		return err
	}

	stats.Conflicted++

	switch outcome.Resolution {
	case models.ResolutionRemote:
		_, err := p.deps.Store.Apply(ctx, tenantID, *remote)
		return err
	case models.ResolutionMerged:
		merged := connector.RemoteEntity{
			EntityType: remote.EntityType,
			RemoteID:   remote.RemoteID,
			Data:       outcome.Data,
			UpdatedAt:  remote.UpdatedAt,
		}
		_, err := p.deps.Store.Apply(ctx, tenantID, merged)
		return err
	case models.ResolutionLocal:
		// The queued local change pushes on its turn; the remote snapshot is
		// discarded.
		return nil
	default:
		// pending-manual: the entity stays gated until a human decides.
		return nil
	}
}

// handleOutcome applies the error taxonomy to one dispatched item. Returns
// true when a fatal error has halted the tenant and platform.
func (p *Processor) handleOutcome(ctx context.Context, b *breaker.Breaker, tenantID uuid.UUID, platform string, settings *models.SyncSettings, item *models.QueueItem, err error, stats *Stats) bool {
	stats.Attempted++
	now := time.Now().UTC()

	if err == nil {
		b.RecordSuccess()
		if markErr := p.deps.Queue.MarkCompleted(ctx, item.ID); markErr != nil {
			p.logger.WithContext(ctx).WithError(markErr).Error("failed to mark sync item completed")
		}
		stats.Succeeded++
		metrics.RecordQueueItem(platform, string(item.EntityType), "completed")
		return false
	}

	class := connector.ClassOf(err)
	log := p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"queue_item_id": item.ID,
		"entity_type":   item.EntityType,
		"entity_id":     item.EntityID,
		"class":         string(class),
	})

	switch class {
	case connector.ClassRateLimited:
		hint := connector.RetryAfterOf(err)
		if p.deps.Limiter != nil && hint > 0 {
			if blockErr := p.deps.Limiter.Block(ctx, tenantID, platform, hint); blockErr != nil {
				log.WithError(blockErr).Warn("failed to set rate limit block")
			}
		}
		next := p.config.Policy.NextEligibleAt(now, item.RetryCount, hint)
		p.markFailed(ctx, item, err, next)
		stats.Failed++
		metrics.RecordQueueItem(platform, string(item.EntityType), "rate_limited")
		log.Warn("Sync item rate limited")

	case connector.ClassRetryable:
		prev := b.State()
		b.RecordFailure()
		if state := b.State(); state != prev {
			p.deps.Breakers.Persist(ctx, b)
			metrics.CircuitTransitions.WithLabelValues(tenantID.String(), platform, string(state)).Inc()
			if state == models.CircuitOpen {
				p.deps.Emitter.CircuitOpened(ctx, tenantID, platform, b.Snapshot().ConsecutiveFailures)
			}
		}

		if p.config.Policy.Exhausted(item.RetryCount + 1) {
			p.markDead(ctx, tenantID, platform, item, err, "retry budget exhausted", stats)
		} else {
			next := p.config.Policy.NextEligibleAt(now, item.RetryCount, 0)
			p.markFailed(ctx, item, err, next)
			stats.Failed++
			metrics.RecordQueueItem(platform, string(item.EntityType), "failed")
			log.Warn("Sync item failed, retry scheduled")
		}

	case connector.ClassNonRetryable:
		// No retry budget is spent on an error that cannot heal.
		p.markDead(ctx, tenantID, platform, item, err, err.Error(), stats)
		log.Warn("Sync item dead: non-retryable error")

	case connector.ClassConflict:
		// The remote rejected the push with a conflicting copy we have not
		// seen. Queue a fetch so the pull side resolves it with both versions
		// in hand, and defer the push until then.
		p.enqueueConflictFetch(ctx, tenantID, platform, settings, item)
		p.deferItem(ctx, item, p.config.ConflictDefer)
		stats.Conflicted++
		log.Info("Sync item deferred pending conflict resolution")

	case connector.ClassFatal:
		b.TripFatal()
		p.deps.Breakers.Persist(ctx, b)
		metrics.CircuitTransitions.WithLabelValues(tenantID.String(), platform, string(models.CircuitHalted)).Inc()
		p.deps.Emitter.TenantFatal(ctx, tenantID, platform, err.Error())
		if relErr := p.deps.Queue.Release(ctx, item.ID); relErr != nil {
			log.WithError(relErr).Error("failed to release sync item after fatal error")
		}
		log.Error("Sync halted: fatal error")
		return true

	default:
		next := p.config.Policy.NextEligibleAt(now, item.RetryCount, 0)
		p.markFailed(ctx, item, err, next)
		stats.Failed++
	}

	return false
}

func (p *Processor) markFailed(ctx context.Context, item *models.QueueItem, cause error, next time.Time) {
	if err := p.deps.Queue.MarkFailed(ctx, item.ID, cause.Error(), next); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("failed to mark sync item failed")
	}
}

func (p *Processor) markDead(ctx context.Context, tenantID uuid.UUID, platform string, item *models.QueueItem, cause error, reason string, stats *Stats) {
	if err := p.deps.Queue.MarkDead(ctx, item.ID, cause.Error()); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("failed to mark sync item dead")
		return
	}
	stats.Dead++
	metrics.RecordQueueItem(platform, string(item.EntityType), "dead")
	metrics.RecordDeadItem(tenantID.String(), reason)
	p.deps.Emitter.ItemDead(ctx, item, reason)
}

// enqueueConflictFetch queues a targeted fetch for the entity whose push hit a
// 409, through the normal bounded path.
func (p *Processor) enqueueConflictFetch(ctx context.Context, tenantID uuid.UUID, platform string, settings *models.SyncSettings, item *models.QueueItem) {
	payload := map[string]any{"entity_id": item.EntityID}
	fetch := &models.QueueItem{
		TenantID:   tenantID,
		Platform:   platform,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  models.OperationFetch,
		Payload:    database.NewJSONB(payload),
		IdempotencyKey: retry.IdempotencyKey(tenantID.String(), platform, string(item.EntityType),
			item.EntityID, string(models.OperationFetch), payload),
	}

	if _, err := p.deps.Queue.Enqueue(ctx, fetch, settings.QueueCeiling); err != nil && !errors.Is(err, repositories.ErrQueueFull) {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
		}).Error("failed to enqueue conflict fetch")
	}
}

func (p *Processor) deferItem(ctx context.Context, item *models.QueueItem, d time.Duration) {
	if err := p.deps.Queue.Defer(ctx, item.ID, time.Now().UTC().Add(d)); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("failed to defer sync item")
	}
}

func directionAllows(settings *models.SyncSettings, item *models.QueueItem) bool {
	direction := settings.DirectionFor(item.EntityType)
	if item.Operation == models.OperationFetch {
		return direction.Pulls()
	}
	return direction.Pushes()
}

func (p *Processor) releaseAll(ctx context.Context, items []models.QueueItem) {
	for i := range items {
		if err := p.deps.Queue.Release(ctx, items[i].ID); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"queue_item_id": items[i].ID,
			}).Error("failed to release sync item")
		}
	}
}
