package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const queueTable = "sync_queue_items"

var queueStruct = database.NewStruct(new(models.QueueItem))

// ErrQueueFull is returned when a tenant's pending-item count has reached its
// configured ceiling. Callers must surface this, never silently drop the item.
var ErrQueueFull = errors.New("sync queue is full")

// errEnqueueRace reports that a conflicting item reached a terminal status
// between Enqueue's insert and its duplicate lookup.
var errEnqueueRace = httperror.NewHTTPError(http.StatusConflict, "concurrent enqueue")

// claimSQL atomically claims a batch of eligible items for one worker. The
// FOR UPDATE SKIP LOCKED subquery prevents two workers from double-processing
// an item. Ordering is priority tier, then arrival.
const claimSQL = `
UPDATE sync_queue_items SET
	status = 'in_flight',
	run_id = $5,
	last_attempt_at = NOW(),
	updated_at = NOW()
WHERE id IN (
	SELECT id FROM sync_queue_items
	WHERE tenant_id = $1
	  AND platform = $2
	  AND entity_type = ANY($3)
	  AND status IN ('pending', 'failed')
	  AND next_eligible_at <= NOW()
	ORDER BY priority ASC, created_at ASC
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING id, tenant_id, platform, entity_type, entity_id, operation, payload,
	idempotency_key, priority, status, retry_count, last_attempt_at,
	next_eligible_at, error_detail, run_id, created_at, updated_at`

// QueueRepository is the durable sync queue store
type QueueRepository struct {
	*Repository
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db database.DB, logger ectologger.Logger) *QueueRepository {
	return &QueueRepository{
		Repository: NewRepository(db, logger),
	}
}

// Enqueue inserts a queue item, enforcing the tenant's pending ceiling and
// idempotency. If a non-terminal item with the same idempotency key already
// exists, its id is returned and no duplicate is inserted.
func (r *QueueRepository) Enqueue(ctx context.Context, item *models.QueueItem, ceiling int) (uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.Enqueue")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	item.TenantID = tenantID

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}
	if item.Priority == 0 {
		item.Priority = item.EntityType.PriorityTier()
	}
	if item.NextEligibleAt.IsZero() {
		item.NextEligibleAt = time.Now().UTC()
	}

	if ceiling > 0 {
		pending, err := r.PendingCount(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		if pending >= ceiling {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"pending": pending,
				"ceiling": ceiling,
			}).Warn("Rejecting enqueue: queue ceiling reached")
			return uuid.Nil, ErrQueueFull
		}
	}

	// One retry covers the race where the conflicting item reaches a terminal
	// status between the insert and the lookup: the partial unique index no
	// longer blocks, so the caller's change is new work.
	for attempt := 0; ; attempt++ {
		ib := database.NewInsertBuilder()
		ib.InsertInto(queueTable).
			Cols("id", "tenant_id", "platform", "entity_type", "entity_id", "operation", "payload",
				"idempotency_key", "priority", "status", "retry_count", "next_eligible_at", "run_id",
				"created_at", "updated_at").
			Values(item.ID, item.TenantID, item.Platform, item.EntityType, item.EntityID, item.Operation,
				item.Payload, item.IdempotencyKey, item.Priority, item.Status, 0, item.NextEligibleAt,
				item.RunID, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
			OnConflictDoNothing().
			Returning("id")

		query, args := ib.Build()
		err = r.DB().QueryRowContext(ctx, query, args...).Scan(&item.ID)
		if err == nil {
			return item.ID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_type": item.EntityType,
				"entity_id":   item.EntityID,
			}).Error("failed to enqueue sync item")
			return uuid.Nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to enqueue sync item")
		}

		// Duplicate idempotency key on a non-terminal item: return the
		// existing id instead of inserting.
		existing, lookupErr := r.getNonTerminalByKey(ctx, tenantID, item.IdempotencyKey)
		if lookupErr == nil {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"queue_item_id":   existing.ID,
				"idempotency_key": item.IdempotencyKey,
			}).Debug("Suppressed duplicate enqueue")
			return existing.ID, nil
		}
		if !errors.Is(lookupErr, errEnqueueRace) || attempt > 0 {
			return uuid.Nil, lookupErr
		}
	}
}

// DequeueBatch atomically claims up to limit eligible items for the tenant and
// platform, restricted to the given entity types, marking them in-flight.
func (r *QueueRepository) DequeueBatch(ctx context.Context, platform string, entityTypes []models.EntityType, limit int, runID uuid.UUID) ([]models.QueueItem, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.DequeueBatch")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	if len(entityTypes) == 0 {
		entityTypes = models.AllEntityTypes()
	}
	types := make([]string, len(entityTypes))
	for i, et := range entityTypes {
		types[i] = string(et)
	}

	var runIDArg *uuid.UUID
	if runID != uuid.Nil {
		runIDArg = &runID
	}

	var items []models.QueueItem
	err = r.DB().SelectContext(ctx, &items, claimSQL, tenantID, platform, pq.Array(types), limit, runIDArg)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to dequeue sync items")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to dequeue sync items")
	}

	return items, nil
}

// MarkCompleted transitions an item to completed.
func (r *QueueRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.MarkCompleted")
	defer span.End()

	return r.updateStatus(ctx, id, models.QueueStatusCompleted, nil, nil)
}

// MarkFailed records a failed attempt and schedules the retry. The item stays
// eligible for dequeue once nextEligibleAt passes.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorDetail string, nextEligibleAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.MarkFailed")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(queueTable)
	ub.Set(
		ub.Assign("status", models.QueueStatusFailed),
		ub.Assign("error_detail", errorDetail),
		ub.Assign("next_eligible_at", nextEligibleAt),
		ub.Incr("retry_count"),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"queue_item_id": id,
		}).Error("failed to mark sync item failed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark sync item failed")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("queue item %s does not exist", id)
	}
	return nil
}

// MarkDead transitions an item to the terminal dead state.
func (r *QueueRepository) MarkDead(ctx context.Context, id uuid.UUID, errorDetail string) error {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.MarkDead")
	defer span.End()

	return r.updateStatus(ctx, id, models.QueueStatusDead, &errorDetail, nil)
}

// Release returns an in-flight item to pending without consuming retry
// budget. Used when a claimed item is skipped (circuit open, run cancelled).
func (r *QueueRepository) Release(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.Release")
	defer span.End()

	return r.updateStatus(ctx, id, models.QueueStatusPending, nil, nil)
}

// Defer returns an in-flight item to pending with a future eligibility gate,
// without consuming retry budget. Used for items blocked on something other
// than their own failure (a pending manual conflict, an unresolved dual edit).
func (r *QueueRepository) Defer(ctx context.Context, id uuid.UUID, until time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.Defer")
	defer span.End()

	return r.updateStatus(ctx, id, models.QueueStatusPending, nil, &until)
}

// PendingForEntity reports whether a non-terminal outbound item exists for the
// entity. A remote change arriving while a local change is still queued is a
// dual edit.
func (r *QueueRepository) PendingForEntity(ctx context.Context, platform string, entityType models.EntityType, entityID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.PendingForEntity")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(queueTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("platform", platform),
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
		sb.In("status", models.QueueStatusPending, models.QueueStatusInFlight, models.QueueStatusFailed),
		sb.In("operation", models.OperationCreate, models.OperationUpdate, models.OperationDelete),
	)

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to check pending items for entity")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check pending items for entity")
	}
	return count > 0, nil
}

// RetryDead re-enqueues a dead item with a fresh retry budget.
func (r *QueueRepository) RetryDead(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.RetryDead")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(queueTable)
	ub.Set(
		ub.Assign("status", models.QueueStatusPending),
		ub.Assign("retry_count", 0),
		ub.Assign("error_detail", nil),
		ub.Assign("next_eligible_at", sqlbuilder.Raw("NOW()")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("status", models.QueueStatusDead))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"queue_item_id": id,
		}).Error("failed to retry dead sync item")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to retry dead sync item")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("dead queue item %s does not exist", id)
	}
	return nil
}

// ListDead returns the tenant's dead items, newest first.
func (r *QueueRepository) ListDead(ctx context.Context, limit, offset int) ([]models.QueueItem, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.ListDead")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := queueStruct.SelectFrom(queueTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("status", models.QueueStatusDead))
	sb.OrderBy("updated_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	var items []models.QueueItem
	if err := r.DB().SelectContext(ctx, &items, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list dead sync items")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dead sync items")
	}
	return items, nil
}

// GetByID retrieves a queue item (tenant-scoped)
func (r *QueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueueItem, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := queueStruct.SelectFrom(queueTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var item models.QueueItem
	err = r.DB().GetContext(ctx, &item, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("queue item %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"queue_item_id": id,
		}).Error("failed to get queue item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get queue item")
	}
	return &item, nil
}

// PendingCount returns the tenant's count of non-terminal items.
func (r *QueueRepository) PendingCount(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.PendingCount")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return 0, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(queueTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.In("status", models.QueueStatusPending, models.QueueStatusInFlight, models.QueueStatusFailed),
	)

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count pending sync items")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count pending sync items")
	}
	return count, nil
}

// CountsByStatus returns the tenant's queue depth grouped by status.
func (r *QueueRepository) CountsByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.CountsByStatus")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("status", "COUNT(*) AS count").From(queueTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.GroupBy("status")

	query, args := sb.Build()
	rows := []struct {
		Status models.QueueStatus `db:"status"`
		Count  int                `db:"count"`
	}{}
	if err := r.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count sync items by status")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count sync items by status")
	}

	counts := make(map[models.QueueStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// RequeueStale returns items stuck in-flight longer than maxAge to pending.
// Covers worker crashes between claim and outcome.
func (r *QueueRepository) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "QueueRepository.RequeueStale")
	defer span.End()

	cutoff := time.Now().UTC().Add(-maxAge)

	ub := database.NewUpdateBuilder()
	ub.Update(queueTable)
	ub.Set(
		ub.Assign("status", models.QueueStatusPending),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("status", models.QueueStatusInFlight), ub.LessThan("last_attempt_at", cutoff))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to requeue stale sync items")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to requeue stale sync items")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		r.logger.WithContext(ctx).Warnf("Requeued %d stale in-flight sync items", rows)
	}
	return rows, nil
}

func (r *QueueRepository) getNonTerminalByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*models.QueueItem, error) {
	sb := queueStruct.SelectFrom(queueTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("idempotency_key", idempotencyKey),
		sb.In("status", models.QueueStatusPending, models.QueueStatusInFlight, models.QueueStatusFailed),
	)

	query, args := sb.Build()
	var item models.QueueItem
	err := r.DB().GetContext(ctx, &item, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting item completed between insert and lookup; Enqueue
		// retries the insert once on this error.
		return nil, errEnqueueRace
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to look up existing queue item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up existing queue item")
	}
	return &item, nil
}

func (r *QueueRepository) updateStatus(ctx context.Context, id uuid.UUID, status models.QueueStatus, errorDetail *string, nextEligibleAt *time.Time) error {
	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(queueTable)
	assigns := []string{
		ub.Assign("status", status),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	}
	if errorDetail != nil {
		assigns = append(assigns, ub.Assign("error_detail", *errorDetail))
	}
	if nextEligibleAt != nil {
		assigns = append(assigns, ub.Assign("next_eligible_at", *nextEligibleAt))
	}
	ub.Set(assigns...)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"queue_item_id": id,
			"status":        status,
		}).Error("failed to update sync item status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update sync item status")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("queue item %s does not exist", id)
	}
	return nil
}
