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

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const conflictsTable = "conflict_records"

var conflictStruct = database.NewStruct(new(models.ConflictRecord))

// ConflictRepository persists conflict audit records
type ConflictRepository struct {
	*Repository
}

// NewConflictRepository creates a new conflict repository
func NewConflictRepository(db database.DB, logger ectologger.Logger) *ConflictRepository {
	return &ConflictRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create persists a conflict record
func (r *ConflictRepository) Create(ctx context.Context, record *models.ConflictRecord) error {
	ctx, span := tracing.StartSpan(ctx, "ConflictRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	record.TenantID = tenantID

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(conflictsTable).
		Cols("id", "tenant_id", "platform", "entity_type", "entity_id", "local_version", "remote_version",
			"strategy_applied", "resolution", "resolved_data", "resolved_at", "created_at").
		Values(record.ID, record.TenantID, record.Platform, record.EntityType, record.EntityID,
			record.LocalVersion, record.RemoteVersion, record.StrategyApplied, record.Resolution,
			record.ResolvedData, record.ResolvedAt, sqlbuilder.Raw("NOW()"))

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": record.EntityType,
			"entity_id":   record.EntityID,
		}).Error("failed to create conflict record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create conflict record")
	}
	return nil
}

// GetByID retrieves a conflict record (tenant-scoped)
func (r *ConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "ConflictRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var record models.ConflictRecord
	err = r.DB().GetContext(ctx, &record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("conflict record %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get conflict record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get conflict record")
	}
	return &record, nil
}

// ListPending returns conflicts awaiting a human decision, oldest first.
func (r *ConflictRepository) ListPending(ctx context.Context, limit, offset int) ([]models.ConflictRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "ConflictRepository.ListPending")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("resolution", models.ResolutionPendingManual))
	sb.OrderBy("created_at").Asc()
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	var records []models.ConflictRecord
	if err := r.DB().SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list pending conflicts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending conflicts")
	}
	return records, nil
}

// HasPendingForEntity reports whether the entity is excluded from automatic
// sync by an unresolved manual conflict.
func (r *ConflictRepository) HasPendingForEntity(ctx context.Context, entityType models.EntityType, entityID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ConflictRepository.HasPendingForEntity")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(conflictsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
		sb.Equal("resolution", models.ResolutionPendingManual),
	)

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to check pending conflicts")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check pending conflicts")
	}
	return count > 0, nil
}

// ResolveManually records a human decision on a pending conflict.
func (r *ConflictRepository) ResolveManually(ctx context.Context, id uuid.UUID, resolution models.ConflictResolution, resolvedData map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "ConflictRepository.ResolveManually")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	if resolution == models.ResolutionPendingManual {
		return BadRequest("resolution must be a final decision")
	}

	now := time.Now().UTC()

	ub := database.NewUpdateBuilder()
	ub.Update(conflictsTable)
	ub.Set(
		ub.Assign("resolution", resolution),
		ub.Assign("resolved_data", database.NewJSONB(resolvedData)),
		ub.Assign("resolved_at", now),
	)
	ub.Where(
		ub.Equal("tenant_id", tenantID),
		ub.Equal("id", id),
		ub.Equal("resolution", models.ResolutionPendingManual),
	)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"conflict_id": id,
		}).Error("failed to resolve conflict")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve conflict")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("pending conflict %s does not exist", id)
	}
	return nil
}
