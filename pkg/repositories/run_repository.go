package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const runsTable = "sync_runs"

var runStruct = database.NewStruct(new(models.SyncRun))

// RunRepository persists sync run history
type RunRepository struct {
	*Repository
}

// NewRunRepository creates a new run repository
func NewRunRepository(db database.DB, logger ectologger.Logger) *RunRepository {
	return &RunRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create persists a new run
func (r *RunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	run.TenantID = tenantID

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(runsTable).
		Cols("id", "tenant_id", "platform", "entity_type", "status", "trigger",
			"attempted", "succeeded", "failed", "conflicted", "dead", "started_at", "created_at").
		Values(run.ID, run.TenantID, run.Platform, run.EntityType, run.Status, run.Trigger,
			0, 0, 0, 0, 0, run.StartedAt, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	if err := r.DB().QueryRowContext(ctx, query, args...).Scan(&run.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to create sync run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create sync run")
	}
	return nil
}

// Update persists run status and counters
func (r *RunRepository) Update(ctx context.Context, run *models.SyncRun) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.Update")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(runsTable)
	ub.Set(
		ub.Assign("status", run.Status),
		ub.Assign("attempted", run.Attempted),
		ub.Assign("succeeded", run.Succeeded),
		ub.Assign("failed", run.Failed),
		ub.Assign("conflicted", run.Conflicted),
		ub.Assign("dead", run.Dead),
		ub.Assign("error_detail", run.ErrorDetail),
		ub.Assign("started_at", run.StartedAt),
		ub.Assign("finished_at", run.FinishedAt),
	)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", run.ID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": run.ID,
		}).Error("failed to update sync run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update sync run")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("sync run %s does not exist", run.ID)
	}
	return nil
}

// GetByID retrieves a run (tenant-scoped)
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := runStruct.SelectFrom(runsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var run models.SyncRun
	err = r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("sync run %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get sync run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync run")
	}
	return &run, nil
}

// List returns the tenant's run history, newest first
func (r *RunRepository) List(ctx context.Context, limit, offset int) ([]models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := runStruct.SelectFrom(runsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	var runs []models.SyncRun
	if err := r.DB().SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list sync runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list sync runs")
	}
	return runs, nil
}

// ActiveRun returns the tenant's currently running run for a platform, if any.
func (r *RunRepository) ActiveRun(ctx context.Context, platform string) (*models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.ActiveRun")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := runStruct.SelectFrom(runsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("platform", platform),
		sb.Equal("status", models.RunStatusRunning),
	)
	sb.OrderBy("created_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var run models.SyncRun
	err = r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get active sync run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get active sync run")
	}
	return &run, nil
}
