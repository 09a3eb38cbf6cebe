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

const settingsTable = "sync_settings"

var settingsStruct = database.NewStruct(new(models.SyncSettings))

// SettingsRepository manages per (tenant, platform) sync configuration
type SettingsRepository struct {
	*Repository
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db database.DB, logger ectologger.Logger) *SettingsRepository {
	return &SettingsRepository{
		Repository: NewRepository(db, logger),
	}
}

// Get retrieves the tenant's settings for a platform
func (r *SettingsRepository) Get(ctx context.Context, platform string) (*models.SyncSettings, error) {
	ctx, span := tracing.StartSpan(ctx, "SettingsRepository.Get")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := settingsStruct.SelectFrom(settingsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("platform", platform))

	query, args := sb.Build()
	var settings models.SyncSettings
	err = r.DB().GetContext(ctx, &settings, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("sync settings for platform %s do not exist", platform)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"platform": platform,
		}).Error("failed to get sync settings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync settings")
	}
	return &settings, nil
}

// Upsert creates or replaces the tenant's settings for a platform
func (r *SettingsRepository) Upsert(ctx context.Context, settings *models.SyncSettings) error {
	ctx, span := tracing.StartSpan(ctx, "SettingsRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	settings.TenantID = tenantID

	if settings.ID == uuid.Nil {
		settings.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(settingsTable).
		Cols("id", "tenant_id", "platform", "direction", "direction_overrides", "delete_policy",
			"delete_overrides", "conflict_strategies", "webhook_secret", "sync_interval_secs",
			"queue_ceiling", "enabled", "created_at", "updated_at").
		Values(settings.ID, settings.TenantID, settings.Platform, settings.Direction, settings.DirectionOverrides,
			settings.DeletePolicy, settings.DeleteOverrides, settings.ConflictStrategies, settings.WebhookSecret,
			settings.SyncIntervalSecs, settings.QueueCeiling, settings.Enabled,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))

	ub := ib.OnConflict("tenant_id", "platform")
	ub.Set(
		ub.Assign("direction", database.Excluded("direction")),
		ub.Assign("direction_overrides", database.Excluded("direction_overrides")),
		ub.Assign("delete_policy", database.Excluded("delete_policy")),
		ub.Assign("delete_overrides", database.Excluded("delete_overrides")),
		ub.Assign("conflict_strategies", database.Excluded("conflict_strategies")),
		ub.Assign("webhook_secret", database.Excluded("webhook_secret")),
		ub.Assign("sync_interval_secs", database.Excluded("sync_interval_secs")),
		ub.Assign("queue_ceiling", database.Excluded("queue_ceiling")),
		ub.Assign("enabled", database.Excluded("enabled")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"platform": settings.Platform,
		}).Error("failed to upsert sync settings")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert sync settings")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"platform":  settings.Platform,
		"direction": settings.Direction,
	}).Debug("Upserted sync settings")
	return nil
}

// TouchLastRun records the time of the latest run for scheduling.
func (r *SettingsRepository) TouchLastRun(ctx context.Context, platform string) error {
	ctx, span := tracing.StartSpan(ctx, "SettingsRepository.TouchLastRun")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(settingsTable)
	ub.Set(
		ub.Assign("last_run_at", sqlbuilder.Raw("NOW()")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("platform", platform))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to touch last run time")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to touch last run time")
	}
	return nil
}

// ListDue returns settings rows across all tenants whose sync interval has
// elapsed since the last run. Used by the scheduler, so it is not
// tenant-scoped.
func (r *SettingsRepository) ListDue(ctx context.Context) ([]models.SyncSettings, error) {
	ctx, span := tracing.StartSpan(ctx, "SettingsRepository.ListDue")
	defer span.End()

	sb := settingsStruct.SelectFrom(settingsTable)
	sb.Where(
		sb.Equal("enabled", true),
		sb.GreaterThan("sync_interval_secs", 0),
		sb.Or(
			sb.IsNull("last_run_at"),
			"last_run_at + make_interval(secs => sync_interval_secs) <= NOW()",
		),
	)

	query, args := sb.Build()
	var due []models.SyncSettings
	if err := r.DB().SelectContext(ctx, &due, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list due sync settings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list due sync settings")
	}
	return due, nil
}
