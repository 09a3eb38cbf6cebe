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

const circuitsTable = "circuit_states"

var circuitStruct = database.NewStruct(new(models.CircuitSnapshot))

// CircuitRepository persists circuit breaker snapshots for restart recovery.
// Not tenant-scoped through context: the breaker registry saves and loads on
// behalf of worker goroutines that carry explicit tenant ids.
type CircuitRepository struct {
	*Repository
}

// NewCircuitRepository creates a new circuit repository
func NewCircuitRepository(db database.DB, logger ectologger.Logger) *CircuitRepository {
	return &CircuitRepository{
		Repository: NewRepository(db, logger),
	}
}

// Save upserts a breaker snapshot
func (r *CircuitRepository) Save(ctx context.Context, snapshot *models.CircuitSnapshot) error {
	ctx, span := tracing.StartSpan(ctx, "CircuitRepository.Save")
	defer span.End()

	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(circuitsTable).
		Cols("id", "tenant_id", "platform", "state", "consecutive_failures", "consecutive_successes",
			"opened_at", "updated_at").
		Values(snapshot.ID, snapshot.TenantID, snapshot.Platform, snapshot.State,
			snapshot.ConsecutiveFailures, snapshot.ConsecutiveSuccesses, snapshot.OpenedAt,
			sqlbuilder.Raw("NOW()"))

	ub := ib.OnConflict("tenant_id", "platform")
	ub.Set(
		ub.Assign("state", database.Excluded("state")),
		ub.Assign("consecutive_failures", database.Excluded("consecutive_failures")),
		ub.Assign("consecutive_successes", database.Excluded("consecutive_successes")),
		ub.Assign("opened_at", database.Excluded("opened_at")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": snapshot.TenantID,
			"platform":  snapshot.Platform,
			"state":     snapshot.State,
		}).Error("failed to save circuit snapshot")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save circuit snapshot")
	}
	return nil
}

// Load retrieves the snapshot for a (tenant, platform) pair. Returns nil with
// no error when no snapshot exists.
func (r *CircuitRepository) Load(ctx context.Context, tenantID uuid.UUID, platform string) (*models.CircuitSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "CircuitRepository.Load")
	defer span.End()

	sb := circuitStruct.SelectFrom(circuitsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("platform", platform))

	query, args := sb.Build()
	var snapshot models.CircuitSnapshot
	err := r.DB().GetContext(ctx, &snapshot, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"platform":  platform,
		}).Error("failed to load circuit snapshot")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load circuit snapshot")
	}
	return &snapshot, nil
}

// ListForTenant returns every platform's snapshot for the status surface.
func (r *CircuitRepository) ListForTenant(ctx context.Context) ([]models.CircuitSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "CircuitRepository.ListForTenant")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := circuitStruct.SelectFrom(circuitsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("platform").Asc()

	query, args := sb.Build()
	var snapshots []models.CircuitSnapshot
	if err := r.DB().SelectContext(ctx, &snapshots, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list circuit snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list circuit snapshots")
	}
	return snapshots, nil
}
