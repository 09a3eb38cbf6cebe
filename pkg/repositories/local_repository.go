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

	"github.com/Ramsey-B/fern/pkg/connector"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const localEntitiesTable = "local_entities"

var localEntityStruct = database.NewStruct(new(models.LocalEntityRecord))

// LocalEntityRepository is the durable local entity store. Inbound snapshots
// land here keyed by their remote identity, so a re-delivered snapshot updates
// the same row and keeps the same local id.
type LocalEntityRepository struct {
	*Repository
}

// NewLocalEntityRepository creates a new local entity repository
func NewLocalEntityRepository(db database.DB, logger ectologger.Logger) *LocalEntityRepository {
	return &LocalEntityRepository{
		Repository: NewRepository(db, logger),
	}
}

// Get returns the local entity by its local id. A missing row is not an
// error; found reports whether one exists.
func (r *LocalEntityRepository) Get(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, entityID string) (*connector.LocalEntity, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "LocalEntityRepository.Get")
	defer span.End()

	sb := localEntityStruct.SelectFrom(localEntitiesTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
	)

	query, args := sb.Build()
	var record models.LocalEntityRecord
	err := r.DB().GetContext(ctx, &record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).Error("failed to get local entity")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get local entity")
	}

	return &connector.LocalEntity{
		EntityType: record.EntityType,
		LocalID:    record.EntityID,
		Data:       record.Data.GetValue(),
		UpdatedAt:  record.UpdatedAt,
	}, true, nil
}

// Apply upserts a remote snapshot and returns the local id it landed on. The
// first snapshot of a remote entity mints a new local id; later snapshots of
// the same remote entity update that row in place.
func (r *LocalEntityRepository) Apply(ctx context.Context, tenantID uuid.UUID, entity connector.RemoteEntity) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "LocalEntityRepository.Apply")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(localEntitiesTable).
		Cols("id", "tenant_id", "entity_type", "entity_id", "remote_id", "data", "remote_updated_at", "updated_at").
		Values(uuid.New(), tenantID, entity.EntityType, uuid.NewString(), entity.RemoteID,
			database.NewJSONB(entity.Data), entity.UpdatedAt, sqlbuilder.Raw("NOW()"))

	ub := ib.OnConflict("tenant_id", "entity_type", "remote_id")
	ub.Set(
		ub.Assign("data", database.Excluded("data")),
		ub.Assign("remote_updated_at", database.Excluded("remote_updated_at")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ib.Returning("entity_id")

	query, args := ib.Build()
	var localID string
	if err := r.DB().QueryRowContext(ctx, query, args...).Scan(&localID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entity.EntityType,
			"remote_id":   entity.RemoteID,
		}).Error("failed to apply remote snapshot")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply remote snapshot")
	}

	return localID, nil
}
