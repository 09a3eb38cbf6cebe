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

const idMappingsTable = "id_mappings"

var idMappingStruct = database.NewStruct(new(models.IdMapping))

// IdMapRepository is the durable cross-system identity table
type IdMapRepository struct {
	*Repository
}

// NewIdMapRepository creates a new id mapping repository
func NewIdMapRepository(db database.DB, logger ectologger.Logger) *IdMapRepository {
	return &IdMapRepository{
		Repository: NewRepository(db, logger),
	}
}

// Record upserts an identity correlation. A repeat push of the same entity
// updates the target id in place rather than growing the table.
func (r *IdMapRepository) Record(ctx context.Context, mapping *models.IdMapping) error {
	ctx, span := tracing.StartSpan(ctx, "IdMapRepository.Record")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	mapping.TenantID = tenantID

	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(idMappingsTable).
		Cols("id", "tenant_id", "source_system", "source_entity_type", "source_id", "target_system", "target_id", "updated_at").
		Values(mapping.ID, mapping.TenantID, mapping.SourceSystem, mapping.SourceEntityType,
			mapping.SourceID, mapping.TargetSystem, mapping.TargetID, sqlbuilder.Raw("NOW()"))

	ub := ib.OnConflict("tenant_id", "source_system", "source_entity_type", "source_id", "target_system")
	ub.Set(
		ub.Assign("target_id", database.Excluded("target_id")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id":     mapping.SourceID,
			"target_system": mapping.TargetSystem,
		}).Error("failed to record id mapping")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record id mapping")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_system": mapping.SourceSystem,
		"source_id":     mapping.SourceID,
		"target_system": mapping.TargetSystem,
		"target_id":     mapping.TargetID,
	}).Debug("Recorded id mapping")
	return nil
}

// Resolve looks up the counterpart id for an entity on the target system.
// A missing mapping is not an error; found reports whether one exists.
func (r *IdMapRepository) Resolve(ctx context.Context, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "IdMapRepository.Resolve")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return "", false, err
	}

	sb := idMappingStruct.SelectFrom(idMappingsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("source_system", sourceSystem),
		sb.Equal("source_entity_type", entityType),
		sb.Equal("source_id", sourceID),
		sb.Equal("target_system", targetSystem),
	)

	query, args := sb.Build()
	var mapping models.IdMapping
	err = r.DB().GetContext(ctx, &mapping, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id":     sourceID,
			"target_system": targetSystem,
		}).Error("failed to resolve id mapping")
		return "", false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve id mapping")
	}

	return mapping.TargetID, true, nil
}

// ListForEntity returns every mapping involving a local entity, for status
// and debugging surfaces.
func (r *IdMapRepository) ListForEntity(ctx context.Context, entityType models.EntityType, localID string) ([]models.IdMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "IdMapRepository.ListForEntity")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := idMappingStruct.SelectFrom(idMappingsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("source_system", models.LocalSystem),
		sb.Equal("source_entity_type", entityType),
		sb.Equal("source_id", localID),
	)

	query, args := sb.Build()
	var mappings []models.IdMapping
	if err := r.DB().SelectContext(ctx, &mappings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list id mappings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list id mappings")
	}
	return mappings, nil
}
