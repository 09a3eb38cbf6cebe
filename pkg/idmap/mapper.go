// Package idmap translates entity ids between the local store and remote
// platforms, caching hot lookups in Redis in front of the durable table.
package idmap

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const cacheTTL = 15 * time.Minute

// Mapper resolves and records cross-system identity correlations. Mappings
// are never deleted, so cached entries only ever go stale on the rare remote
// id change, which Record overwrites.
type Mapper struct {
	repo        repositories.IdMapRepo
	redisClient *redis.Client
	logger      ectologger.Logger
}

// NewMapper creates a new id mapper
func NewMapper(repo repositories.IdMapRepo, redisClient *redis.Client, logger ectologger.Logger) *Mapper {
	return &Mapper{
		repo:        repo,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Resolve returns the counterpart id on the target system. Absence is not an
// error; a missing mapping on push is what triggers remote entity creation.
func (m *Mapper) Resolve(ctx context.Context, tenantID uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "IdMapper.Resolve")
	defer span.End()

	key := cacheKey(tenantID, sourceSystem, entityType, sourceID, targetSystem)

	if m.redisClient != nil {
		if cached, err := m.redisClient.Get(ctx, key); err == nil && cached != "" {
			return cached, true, nil
		}
	}

	targetID, found, err := m.repo.Resolve(ctx, sourceSystem, entityType, sourceID, targetSystem)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}

	if m.redisClient != nil {
		if err := m.redisClient.Set(ctx, key, targetID, cacheTTL); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache id mapping")
		}
	}

	return targetID, true, nil
}

// Record establishes (or updates) a correlation in both directions, so a
// later inbound fetch can translate the remote id straight back.
func (m *Mapper) Record(ctx context.Context, tenantID uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem, targetID string) error {
	ctx, span := tracing.StartSpan(ctx, "IdMapper.Record")
	defer span.End()

	forward := &models.IdMapping{
		TenantID:         tenantID,
		SourceSystem:     sourceSystem,
		SourceEntityType: entityType,
		SourceID:         sourceID,
		TargetSystem:     targetSystem,
		TargetID:         targetID,
	}
	if err := m.repo.Record(ctx, forward); err != nil {
		return err
	}

	reverse := &models.IdMapping{
		TenantID:         tenantID,
		SourceSystem:     targetSystem,
		SourceEntityType: entityType,
		SourceID:         targetID,
		TargetSystem:     sourceSystem,
		TargetID:         sourceID,
	}
	if err := m.repo.Record(ctx, reverse); err != nil {
		return err
	}

	if m.redisClient != nil {
		fwd := cacheKey(tenantID, sourceSystem, entityType, sourceID, targetSystem)
		rev := cacheKey(tenantID, targetSystem, entityType, targetID, sourceSystem)
		if err := m.redisClient.Set(ctx, fwd, targetID, cacheTTL); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache id mapping")
		}
		if err := m.redisClient.Set(ctx, rev, sourceID, cacheTTL); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache id mapping")
		}
	}

	return nil
}

// ListForEntity returns every mapping for a local entity.
func (m *Mapper) ListForEntity(ctx context.Context, entityType models.EntityType, localID string) ([]models.IdMapping, error) {
	return m.repo.ListForEntity(ctx, entityType, localID)
}

func cacheKey(tenantID uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) string {
	return fmt.Sprintf("idmap:%s:%s:%s:%s:%s", tenantID, sourceSystem, entityType, sourceID, targetSystem)
}
