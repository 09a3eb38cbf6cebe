// Package conflict decides the winner when both sides of a sync edited the
// same entity independently.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RecordStore persists conflict records for audit.
type RecordStore interface {
	Create(ctx context.Context, record *models.ConflictRecord) error
}

// Input describes one detected dual edit.
type Input struct {
	TenantID   uuid.UUID
	Platform   string
	EntityType models.EntityType
	EntityID   string
	Local      models.EntityVersion
	Remote     models.EntityVersion
	Strategy   models.ConflictStrategy
}

// Outcome is the resolver's decision.
type Outcome struct {
	Resolution models.ConflictResolution
	Data       map[string]any
	Record     *models.ConflictRecord
}

// Resolver applies the configured strategy to two versions of an entity and
// writes an audit record on every invocation.
type Resolver struct {
	store  RecordStore
	logger ectologger.Logger
}

// NewResolver creates a conflict resolver
func NewResolver(store RecordStore, logger ectologger.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Resolve decides a winner (or defers to a human for the manual strategy) and
// persists the audit record.
func (r *Resolver) Resolve(ctx context.Context, input Input) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "ConflictResolver.Resolve")
	defer span.End()

	resolution, data := decide(input)

	now := time.Now().UTC()
	record := &models.ConflictRecord{
		ID:              uuid.New(),
		TenantID:        input.TenantID,
		Platform:        input.Platform,
		EntityType:      input.EntityType,
		EntityID:        input.EntityID,
		LocalVersion:    database.NewJSONB(input.Local),
		RemoteVersion:   database.NewJSONB(input.Remote),
		StrategyApplied: input.Strategy,
		Resolution:      resolution,
		CreatedAt:       now,
	}

	if resolution != models.ResolutionPendingManual {
		record.ResolvedData = database.NewJSONB(data)
		record.ResolvedAt = &now
	}

	if err := r.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist conflict record: %w", err)
	}

	metrics.RecordConflict(input.TenantID.String(), string(input.Strategy), string(resolution))

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": input.EntityType,
		"entity_id":   input.EntityID,
		"strategy":    input.Strategy,
		"resolution":  resolution,
	}).Info("Resolved sync conflict")

	return &Outcome{
		Resolution: resolution,
		Data:       data,
		Record:     record,
	}, nil
}

func decide(input Input) (models.ConflictResolution, map[string]any) {
	switch input.Strategy {
	case models.StrategyRemoteWins:
		return models.ResolutionRemote, input.Remote.Data

	case models.StrategyLocalWins:
		return models.ResolutionLocal, input.Local.Data

	case models.StrategyLastWriteWins:
		// Ties prefer local: the operator standing at the register beats a
		// background import with the same timestamp.
		if input.Remote.UpdatedAt.After(input.Local.UpdatedAt) {
			return models.ResolutionRemote, input.Remote.Data
		}
		return models.ResolutionLocal, input.Local.Data

	case models.StrategyMerge:
		return models.ResolutionMerged, merge(input.Local.Data, input.Remote.Data)

	case models.StrategyManual:
		return models.ResolutionPendingManual, nil

	default:
		// Unknown strategy falls back to last-write-wins semantics.
		if input.Remote.UpdatedAt.After(input.Local.UpdatedAt) {
			return models.ResolutionRemote, input.Remote.Data
		}
		return models.ResolutionLocal, input.Local.Data
	}
}

// merge performs a field-level union. Fields present on only one side are
// kept; free-text fields present on both sides are concatenated rather than
// overwritten; anything else prefers the local value.
func merge(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(remote))

	for k, v := range remote {
		out[k] = v
	}

	for k, localVal := range local {
		remoteVal, both := remote[k]
		if !both {
			out[k] = localVal
			continue
		}

		localStr, localIsStr := localVal.(string)
		remoteStr, remoteIsStr := remoteVal.(string)
		if localIsStr && remoteIsStr && isAppendOnly(k) && localStr != remoteStr {
			out[k] = strings.TrimSpace(localStr + "\n" + remoteStr)
			continue
		}

		out[k] = localVal
	}

	return out
}

var appendOnlyFields = map[string]bool{
	"notes":       true,
	"description": true,
	"comments":    true,
	"tags":        true,
}

func isAppendOnly(field string) bool {
	return appendOnlyFields[strings.ToLower(field)]
}
