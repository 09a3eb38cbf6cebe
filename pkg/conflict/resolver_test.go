package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

type memStore struct {
	records []*models.ConflictRecord
}

func (m *memStore) Create(_ context.Context, record *models.ConflictRecord) error {
	m.records = append(m.records, record)
	return nil
}

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func baseInput(strategy models.ConflictStrategy) Input {
	return Input{
		TenantID:   uuid.New(),
		Platform:   "commerce",
		EntityType: models.EntityProduct,
		EntityID:   "prod-1",
		Local: models.EntityVersion{
			Data:      map[string]any{"name": "Widget", "price": 12.50},
			UpdatedAt: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		},
		Remote: models.EntityVersion{
			Data:      map[string]any{"name": "Widget Pro", "price": 13.00},
			UpdatedAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		},
		Strategy: strategy,
	}
}

func TestRemoteWins(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	outcome, err := resolver.Resolve(context.Background(), baseInput(models.StrategyRemoteWins))
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionRemote, outcome.Resolution)
	assert.Equal(t, "Widget Pro", outcome.Data["name"])
}

func TestLocalWins(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	outcome, err := resolver.Resolve(context.Background(), baseInput(models.StrategyLocalWins))
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionLocal, outcome.Resolution)
	assert.Equal(t, "Widget", outcome.Data["name"])
}

func TestLastWriteWinsLaterLocal(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	outcome, err := resolver.Resolve(context.Background(), baseInput(models.StrategyLastWriteWins))
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionLocal, outcome.Resolution)
	assert.Equal(t, "Widget", outcome.Data["name"])
}

func TestLastWriteWinsLaterRemote(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	input := baseInput(models.StrategyLastWriteWins)
	input.Remote.UpdatedAt = input.Local.UpdatedAt.Add(time.Minute)

	outcome, err := resolver.Resolve(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionRemote, outcome.Resolution)
	assert.Equal(t, "Widget Pro", outcome.Data["name"])
}

func TestLastWriteWinsTiePrefersLocal(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	input := baseInput(models.StrategyLastWriteWins)
	input.Remote.UpdatedAt = input.Local.UpdatedAt

	outcome, err := resolver.Resolve(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionLocal, outcome.Resolution)
}

func TestMergeConcatenatesAppendOnlyFields(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	input := baseInput(models.StrategyMerge)
	input.Local.Data = map[string]any{"name": "Widget", "notes": "restocked monday"}
	input.Remote.Data = map[string]any{"name": "Widget Pro", "notes": "supplier changed", "color": "red"}

	outcome, err := resolver.Resolve(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionMerged, outcome.Resolution)
	assert.Equal(t, "restocked monday\nsupplier changed", outcome.Data["notes"])
	assert.Equal(t, "Widget", outcome.Data["name"], "non-append fields prefer local")
	assert.Equal(t, "red", outcome.Data["color"], "remote-only fields kept")
}

func TestManualLeavesPending(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	outcome, err := resolver.Resolve(context.Background(), baseInput(models.StrategyManual))
	require.NoError(t, err)

	assert.Equal(t, models.ResolutionPendingManual, outcome.Resolution)
	assert.Nil(t, outcome.Data)
	require.Len(t, store.records, 1)
	assert.True(t, store.records[0].IsPending())
	assert.Nil(t, store.records[0].ResolvedAt)
}

func TestEveryInvocationWritesRecord(t *testing.T) {
	store := &memStore{}
	resolver := NewResolver(store, noopLogger())

	strategies := []models.ConflictStrategy{
		models.StrategyRemoteWins,
		models.StrategyLocalWins,
		models.StrategyLastWriteWins,
		models.StrategyMerge,
		models.StrategyManual,
	}

	for _, strategy := range strategies {
		_, err := resolver.Resolve(context.Background(), baseInput(strategy))
		require.NoError(t, err)
	}

	assert.Len(t, store.records, len(strategies))
	for _, record := range store.records {
		assert.NotEqual(t, uuid.Nil, record.ID)
		assert.Equal(t, models.EntityProduct, record.EntityType)
	}
}
