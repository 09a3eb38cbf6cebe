package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// QueueRepo defines the interface for sync queue store operations
type QueueRepo interface {
	Enqueue(ctx context.Context, item *models.QueueItem, ceiling int) (uuid.UUID, error)
	DequeueBatch(ctx context.Context, platform string, entityTypes []models.EntityType, limit int, runID uuid.UUID) ([]models.QueueItem, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorDetail string, nextEligibleAt time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, errorDetail string) error
	Release(ctx context.Context, id uuid.UUID) error
	Defer(ctx context.Context, id uuid.UUID, until time.Time) error
	PendingForEntity(ctx context.Context, platform string, entityType models.EntityType, entityID string) (bool, error)
	RetryDead(ctx context.Context, id uuid.UUID) error
	ListDead(ctx context.Context, limit, offset int) ([]models.QueueItem, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueueItem, error)
	PendingCount(ctx context.Context) (int, error)
	CountsByStatus(ctx context.Context) (map[models.QueueStatus]int, error)
	RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// IdMapRepo defines the interface for id mapping repository operations
type IdMapRepo interface {
	Record(ctx context.Context, mapping *models.IdMapping) error
	Resolve(ctx context.Context, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) (string, bool, error)
	ListForEntity(ctx context.Context, entityType models.EntityType, localID string) ([]models.IdMapping, error)
}

// ConflictRepo defines the interface for conflict record repository operations
type ConflictRepo interface {
	Create(ctx context.Context, record *models.ConflictRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error)
	ListPending(ctx context.Context, limit, offset int) ([]models.ConflictRecord, error)
	HasPendingForEntity(ctx context.Context, entityType models.EntityType, entityID string) (bool, error)
	ResolveManually(ctx context.Context, id uuid.UUID, resolution models.ConflictResolution, resolvedData map[string]any) error
}

// SettingsRepo defines the interface for sync settings repository operations
type SettingsRepo interface {
	Get(ctx context.Context, platform string) (*models.SyncSettings, error)
	Upsert(ctx context.Context, settings *models.SyncSettings) error
	TouchLastRun(ctx context.Context, platform string) error
	ListDue(ctx context.Context) ([]models.SyncSettings, error)
}

// RunRepo defines the interface for sync run repository operations
type RunRepo interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Update(ctx context.Context, run *models.SyncRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	List(ctx context.Context, limit, offset int) ([]models.SyncRun, error)
	ActiveRun(ctx context.Context, platform string) (*models.SyncRun, error)
}

// CircuitRepo defines the interface for circuit snapshot repository operations
type CircuitRepo interface {
	Save(ctx context.Context, snapshot *models.CircuitSnapshot) error
	Load(ctx context.Context, tenantID uuid.UUID, platform string) (*models.CircuitSnapshot, error)
	ListForTenant(ctx context.Context) ([]models.CircuitSnapshot, error)
}
