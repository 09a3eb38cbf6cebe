// Package connector defines the uniform capability interface every remote
// platform adapter implements, plus the shared field mapping machinery.
package connector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Cursor is an opaque pagination position issued by a platform. Empty means
// start from the beginning (or from the adapter's default window).
type Cursor string

// RemoteEntity is an entity as fetched from a remote platform, before any
// inbound field mapping has been applied.
type RemoteEntity struct {
	EntityType models.EntityType `json:"entity_type"`
	RemoteID   string            `json:"remote_id"`
	Data       map[string]any    `json:"data"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// LocalEntity is a local entity headed outbound, before field mapping.
type LocalEntity struct {
	EntityType models.EntityType `json:"entity_type"`
	LocalID    string            `json:"local_id"`
	Data       map[string]any    `json:"data"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Page is one page of fetched remote entities.
type Page struct {
	Entities   []RemoteEntity `json:"entities"`
	NextCursor Cursor         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// PushResult is the outcome of a successful push.
type PushResult struct {
	RemoteID  string    `json:"remote_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connector is the capability interface for one remote platform. Adapters
// hold no retry logic and never gate themselves on rate limits or circuit
// state; both are owned by the queue processor.
type Connector interface {
	// Platform returns the platform name this adapter serves.
	Platform() string

	// Fetch returns entities of the given type changed since the cursor.
	Fetch(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, since Cursor) (*Page, error)

	// Push applies a create, update, delete, or archive to the remote
	// platform and returns the remote id. For creates the id is newly
	// assigned; the other operations require an existing mapped remote id.
	Push(ctx context.Context, tenantID uuid.UUID, op models.SyncOperation, entity LocalEntity) (*PushResult, error)
}
