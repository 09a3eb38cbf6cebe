package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// LocalEntityRecord is one row of the service's local entity store. EntityID
// is the local identifier that id mappings and queue items refer to; RemoteID
// records which remote snapshot the row last landed from.
type LocalEntityRecord struct {
	ID              uuid.UUID                      `db:"id" json:"id"`
	TenantID        uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	EntityType      EntityType                     `db:"entity_type" json:"entity_type"`
	EntityID        string                         `db:"entity_id" json:"entity_id"`
	RemoteID        string                         `db:"remote_id" json:"remote_id,omitempty"`
	Data            database.JSONB[map[string]any] `db:"data" json:"data"`
	RemoteUpdatedAt time.Time                      `db:"remote_updated_at" json:"remote_updated_at"`
	CreatedAt       time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (LocalEntityRecord) TableName() string {
	return "local_entities"
}
