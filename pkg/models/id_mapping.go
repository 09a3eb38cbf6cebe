package models

import (
	"time"

	"github.com/google/uuid"
)

// IdMapping correlates a locally-known entity id with its counterpart on a
// remote platform. Unique per (tenant, source system, entity type, source id,
// target system); never deleted.
type IdMapping struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	TenantID         uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	SourceSystem     string     `db:"source_system" json:"source_system"`
	SourceEntityType EntityType `db:"source_entity_type" json:"source_entity_type"`
	SourceID         string     `db:"source_id" json:"source_id"`
	TargetSystem     string     `db:"target_system" json:"target_system"`
	TargetID         string     `db:"target_id" json:"target_id"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (IdMapping) TableName() string {
	return "id_mappings"
}

// LocalSystem is the source system name for locally-originated entities.
const LocalSystem = "local"
