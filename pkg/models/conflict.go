package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// ConflictStrategy selects how a two-sided edit is resolved.
type ConflictStrategy string

const (
	StrategyRemoteWins    ConflictStrategy = "remote-wins"
	StrategyLocalWins     ConflictStrategy = "local-wins"
	StrategyLastWriteWins ConflictStrategy = "last-write-wins"
	StrategyMerge         ConflictStrategy = "merge"
	StrategyManual        ConflictStrategy = "manual"
)

// Valid reports whether s is a known conflict strategy value.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyRemoteWins, StrategyLocalWins, StrategyLastWriteWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ConflictResolution is the recorded outcome of a conflict.
type ConflictResolution string

const (
	ResolutionLocal         ConflictResolution = "local"
	ResolutionRemote        ConflictResolution = "remote"
	ResolutionMerged        ConflictResolution = "merged"
	ResolutionPendingManual ConflictResolution = "pending-manual"
)

// EntityVersion is one side's snapshot of an entity at a point in time.
type EntityVersion struct {
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ConflictRecord is the audit evidence of a two-sided edit. One is written on
// every resolver invocation regardless of strategy.
type ConflictRecord struct {
	ID              uuid.UUID                      `db:"id" json:"id"`
	TenantID        uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	Platform        string                         `db:"platform" json:"platform"`
	EntityType      EntityType                     `db:"entity_type" json:"entity_type"`
	EntityID        string                         `db:"entity_id" json:"entity_id"`
	LocalVersion    database.JSONB[EntityVersion]  `db:"local_version" json:"local_version"`
	RemoteVersion   database.JSONB[EntityVersion]  `db:"remote_version" json:"remote_version"`
	StrategyApplied ConflictStrategy               `db:"strategy_applied" json:"strategy_applied"`
	Resolution      ConflictResolution             `db:"resolution" json:"resolution"`
	ResolvedData    database.JSONB[map[string]any] `db:"resolved_data" json:"resolved_data,omitempty"`
	ResolvedAt      *time.Time                     `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt       time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// IsPending reports whether the conflict still needs a human decision.
func (c *ConflictRecord) IsPending() bool {
	return c.Resolution == ResolutionPendingManual
}
