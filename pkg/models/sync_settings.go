package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// SyncDirection controls which way an entity type flows for a platform.
type SyncDirection string

const (
	DirectionPull          SyncDirection = "pull"
	DirectionPush          SyncDirection = "push"
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionDisabled      SyncDirection = "disabled"
)

// Valid reports whether d is a known direction value.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionPull, DirectionPush, DirectionBidirectional, DirectionDisabled:
		return true
	}
	return false
}

// Pushes reports whether local changes propagate to the remote.
func (d SyncDirection) Pushes() bool {
	return d == DirectionPush || d == DirectionBidirectional
}

// Pulls reports whether remote changes propagate locally.
func (d SyncDirection) Pulls() bool {
	return d == DirectionPull || d == DirectionBidirectional
}

// DeletePolicy controls whether and how a local deletion reaches the remote.
type DeletePolicy string

const (
	DeleteLocalOnly     DeletePolicy = "local-only"
	DeleteArchiveRemote DeletePolicy = "archive-remote"
	DeleteRemote        DeletePolicy = "delete-remote"
)

// Valid reports whether p is a known delete policy value.
func (p DeletePolicy) Valid() bool {
	switch p {
	case DeleteLocalOnly, DeleteArchiveRemote, DeleteRemote:
		return true
	}
	return false
}

// SyncSettings is the per (tenant, platform) sync configuration. Mutated only
// through the settings API; read by the processor and orchestrator.
type SyncSettings struct {
	ID                 uuid.UUID                                     `db:"id" json:"id"`
	TenantID           uuid.UUID                                     `db:"tenant_id" json:"tenant_id"`
	Platform           string                                        `db:"platform" json:"platform"`
	Direction          SyncDirection                                 `db:"direction" json:"direction"`
	DirectionOverrides database.JSONB[map[EntityType]SyncDirection]  `db:"direction_overrides" json:"direction_overrides,omitempty"`
	DeletePolicy       DeletePolicy                                  `db:"delete_policy" json:"delete_policy"`
	DeleteOverrides    database.JSONB[map[EntityType]DeletePolicy]   `db:"delete_overrides" json:"delete_overrides,omitempty"`
	ConflictStrategies database.JSONB[map[EntityType]ConflictStrategy] `db:"conflict_strategies" json:"conflict_strategies,omitempty"`
	WebhookSecret      string                                        `db:"webhook_secret" json:"-"`
	SyncIntervalSecs   int                                           `db:"sync_interval_secs" json:"sync_interval_secs"`
	QueueCeiling       int                                           `db:"queue_ceiling" json:"queue_ceiling"`
	Enabled            bool                                          `db:"enabled" json:"enabled"`
	LastRunAt          *time.Time                                    `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt          time.Time                                     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time                                     `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (SyncSettings) TableName() string {
	return "sync_settings"
}

// DirectionFor returns the effective direction for an entity type.
func (s *SyncSettings) DirectionFor(entityType EntityType) SyncDirection {
	if overrides := s.DirectionOverrides.GetValue(); overrides != nil {
		if d, ok := overrides[entityType]; ok {
			return d
		}
	}
	return s.Direction
}

// DeletePolicyFor returns the effective delete policy for an entity type.
func (s *SyncSettings) DeletePolicyFor(entityType EntityType) DeletePolicy {
	if overrides := s.DeleteOverrides.GetValue(); overrides != nil {
		if p, ok := overrides[entityType]; ok {
			return p
		}
	}
	return s.DeletePolicy
}

// ConflictStrategyFor returns the effective conflict strategy for an entity
// type, defaulting to last-write-wins.
func (s *SyncSettings) ConflictStrategyFor(entityType EntityType) ConflictStrategy {
	if strategies := s.ConflictStrategies.GetValue(); strategies != nil {
		if cs, ok := strategies[entityType]; ok {
			return cs
		}
	}
	return StrategyLastWriteWins
}
