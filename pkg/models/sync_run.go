package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
	TriggerWebhook   RunTrigger = "webhook"
)

// SyncRun is one orchestrated pass over a tenant's queue for a platform.
type SyncRun struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	TenantID    uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	Platform    string      `db:"platform" json:"platform"`
	EntityType  *EntityType `db:"entity_type" json:"entity_type,omitempty"` // nil means all types
	Status      RunStatus   `db:"status" json:"status"`
	Trigger     RunTrigger  `db:"trigger" json:"trigger"`
	Attempted   int         `db:"attempted" json:"attempted"`
	Succeeded   int         `db:"succeeded" json:"succeeded"`
	Failed      int         `db:"failed" json:"failed"`
	Conflicted  int         `db:"conflicted" json:"conflicted"`
	Dead        int         `db:"dead" json:"dead"`
	ErrorDetail *string     `db:"error_detail" json:"error_detail,omitempty"`
	StartedAt   *time.Time  `db:"started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (SyncRun) TableName() string {
	return "sync_runs"
}

// Clean reports whether the run finished with nothing needing attention. A run
// with dead or conflicted items is never reported as a clean success.
func (r *SyncRun) Clean() bool {
	return r.Status == RunStatusCompleted && r.Dead == 0 && r.Conflicted == 0
}
