package models

import (
	"time"

	"github.com/google/uuid"
)

// CircuitStateName is the breaker state for a (tenant, platform) pair.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half_open"
	// CircuitHalted is an operator-level stop: the breaker stays open until an
	// explicit reset, with no half-open probing. Used for fatal tenant errors.
	CircuitHalted CircuitStateName = "halted"
)

// CircuitSnapshot is the periodic durable copy of in-memory breaker state,
// used to rebuild breakers after a restart.
type CircuitSnapshot struct {
	ID                   uuid.UUID        `db:"id" json:"id"`
	TenantID             uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	Platform             string           `db:"platform" json:"platform"`
	State                CircuitStateName `db:"state" json:"state"`
	ConsecutiveFailures  int              `db:"consecutive_failures" json:"consecutive_failures"`
	ConsecutiveSuccesses int              `db:"consecutive_successes" json:"consecutive_successes"`
	OpenedAt             *time.Time       `db:"opened_at" json:"opened_at,omitempty"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (CircuitSnapshot) TableName() string {
	return "circuit_states"
}
