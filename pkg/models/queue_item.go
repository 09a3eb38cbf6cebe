package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusInFlight  QueueStatus = "in_flight"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusDead      QueueStatus = "dead"
)

// IsTerminal reports whether the status is final. Terminal items are retained
// for audit, never deleted.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusDead
}

// SyncOperation is the kind of work a queue item represents.
type SyncOperation string

const (
	OperationCreate SyncOperation = "create"
	OperationUpdate SyncOperation = "update"
	OperationDelete SyncOperation = "delete"
	OperationFetch  SyncOperation = "fetch"

	// OperationArchive is the outbound form a delete takes under the
	// archive-remote policy. It is resolved at dispatch time and never
	// appears on a stored queue item.
	OperationArchive SyncOperation = "archive"
)

// EntityType identifies the kind of entity being synchronized.
type EntityType string

const (
	EntityCustomer  EntityType = "customer"
	EntityProduct   EntityType = "product"
	EntityOrder     EntityType = "order"
	EntityInvoice   EntityType = "invoice"
	EntityInventory EntityType = "inventory"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityCustomer, EntityProduct, EntityOrder, EntityInvoice, EntityInventory:
		return true
	}
	return false
}

// PriorityTier returns the dispatch tier for an entity type. Identity-bearing
// entities sync before entities that reference them, which sync before derived
// state, so a dependent operation never races ahead of its dependency.
func (e EntityType) PriorityTier() int {
	switch e {
	case EntityCustomer:
		return 1
	case EntityProduct:
		return 2
	case EntityOrder, EntityInvoice:
		return 3
	case EntityInventory:
		return 4
	default:
		return 5
	}
}

// AllEntityTypes lists entity types in dispatch tier order.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityCustomer, EntityProduct, EntityOrder, EntityInvoice, EntityInventory}
}

// QueueItem is a pending or completed unit of synchronization work.
type QueueItem struct {
	ID             uuid.UUID                      `db:"id" json:"id"`
	TenantID       uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	Platform       string                         `db:"platform" json:"platform"`
	EntityType     EntityType                     `db:"entity_type" json:"entity_type"`
	EntityID       string                         `db:"entity_id" json:"entity_id"`
	Operation      SyncOperation                  `db:"operation" json:"operation"`
	Payload        database.JSONB[map[string]any] `db:"payload" json:"payload"`
	IdempotencyKey string                         `db:"idempotency_key" json:"idempotency_key"`
	Priority       int                            `db:"priority" json:"priority"`
	Status         QueueStatus                    `db:"status" json:"status"`
	RetryCount     int                            `db:"retry_count" json:"retry_count"`
	LastAttemptAt  *time.Time                     `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextEligibleAt time.Time                      `db:"next_eligible_at" json:"next_eligible_at"`
	ErrorDetail    *string                        `db:"error_detail" json:"error_detail,omitempty"`
	RunID          *uuid.UUID                     `db:"run_id" json:"run_id,omitempty"`
	CreatedAt      time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (QueueItem) TableName() string {
	return "sync_queue_items"
}
