// Package events emits alert-worthy sync lifecycle events. Emission is
// best-effort: a broker outage must never block or fail the sync work that
// produced the event, so failures are logged and swallowed.
package events

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	TypeItemDead      = "sync.item.dead"
	TypeCircuitOpened = "sync.circuit.opened"
	TypeTenantFatal   = "sync.tenant.fatal"
	TypeRunCompleted  = "sync.run.completed"
)

// Publisher is the subset of the Kafka producer the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, msg *kafka.EventMessage) error
}

// Emitter publishes sync events
type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter. A nil producer disables emission,
// which keeps tests and kafka-less environments simple.
func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// ItemDead signals a queue item that exhausted its retry budget or hit a
// non-retryable error. Operators act on these; nothing retries a dead item
// automatically.
func (e *Emitter) ItemDead(ctx context.Context, item *models.QueueItem, reason string) {
	payload := map[string]any{
		"item_id":     item.ID.String(),
		"entity_type": string(item.EntityType),
		"entity_id":   item.EntityID,
		"operation":   string(item.Operation),
		"retry_count": item.RetryCount,
		"reason":      reason,
	}
	e.emit(ctx, TypeItemDead, item.TenantID, item.Platform, payload)
}

// CircuitOpened signals a circuit breaker tripping open for a platform.
func (e *Emitter) CircuitOpened(ctx context.Context, tenantID uuid.UUID, platform string, failureCount int) {
	e.emit(ctx, TypeCircuitOpened, tenantID, platform, map[string]any{
		"failure_count": failureCount,
	})
}

// TenantFatal signals a fatal error (revoked credentials, forbidden access)
// that halted all sync activity for a tenant on a platform. Requires operator
// intervention to clear.
func (e *Emitter) TenantFatal(ctx context.Context, tenantID uuid.UUID, platform string, reason string) {
	e.emit(ctx, TypeTenantFatal, tenantID, platform, map[string]any{
		"reason": reason,
	})
}

// RunCompleted signals a sync run reaching a terminal state, with its counters.
func (e *Emitter) RunCompleted(ctx context.Context, run *models.SyncRun) {
	payload := map[string]any{
		"run_id":     run.ID.String(),
		"status":     string(run.Status),
		"attempted":  run.Attempted,
		"succeeded":  run.Succeeded,
		"failed":     run.Failed,
		"conflicted": run.Conflicted,
		"dead":       run.Dead,
	}
	e.emit(ctx, TypeRunCompleted, run.TenantID, run.Platform, payload)
}

func (e *Emitter) emit(ctx context.Context, eventType string, tenantID uuid.UUID, platform string, payload map[string]any) {
	if e.producer == nil {
		return
	}

	msg := &kafka.EventMessage{
		Type:     eventType,
		TenantID: tenantID.String(),
		Platform: platform,
		Payload:  payload,
	}

	if err := e.producer.Publish(ctx, msg); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": eventType,
			"platform":   platform,
		}).Warn("Failed to emit sync event")
	}
}
