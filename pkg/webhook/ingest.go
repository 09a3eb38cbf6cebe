// Package webhook turns signed platform push notifications into queue items.
// Verification happens before any other processing; an unsigned or
// invalid-signature delivery is rejected with no side effect.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrInvalidSignature rejects a delivery whose HMAC does not match.
	ErrInvalidSignature = errors.New("webhook signature is invalid")

	// ErrMalformedEvent rejects a delivery whose body cannot be parsed.
	ErrMalformedEvent = errors.New("webhook event is malformed")

	// ErrSyncDisabled rejects deliveries for a platform the tenant has
	// disabled.
	ErrSyncDisabled = errors.New("sync is disabled for platform")
)

// EventDeduper is the seen-set for remote event ids. Seen is a read-only
// check; Mark commits an id once its work is enqueued.
type EventDeduper interface {
	Seen(ctx context.Context, tenantID, eventID string) (bool, error)
	Mark(ctx context.Context, tenantID, eventID string) error
}

// Event is the normalized form of a platform notification. Platforms name
// events "<entity>.<verb>", e.g. "product.updated".
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	OccurredAt string `json:"occurred_at"`
}

// Result reports what one delivery produced.
type Result struct {
	// Duplicate is true when the event id was already seen; the delivery is
	// acknowledged but produces no queue entry.
	Duplicate bool

	// Skipped is true when the event was valid but not actionable (deleted
	// entity, pull disabled for the entity type).
	Skipped bool

	// ItemID is the queue item the event produced, when one was.
	ItemID uuid.UUID
}

// Ingestor validates, deduplicates, and enqueues webhook deliveries.
type Ingestor struct {
	settings repositories.SettingsRepo
	queue    repositories.QueueRepo
	deduper  EventDeduper
	logger   ectologger.Logger
}

// NewIngestor creates a webhook ingestor
func NewIngestor(settings repositories.SettingsRepo, queue repositories.QueueRepo, deduper EventDeduper, logger ectologger.Logger) *Ingestor {
	return &Ingestor{
		settings: settings,
		queue:    queue,
		deduper:  deduper,
		logger:   logger,
	}
}

// Ingest processes one signed delivery. The context must carry the tenant id.
func (i *Ingestor) Ingest(ctx context.Context, tenantID uuid.UUID, platform string, body []byte, signature string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookIngestor.Ingest")
	defer span.End()

	settings, err := i.settings.Get(ctx, platform)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(platform, "error").Inc()
		return nil, err
	}

	if !VerifySignature(settings.WebhookSecret, body, signature) {
		metrics.WebhooksReceived.WithLabelValues(platform, "rejected").Inc()
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"platform": platform,
		}).Warn("Rejected webhook with invalid signature")
		return nil, ErrInvalidSignature
	}

	if !settings.Enabled {
		metrics.WebhooksReceived.WithLabelValues(platform, "disabled").Inc()
		return nil, ErrSyncDisabled
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" {
		metrics.WebhooksReceived.WithLabelValues(platform, "malformed").Inc()
		return nil, ErrMalformedEvent
	}

	// Dedup on the platform's own event id, distinct from the local
	// idempotency key. A redelivery within the TTL is acknowledged silently.
	// The id is marked only after a successful enqueue; a full queue or DB
	// failure leaves it unmarked so the platform's redelivery is not lost.
	dedupID := platform + ":" + event.ID
	seen, err := i.deduper.Seen(ctx, tenantID.String(), dedupID)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(platform, "error").Inc()
		return nil, err
	}
	if seen {
		metrics.WebhooksReceived.WithLabelValues(platform, "duplicate").Inc()
		i.logger.WithContext(ctx).Debugf("Acknowledged duplicate webhook event %s", event.ID)
		return &Result{Duplicate: true}, nil
	}

	entityType, verb, ok := parseEventType(event.Type)
	if !ok {
		metrics.WebhooksReceived.WithLabelValues(platform, "malformed").Inc()
		return nil, ErrMalformedEvent
	}

	// Remote deletions never delete local data automatically; an operator
	// decides what a remote removal means for the store.
	if verb == "deleted" {
		metrics.WebhooksReceived.WithLabelValues(platform, "skipped").Inc()
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"event_type": event.Type,
			"entity_id":  event.EntityID,
		}).Info("Skipped remote deletion event")
		return &Result{Skipped: true}, nil
	}

	if !settings.DirectionFor(entityType).Pulls() {
		metrics.WebhooksReceived.WithLabelValues(platform, "skipped").Inc()
		return &Result{Skipped: true}, nil
	}

	payload := map[string]any{"entity_id": event.EntityID, "event_id": event.ID}
	item := &models.QueueItem{
		TenantID:   tenantID,
		Platform:   platform,
		EntityType: entityType,
		EntityID:   event.EntityID,
		Operation:  models.OperationFetch,
		Payload:    database.NewJSONB(payload),
		IdempotencyKey: retry.IdempotencyKey(tenantID.String(), platform, string(entityType),
			event.EntityID, string(models.OperationFetch), payload),
	}

	itemID, err := i.queue.Enqueue(ctx, item, settings.QueueCeiling)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(platform, "error").Inc()
		return nil, err
	}

	// A failed mark is tolerable: the redelivery re-enqueues through the same
	// idempotency key and lands on the existing item.
	if err := i.deduper.Mark(ctx, tenantID.String(), dedupID); err != nil {
		i.logger.WithContext(ctx).WithError(err).Warnf("Failed to mark webhook event %s as seen", event.ID)
	}

	metrics.WebhooksReceived.WithLabelValues(platform, "enqueued").Inc()
	i.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":    event.Type,
		"entity_id":     event.EntityID,
		"queue_item_id": itemID,
	}).Debug("Enqueued webhook-triggered fetch")

	return &Result{ItemID: itemID}, nil
}

// VerifySignature checks the delivery's HMAC-SHA256 hex digest against the
// tenant's shared secret. A "sha256=" prefix on the header value is accepted.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the hex HMAC-SHA256 digest for a body. Used by tests and by
// platform simulators.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseEventType(eventType string) (models.EntityType, string, bool) {
	parts := strings.SplitN(eventType, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	entityType := models.EntityType(parts[0])
	if !entityType.Valid() {
		return "", "", false
	}
	return entityType, parts[1], true
}
