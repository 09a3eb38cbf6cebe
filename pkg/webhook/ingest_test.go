package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

const testSecret = "whsec_test"

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type memSettings struct {
	settings *models.SyncSettings
}

func (s *memSettings) Get(_ context.Context, _ string) (*models.SyncSettings, error) {
	return s.settings, nil
}
func (s *memSettings) Upsert(_ context.Context, _ *models.SyncSettings) error  { return nil }
func (s *memSettings) TouchLastRun(_ context.Context, _ string) error          { return nil }
func (s *memSettings) ListDue(_ context.Context) ([]models.SyncSettings, error) { return nil, nil }

type memQueue struct {
	mu    sync.Mutex
	items []*models.QueueItem
}

func (q *memQueue) Enqueue(_ context.Context, item *models.QueueItem, ceiling int) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.items {
		if existing.IdempotencyKey == item.IdempotencyKey {
			return existing.ID, nil
		}
	}
	if ceiling > 0 && len(q.items) >= ceiling {
		return uuid.Nil, repositories.ErrQueueFull
	}
	item.ID = uuid.New()
	q.items = append(q.items, item)
	return item.ID, nil
}

func (q *memQueue) DequeueBatch(_ context.Context, _ string, _ []models.EntityType, _ int, _ uuid.UUID) ([]models.QueueItem, error) {
	return nil, nil
}
func (q *memQueue) MarkCompleted(_ context.Context, _ uuid.UUID) error { return nil }
func (q *memQueue) MarkFailed(_ context.Context, _ uuid.UUID, _ string, _ time.Time) error {
	return nil
}
func (q *memQueue) MarkDead(_ context.Context, _ uuid.UUID, _ string) error { return nil }
func (q *memQueue) Release(_ context.Context, _ uuid.UUID) error            { return nil }
func (q *memQueue) Defer(_ context.Context, _ uuid.UUID, _ time.Time) error { return nil }
func (q *memQueue) PendingForEntity(_ context.Context, _ string, _ models.EntityType, _ string) (bool, error) {
	return false, nil
}
func (q *memQueue) RetryDead(_ context.Context, _ uuid.UUID) error { return nil }
func (q *memQueue) ListDead(_ context.Context, _, _ int) ([]models.QueueItem, error) {
	return nil, nil
}
func (q *memQueue) GetByID(_ context.Context, _ uuid.UUID) (*models.QueueItem, error) {
	return nil, nil
}
func (q *memQueue) PendingCount(_ context.Context) (int, error) { return 0, nil }
func (q *memQueue) CountsByStatus(_ context.Context) (map[models.QueueStatus]int, error) {
	return nil, nil
}
func (q *memQueue) RequeueStale(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) Seen(_ context.Context, tenantID, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[tenantID+":"+eventID], nil
}

func (d *memDeduper) Mark(_ context.Context, tenantID, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	d.seen[tenantID+":"+eventID] = true
	return nil
}

func newIngestor(settings *models.SyncSettings) (*Ingestor, *memQueue) {
	queue := &memQueue{}
	ingestor := NewIngestor(&memSettings{settings: settings}, queue, &memDeduper{}, noopLogger())
	return ingestor, queue
}

func defaultSettings() *models.SyncSettings {
	return &models.SyncSettings{
		TenantID:      uuid.New(),
		Platform:      "commerce",
		Direction:     models.DirectionBidirectional,
		WebhookSecret: testSecret,
		QueueCeiling:  100,
		Enabled:       true,
	}
}

func signedEvent(t *testing.T, eventID, eventType, entityID string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(Event{ID: eventID, Type: eventType, EntityID: entityID})
	require.NoError(t, err)
	return body, Sign(testSecret, body)
}

func TestIngestEnqueuesFetch(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())
	body, sig := signedEvent(t, "evt-1", "product.updated", "rem-42")

	result, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, sig)
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.NotEqual(t, uuid.Nil, result.ItemID)
	require.Equal(t, 1, queue.size())
	assert.Equal(t, models.OperationFetch, queue.items[0].Operation)
	assert.Equal(t, models.EntityProduct, queue.items[0].EntityType)
	assert.Equal(t, "rem-42", queue.items[0].EntityID)
}

func TestInvalidSignatureRejectedWithNoSideEffect(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())
	body, _ := signedEvent(t, "evt-1", "product.updated", "rem-42")

	_, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, Sign("wrong-secret", body))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 0, queue.size())

	_, err = ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 0, queue.size())
}

func TestTamperedBodyRejected(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())
	body, sig := signedEvent(t, "evt-1", "product.updated", "rem-42")

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = 'X'

	_, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", tampered, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 0, queue.size())
}

func TestDuplicateDeliveryAcknowledgedOnce(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())
	tenantID := uuid.New()
	body, sig := signedEvent(t, "evt-1", "product.updated", "rem-42")

	first, err := ingestor.Ingest(context.Background(), tenantID, "commerce", body, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := ingestor.Ingest(context.Background(), tenantID, "commerce", body, sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, queue.size())
}

func TestSignaturePrefixAccepted(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())
	body, sig := signedEvent(t, "evt-1", "order.created", "ord-7")

	_, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, "sha256="+sig)
	require.NoError(t, err)
	assert.Equal(t, 1, queue.size())
}

func TestPullDisabledEntitySkipped(t *testing.T) {
	settings := defaultSettings()
	settings.Direction = models.DirectionPush
	ingestor, queue := newIngestor(settings)
	body, sig := signedEvent(t, "evt-1", "product.updated", "rem-42")

	result, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, sig)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, queue.size())
}

func TestRemoteDeletionSkipped(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())
	body, sig := signedEvent(t, "evt-1", "product.deleted", "rem-42")

	result, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, sig)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, queue.size())
}

func TestMalformedEventRejected(t *testing.T) {
	ingestor, queue := newIngestor(defaultSettings())

	body := []byte(`{"type": "product.updated"}`) // no event id
	_, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, Sign(testSecret, body))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	body = []byte(`{"id": "evt-1", "type": "warehouse.updated", "entity_id": "w-1"}`)
	_, err = ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, Sign(testSecret, body))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	assert.Equal(t, 0, queue.size())
}

func TestQueueFullSurfaced(t *testing.T) {
	settings := defaultSettings()
	settings.QueueCeiling = 1
	ingestor, queue := newIngestor(settings)

	body, sig := signedEvent(t, "evt-1", "product.updated", "rem-1")
	_, err := ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, sig)
	require.NoError(t, err)

	body, sig = signedEvent(t, "evt-2", "product.updated", "rem-2")
	_, err = ingestor.Ingest(context.Background(), uuid.New(), "commerce", body, sig)
	assert.ErrorIs(t, err, repositories.ErrQueueFull)
	assert.Equal(t, 1, queue.size())
}

func TestRedeliveryAfterFailedEnqueueIsNotDuplicate(t *testing.T) {
	settings := defaultSettings()
	settings.QueueCeiling = 1
	ingestor, queue := newIngestor(settings)
	tenantID := uuid.New()

	body, sig := signedEvent(t, "evt-1", "product.updated", "rem-1")
	_, err := ingestor.Ingest(context.Background(), tenantID, "commerce", body, sig)
	require.NoError(t, err)

	// The second event bounces off the full queue. Its id must not enter the
	// seen-set, or the platform's redelivery would be swallowed.
	body, sig = signedEvent(t, "evt-2", "product.updated", "rem-2")
	_, err = ingestor.Ingest(context.Background(), tenantID, "commerce", body, sig)
	require.ErrorIs(t, err, repositories.ErrQueueFull)

	settings.QueueCeiling = 10

	result, err := ingestor.Ingest(context.Background(), tenantID, "commerce", body, sig)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEqual(t, uuid.Nil, result.ItemID)
	assert.Equal(t, 2, queue.size())
}
