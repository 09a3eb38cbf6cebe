package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/conflict"
	"github.com/Ramsey-B/fern/pkg/connector"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/retry"
)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// memQueue is an in-memory stand-in for the durable queue store.
type memQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.QueueItem
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[uuid.UUID]*models.QueueItem)}
}

func (q *memQueue) Enqueue(_ context.Context, item *models.QueueItem, ceiling int) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := 0
	for _, existing := range q.items {
		if !existing.Status.IsTerminal() {
			pending++
			if existing.IdempotencyKey == item.IdempotencyKey {
				return existing.ID, nil
			}
		}
	}
	if ceiling > 0 && pending >= ceiling {
		return uuid.Nil, repositories.ErrQueueFull
	}

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}
	if item.Priority == 0 {
		item.Priority = item.EntityType.PriorityTier()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	clone := *item
	q.items[item.ID] = &clone
	return item.ID, nil
}

func (q *memQueue) DequeueBatch(_ context.Context, platform string, entityTypes []models.EntityType, limit int, runID uuid.UUID) ([]models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	typeSet := make(map[models.EntityType]bool)
	for _, et := range entityTypes {
		typeSet[et] = true
	}

	var eligible []*models.QueueItem
	for _, item := range q.items {
		if item.Platform != platform {
			continue
		}
		if len(typeSet) > 0 && !typeSet[item.EntityType] {
			continue
		}
		if item.Status != models.QueueStatusPending && item.Status != models.QueueStatusFailed {
			continue
		}
		if item.NextEligibleAt.After(now) {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]models.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		item.Status = models.QueueStatusInFlight
		if runID != uuid.Nil {
			id := runID
			item.RunID = &id
		}
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return q.setStatus(id, models.QueueStatusCompleted)
}

func (q *memQueue) MarkFailed(_ context.Context, id uuid.UUID, errorDetail string, nextEligibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.items[id]
	item.Status = models.QueueStatusFailed
	item.ErrorDetail = &errorDetail
	item.NextEligibleAt = nextEligibleAt
	item.RetryCount++
	return nil
}

func (q *memQueue) MarkDead(_ context.Context, id uuid.UUID, errorDetail string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.items[id]
	item.Status = models.QueueStatusDead
	item.ErrorDetail = &errorDetail
	return nil
}

func (q *memQueue) Release(_ context.Context, id uuid.UUID) error {
	return q.setStatus(id, models.QueueStatusPending)
}

func (q *memQueue) Defer(_ context.Context, id uuid.UUID, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.items[id]
	item.Status = models.QueueStatusPending
	item.NextEligibleAt = until
	return nil
}

func (q *memQueue) PendingForEntity(_ context.Context, platform string, entityType models.EntityType, entityID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Platform == platform && item.EntityType == entityType && item.EntityID == entityID &&
			!item.Status.IsTerminal() && item.Operation != models.OperationFetch {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) RetryDead(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.items[id]
	item.Status = models.QueueStatusPending
	item.RetryCount = 0
	item.NextEligibleAt = time.Now().UTC()
	return nil
}

func (q *memQueue) ListDead(_ context.Context, _, _ int) ([]models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dead []models.QueueItem
	for _, item := range q.items {
		if item.Status == models.QueueStatusDead {
			dead = append(dead, *item)
		}
	}
	return dead, nil
}

func (q *memQueue) GetByID(_ context.Context, id uuid.UUID) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	clone := *q.items[id]
	return &clone, nil
}

func (q *memQueue) PendingCount(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, item := range q.items {
		if !item.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (q *memQueue) CountsByStatus(_ context.Context) (map[models.QueueStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[models.QueueStatus]int)
	for _, item := range q.items {
		counts[item.Status]++
	}
	return counts, nil
}

func (q *memQueue) RequeueStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (q *memQueue) setStatus(id uuid.UUID, status models.QueueStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[id].Status = status
	return nil
}

func (q *memQueue) statusOf(id uuid.UUID) models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[id].Status
}

// memSettings serves one fixed settings row.
type memSettings struct {
	settings *models.SyncSettings
}

func (s *memSettings) Get(_ context.Context, _ string) (*models.SyncSettings, error) {
	return s.settings, nil
}
func (s *memSettings) Upsert(_ context.Context, _ *models.SyncSettings) error  { return nil }
func (s *memSettings) TouchLastRun(_ context.Context, _ string) error          { return nil }
func (s *memSettings) ListDue(_ context.Context) ([]models.SyncSettings, error) { return nil, nil }

// memConflicts records created conflict records and serves the pending gate.
type memConflicts struct {
	mu      sync.Mutex
	records []*models.ConflictRecord
	pending map[string]bool
}

func newMemConflicts() *memConflicts {
	return &memConflicts{pending: make(map[string]bool)}
}

func (c *memConflicts) Create(_ context.Context, record *models.ConflictRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	if record.IsPending() {
		c.pending[string(record.EntityType)+":"+record.EntityID] = true
	}
	return nil
}

func (c *memConflicts) GetByID(_ context.Context, _ uuid.UUID) (*models.ConflictRecord, error) {
	return nil, nil
}

func (c *memConflicts) ListPending(_ context.Context, _, _ int) ([]models.ConflictRecord, error) {
	return nil, nil
}

func (c *memConflicts) HasPendingForEntity(_ context.Context, entityType models.EntityType, entityID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[string(entityType)+":"+entityID], nil
}

func (c *memConflicts) ResolveManually(_ context.Context, _ uuid.UUID, _ models.ConflictResolution, _ map[string]any) error {
	return nil
}

// memLocalStore holds entity snapshots keyed by type and id.
type memLocalStore struct {
	mu       sync.Mutex
	entities map[string]connector.LocalEntity
}

func newMemLocalStore() *memLocalStore {
	return &memLocalStore{entities: make(map[string]connector.LocalEntity)}
}

func localKey(entityType models.EntityType, id string) string {
	return string(entityType) + ":" + id
}

func (s *memLocalStore) put(entity connector.LocalEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[localKey(entity.EntityType, entity.LocalID)] = entity
}

func (s *memLocalStore) Get(_ context.Context, _ uuid.UUID, entityType models.EntityType, entityID string) (*connector.LocalEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[localKey(entityType, entityID)]
	if !ok {
		return nil, false, nil
	}
	return &entity, true, nil
}

func (s *memLocalStore) Apply(_ context.Context, _ uuid.UUID, entity connector.RemoteEntity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	localID := "local-" + entity.RemoteID
	s.entities[localKey(entity.EntityType, localID)] = connector.LocalEntity{
		EntityType: entity.EntityType,
		LocalID:    localID,
		Data:       entity.Data,
		UpdatedAt:  entity.UpdatedAt,
	}
	return localID, nil
}

// memMapper is an in-memory id mapper.
type memMapper struct {
	mu       sync.Mutex
	mappings map[string]string
}

func newMemMapper() *memMapper {
	return &memMapper{mappings: make(map[string]string)}
}

func mapKey(sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) string {
	return sourceSystem + ":" + string(entityType) + ":" + sourceID + ":" + targetSystem
}

func (m *memMapper) Resolve(_ context.Context, _ uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	targetID, ok := m.mappings[mapKey(sourceSystem, entityType, sourceID, targetSystem)]
	return targetID, ok, nil
}

func (m *memMapper) Record(_ context.Context, _ uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mapKey(sourceSystem, entityType, sourceID, targetSystem)] = targetID
	m.mappings[mapKey(targetSystem, entityType, targetID, sourceSystem)] = sourceID
	return nil
}

// fakeConnector simulates a remote platform that can be taken offline.
type fakeConnector struct {
	mu        sync.Mutex
	platform  string
	reachable bool
	pushErr   error
	pushErrs  []error
	pushes    []connector.LocalEntity
	pushOps   []models.SyncOperation
	fetchPage *connector.Page
	remote    map[string]map[string]any
}

func newFakeConnector(platform string) *fakeConnector {
	return &fakeConnector{
		platform:  platform,
		reachable: true,
		remote:    make(map[string]map[string]any),
	}
}

func (c *fakeConnector) Platform() string { return c.platform }

func (c *fakeConnector) setReachable(reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachable = reachable
}

func (c *fakeConnector) Fetch(_ context.Context, _ uuid.UUID, _ models.EntityType, _ connector.Cursor) (*connector.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reachable {
		return nil, connector.WrapTransport(context.DeadlineExceeded)
	}
	if c.fetchPage != nil {
		return c.fetchPage, nil
	}
	return &connector.Page{}, nil
}

func (c *fakeConnector) Push(_ context.Context, _ uuid.UUID, op models.SyncOperation, entity connector.LocalEntity) (*connector.PushResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reachable {
		return nil, connector.WrapTransport(context.DeadlineExceeded)
	}
	if len(c.pushErrs) > 0 {
		err := c.pushErrs[0]
		c.pushErrs = c.pushErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if c.pushErr != nil {
		return nil, c.pushErr
	}
	c.pushes = append(c.pushes, entity)
	c.pushOps = append(c.pushOps, op)
	c.remote[entity.LocalID] = entity.Data
	return &connector.PushResult{RemoteID: "rem-" + entity.LocalID, UpdatedAt: time.Now().UTC()}, nil
}

func (c *fakeConnector) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

func (c *fakeConnector) operations() []models.SyncOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SyncOperation{}, c.pushOps...)
}

type fakeAuth struct {
	mu       sync.Mutex
	refreshs int
}

func (a *fakeAuth) ForceRefresh(_ context.Context, _ uuid.UUID, _ string) (*auth.CachedToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshs++
	return &auth.CachedToken{Token: "fresh"}, nil
}

type harness struct {
	queue     *memQueue
	conflicts *memConflicts
	store     *memLocalStore
	mapper    *memMapper
	conn      *fakeConnector
	auth      *fakeAuth
	breakers  *breaker.Registry
	processor *Processor
	tenantID  uuid.UUID
	settings  *models.SyncSettings
}

func newHarness(t *testing.T, breakerConfig breaker.Config, policy retry.Policy) *harness {
	t.Helper()

	logger := noopLogger()
	h := &harness{
		queue:     newMemQueue(),
		conflicts: newMemConflicts(),
		store:     newMemLocalStore(),
		mapper:    newMemMapper(),
		conn:      newFakeConnector("commerce"),
		auth:      &fakeAuth{},
		breakers:  breaker.NewRegistry(breakerConfig, nil, logger),
		tenantID:  uuid.New(),
		settings: &models.SyncSettings{
			TenantID:     uuid.New(),
			Platform:     "commerce",
			Direction:    models.DirectionBidirectional,
			DeletePolicy: models.DeleteRemote,
			QueueCeiling: 100,
			Enabled:      true,
		},
	}

	h.processor = NewProcessor(
		Config{
			BatchSize:     10,
			MaxRateWait:   time.Second,
			ConflictDefer: time.Minute,
			Policy:        policy,
		},
		Deps{
			Queue:      h.queue,
			Settings:   &memSettings{settings: h.settings},
			Conflicts:  h.conflicts,
			Store:      h.store,
			Mapper:     h.mapper,
			Resolver:   conflict.NewResolver(h.conflicts, logger),
			Breakers:   h.breakers,
			Auth:       h.auth,
			Connectors: map[string]connector.Connector{"commerce": h.conn},
			Emitter:    events.NewEmitter(nil, logger),
			Logger:     logger,
		},
	)
	return h
}

func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		Multiplier:    2.0,
		MaxRetries:    maxRetries,
		DisableJitter: true,
	}
}

func (h *harness) enqueueUpdate(t *testing.T, entityType models.EntityType, entityID string, payload map[string]any) uuid.UUID {
	t.Helper()
	item := &models.QueueItem{
		TenantID:   h.tenantID,
		Platform:   "commerce",
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  models.OperationUpdate,
		Payload:    database.NewJSONB(payload),
		IdempotencyKey: retry.IdempotencyKey(h.tenantID.String(), "commerce", string(entityType),
			entityID, string(models.OperationUpdate), payload),
	}
	id, err := h.queue.Enqueue(context.Background(), item, h.settings.QueueCeiling)
	require.NoError(t, err)
	return id
}

func (h *harness) drain(t *testing.T, entityType models.EntityType) *Stats {
	t.Helper()
	stats, err := h.processor.ProcessEntityType(context.Background(), h.tenantID, "commerce", entityType, uuid.New(), nil)
	require.NoError(t, err)
	return stats
}

func TestOfflineRoundTrip(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	ctx := context.Background()

	// The register sells 5 units while the network is down: local quantity
	// drops 100 -> 95 and the change is queued.
	h.conn.setReachable(false)
	payload := map[string]any{"product_id": "prod-1", "quantity": 95}
	itemID := h.enqueueUpdate(t, models.EntityInventory, "inv-1", payload)

	stats := h.drain(t, models.EntityInventory)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, models.QueueStatusFailed, h.queue.statusOf(itemID))
	assert.Equal(t, 0, h.conn.pushCount())

	// Reconnect. The next drain applies exactly one remote update.
	h.conn.setReachable(true)
	time.Sleep(120 * time.Millisecond)

	stats = h.drain(t, models.EntityInventory)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, h.conn.pushCount())
	assert.Equal(t, 95, h.conn.remote["inv-1"]["quantity"])
	assert.Equal(t, models.QueueStatusCompleted, h.queue.statusOf(itemID))

	pending, err := h.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	// The push recorded the id mapping, so a later update targets the same
	// remote entity.
	remoteID, found, err := h.mapper.Resolve(ctx, h.tenantID, models.LocalSystem, models.EntityInventory, "inv-1", "commerce")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "rem-inv-1", remoteID)
}

func TestRetryBudgetExhaustionMarksDead(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(2))
	h.conn.setReachable(false)

	itemID := h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{"name": "Widget"})

	for i := 0; i < 3; i++ {
		h.drain(t, models.EntityProduct)
		time.Sleep(120 * time.Millisecond)
	}

	assert.Equal(t, models.QueueStatusDead, h.queue.statusOf(itemID))

	dead, err := h.queue.ListDead(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NotNil(t, dead[0].ErrorDetail)
}

func TestNonRetryableDeadImmediately(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.conn.pushErr = connector.NewValidationError("name is required")

	itemID := h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{})

	stats := h.drain(t, models.EntityProduct)
	assert.Equal(t, 1, stats.Dead)
	assert.Equal(t, models.QueueStatusDead, h.queue.statusOf(itemID))

	// No retry budget was spent.
	item, err := h.queue.GetByID(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, 0, item.RetryCount)
}

func TestBreakerGatesDispatch(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour}, fastPolicy(10))
	h.conn.setReachable(false)

	first := h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{"name": "A"})
	second := h.enqueueUpdate(t, models.EntityProduct, "prod-2", map[string]any{"name": "B"})
	third := h.enqueueUpdate(t, models.EntityProduct, "prod-3", map[string]any{"name": "C"})

	stats := h.drain(t, models.EntityProduct)

	// Two failures open the breaker; the third item is never attempted and
	// goes back to pending rather than failed.
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, models.QueueStatusFailed, h.queue.statusOf(first))
	assert.Equal(t, models.QueueStatusFailed, h.queue.statusOf(second))
	assert.Equal(t, models.QueueStatusPending, h.queue.statusOf(third))
	assert.Equal(t, models.CircuitOpen, h.breakers.Get(context.Background(), h.tenantID, "commerce").State())

	// While open, nothing is dispatched at all.
	time.Sleep(120 * time.Millisecond)
	stats = h.drain(t, models.EntityProduct)
	assert.Equal(t, 0, stats.Attempted)
}

func TestAuthExpiredRefreshesOnce(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.conn.pushErrs = []error{connector.NewError(connector.ClassAuthExpired, "token expired"), nil}

	itemID := h.enqueueUpdate(t, models.EntityCustomer, "cust-1", map[string]any{"email": "a@b.c"})

	stats := h.drain(t, models.EntityCustomer)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, models.QueueStatusCompleted, h.queue.statusOf(itemID))
	assert.Equal(t, 1, h.auth.refreshs)
	assert.Equal(t, 1, h.conn.pushCount())
}

func TestSecondAuthFailureHaltsTenant(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.conn.pushErr = connector.NewError(connector.ClassAuthExpired, "token expired")

	itemID := h.enqueueUpdate(t, models.EntityCustomer, "cust-1", map[string]any{"email": "a@b.c"})

	_, err := h.processor.ProcessEntityType(context.Background(), h.tenantID, "commerce", models.EntityCustomer, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrHalted)

	// The item is untouched, waiting for the operator.
	assert.Equal(t, models.QueueStatusPending, h.queue.statusOf(itemID))
	assert.Equal(t, 1, h.auth.refreshs)
	assert.Equal(t, models.CircuitHalted, h.breakers.Get(context.Background(), h.tenantID, "commerce").State())
}

func TestFatalErrorHaltsWithoutTouchingOtherTenants(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.conn.pushErr = connector.NewError(connector.ClassFatal, "credentials revoked")

	h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{"name": "A"})

	_, err := h.processor.ProcessEntityType(context.Background(), h.tenantID, "commerce", models.EntityProduct, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrHalted)

	otherTenant := uuid.New()
	assert.Equal(t, models.CircuitClosed, h.breakers.Get(context.Background(), otherTenant, "commerce").State())
}

func TestCancelReleasesClaimedItems(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))

	first := h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{"name": "A"})
	second := h.enqueueUpdate(t, models.EntityProduct, "prod-2", map[string]any{"name": "B"})

	calls := 0
	cancelled := func() bool {
		calls++
		// Allow the first item through, then cancel.
		return calls > 2
	}

	stats, err := h.processor.ProcessEntityType(context.Background(), h.tenantID, "commerce", models.EntityProduct, uuid.New(), cancelled)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, models.QueueStatusCompleted, h.queue.statusOf(first))
	assert.Equal(t, models.QueueStatusPending, h.queue.statusOf(second))
}

func TestConflictOnPushDefersAndQueuesFetch(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.conn.pushErr = connector.NewError(connector.ClassConflict, "version conflict")

	itemID := h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{"name": "Widget"})

	stats := h.drain(t, models.EntityProduct)
	assert.Equal(t, 1, stats.Conflicted)
	// The conflict fetch was queued and drained in the same pass (the fake
	// remote has nothing to return), while the push waits behind its
	// eligibility gate.
	assert.Equal(t, 1, stats.Succeeded)

	item, err := h.queue.GetByID(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.True(t, item.NextEligibleAt.After(time.Now()))

	counts, err := h.queue.CountsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.QueueStatusPending])
	assert.Equal(t, 1, counts[models.QueueStatusCompleted])
}

func TestInboundDualEditGoesThroughResolver(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	ctx := context.Background()

	// Local copy, its queued push, and the id mapping all exist.
	h.store.put(connector.LocalEntity{
		EntityType: models.EntityProduct,
		LocalID:    "prod-1",
		Data:       map[string]any{"name": "Widget Local", "price": 10.0},
		UpdatedAt:  time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, h.mapper.Record(ctx, h.tenantID, models.LocalSystem, models.EntityProduct, "prod-1", "commerce", "rem-1"))
	h.enqueueUpdate(t, models.EntityProduct, "prod-1", map[string]any{"name": "Widget Local"})

	// The remote also edited the entity, with an earlier timestamp.
	h.conn.fetchPage = &connector.Page{
		Entities: []connector.RemoteEntity{{
			EntityType: models.EntityProduct,
			RemoteID:   "rem-1",
			Data:       map[string]any{"name": "Widget Remote", "price": 11.0},
			UpdatedAt:  time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC),
		}},
	}

	fetch := &models.QueueItem{
		TenantID:       h.tenantID,
		Platform:       "commerce",
		EntityType:     models.EntityProduct,
		EntityID:       "prod-1",
		Operation:      models.OperationFetch,
		Payload:        database.NewJSONB(map[string]any{}),
		IdempotencyKey: "fetch-prod-1",
		// Outrank the queued push so the fetch dispatches first.
		Priority: 1,
	}
	_, err := h.queue.Enqueue(ctx, fetch, 100)
	require.NoError(t, err)

	stats := h.drain(t, models.EntityProduct)

	// Last-write-wins with a later local timestamp: local wins, the remote
	// snapshot is discarded, and the audit record exists.
	assert.Equal(t, 1, stats.Conflicted)
	require.Len(t, h.conflicts.records, 1)
	assert.Equal(t, models.ResolutionLocal, h.conflicts.records[0].Resolution)

	local, ok, err := h.store.Get(ctx, h.tenantID, models.EntityProduct, "prod-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Widget Local", local.Data["name"])
}

func TestDeleteLocalOnlySkipsRemoteCall(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.settings.DeletePolicy = models.DeleteLocalOnly

	item := &models.QueueItem{
		TenantID:       h.tenantID,
		Platform:       "commerce",
		EntityType:     models.EntityProduct,
		EntityID:       "prod-1",
		Operation:      models.OperationDelete,
		Payload:        database.NewJSONB(map[string]any{}),
		IdempotencyKey: "del-prod-1",
	}
	id, err := h.queue.Enqueue(context.Background(), item, 100)
	require.NoError(t, err)

	stats := h.drain(t, models.EntityProduct)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, models.QueueStatusCompleted, h.queue.statusOf(id))
	assert.Equal(t, 0, h.conn.pushCount())
}

func (h *harness) enqueueDelete(t *testing.T, entityID string) uuid.UUID {
	t.Helper()
	item := &models.QueueItem{
		TenantID:       h.tenantID,
		Platform:       "commerce",
		EntityType:     models.EntityProduct,
		EntityID:       entityID,
		Operation:      models.OperationDelete,
		Payload:        database.NewJSONB(map[string]any{}),
		IdempotencyKey: "del-" + entityID,
	}
	id, err := h.queue.Enqueue(context.Background(), item, 100)
	require.NoError(t, err)
	return id
}

func TestArchiveRemotePolicyDispatchesArchive(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.settings.DeletePolicy = models.DeleteArchiveRemote

	id := h.enqueueDelete(t, "prod-1")

	stats := h.drain(t, models.EntityProduct)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, models.QueueStatusCompleted, h.queue.statusOf(id))
	assert.Equal(t, []models.SyncOperation{models.OperationArchive}, h.conn.operations())
}

func TestDeleteRemotePolicyDispatchesDelete(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.settings.DeletePolicy = models.DeleteRemote

	id := h.enqueueDelete(t, "prod-1")

	stats := h.drain(t, models.EntityProduct)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, models.QueueStatusCompleted, h.queue.statusOf(id))
	assert.Equal(t, []models.SyncOperation{models.OperationDelete}, h.conn.operations())
}

func TestDeletePolicyEntityOverrideApplies(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100}, fastPolicy(5))
	h.settings.DeletePolicy = models.DeleteRemote
	h.settings.DeleteOverrides = database.NewJSONB(map[models.EntityType]models.DeletePolicy{
		models.EntityProduct: models.DeleteArchiveRemote,
	})

	h.enqueueDelete(t, "prod-1")

	stats := h.drain(t, models.EntityProduct)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, []models.SyncOperation{models.OperationArchive}, h.conn.operations())
}
