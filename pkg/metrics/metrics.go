// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal tracks total sync runs by status
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of sync runs by status",
		},
		[]string{"tenant_id", "platform", "status"},
	)

	// SyncRunDuration tracks sync run duration in seconds
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"tenant_id", "platform"},
	)

	// QueueItemsProcessed tracks queue items processed by outcome
	QueueItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "items_processed_total",
			Help:      "Total number of queue items processed by outcome",
		},
		[]string{"platform", "entity_type", "status"},
	)

	// QueueItemsInFlight tracks items currently being processed
	QueueItemsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "items_in_flight",
			Help:      "Number of queue items currently being processed",
		},
	)

	// QueueDepth tracks pending items per tenant
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of pending queue items",
		},
		[]string{"tenant_id"},
	)

	// DeadItemsTotal tracks items moved to the dead state
	DeadItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "dead_items_total",
			Help:      "Total number of queue items marked dead",
		},
		[]string{"tenant_id", "reason"},
	)

	// ConflictsTotal tracks detected conflicts by resolution
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "conflict",
			Name:      "resolutions_total",
			Help:      "Total number of conflicts by resolution outcome",
		},
		[]string{"tenant_id", "strategy", "resolution"},
	)

	// CircuitTransitions tracks circuit breaker state transitions
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"tenant_id", "platform", "state"},
	)

	// ConnectorRequestsTotal tracks outbound connector requests
	ConnectorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "connector",
			Name:      "requests_total",
			Help:      "Total number of outbound connector requests",
		},
		[]string{"platform", "operation", "status_code"},
	)

	// ConnectorRequestDuration tracks outbound connector request duration
	ConnectorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "connector",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound connector requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"platform", "operation"},
	)

	// WebhooksReceived tracks inbound webhook deliveries
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Total number of webhook deliveries by outcome",
		},
		[]string{"platform", "outcome"},
	)

	// RateLimitWaitTime tracks time spent waiting for rate limits
	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tenant_id", "platform"},
	)

	// SchedulerRunsScheduled tracks runs triggered by the scheduler
	SchedulerRunsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "runs_scheduled_total",
			Help:      "Total number of sync runs triggered by the scheduler",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// AuthTokenRefreshes tracks auth token refresh operations
	AuthTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total number of auth token refresh operations",
		},
		[]string{"platform", "status"},
	)
)

// RecordSyncRun records a sync run metric
func RecordSyncRun(tenantID, platform, status string, durationSeconds float64) {
	SyncRunsTotal.WithLabelValues(tenantID, platform, status).Inc()
	SyncRunDuration.WithLabelValues(tenantID, platform).Observe(durationSeconds)
}

// RecordQueueItem records a queue item processing metric
func RecordQueueItem(platform, entityType, status string) {
	QueueItemsProcessed.WithLabelValues(platform, entityType, status).Inc()
}

// RecordDeadItem records an item moved to the dead state
func RecordDeadItem(tenantID, reason string) {
	DeadItemsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordConflict records a conflict resolution outcome
func RecordConflict(tenantID, strategy, resolution string) {
	ConflictsTotal.WithLabelValues(tenantID, strategy, resolution).Inc()
}

// RecordConnectorRequest records an outbound connector request metric
func RecordConnectorRequest(platform, operation, statusCode string, durationSeconds float64) {
	ConnectorRequestsTotal.WithLabelValues(platform, operation, statusCode).Inc()
	ConnectorRequestDuration.WithLabelValues(platform, operation).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
