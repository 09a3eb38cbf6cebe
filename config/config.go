package config

import (
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SQL_MODE" env-default:"disable"`
	// Reconnect Retry Count
	DatabaseReconnectRetryCount int `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for sync lifecycle events (dead items, circuit transitions, run completions)
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"sync-events"`
	// Enable/disable event emission
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"true"`

	// Processor settings
	// Items claimed per dequeue batch
	QueueBatchSize int `env:"QUEUE_BATCH_SIZE" env-default:"25"`
	// Default queue ceiling when a tenant has no settings row
	QueueCeiling int `env:"QUEUE_CEILING" env-default:"10000"`
	// Longest a dispatch waits for rate limit capacity before releasing the batch
	MaxRateWait time.Duration `env:"MAX_RATE_WAIT" env-default:"30s"`
	// How long a conflicted push is deferred while the targeted fetch resolves
	ConflictDefer time.Duration `env:"CONFLICT_DEFER" env-default:"5m"`
	// In-flight items older than this are released back to pending
	StaleClaimAge time.Duration `env:"STALE_CLAIM_AGE" env-default:"10m"`

	// Retry settings
	// First backoff delay
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" env-default:"30s"`
	// Backoff ceiling
	RetryMaxDelay time.Duration `env:"RETRY_MAX_DELAY" env-default:"1h"`
	// Exponential multiplier
	RetryMultiplier float64 `env:"RETRY_MULTIPLIER" env-default:"2"`
	// Attempts before an item goes dead
	RetryMaxRetries int `env:"RETRY_MAX_RETRIES" env-default:"8"`

	// Circuit breaker settings
	// Consecutive failures before the circuit opens
	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	// Consecutive half-open successes before the circuit closes
	BreakerSuccessThreshold int `env:"BREAKER_SUCCESS_THRESHOLD" env-default:"2"`
	// How long an open circuit waits before probing
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" env-default:"60s"`
	// Probe dispatches allowed while half-open
	BreakerHalfOpenProbes int `env:"BREAKER_HALF_OPEN_PROBES" env-default:"3"`

	// Scheduler settings
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"30s"`
	// Scheduler lock TTL
	SchedulerLockTTL time.Duration `env:"SCHEDULER_LOCK_TTL" env-default:"60s"`
	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`

	// Webhook event dedup window
	WebhookDedupTTL time.Duration `env:"WEBHOOK_DEDUP_TTL" env-default:"24h"`

	// Commerce platform base URL
	CommerceBaseURL string `env:"COMMERCE_BASE_URL" env-default:""`
	// Commerce OAuth token endpoint
	CommerceTokenURL string `env:"COMMERCE_TOKEN_URL" env-default:""`
	// Commerce OAuth client id
	CommerceClientID string `env:"COMMERCE_CLIENT_ID" env-default:""`
	// Commerce OAuth client secret
	CommerceClientSecret string `env:"COMMERCE_CLIENT_SECRET" env-default:""`
	// Ledger platform base URL
	LedgerBaseURL string `env:"LEDGER_BASE_URL" env-default:""`
	// Ledger OAuth token endpoint
	LedgerTokenURL string `env:"LEDGER_TOKEN_URL" env-default:""`
	// Ledger OAuth client id
	LedgerClientID string `env:"LEDGER_CLIENT_ID" env-default:""`
	// Ledger OAuth client secret
	LedgerClientSecret string `env:"LEDGER_CLIENT_SECRET" env-default:""`

	// Auth Enabled - when false, allows X-Tenant-ID and X-User-ID headers for testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`
}

// Load reads .env when present, then binds environment variables over the
// struct defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
