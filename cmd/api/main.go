package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/conflict"
	"github.com/Ramsey-B/fern/pkg/connector"
	"github.com/Ramsey-B/fern/pkg/connector/commerce"
	"github.com/Ramsey-B/fern/pkg/connector/ledger"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/idmap"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

// Version is set at build time.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg)

	db, err := connectDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := runMigrations(cfg, db, logger); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	// Repositories
	settingsRepo := repositories.NewSettingsRepository(db, logger)
	queueRepo := repositories.NewQueueRepository(db, logger)
	idMapRepo := repositories.NewIdMapRepository(db, logger)
	conflictRepo := repositories.NewConflictRepository(db, logger)
	circuitRepo := repositories.NewCircuitRepository(db, logger)
	runRepo := repositories.NewRunRepository(db, logger)
	localRepo := repositories.NewLocalEntityRepository(db, logger)

	// Platform credentials and rate budgets are shared through redis so every
	// instance sees the same token and the same remaining window.
	authManager := auth.NewManager(redisClient, map[string]auth.TokenSource{
		commerce.Platform: auth.NewOAuthSource(cfg.CommerceTokenURL, cfg.CommerceClientID, cfg.CommerceClientSecret,
			httpclient.NewClient(httpclient.DefaultConfig(), logger), logger),
		ledger.Platform: auth.NewOAuthSource(cfg.LedgerTokenURL, cfg.LedgerClientID, cfg.LedgerClientSecret,
			httpclient.NewClient(httpclient.DefaultConfig(), logger), logger),
	}, logger)

	limiter := ratelimit.NewManager(redisClient, nil, logger)
	mapper := idmap.NewMapper(idMapRepo, redisClient, logger)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		ProbeQuota:       cfg.BreakerHalfOpenProbes,
	}, circuitRepo, logger)

	connectors := map[string]connector.Connector{
		commerce.Platform: commerce.NewAdapter(platformHTTPClient(commerce.Platform, limiter, logger), authManager, mapper, cfg.CommerceBaseURL, logger),
		ledger.Platform:   ledger.NewAdapter(platformHTTPClient(ledger.Platform, limiter, logger), authManager, mapper, cfg.LedgerBaseURL, logger),
	}

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaEventsTopic), logger)
		defer producer.Close()
	}

	// A nil producer disables emission rather than failing dispatch.
	emitter := events.NewEmitter(nil, logger)
	if producer != nil {
		emitter = events.NewEmitter(producer, logger)
	}

	resolver := conflict.NewResolver(conflictRepo, logger)

	processor := queue.NewProcessor(queue.Config{
		BatchSize:     cfg.QueueBatchSize,
		MaxRateWait:   cfg.MaxRateWait,
		ConflictDefer: cfg.ConflictDefer,
		Policy: retry.Policy{
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
			Multiplier: cfg.RetryMultiplier,
			MaxRetries: cfg.RetryMaxRetries,
		},
	}, queue.Deps{
		Queue:      queueRepo,
		Settings:   settingsRepo,
		Conflicts:  conflictRepo,
		Store:      localRepo,
		Mapper:     mapper,
		Resolver:   resolver,
		Breakers:   breakers,
		Limiter:    limiter,
		Auth:       authManager,
		Connectors: connectors,
		Emitter:    emitter,
		Logger:     logger,
	})

	orch := orchestrator.NewOrchestrator(runRepo, settingsRepo, queueRepo, conflictRepo, processor, emitter, logger)

	locker := redis.NewLocker(redisClient, "")
	sched := scheduler.NewScheduler(settingsRepo, queueRepo, orch, locker, scheduler.Config{
		PollInterval:  cfg.SchedulerPollInterval,
		LockTTL:       cfg.SchedulerLockTTL,
		StaleClaimAge: cfg.StaleClaimAge,
	}, logger)

	deduper := redis.NewDeduper(redisClient, "webhook:event:", cfg.WebhookDedupTTL)
	ingestor := webhook.NewIngestor(settingsRepo, queueRepo, deduper, logger)

	if !cfg.AuthEnabled {
		logger.Warn("Auth is disabled; tenant identity is taken from request headers")
	}

	e := newServer(cfg, logger)

	checker := health.NewChecker(sqlxHandle(db), redisClient.Redis(), eventProducer(producer), Version)
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	handlers.NewSyncHandler(orch, breakers, logger).RegisterRoutes(api)
	handlers.NewSettingsHandler(settingsRepo, logger).RegisterRoutes(api)
	handlers.NewFailuresHandler(queueRepo, conflictRepo, logger).RegisterRoutes(api)
	handlers.NewWebhookHandler(ingestor, logger).RegisterRoutes(api)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SchedulerEnabled {
		if err := sched.Start(ctx); err != nil {
			logger.WithError(err).Error("Failed to start scheduler")
			os.Exit(1)
		}
	}

	go func() {
		checker.SetReady(true)
		if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.SchedulerEnabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Scheduler did not stop cleanly")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
}

func newLogger(cfg *config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (database.DB, error) {
	connectCfg := database.ConnectConfig{
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		UserName:        cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}

	attempts := cfg.StartupMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var db database.DB
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err = database.Connect(connectCfg, logger)
		if err == nil {
			return db, nil
		}
		logger.WithError(err).Warnf("Database connection attempt %d/%d failed", attempt, attempts)
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

func runMigrations(cfg *config.Config, db database.DB, logger ectologger.Logger) error {
	driver, err := migratepg.WithInstance(sqlxHandle(db).DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	migrationService := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
	})
	return migrationService.Migrate(cfg.DatabaseName, driver)
}

func newServer(cfg *config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	return e
}

// platformHTTPClient builds the outbound client for one platform with its
// response headers feeding the shared rate budget.
func platformHTTPClient(platform string, limiter *ratelimit.Manager, logger ectologger.Logger) *httpclient.Client {
	client := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	client.SetRateObserver(func(ctx context.Context, headers map[string]string) {
		tenantID, err := uuid.Parse(appctx.GetTenantID(ctx))
		if err != nil {
			return
		}
		limiter.UpdateFromResponse(ctx, tenantID, platform, headers)
	})
	return client
}

func sqlxHandle(db database.DB) *sqlx.DB {
	if inst, ok := db.(*database.DatabaseInstance); ok {
		return inst.DB
	}
	return nil
}

// eventProducer avoids handing the health checker a typed nil interface when
// kafka is disabled.
func eventProducer(p *kafka.Producer) health.EventProducer {
	if p == nil {
		return nil
	}
	return p
}
