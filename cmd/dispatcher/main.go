// Command dispatcher runs the full send dispatcher in one process: the
// Control API, the batch orchestrator, the per-tenant chunk processor and
// the background services (scheduler, stuck-batch recovery, Postgres
// syncer, buffered analytics logger).
//
// Grounded on cmd/api/main.go and cmd/worker/main.go's wiring style (load
// config, open stores, build services, serve until signal), merged into a
// single binary since the dispatcher's pieces share one queue.Client and
// one hotstate.Store in-process.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-gateway/internal/api"
	"sms-gateway/internal/auth"
	"sms-gateway/internal/background"
	"sms-gateway/internal/batch"
	"sms-gateway/internal/chunk"
	"sms-gateway/internal/config"
	"sms-gateway/internal/db"
	"sms-gateway/internal/domain"
	"sms-gateway/internal/hotstate"
	"sms-gateway/internal/httpclient"
	"sms-gateway/internal/modules"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		logger = observability.NewDevelopmentLogger()
	}
	defer logger.Sync()

	shutdown, err := observability.SetupOpenTelemetry("send-dispatcher", logger)
	if err != nil {
		logger.Warn("failed to set up OpenTelemetry", zap.Error(err))
	} else {
		defer shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := db.NewOptimizedPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.RunMigrations(cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	redisDB, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisDB.Close()

	queueClient, err := queue.New(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer queueClient.Close()
	if err := queueClient.EnsureBatchesStream(queue.DefaultConfig()); err != nil {
		logger.Fatal("failed to ensure batches stream", zap.Error(err))
	}

	dataStore := store.New(pg, slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	metrics := observability.NewMetrics()

	hotStore := hotstate.NewStore(redisDB.Client, logger, hotstate.BreakerConfig{
		Threshold: cfg.HotStateBreakerThreshold,
		Window:    cfg.HotStateBreakerWindow,
		Reset:     cfg.HotStateBreakerReset,
	})

	rateLimiter := ratelimit.New(redisDB.Client, logger)

	httpClient := httpclient.New(logger, httpclient.DefaultRetryPolicy())

	registry := modules.NewRegistry()
	registry.RegisterByProvider(domain.ModuleEmail, "ses", &modules.SESModule{})
	registry.RegisterByProvider(domain.ModuleEmail, "resend", modules.NewResendModule(httpClient))
	registry.RegisterByProvider(domain.ModuleSMS, "telnyx", modules.NewTelnyxModule(httpClient))
	registry.Register("webhook", modules.NewWebhookModule(httpClient))

	orchestrator := batch.NewOrchestrator(dataStore, queueClient, logger)
	processor := chunk.NewProcessor(hotStore, dataStore, rateLimiter, registry, queueClient, logger)
	orchestrator.OnChunksReady(func(ctx context.Context, tenantID string) error {
		return processor.EnsureConsumer(ctx, tenantID, cfg.MaxConcurrentChunks)
	})

	var analyticsSink *background.AnalyticsSink
	if cfg.ClickHouseURL != "" {
		analyticsSink, err = background.NewAnalyticsSink(cfg.ClickHouseURL, logger)
		if err != nil {
			logger.Warn("failed to connect to analytics store, continuing without it", zap.Error(err))
		}
	}
	var eventLogger *background.EventLogger
	if analyticsSink != nil {
		eventLogger = background.NewEventLogger(analyticsSink, logger, cfg.EventBufferCapacity, cfg.EventFlushInterval)
		processor.SetEventLogger(eventLogger)
		orchestrator.SetEventLogger(eventLogger)
		go eventLogger.Run(ctx)
	}

	scheduler := background.NewScheduler(dataStore, queueClient, logger, cfg.SchedulerInterval)
	recovery := background.NewStuckBatchRecovery(dataStore, hotStore, logger, cfg.StuckBatchScanInterval, cfg.StuckBatchThreshold)
	syncer := background.NewSyncer(dataStore, hotStore, logger, cfg.SyncInterval)

	go orchestrator.Run(ctx, cfg.ConcurrentBatches)
	go scheduler.Run(ctx)
	go recovery.Run(ctx)
	go syncer.Run(ctx, func(ctx context.Context) ([]uuid.UUID, error) {
		return dataStore.ListActiveBatchIDs(ctx, 1000)
	})

	authService := auth.NewService(pg, logger)
	handlers := api.NewHandlers(logger, dataStore, queueClient, registry)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BodyLimit:    int(cfg.MaxRequestBytes),
	})
	api.SetupRoutes(app, logger, metrics, handlers, authService)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("control API server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = app.ShutdownWithContext(shutdownCtx)
	if eventLogger != nil {
		eventLogger.Stop()
	}
	if analyticsSink != nil {
		_ = analyticsSink.Close()
	}
}
