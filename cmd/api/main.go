package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carewatch/alert-engine/internal/adapter"
	"github.com/carewatch/alert-engine/internal/audit"
	"github.com/carewatch/alert-engine/internal/config"
	"github.com/carewatch/alert-engine/internal/handler"
	"github.com/carewatch/alert-engine/internal/infra/postgresql"
	"github.com/carewatch/alert-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/carewatch/alert-engine/internal/infra/redis"
	"github.com/carewatch/alert-engine/internal/observability"
	"github.com/carewatch/alert-engine/internal/queue"
	"github.com/carewatch/alert-engine/internal/repository"
	"github.com/carewatch/alert-engine/internal/service"
	"github.com/carewatch/alert-engine/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	publisher := queue.NewRabbitMQPublisher(mq)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(mq, cfg.WorkerConcurrency, logger)
	defer consumer.Close()

	sink, err := audit.NewRedisSink(rdb, logger)
	if err != nil {
		logger.Fatal("audit sink initialization failed", zap.Error(err))
	}

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	emailAdapter, err := adapter.NewEmailAdapter(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	if err != nil {
		logger.Fatal("email adapter initialization failed", zap.Error(err))
	}
	botAdapter, err := adapter.NewBotMessagingAdapter(cfg.BotAPIBaseURL, cfg.BotToken)
	if err != nil {
		logger.Fatal("bot messaging adapter initialization failed", zap.Error(err))
	}
	bizAdapter, err := adapter.NewBusinessMessagingAdapter(cfg.BizAPIBaseURL, cfg.BizSenderID, cfg.BizAccessToken)
	if err != nil {
		logger.Fatal("business messaging adapter initialization failed", zap.Error(err))
	}
	adapters := adapter.NewRegistry(emailAdapter, botAdapter, bizAdapter)

	metrics := observability.NewMetrics()

	alertRepo := repository.NewGormAlertRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	transitionRepo := repository.NewGormTransitionRepo(db)
	recipientRepo := repository.NewGormRecipientRepo(db)

	tracker, err := service.NewDeliveryTracker(attemptRepo, logger)
	if err != nil {
		logger.Fatal("delivery tracker initialization failed", zap.Error(err))
	}

	ingestService, err := service.NewIngestService(
		alertRepo,
		transitionRepo,
		publisher,
		sink,
		cfg.DedupWindow(),
		cfg.ClockSkewTolerance(),
		logger,
	)
	if err != nil {
		logger.Fatal("ingest service initialization failed", zap.Error(err))
	}
	ingestService.SetMetrics(metrics)

	lifecycleService, err := service.NewLifecycleService(alertRepo, transitionRepo, tracker, sink, logger)
	if err != nil {
		logger.Fatal("lifecycle service initialization failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(
		alertRepo,
		recipientRepo,
		tracker,
		adapters,
		rateLimiter,
		cfg.RetryBaseDelay(),
		cfg.MaxAttempts,
		cfg.SendTimeout(),
		logger,
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)
	dispatcher.SetAuditSink(sink)

	workerService, err := service.NewWorkerService(consumer, dispatcher, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("worker service initialization failed", zap.Error(err))
	}

	retryScanner, err := service.NewRetryScanner(alertRepo, tracker, publisher, 0, 0, logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}

	escalationScanner, err := service.NewEscalationScanner(
		alertRepo,
		lifecycleService,
		publisher,
		cfg.EscalationTimeout(),
		0,
		logger,
	)
	if err != nil {
		logger.Fatal("escalation scanner initialization failed", zap.Error(err))
	}
	escalationScanner.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterIngestRoutes(app, ingestService); err != nil {
		logger.Fatal("failed to register ingest routes", zap.Error(err))
	}
	if err := handler.RegisterAlertRoutes(app, lifecycleService); err != nil {
		logger.Fatal("failed to register alert routes", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("alert-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("api server stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down api server")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	g.Go(func() error {
		return workerService.Start(groupCtx)
	})

	g.Go(func() error {
		return retryScanner.Start(groupCtx)
	})

	g.Go(func() error {
		return escalationScanner.Start(groupCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("alert-engine exited with error", zap.Error(err))
	}

	logger.Info("alert-engine stopped")
}
