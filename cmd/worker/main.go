// Package main provides the sync worker entry point. Workers poll the durable
// job queue and execute claimed page jobs; several worker processes may share
// one queue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehealth-sync/internal/config"
	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/notify"
	"github.com/ehealth-sync/internal/ratelimit"
	"github.com/ehealth-sync/internal/reconcile"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/syncer"
	"github.com/ehealth-sync/internal/token"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Redis is optional: without it the per-user budget holds per process
	// instead of across the fleet.
	var redisClient *storage.RedisClient
	redisClient, err = storage.NewRedisClient(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, rate limits apply per process only")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var audit storage.AuditSink = storage.NopAuditSink{}
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := clickhouse.EnsureAuditSchema(ctx); err != nil {
			cancel()
			logger.WithError(err).Fatal("Failed to ensure audit schema")
		}
		cancel()

		audit = storage.NewAuditRepository(clickhouse)
	}

	sealer, err := token.NewSealer(cfg.Registry.TokenKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token sealer")
	}

	limiterCfg := &ratelimit.Config{
		DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		PerEntity:        cfg.RateLimit.PerEntity,
		Burst:            cfg.RateLimit.Burst,
	}
	if redisClient != nil {
		limiterCfg.Redis = redisClient.Client()
	}
	limiter, err := ratelimit.NewLimiter(limiterCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize rate limiter")
	}

	// Repositories
	batchRepo := storage.NewBatchRepository(postgres)
	legalEntityRepo := storage.NewLegalEntityRepository(postgres)
	employeeRepo := storage.NewEmployeeRepository(postgres)
	divisionRepo := storage.NewDivisionRepository(postgres)
	requestRepo := storage.NewEmployeeRequestRepository(postgres)
	mirrorRepo := storage.NewRecordMirrorRepository(postgres)
	notificationRepo := storage.NewNotificationRepository(postgres)

	reconcilers := reconcile.NewSet(postgres, employeeRepo, divisionRepo, requestRepo, mirrorRepo, audit)

	client := registry.NewHTTPClient(cfg.Registry.BaseURL, cfg.Registry.PageSize, cfg.Registry.RequestTimeout)
	notifier := notify.NewStoreNotifier(notificationRepo)

	queue := syncer.NewQueue(
		&cfg.Sync,
		batchRepo,
		legalEntityRepo,
		client,
		reconcilers,
		limiter,
		sealer,
		audit,
		notifier,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	go queue.Start(ctx)
	logger.Info("Sync worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	queue.Stop()
	logger.Info("Worker exited")
}
