// Package main provides the API server entry point for the registry sync engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehealth-sync/internal/api"
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
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to ClickHouse for the audit trail when enabled
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

	logger.Info("Database connections established")

	sealer, err := token.NewSealer(cfg.Registry.TokenKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token sealer")
	}

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

	// Initialize repositories
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

	coordinator := syncer.NewCoordinator(batchRepo, legalEntityRepo, client, reconcilers, limiter, sealer, audit, notifier)
	resumer := syncer.NewResumer(batchRepo, legalEntityRepo, audit, notifier)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}

	server := api.NewServer(serverConfig, coordinator, resumer, batchRepo, notificationRepo, postgres)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
