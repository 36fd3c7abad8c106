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

	"github.com/gin-gonic/gin"

	"github.com/runningpoem30/videoTranscoding/internal/api"
	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/internal/database"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/internal/middleware"
	"github.com/runningpoem30/videoTranscoding/internal/runstatus"
	"github.com/runningpoem30/videoTranscoding/internal/storage"
	"github.com/runningpoem30/videoTranscoding/internal/tracing"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("AUTH_JWTSECRET is empty, /api/v1 will reject every request")
	}

	_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-api", cfg.Tracing.CollectorEndpoint)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	} else {
		defer closer.Close()
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(schemaCtx); err != nil {
		cancel()
		logger.Fatalf("Failed to apply schema: %v", err)
	}
	cancel()

	// Initialize storage
	stor, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	// Run status is optional
	var status api.StatusStore
	if cfg.Redis.Host != "" {
		statusStore, err := runstatus.New(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Run status tracking disabled")
		} else {
			defer statusStore.Close()
			status = statusStore
		}
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go limiter.Cleanup(10*time.Minute, stopCleanup)

	gin.SetMode(gin.ReleaseMode)
	handlers := api.New(api.Config{
		UploadBucket:  cfg.Storage.UploadBucket,
		PresignExpiry: cfg.Storage.PresignExpiry,
		JWTSecret:     cfg.Auth.JWTSecret,
	}, stor, database.NewRepository(db, logger), status, db, limiter, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	metricsServer.Shutdown(ctx)

	logger.Info("Server stopped")
}
