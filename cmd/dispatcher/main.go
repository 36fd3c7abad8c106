package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/internal/dispatcher"
	"github.com/runningpoem30/videoTranscoding/internal/launcher"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/internal/monitoring"
	"github.com/runningpoem30/videoTranscoding/internal/queue"
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

	_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-dispatcher", cfg.Tracing.CollectorEndpoint)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	} else {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Select the run scheduler
	var scheduler dispatcher.RunScheduler
	switch cfg.Launcher.Backend {
	case launcher.BackendECS:
		ecsLauncher, err := launcher.NewECSLauncher(ctx, cfg.Launcher, logger)
		if err != nil {
			logger.Fatalf("Failed to create ECS launcher: %v", err)
		}
		scheduler = ecsLauncher
	case launcher.BackendProcess:
		processLauncher := launcher.NewProcessLauncher(cfg.Launcher.WorkerPath, cfg.Launcher.MaxConcurrent, logger)
		defer processLauncher.Shutdown()
		scheduler = processLauncher
	default:
		logger.Fatalf("Unknown launcher backend %q", cfg.Launcher.Backend)
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	go monitoring.NewMonitor(q, monitoring.DefaultInterval, logger).Run(ctx)

	d := dispatcher.New(scheduler, cfg.Dispatcher.DestBucket, logger)

	logger.WithField("backend", cfg.Launcher.Backend).Info("Dispatcher started, waiting for events...")
	if err := q.ConsumeEvents(ctx, d.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Consumer stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("Dispatcher stopped")
}
