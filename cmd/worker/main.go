package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/runstatus"
	"github.com/runningpoem30/videoTranscoding/internal/storage"
	"github.com/runningpoem30/videoTranscoding/internal/tracing"
	"github.com/runningpoem30/videoTranscoding/internal/transcoder"
	"github.com/runningpoem30/videoTranscoding/internal/worker"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// The worker performs exactly one run, described by S3_BUCKET, S3_KEY and
// DEST_BUCKET, and exits non-zero when the run fails.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}

	_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-worker", cfg.Tracing.CollectorEndpoint)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	} else {
		defer closer.Close()
	}

	// Initialize storage
	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize storage")
		return 1
	}

	// Run status is optional
	var status worker.StatusReporter
	if cfg.Redis.Host != "" {
		statusStore, err := runstatus.New(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Run status tracking disabled")
		} else {
			defer statusStore.Close()
			status = statusStore
		}
	}

	ffmpeg := transcoder.NewFFmpeg(transcoder.Options{
		FFmpegPath:      cfg.Transcoder.FFmpegPath,
		FFprobePath:     cfg.Transcoder.FFprobePath,
		Preset:          cfg.Transcoder.Preset,
		SegmentSeconds:  cfg.Transcoder.SegmentSeconds,
		StderrTailLines: cfg.Transcoder.StderrTailLines,
	}, logger)

	w, err := worker.New(worker.Config{
		Params:         models.NewRunParameters(cfg.Run.SourceBucket, cfg.Run.SourceKey, cfg.Run.DestBucket),
		ScratchDir:     cfg.Transcoder.ScratchDir,
		Ladder:         cfg.Transcoder.Ladder,
		UploadParallel: cfg.Transcoder.UploadParallel,
		StagedPublish:  cfg.Transcoder.StagedPublish,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
	}, store, ffmpeg, ffmpeg, status, logger)
	if err != nil {
		logger.WithError(err).Error("Invalid run configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := w.Run(ctx)
	if err != nil {
		logger.WithError(err).Error("Run failed")
		return 1
	}

	logger.WithFields(map[string]interface{}{
		"run_id":   result.RunID,
		"manifest": result.ManifestKey,
		"segments": result.Segments,
	}).Info("Run completed")
	return 0
}
