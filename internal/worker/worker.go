package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/internal/tracing"
	"github.com/runningpoem30/videoTranscoding/internal/transcoder"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// Pipeline stages
const (
	StageDownload  = "download"
	StageProbe     = "probe"
	StageTranscode = "transcode"
	StageUpload    = "upload"
)

// statusReportTimeout bounds one write to the run status store
const statusReportTimeout = 5 * time.Second

// ErrInvalidConfig is returned by Validate for unusable configuration
var ErrInvalidConfig = errors.New("invalid worker config")

// ObjectStore is the storage the worker reads sources from and publishes
// packages to.
type ObjectStore interface {
	DownloadFile(ctx context.Context, bucket, key, filePath string) (int64, error)
	UploadFile(ctx context.Context, bucket, key, filePath string) (int64, error)
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// StatusReporter records run progress for clients polling for completion
type StatusReporter interface {
	Report(ctx context.Context, status models.RunStatus) error
}

// Config is everything one run needs
type Config struct {
	Params         models.RunParameters
	ScratchDir     string
	Ladder         models.Ladder
	UploadParallel int
	StagedPublish  bool
	PushgatewayURL string
}

// Validate checks the configuration before any work starts
func (c Config) Validate() error {
	switch {
	case c.Params.SourceBucket == "":
		return fmt.Errorf("%w: source bucket is required", ErrInvalidConfig)
	case c.Params.SourceKey == "":
		return fmt.Errorf("%w: source key is required", ErrInvalidConfig)
	case c.Params.DestBucket == "":
		return fmt.Errorf("%w: destination bucket is required", ErrInvalidConfig)
	case c.Params.DestPrefix == "":
		return fmt.Errorf("%w: source key %q yields no output prefix", ErrInvalidConfig, c.Params.SourceKey)
	case c.ScratchDir == "":
		return fmt.Errorf("%w: scratch directory is required", ErrInvalidConfig)
	}

	if err := c.Ladder.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// StageError names the stage a run failed in
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result describes a successful run
type Result struct {
	RunID       string
	ManifestKey string
	Source      *transcoder.SourceInfo
	Files       int
	Segments    int
	Duration    time.Duration
}

// Worker turns one source object into a published stream package
type Worker struct {
	cfg     Config
	store   ObjectStore
	prober  transcoder.Prober
	encoder transcoder.Encoder
	status  StatusReporter
	logger  *logging.Logger
}

// New creates a worker. status may be nil.
func New(cfg Config, store ObjectStore, prober transcoder.Prober, encoder transcoder.Encoder, status StatusReporter, logger *logging.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UploadParallel <= 0 {
		cfg.UploadParallel = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Worker{
		cfg:     cfg,
		store:   store,
		prober:  prober,
		encoder: encoder,
		status:  status,
		logger:  logger,
	}, nil
}

// Run performs one run. Stages are strictly sequential and the first
// failure ends the run. On success the manifest is the last object
// written, so a client that sees it sees a complete package.
func (w *Worker) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	runID := uuid.New().String()
	params := w.cfg.Params

	span, ctx := tracing.StartSpan(ctx, "worker.run")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "run_id", runID)
	tracing.SetTag(span, "source", params.SourceBucket+"/"+params.SourceKey)

	logger := w.logger.WithRunID(runID).WithObject(params.SourceBucket, params.SourceKey)
	logger.LogRunEvent(runID, "started", models.RunStateProcessing, map[string]interface{}{
		"dest_bucket": params.DestBucket,
		"dest_prefix": params.DestPrefix,
	})
	w.report(ctx, logger, models.RunStatus{Name: params.DestPrefix, RunID: runID, State: models.RunStateProcessing})

	result, err := w.run(ctx, runID, logger)
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordRunCompleted("failed", 0, 0)
		logger.LogRunEvent(runID, "finished", models.RunStateFailed, map[string]interface{}{
			"error":    err.Error(),
			"duration": time.Since(start).String(),
		})
		w.report(ctx, logger, models.RunStatus{Name: params.DestPrefix, RunID: runID, State: models.RunStateFailed, Error: err.Error()})
		w.push(runID, logger)
		return nil, err
	}

	result.Duration = time.Since(start)
	metrics.RecordRunCompleted("success", result.Source.Duration, result.Segments)
	logger.LogRunEvent(runID, "finished", models.RunStateCompleted, map[string]interface{}{
		"manifest": result.ManifestKey,
		"files":    result.Files,
		"duration": result.Duration.String(),
	})
	w.report(ctx, logger, models.RunStatus{
		Name:        params.DestPrefix,
		RunID:       runID,
		State:       models.RunStateCompleted,
		ManifestKey: result.ManifestKey,
	})
	w.push(runID, logger)

	return result, nil
}

func (w *Worker) run(ctx context.Context, runID string, logger *logging.Logger) (*Result, error) {
	params := w.cfg.Params

	scratch := filepath.Join(w.cfg.ScratchDir, runID)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	sourcePath := filepath.Join(scratch, "source"+path.Ext(params.SourceKey))
	outputDir := filepath.Join(scratch, "out")

	err := w.stage(ctx, StageDownload, logger, func(ctx context.Context) error {
		n, err := w.store.DownloadFile(ctx, params.SourceBucket, params.SourceKey, sourcePath)
		if err != nil {
			return err
		}
		logger.Infof("Downloaded %d bytes", n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var source *transcoder.SourceInfo
	err = w.stage(ctx, StageProbe, logger, func(ctx context.Context) error {
		info, err := w.prober.Probe(ctx, sourcePath)
		if err != nil {
			return err
		}
		source = info
		logger.Infof("Source is %dx%d, %.1fs, audio: %t", info.Width, info.Height, info.Duration, info.HasAudio)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var pkg *transcoder.Package
	err = w.stage(ctx, StageTranscode, logger, func(ctx context.Context) error {
		p, err := w.encoder.Transcode(ctx, transcoder.EncodeRequest{
			InputPath:    sourcePath,
			OutputDir:    outputDir,
			Ladder:       w.cfg.Ladder,
			HasAudio:     source.HasAudio,
			SourceWidth:  source.Width,
			SourceHeight: source.Height,
		})
		if err != nil {
			return err
		}
		pkg = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	var files int
	err = w.stage(ctx, StageUpload, logger, func(ctx context.Context) error {
		n, err := w.publish(ctx, runID, pkg, logger)
		files = n
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		RunID:       runID,
		ManifestKey: models.ManifestKey(params.DestPrefix),
		Source:      source,
		Files:       files,
		Segments:    pkg.SegmentCount(),
	}, nil
}

// stage runs fn as one named pipeline stage with its own span, timing and
// log scope. Failures come back as *StageError.
func (w *Worker) stage(ctx context.Context, name string, logger *logging.Logger, fn func(context.Context) error) error {
	span, ctx := tracing.StartSpan(ctx, "worker."+name)
	defer tracing.FinishSpan(span)

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordStage(name, "error", elapsed.Seconds())
		logger.WithStage(name).ErrorWithErr("Stage failed", err)
		return &StageError{Stage: name, Err: err}
	}

	metrics.RecordStage(name, "success", elapsed.Seconds())
	logger.WithStage(name).Infof("Stage finished in %v", elapsed)
	return nil
}

// report records status in the run status store. It outlives the run
// context so a run killed by its deadline still reports why it failed.
func (w *Worker) report(ctx context.Context, logger *logging.Logger, status models.RunStatus) {
	if w.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusReportTimeout)
	defer cancel()

	status.UpdatedAt = time.Now()
	if err := w.status.Report(ctx, status); err != nil {
		logger.WithError(err).Warn("Failed to report run status")
	}
}

func (w *Worker) push(runID string, logger *logging.Logger) {
	if err := metrics.Push(w.cfg.PushgatewayURL, "transcode_worker", runID); err != nil {
		logger.WithError(err).Warn("Failed to push metrics")
	}
}
