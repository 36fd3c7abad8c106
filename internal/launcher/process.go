package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// ProcessLauncher runs the worker binary as a local child process. At most
// maxConcurrent children run at once.
type ProcessLauncher struct {
	workerPath string
	slots      chan struct{}
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessLauncher creates a launcher for the worker at workerPath
func NewProcessLauncher(workerPath string, maxConcurrent int, logger *logging.Logger) *ProcessLauncher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessLauncher{
		workerPath: workerPath,
		slots:      make(chan struct{}, maxConcurrent),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Schedule starts a worker and returns without waiting for it. When all
// slots are busy it fails with ErrCapacity.
func (l *ProcessLauncher) Schedule(ctx context.Context, params models.RunParameters) (models.RunHandle, error) {
	select {
	case l.slots <- struct{}{}:
	default:
		metrics.RecordRunScheduled(BackendProcess, "capacity")
		return models.RunHandle{}, fmt.Errorf("%w: %d workers running", ErrCapacity, cap(l.slots))
	}

	// Children outlive the request that scheduled them
	cmd := exec.CommandContext(l.ctx, l.workerPath)
	cmd.Env = os.Environ()
	for name, value := range params.Env() {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	output := logging.NewLineWriter(l.logger.WithObject(params.SourceBucket, params.SourceKey), "worker", 0)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		<-l.slots
		metrics.RecordRunScheduled(BackendProcess, "error")
		return models.RunHandle{}, fmt.Errorf("failed to start worker: %w", err)
	}

	handle := models.RunHandle{
		ID:          fmt.Sprintf("process-%d", cmd.Process.Pid),
		Params:      params,
		ScheduledAt: time.Now(),
	}
	logger := l.logger.WithRunID(handle.ID)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.slots }()

		err := cmd.Wait()
		output.Flush()
		if err != nil {
			logger.ErrorWithErr("Worker failed", err)
			return
		}
		logger.Infof("Worker finished in %v", time.Since(handle.ScheduledAt))
	}()

	metrics.RecordRunScheduled(BackendProcess, "success")
	logger.Infof("Started worker for s3://%s/%s", params.SourceBucket, params.SourceKey)

	return handle, nil
}

// Wait blocks until every started worker has exited
func (l *ProcessLauncher) Wait() {
	l.wg.Wait()
}

// Shutdown kills running workers and waits for them
func (l *ProcessLauncher) Shutdown() {
	l.cancel()
	l.wg.Wait()
}
