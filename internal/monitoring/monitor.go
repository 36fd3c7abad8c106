package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
)

// DefaultInterval is how often queue depths are sampled
const DefaultInterval = 10 * time.Second

// Queue names used as metric labels
const (
	QueueEvents     = "events"
	QueueDeadLetter = "dead_letter"
)

// Snapshot holds the last sampled queue depths
type Snapshot struct {
	QueueDepth  int       `json:"queue_depth"`
	DLQDepth    int       `json:"dlq_depth"`
	LastUpdated time.Time `json:"last_updated"`
}

// QueueProvider defines the interface for queue metrics
type QueueProvider interface {
	GetQueueDepth() (int, error)
	GetDLQDepth() (int, error)
}

// Monitor periodically samples queue depths into gauges. A growing
// dead-letter queue is the signal that events are being dropped.
type Monitor struct {
	queue    QueueProvider
	interval time.Duration
	logger   *logging.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewMonitor creates a new monitor
func NewMonitor(queue QueueProvider, interval time.Duration, logger *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{queue: queue, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Collect(); err != nil {
			m.logger.WithError(err).Warn("Failed to collect queue metrics")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect samples both queues once
func (m *Monitor) Collect() error {
	depth, err := m.queue.GetQueueDepth()
	if err != nil {
		return fmt.Errorf("failed to get queue depth: %w", err)
	}

	dlqDepth, err := m.queue.GetDLQDepth()
	if err != nil {
		return fmt.Errorf("failed to get DLQ depth: %w", err)
	}

	metrics.SetQueueDepth(QueueEvents, depth)
	metrics.SetQueueDepth(QueueDeadLetter, dlqDepth)

	m.mu.Lock()
	m.snapshot = Snapshot{QueueDepth: depth, DLQDepth: dlqDepth, LastUpdated: time.Now()}
	m.mu.Unlock()

	return nil
}

// Snapshot returns the last sampled depths
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
