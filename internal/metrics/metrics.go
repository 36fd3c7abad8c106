package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcode_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	UploadURLsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcode_upload_urls_issued_total",
			Help: "Total number of upload URLs issued",
		},
	)

	// Bridge Metrics
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_bridge_events_total",
			Help: "Storage events received by the bridge",
		},
		[]string{"status"},
	)

	// Dispatcher Metrics
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_dispatcher_messages_total",
			Help: "Queue messages handled by the dispatcher",
		},
		[]string{"outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcode_queue_depth",
			Help: "Messages waiting in the event queues",
		},
		[]string{"queue"},
	)

	RunsScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_runs_scheduled_total",
			Help: "Worker runs scheduled",
		},
		[]string{"backend", "status"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcode_dispatch_duration_seconds",
			Help:    "Time to dispatch one queue message",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker Metrics
	RunsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_runs_completed_total",
			Help: "Worker runs finished",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcode_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68 min
		},
		[]string{"stage", "status"},
	)

	SourceDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcode_source_duration_seconds",
			Help:    "Duration of transcoded sources",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	SegmentsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcode_segments_published_total",
			Help: "Segment files published",
		},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcode_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcode_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// SetQueueDepth records the number of messages waiting in a queue
func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordEventReceived records a storage event seen by the bridge
func RecordEventReceived(status string) {
	EventsReceivedTotal.WithLabelValues(status).Inc()
}

// RecordMessage records the outcome of one dispatched message
// (acked, retried, dead_lettered, requeued).
func RecordMessage(outcome string, duration float64) {
	MessagesProcessedTotal.WithLabelValues(outcome).Inc()
	DispatchDuration.Observe(duration)
}

// RecordRunScheduled records a scheduling attempt
func RecordRunScheduled(backend, status string) {
	RunsScheduledTotal.WithLabelValues(backend, status).Inc()
}

// RecordStage records the duration of a pipeline stage
func RecordStage(stage, status string, duration float64) {
	StageDuration.WithLabelValues(stage, status).Observe(duration)
}

// RecordRunCompleted records a finished worker run
func RecordRunCompleted(status string, sourceDuration float64, segments int) {
	RunsCompletedTotal.WithLabelValues(status).Inc()
	if sourceDuration > 0 {
		SourceDurationSeconds.Observe(sourceDuration)
	}
	SegmentsPublishedTotal.Add(float64(segments))
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// Push sends the default registry to a Pushgateway under the given job and
// run. The worker exits too soon to be scraped.
func Push(gatewayURL, job, runID string) error {
	if gatewayURL == "" {
		return nil
	}

	err := push.New(gatewayURL, job).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("run_id", runID).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
