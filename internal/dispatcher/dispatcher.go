package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/internal/queue"
	"github.com/runningpoem30/videoTranscoding/internal/tracing"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// ErrMalformedEvent is returned for bodies that can never be dispatched.
var ErrMalformedEvent = errors.New("malformed event")

// RunScheduler starts one worker run and returns without waiting for it.
type RunScheduler interface {
	Schedule(ctx context.Context, params models.RunParameters) (models.RunHandle, error)
}

// Dispatcher turns storage notifications into worker runs
type Dispatcher struct {
	scheduler  RunScheduler
	destBucket string
	logger     *logging.Logger
}

// New creates a dispatcher that writes every package to destBucket
func New(scheduler RunScheduler, destBucket string, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		scheduler:  scheduler,
		destBucket: destBucket,
		logger:     logger,
	}
}

// Dispatch schedules exactly one run per record in body. Test events and
// events without records schedule nothing. Every record is validated before
// the first run is scheduled, so a malformed event schedules nothing.
// Scheduling stops at the first failure; handles for runs already started
// are returned alongside the error.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) ([]models.RunHandle, error) {
	span, ctx := tracing.StartSpan(ctx, "dispatcher.dispatch")
	defer tracing.FinishSpan(span)

	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	records, err := ParseEvent(body)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}
	tracing.SetTag(span, "records", len(records))

	handles := make([]models.RunHandle, 0, len(records))
	for _, record := range records {
		params := models.NewRunParameters(record.Bucket, record.Key, d.destBucket)

		handle, err := d.scheduler.Schedule(ctx, params)
		if err != nil {
			err = fmt.Errorf("failed to schedule run for %s/%s: %w", record.Bucket, record.Key, err)
			tracing.LogError(span, err)
			return handles, err
		}

		d.logger.WithObject(record.Bucket, record.Key).
			WithRunID(handle.ID).
			Infof("Scheduled run for %s", params.DestPrefix)
		handles = append(handles, handle)
	}

	return handles, nil
}

// HandleMessage adapts Dispatch to the queue consumer. Malformed events are
// reported as permanent so the message goes to the dead-letter queue.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg queue.Message) error {
	start := time.Now()
	handles, err := d.Dispatch(ctx, msg.Body)
	d.logger.LogDispatch(msg.DeliveryTag, len(handles), time.Since(start), err)

	if errors.Is(err, ErrMalformedEvent) {
		return queue.Permanent(err)
	}
	return err
}

// ParseEvent validates a raw storage event and returns its records with
// decoded keys. Keys arrive form-encoded: '+' is a space and %XX an escaped
// byte. Folder markers (keys ending in '/') are skipped since there is no
// video to transcode.
func ParseEvent(body []byte) ([]models.NotificationMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedEvent)
	}

	var event models.StorageEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if event.IsTest() {
		return nil, nil
	}

	records := make([]models.NotificationMessage, 0, len(event.Records))
	for i, r := range event.Records {
		bucket := r.S3.Bucket.Name
		if bucket == "" {
			return nil, fmt.Errorf("%w: record %d has no bucket name", ErrMalformedEvent, i)
		}

		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d has an invalid key %q: %v", ErrMalformedEvent, i, r.S3.Object.Key, err)
		}
		if key == "" {
			return nil, fmt.Errorf("%w: record %d has no object key", ErrMalformedEvent, i)
		}
		if strings.HasSuffix(key, "/") {
			continue
		}

		records = append(records, models.NotificationMessage{
			EventType: r.EventName,
			Bucket:    bucket,
			Key:       key,
			Size:      r.S3.Object.Size,
		})
	}

	return records, nil
}
