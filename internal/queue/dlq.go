package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeadLetterQueueName    = "storage_events_dlq"
	DeadLetterExchangeName = "storage_dlq"
	// RetryQueuePrefix names the retry queues, one per backoff delay
	RetryQueuePrefix = "storage_events_retry"

	RetryCountHeader    = "x-retry-count"
	FailureReasonHeader = "x-failure-reason"
	FailedAtHeader      = "x-failed-at"

	maxBackoff = 1 * time.Hour
)

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the consumer dead-letters the message
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// SetupDeadLetterQueue sets up the dead letter queue infrastructure
func (q *Queue) SetupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Every delay gets its own queue with a queue-level TTL, so a message
	// only ever waits behind messages that expire no later than it does.
	// Expired retries return to the event queue.
	for _, delay := range retryTiers(q.retryDelay) {
		_, err = q.channel.QueueDeclare(
			RetryQueueName(delay),
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             delay.Milliseconds(),
				"x-dead-letter-exchange":    ExchangeName,
				"x-dead-letter-routing-key": EventQueueName,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare retry queue: %w", err)
		}
	}

	q.logger.Info("Dead letter queue infrastructure set up successfully")
	return nil
}

// RetryQueueName returns the retry queue holding messages for delay
func RetryQueueName(delay time.Duration) string {
	return fmt.Sprintf("%s_%d", RetryQueuePrefix, delay.Milliseconds())
}

// retryTiers lists every delay calculateBackoffDelay can produce for
// baseDelay, shortest first.
func retryTiers(baseDelay time.Duration) []time.Duration {
	var tiers []time.Duration
	for i := 0; ; i++ {
		delay := calculateBackoffDelay(i, baseDelay)
		tiers = append(tiers, delay)
		if delay >= maxBackoff {
			return tiers
		}
	}
}

// publishRetry republishes msg to the retry queue of its backoff delay
// with an incremented retry count. It comes back to the event queue once
// the queue TTL expires.
func publishRetry(ctx context.Context, pub Publisher, msg amqp.Delivery, retryCount int, baseDelay time.Duration) error {
	headers := amqp.Table{
		RetryCountHeader: int32(retryCount + 1),
	}

	delay := calculateBackoffDelay(retryCount, baseDelay)

	err := pub.Publish(ctx,
		"",
		RetryQueueName(delay),
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	return nil
}

// publishDeadLetter moves msg to the dead letter queue with the failure reason
func publishDeadLetter(ctx context.Context, pub Publisher, msg amqp.Delivery, reason string) error {
	headers := amqp.Table{
		RetryCountHeader:    int32(RetryCount(msg.Headers)),
		FailureReasonHeader: reason,
		FailedAtHeader:      time.Now().Format(time.RFC3339),
	}

	err := pub.Publish(ctx,
		DeadLetterExchangeName,
		DeadLetterQueueName,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	return nil
}

// RetryCount reads the retry header. AMQP decodes integers with the width
// they were encoded with, so every integer type is accepted.
func RetryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// calculateBackoffDelay doubles baseDelay per attempt, capped at one hour
func calculateBackoffDelay(retryCount int, baseDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if retryCount > 16 {
		return maxBackoff
	}

	delay := baseDelay * (1 << retryCount)
	if delay > maxBackoff {
		delay = maxBackoff
	}

	return delay
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.inspect.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}
