package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/runningpoem30/videoTranscoding/internal/config"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
)

const (
	EventQueueName = "storage_events"
	ExchangeName   = "storage"

	// publishConfirmTimeout bounds the wait for the broker to confirm one
	// publish
	publishConfirmTimeout = 5 * time.Second
)

// ErrNotConfirmed is returned when the broker nacks a publish
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Publisher sends one message and returns nil only once the broker has
// taken responsibility for it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// confirmPublisher publishes on a channel in confirm mode and waits for the
// broker's ack of every message.
type confirmPublisher struct {
	channel *amqp.Channel
	timeout time.Duration
}

func (p *confirmPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conf, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if conf == nil {
		// channel is not in confirm mode
		return ErrNotConfirmed
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Message is one delivery as seen by a Handler
type Message struct {
	Body        []byte
	DeliveryTag uint64
	RetryCount  int
}

// Handler processes one message. Returning an error wrapped with Permanent
// dead-letters the message; any other error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	// inspect carries the passive declares of the depth gauges so they
	// never interleave with consumer RPCs on channel
	inspect    *amqp.Channel
	pub        Publisher
	maxRetries int
	retryDelay time.Duration
	logger     *logging.Logger
}

// New connects to RabbitMQ and declares the event queue together with its
// retry and dead-letter queues.
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	inspect, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open inspect channel: %w", err)
	}

	q := &Queue{
		conn:       conn,
		channel:    channel,
		inspect:    inspect,
		pub:        &confirmPublisher{channel: channel, timeout: publishConfirmTimeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}

	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) declare() error {
	// Declare exchange
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := q.SetupDeadLetterQueue(); err != nil {
		return err
	}

	// Rejected messages fall through to the dead-letter exchange
	_, err = q.channel.QueueDeclare(
		EventQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchangeName,
			"x-dead-letter-routing-key": DeadLetterQueueName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = q.channel.QueueBind(
		EventQueueName,
		EventQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.inspect != nil {
		q.inspect.Close()
	}
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishEvent publishes a raw storage event as one persistent message and
// returns once the broker has confirmed it.
func (q *Queue) PublishEvent(ctx context.Context, body []byte) error {
	return publishEvent(ctx, q.pub, body)
}

func publishEvent(ctx context.Context, pub Publisher, body []byte) error {
	err := pub.Publish(ctx,
		ExchangeName,
		EventQueueName,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// ConsumeEvents handles messages one at a time until ctx is cancelled or
// the channel closes. A message is acked only after handler returns.
func (q *Queue) ConsumeEvents(ctx context.Context, handler Handler) error {
	// One message in flight
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		EventQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c := &consumer{
		pub:        q.pub,
		maxRetries: q.maxRetries,
		retryDelay: q.retryDelay,
		logger:     q.logger,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel closed")
			}
			c.handle(ctx, msg, handler)
		}
	}
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.inspect.QueueInspect(EventQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

// Outcomes of handling one delivery
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
)

type consumer struct {
	pub        Publisher
	maxRetries int
	retryDelay time.Duration
	logger     *logging.Logger
}

// handle runs handler and settles the delivery:
// success acks, a permanent failure is dead-lettered then acked, anything
// else goes to a retry queue then acked. The original is only acked after
// the broker confirms the republish; otherwise it is requeued.
func (c *consumer) handle(ctx context.Context, msg amqp.Delivery, handler Handler) string {
	start := time.Now()
	retries := RetryCount(msg.Headers)
	logger := c.logger.WithFields(map[string]interface{}{
		"delivery_tag": msg.DeliveryTag,
		"retry_count":  retries,
	})

	herr := handler(ctx, Message{Body: msg.Body, DeliveryTag: msg.DeliveryTag, RetryCount: retries})
	outcome := c.settle(ctx, msg, herr, retries, logger)
	metrics.RecordMessage(outcome, time.Since(start).Seconds())
	return outcome
}

func (c *consumer) settle(ctx context.Context, msg amqp.Delivery, herr error, retries int, logger *logging.Logger) string {
	if herr == nil {
		if err := msg.Ack(false); err != nil {
			logger.ErrorWithErr("Failed to ack message", err)
		}
		return OutcomeAcked
	}

	var rerr error
	outcome := OutcomeRetried

	switch {
	case IsPermanent(herr):
		outcome = OutcomeDeadLettered
		rerr = publishDeadLetter(ctx, c.pub, msg, herr.Error())
	case retries >= c.maxRetries:
		outcome = OutcomeDeadLettered
		rerr = publishDeadLetter(ctx, c.pub, msg, fmt.Sprintf("max retries exceeded: %v", herr))
	default:
		rerr = publishRetry(ctx, c.pub, msg, retries, c.retryDelay)
	}

	if rerr != nil {
		logger.WithError(herr).ErrorWithErr("Failed to reroute message, requeueing", rerr)
		if err := msg.Nack(false, true); err != nil {
			logger.ErrorWithErr("Failed to nack message", err)
		}
		return OutcomeRequeued
	}

	logger.WithError(herr).Warnf("Message %s", outcome)
	if err := msg.Ack(false); err != nil {
		logger.ErrorWithErr("Failed to ack message", err)
	}
	return outcome
}
