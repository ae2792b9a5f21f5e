package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	backendRabbitMQ = "rabbitmq"

	// attemptsHeader carries the attempts a message used up before it was
	// republished by Abandon.
	attemptsHeader = "x-queuejob-attempts"
	// deliveryCountHeader is set by quorum queues on redelivery.
	deliveryCountHeader = "x-delivery-count"
)

// amqpChannel is the subset of *amqp.Channel used by RabbitMQQueue.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// RabbitMQConfig configures a RabbitMQ-backed queue.
type RabbitMQConfig struct {
	URL              string
	Name             string
	DeadletterQueue  string
	MaxAttempts      int
	OperationTimeout time.Duration
	PollInterval     time.Duration
}

func (c *RabbitMQConfig) normalize() {
	c.Name = normalizeName(c.Name, "default")
	if strings.TrimSpace(c.DeadletterQueue) == "" {
		c.DeadletterQueue = c.Name + ".deadletter"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// RabbitMQQueue pulls deliveries with basic.get and manual acknowledgement.
// Abandoned deliveries are republished with an attempt header and acked until
// MaxAttempts, then rejected into the dead-letter queue through the default
// exchange.
type RabbitMQQueue[T any] struct {
	conn    *amqp.Connection
	channel amqpChannel
	codec   Codec[T]
	log     logger.Logger
	config  RabbitMQConfig

	working   atomic.Int64
	enqueued  atomic.Int64
	dequeued  atomic.Int64
	completed atomic.Int64
	abandoned atomic.Int64
	errors    atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewRabbitMQQueue dials the broker and declares the work and dead-letter queues.
func NewRabbitMQQueue[T any](cfg RabbitMQConfig, codec Codec[T], log logger.Logger) (*RabbitMQQueue[T], error) {
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, queueError(ErrValidation, "rabbitmq URL is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}

	q, err := newRabbitMQQueueWithChannel(ch, cfg, codec, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newRabbitMQQueueWithChannel[T any](ch amqpChannel, cfg RabbitMQConfig, codec Codec[T], log logger.Logger) (*RabbitMQQueue[T], error) {
	cfg.normalize()
	if _, err := ch.QueueDeclare(cfg.DeadletterQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare dead letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, workQueueArgs(cfg)); err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &RabbitMQQueue[T]{
		channel: ch,
		codec:   codecOrDefault(codec),
		log:     log.With("queue", cfg.Name, "backend", backendRabbitMQ),
		config:  cfg,
	}, nil
}

func workQueueArgs(cfg RabbitMQConfig) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeadletterQueue,
	}
}

func (q *RabbitMQQueue[T]) Name() string { return q.config.Name }

func (q *RabbitMQQueue[T]) Enqueue(ctx context.Context, value T) (string, error) {
	if err := q.ensureOpen(); err != nil {
		return "", err
	}
	payload, err := q.codec.Encode(value)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	err = q.channel.PublishWithContext(opCtx, "", q.config.Name, false, false, amqp.Publishing{
		MessageId:    id,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	recordQueueOperation(backendRabbitMQ, q.config.Name, opEnqueue, err)
	if err != nil {
		return "", fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}
	q.enqueued.Add(1)
	return id, nil
}

func (q *RabbitMQQueue[T]) Dequeue(ctx context.Context) (*Entry[T], error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		delivery, ok, err := q.channel.Get(q.config.Name, false)
		if err != nil {
			q.errors.Add(1)
			recordQueueOperation(backendRabbitMQ, q.config.Name, opDequeue, err)
			return nil, fmt.Errorf("failed to get rabbitmq message: %w", err)
		}
		if !ok {
			if !waitOrDone(ctx, q.config.PollInterval) {
				return nil, nil
			}
			continue
		}

		info := EntryInfo{
			ID:         delivery.MessageId,
			Attempts:   deliveryAttempts(delivery),
			EnqueuedAt: delivery.Timestamp.UTC(),
			DequeuedAt: time.Now().UTC(),
			Receipt:    strconv.FormatUint(delivery.DeliveryTag, 10),
		}
		if info.ID == "" {
			info.ID = info.Receipt
		}
		value, decodeErr := q.codec.Decode(delivery.Body)
		if decodeErr != nil {
			q.log.Warn("rejecting undecodable rabbitmq message", "entry_id", info.ID, "error", decodeErr)
			_ = q.channel.Nack(delivery.DeliveryTag, false, false)
			recordQueueOperation(backendRabbitMQ, q.config.Name, opDequeue, decodeErr)
			continue
		}

		q.working.Add(1)
		q.dequeued.Add(1)
		recordQueueOperation(backendRabbitMQ, q.config.Name, opDequeue, nil)
		trackInFlight(backendRabbitMQ, q.config.Name, 1)
		return NewEntry(info, value, rabbitResolver[T]{queue: q, delivery: delivery}), nil
	}
}

// deliveryAttempts adds the attempts recorded by earlier republishes to the
// broker's own redelivery count for this message.
func deliveryAttempts(d amqp.Delivery) int {
	prior, _ := headerInt(d.Headers, attemptsHeader)
	if count, ok := headerInt(d.Headers, deliveryCountHeader); ok {
		return prior + count + 1
	}
	if d.Redelivered {
		return prior + 2
	}
	return prior + 1
}

func headerInt(headers amqp.Table, key string) (int, bool) {
	switch v := headers[key].(type) {
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// Stats reports broker-side depths. Working only counts deliveries held by this process.
func (q *RabbitMQQueue[T]) Stats(ctx context.Context) (Stats, error) {
	if err := q.ensureOpen(); err != nil {
		return Stats{}, err
	}
	work, err := q.channel.QueueDeclarePassive(q.config.Name, true, false, false, false, workQueueArgs(q.config))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to inspect rabbitmq queue: %w", err)
	}
	dead, err := q.channel.QueueDeclarePassive(q.config.DeadletterQueue, true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to inspect rabbitmq dead letter queue: %w", err)
	}
	return Stats{
		Queued:     int64(work.Messages),
		Working:    q.working.Load(),
		Deadletter: int64(dead.Messages),
		Enqueued:   q.enqueued.Load(),
		Dequeued:   q.dequeued.Load(),
		Completed:  q.completed.Load(),
		Abandoned:  q.abandoned.Load(),
		Errors:     q.errors.Load(),
	}, nil
}

func (q *RabbitMQQueue[T]) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if q.conn != nil && q.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (q *RabbitMQQueue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	var firstErr error
	if err := q.channel.Close(); err != nil {
		firstErr = err
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (q *RabbitMQQueue[T]) ensureOpen() error {
	if q == nil || q.channel == nil {
		return queueError(ErrNotInitialized, "rabbitmq queue")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queueError(ErrClosed, q.config.Name)
	}
	return nil
}

type rabbitResolver[T any] struct {
	queue    *RabbitMQQueue[T]
	delivery amqp.Delivery
}

func (r rabbitResolver[T]) Complete(ctx context.Context, info EntryInfo) error {
	q := r.queue
	tag, err := strconv.ParseUint(info.Receipt, 10, 64)
	if err != nil {
		return queueError(ErrInvalidArgument, "invalid delivery tag "+info.Receipt)
	}
	err = q.channel.Ack(tag, false)
	recordQueueOperation(backendRabbitMQ, q.config.Name, opComplete, err)
	if err != nil {
		q.errors.Add(1)
		return fmt.Errorf("failed to ack rabbitmq message: %w", err)
	}
	q.settled()
	q.completed.Add(1)
	return nil
}

func (r rabbitResolver[T]) Abandon(ctx context.Context, info EntryInfo) error {
	q := r.queue
	tag, err := strconv.ParseUint(info.Receipt, 10, 64)
	if err != nil {
		return queueError(ErrInvalidArgument, "invalid delivery tag "+info.Receipt)
	}
	deadletter := info.Attempts >= q.config.MaxAttempts
	if deadletter {
		if err = q.channel.Nack(tag, false, false); err != nil {
			err = fmt.Errorf("failed to nack rabbitmq message: %w", err)
		}
	} else {
		err = r.republish(ctx, tag, info)
	}
	recordQueueOperation(backendRabbitMQ, q.config.Name, opAbandon, err)
	if err != nil {
		q.errors.Add(1)
		return err
	}
	if deadletter {
		q.log.Warn("queue entry moved to dead letter", "entry_id", info.ID, "attempts", info.Attempts)
	}
	q.settled()
	q.abandoned.Add(1)
	return nil
}

// republish puts a copy carrying the attempt count at the tail of the work
// queue and acks the original. If the publish fails the original is nacked
// back to the broker so the message is never lost.
func (r rabbitResolver[T]) republish(ctx context.Context, tag uint64, info EntryInfo) error {
	q := r.queue
	headers := amqp.Table{}
	for k, v := range r.delivery.Headers {
		headers[k] = v
	}
	delete(headers, deliveryCountHeader)
	headers[attemptsHeader] = int64(info.Attempts)

	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	err := q.channel.PublishWithContext(opCtx, "", q.config.Name, false, false, amqp.Publishing{
		Headers:      headers,
		MessageId:    r.delivery.MessageId,
		ContentType:  r.delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    r.delivery.Timestamp,
		Body:         r.delivery.Body,
	})
	if err != nil {
		if nackErr := q.channel.Nack(tag, false, true); nackErr != nil {
			q.log.Warn("failed to return rabbitmq message after republish error", "entry_id", info.ID, "error", nackErr)
		}
		q.settled()
		return fmt.Errorf("failed to republish rabbitmq message: %w", err)
	}
	if err := q.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack republished rabbitmq message: %w", err)
	}
	return nil
}

func (q *RabbitMQQueue[T]) settled() {
	q.working.Add(-1)
	trackInFlight(backendRabbitMQ, q.config.Name, -1)
}
