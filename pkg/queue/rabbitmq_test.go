package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/queuejob/pkg/observability/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu       sync.Mutex
	declared map[string]amqp.Table
	queues   map[string][]amqp.Delivery
	nextTag  uint64
	unacked  map[uint64]amqp.Delivery
	acked    []uint64
	nacked   map[uint64]bool
	closed   bool

	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declared: map[string]amqp.Table{},
		queues:   map[string][]amqp.Delivery{},
		unacked:  map[uint64]amqp.Delivery{},
		nacked:   map[uint64]bool{},
	}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(c.queues[name])}, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.queues[key] = append(c.queues[key], amqp.Delivery{
		Headers:     msg.Headers,
		MessageId:   msg.MessageId,
		ContentType: msg.ContentType,
		Timestamp:   msg.Timestamp,
		Body:        msg.Body,
	})
	return nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.queues[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := pending[0]
	c.queues[queue] = pending[1:]
	c.nextTag++
	d.DeliveryTag = c.nextTag
	c.unacked[d.DeliveryTag] = d
	return d, true, nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.unacked[tag]; !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.unacked, tag)
	c.acked = append(c.acked, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.unacked[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.unacked, tag)
	c.nacked[tag] = requeue
	d.Redelivered = true
	if requeue {
		c.queues["jobs"] = append(c.queues["jobs"], d)
	} else {
		c.queues["jobs.deadletter"] = append(c.queues["jobs.deadletter"], d)
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestRabbitMQQueueDeclaresDeadletterRouting(t *testing.T) {
	ch := newFakeChannel()
	if _, err := newRabbitMQQueueWithChannel[string](ch, RabbitMQConfig{Name: "jobs"}, nil, logger.Nop()); err != nil {
		t.Fatalf("newRabbitMQQueueWithChannel() error = %v", err)
	}
	args := ch.declared["jobs"]
	if args["x-dead-letter-routing-key"] != "jobs.deadletter" {
		t.Fatalf("unexpected work queue args %v", args)
	}
	if _, ok := ch.declared["jobs.deadletter"]; !ok {
		t.Fatal("expected dead letter queue declaration")
	}
}

func TestRabbitMQQueueAbandonRequeuesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	q, err := newRabbitMQQueueWithChannel[string](ch, RabbitMQConfig{Name: "jobs", MaxAttempts: 2}, nil, logger.Nop())
	if err != nil {
		t.Fatalf("newRabbitMQQueueWithChannel() error = %v", err)
	}

	if _, err := q.Enqueue(ctx, "payload"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first == nil || first.Attempts() != 1 {
		t.Fatalf("first Dequeue() = %v, %v", first, err)
	}
	if err := first.Abandon(ctx); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}

	second, err := q.Dequeue(ctx)
	if err != nil || second == nil || second.Attempts() != 2 {
		t.Fatalf("second Dequeue() = %v, %v", second, err)
	}
	if err := second.Abandon(ctx); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Queued != 0 || stats.Deadletter != 1 || stats.Working != 0 || stats.Abandoned != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRabbitMQQueueDefaultMaxAttemptsDeadletters(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	q, err := newRabbitMQQueueWithChannel[string](ch, RabbitMQConfig{Name: "jobs"}, nil, logger.Nop())
	if err != nil {
		t.Fatalf("newRabbitMQQueueWithChannel() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, "poison"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		entry, err := q.Dequeue(ctx)
		if err != nil || entry == nil {
			t.Fatalf("attempt %d: Dequeue() = %v, %v", attempt, entry, err)
		}
		if entry.Attempts() != attempt {
			t.Fatalf("attempt %d: got Attempts() = %d", attempt, entry.Attempts())
		}
		if err := entry.Abandon(ctx); err != nil {
			t.Fatalf("attempt %d: Abandon() error = %v", attempt, err)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Queued != 0 || stats.Deadletter != 1 || stats.Working != 0 || stats.Abandoned != int64(DefaultMaxAttempts) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(ch.unacked) != 0 {
		t.Fatalf("expected no unacked deliveries, got %d", len(ch.unacked))
	}
}

func TestRabbitMQQueueAbandonPublishFailureReturnsMessage(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	q, _ := newRabbitMQQueueWithChannel[string](ch, RabbitMQConfig{Name: "jobs"}, nil, logger.Nop())
	_, _ = q.Enqueue(ctx, "payload")

	entry, err := q.Dequeue(ctx)
	if err != nil || entry == nil {
		t.Fatalf("Dequeue() = %v, %v", entry, err)
	}
	ch.publishErr = errors.New("channel closed")
	if err := entry.Abandon(ctx); err == nil {
		t.Fatal("expected Abandon() to report the publish failure")
	}

	stats, _ := q.Stats(ctx)
	if stats.Queued != 1 || stats.Working != 0 || stats.Deadletter != 0 {
		t.Fatalf("expected message back on the work queue, got %+v", stats)
	}
}

func TestRabbitMQQueueCompleteAcks(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	q, _ := newRabbitMQQueueWithChannel[int](ch, RabbitMQConfig{Name: "jobs"}, nil, logger.Nop())
	_, _ = q.Enqueue(ctx, 42)

	entry, err := q.Dequeue(ctx)
	if err != nil || entry == nil || entry.Value() != 42 {
		t.Fatalf("Dequeue() = %v, %v", entry, err)
	}
	if err := entry.Complete(ctx); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(ch.acked) != 1 {
		t.Fatalf("expected one ack, got %v", ch.acked)
	}
}

func TestRabbitMQQueueIdleDequeue(t *testing.T) {
	ch := newFakeChannel()
	q, _ := newRabbitMQQueueWithChannel[int](ch, RabbitMQConfig{Name: "jobs", PollInterval: time.Millisecond}, nil, logger.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	entry, err := q.Dequeue(ctx)
	if entry != nil || err != nil {
		t.Fatalf("expected (nil, nil), got %v, %v", entry, err)
	}
}

func TestDeliveryAttempts(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
		want     int
	}{
		{name: "first delivery", delivery: amqp.Delivery{}, want: 1},
		{name: "redelivered", delivery: amqp.Delivery{Redelivered: true}, want: 2},
		{name: "quorum delivery count", delivery: amqp.Delivery{Headers: amqp.Table{deliveryCountHeader: int64(2)}}, want: 3},
		{name: "republished", delivery: amqp.Delivery{Headers: amqp.Table{attemptsHeader: int64(2)}}, want: 3},
		{name: "republished then redelivered", delivery: amqp.Delivery{Redelivered: true, Headers: amqp.Table{attemptsHeader: int64(2)}}, want: 4},
		{name: "republished with quorum count", delivery: amqp.Delivery{Headers: amqp.Table{attemptsHeader: int32(1), deliveryCountHeader: int64(1)}}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deliveryAttempts(tt.delivery); got != tt.want {
				t.Fatalf("deliveryAttempts() = %d, want %d", got, tt.want)
			}
		})
	}
}
