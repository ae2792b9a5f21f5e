package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	backendRedis       = "redis"
	defaultRedisPrefix = "queuejob"
)

var (
	// KEYS: ready, working, deadletter, stats
	// ARGV: item key prefix, now ms, work item timeout ms, max attempts
	redisDequeueScript = redis.NewScript(`
local ready = KEYS[1]
local working = KEYS[2]
local deadletter = KEYS[3]
local stats = KEYS[4]
local itemPrefix = ARGV[1]
local nowMs = tonumber(ARGV[2])
local timeoutMs = tonumber(ARGV[3])
local maxAttempts = tonumber(ARGV[4])

local expired = redis.call("ZRANGEBYSCORE", working, "-inf", nowMs)
for _, expiredID in ipairs(expired) do
  redis.call("ZREM", working, expiredID)
  redis.call("HINCRBY", stats, "timeouts", 1)
  local attempts = tonumber(redis.call("HGET", itemPrefix .. expiredID, "attempts") or "0")
  if maxAttempts > 0 and attempts >= maxAttempts then
    redis.call("RPUSH", deadletter, expiredID)
  else
    redis.call("RPUSH", ready, expiredID)
  end
end

local id = redis.call("LPOP", ready)
if not id then
  return nil
end

local itemKey = itemPrefix .. id
local payload = redis.call("HGET", itemKey, "payload")
if not payload then
  return nil
end
local attempts = redis.call("HINCRBY", itemKey, "attempts", 1)
redis.call("ZADD", working, nowMs + timeoutMs, id)
redis.call("HINCRBY", stats, "dequeued", 1)
return {id, payload, tostring(attempts), redis.call("HGET", itemKey, "enqueued_at") or "0"}
`)

	// KEYS: working, stats, item
	// ARGV: id, delivery attempt
	redisCompleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], "attempts") ~= ARGV[2] or redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  redis.call("HINCRBY", KEYS[2], "errors", 1)
  return 0
end
redis.call("DEL", KEYS[3])
redis.call("HINCRBY", KEYS[2], "completed", 1)
return 1
`)

	// KEYS: working, ready, deadletter, stats, item
	// ARGV: id, max attempts, delivery attempt
	redisAbandonScript = redis.NewScript(`
if redis.call("HGET", KEYS[5], "attempts") ~= ARGV[3] or redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  redis.call("HINCRBY", KEYS[4], "errors", 1)
  return 0
end
redis.call("HINCRBY", KEYS[4], "abandoned", 1)
local attempts = tonumber(redis.call("HGET", KEYS[5], "attempts") or "0")
local maxAttempts = tonumber(ARGV[2])
if maxAttempts > 0 and attempts >= maxAttempts then
  redis.call("RPUSH", KEYS[3], ARGV[1])
  return 2
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)
)

// RedisConfig configures a Redis-backed queue.
type RedisConfig struct {
	URL              string
	Name             string
	Prefix           string
	MaxAttempts      int
	WorkItemTimeout  time.Duration
	OperationTimeout time.Duration
	PollInterval     time.Duration
}

func (c *RedisConfig) normalize() {
	c.Name = normalizeName(c.Name, "default")
	c.Prefix = normalizeName(c.Prefix, defaultRedisPrefix)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.WorkItemTimeout <= 0 {
		c.WorkItemTimeout = DefaultWorkItemTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// RedisQueue stores entry ids in a ready list and a working sorted set
// scored by work item deadline. Payloads live in one hash per entry.
type RedisQueue[T any] struct {
	client *redis.Client
	codec  Codec[T]
	log    logger.Logger
	config RedisConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisQueue connects to Redis and verifies connectivity.
func NewRedisQueue[T any](cfg RedisConfig, codec Codec[T], log logger.Logger) (*RedisQueue[T], error) {
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, queueError(ErrValidation, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return newRedisQueueWithClient(client, cfg, codec, log), nil
}

func newRedisQueueWithClient[T any](client *redis.Client, cfg RedisConfig, codec Codec[T], log logger.Logger) *RedisQueue[T] {
	cfg.normalize()
	return &RedisQueue[T]{
		client: client,
		codec:  codecOrDefault(codec),
		log:    log.With("queue", cfg.Name, "backend", backendRedis),
		config: cfg,
	}
}

func (q *RedisQueue[T]) Name() string { return q.config.Name }

func (q *RedisQueue[T]) Enqueue(ctx context.Context, value T) (string, error) {
	if err := q.ensureOpen(); err != nil {
		return "", err
	}
	if ctx == nil {
		return "", queueError(ErrInvalidArgument, "context is required")
	}
	payload, err := q.codec.Encode(value)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err = q.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, q.itemKey(id),
			"payload", string(payload),
			"attempts", 0,
			"enqueued_at", time.Now().UTC().UnixMilli(),
		)
		pipe.RPush(opCtx, q.readyKey(), id)
		pipe.HIncrBy(opCtx, q.statsKey(), "enqueued", 1)
		return nil
	})
	recordQueueOperation(backendRedis, q.config.Name, opEnqueue, err)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *RedisQueue[T]) Dequeue(ctx context.Context) (*Entry[T], error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if ctx == nil {
		return nil, queueError(ErrInvalidArgument, "context is required")
	}

	for {
		if ctx.Err() != nil {
			return nil, nil
		}

		now := time.Now().UTC()
		opCtx, cancel := q.operationContext(ctx)
		result, err := redisDequeueScript.Run(
			opCtx,
			q.client,
			[]string{q.readyKey(), q.workingKey(), q.deadletterKey(), q.statsKey()},
			q.itemKeyPrefix(),
			now.UnixMilli(),
			q.config.WorkItemTimeout.Milliseconds(),
			q.config.MaxAttempts,
		).Result()
		cancel()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, nil
			}
			recordQueueOperation(backendRedis, q.config.Name, opDequeue, err)
			return nil, err
		}
		if errors.Is(err, redis.Nil) || result == nil {
			if !waitOrDone(ctx, q.config.PollInterval) {
				return nil, nil
			}
			continue
		}

		fields, ok := result.([]interface{})
		if !ok || len(fields) != 4 {
			return nil, fmt.Errorf("unexpected dequeue script result: %T", result)
		}
		id, _ := fields[0].(string)
		payload, _ := fields[1].(string)
		attempts, _ := strconv.Atoi(fmt.Sprint(fields[2]))
		enqueuedMs, _ := strconv.ParseInt(fmt.Sprint(fields[3]), 10, 64)

		info := EntryInfo{
			ID:         id,
			Attempts:   attempts,
			EnqueuedAt: time.UnixMilli(enqueuedMs).UTC(),
			DequeuedAt: now,
		}
		value, decodeErr := q.codec.Decode([]byte(payload))
		if decodeErr != nil {
			q.log.Warn("abandoning undecodable queue entry", "entry_id", id, "error", decodeErr)
			_, _ = q.abandonEntry(ctx, info)
			recordQueueOperation(backendRedis, q.config.Name, opDequeue, decodeErr)
			continue
		}

		recordQueueOperation(backendRedis, q.config.Name, opDequeue, nil)
		trackInFlight(backendRedis, q.config.Name, 1)
		return NewEntry(info, value, redisResolver[T]{queue: q}), nil
	}
}

func (q *RedisQueue[T]) Stats(ctx context.Context) (Stats, error) {
	if err := q.ensureOpen(); err != nil {
		return Stats{}, err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()

	var (
		queued     *redis.IntCmd
		working    *redis.IntCmd
		deadletter *redis.IntCmd
		counters   *redis.MapStringStringCmd
	)
	_, err := q.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		queued = pipe.LLen(opCtx, q.readyKey())
		working = pipe.ZCard(opCtx, q.workingKey())
		deadletter = pipe.LLen(opCtx, q.deadletterKey())
		counters = pipe.HGetAll(opCtx, q.statsKey())
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	values := counters.Val()
	counter := func(name string) int64 {
		n, _ := strconv.ParseInt(values[name], 10, 64)
		return n
	}
	return Stats{
		Queued:     queued.Val(),
		Working:    working.Val(),
		Deadletter: deadletter.Val(),
		Enqueued:   counter("enqueued"),
		Dequeued:   counter("dequeued"),
		Completed:  counter("completed"),
		Abandoned:  counter("abandoned"),
		Errors:     counter("errors"),
		Timeouts:   counter("timeouts"),
	}, nil
}

func (q *RedisQueue[T]) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	return q.client.Ping(opCtx).Err()
}

func (q *RedisQueue[T]) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.client.Close()
}

func (q *RedisQueue[T]) ensureOpen() error {
	if q == nil || q.client == nil {
		return queueError(ErrNotInitialized, "redis queue")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queueError(ErrClosed, q.config.Name)
	}
	return nil
}

func (q *RedisQueue[T]) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func (q *RedisQueue[T]) prefix() string {
	return strings.TrimRight(strings.TrimSpace(q.config.Prefix), ":") + ":queue:" + q.config.Name
}

func (q *RedisQueue[T]) readyKey() string      { return q.prefix() + ":ready" }
func (q *RedisQueue[T]) workingKey() string    { return q.prefix() + ":working" }
func (q *RedisQueue[T]) deadletterKey() string { return q.prefix() + ":deadletter" }
func (q *RedisQueue[T]) statsKey() string      { return q.prefix() + ":stats" }
func (q *RedisQueue[T]) itemKeyPrefix() string { return q.prefix() + ":item:" }
func (q *RedisQueue[T]) itemKey(id string) string {
	return q.itemKeyPrefix() + id
}

type redisResolver[T any] struct {
	queue *RedisQueue[T]
}

func (r redisResolver[T]) Complete(ctx context.Context, info EntryInfo) error {
	q := r.queue
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	res, err := redisCompleteScript.Run(opCtx, q.client,
		[]string{q.workingKey(), q.statsKey(), q.itemKey(info.ID)},
		info.ID,
		strconv.Itoa(info.Attempts),
	).Int()
	if err == nil && res == 0 {
		err = queueError(ErrLeaseLost, info.ID)
	}
	recordQueueOperation(backendRedis, q.config.Name, opComplete, err)
	if err == nil {
		trackInFlight(backendRedis, q.config.Name, -1)
	}
	return err
}

func (r redisResolver[T]) Abandon(ctx context.Context, info EntryInfo) error {
	q := r.queue
	res, err := q.abandonEntry(ctx, info)
	if err == nil && res == 0 {
		err = queueError(ErrLeaseLost, info.ID)
	}
	if err == nil && res == 2 {
		q.log.Warn("queue entry moved to dead letter", "entry_id", info.ID, "attempts", info.Attempts)
	}
	recordQueueOperation(backendRedis, q.config.Name, opAbandon, err)
	if err == nil {
		trackInFlight(backendRedis, q.config.Name, -1)
	}
	return err
}

// abandonEntry returns 0 when the entry is no longer in flight, 1 when it was
// requeued and 2 when it was dead-lettered.
func (q *RedisQueue[T]) abandonEntry(ctx context.Context, info EntryInfo) (int, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	return redisAbandonScript.Run(opCtx, q.client,
		[]string{q.workingKey(), q.readyKey(), q.deadletterKey(), q.statsKey(), q.itemKey(info.ID)},
		info.ID,
		q.config.MaxAttempts,
		strconv.Itoa(info.Attempts),
	).Int()
}
