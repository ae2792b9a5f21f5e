package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix           = "queuejob:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisConfig configures distributed locks backed by Redis.
type RedisConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisProvider grants leases with SET NX PX and token-checked renew/release scripts.
type RedisProvider struct {
	client *redis.Client
	log    logger.Logger
	config RedisConfig
}

// NewRedisProvider connects to Redis and verifies connectivity.
func NewRedisProvider(cfg RedisConfig, log logger.Logger) (*RedisProvider, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping redis failed"), err)
	}

	return &RedisProvider{client: client, log: log, config: cfg}, nil
}

func (p *RedisProvider) Name() string { return "redis" }

func (p *RedisProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if p == nil || p.client == nil {
		return nil, false, lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return nil, false, err
	}

	token := uuid.NewString()
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	acquired, err := p.client.SetNX(opCtx, p.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &Lease{Key: key, Token: token, ExpireAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (p *RedisProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	if result == 0 {
		return lockError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

func (p *RedisProvider) Release(ctx context.Context, lease *Lease) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(key)}, token).Int64()
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	if result == 0 {
		return lockError(ErrConflict, "lock release rejected")
	}
	return nil
}

func (p *RedisProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(lockError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

func (p *RedisProvider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *RedisProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}
