package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks if the configuration is valid. Every violation is reported.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var errs []error
	errs = append(errs, c.validateQueue()...)
	errs = append(errs, c.validateLock()...)
	errs = append(errs, c.validateRunner()...)
	errs = append(errs, c.validateObservability()...)

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateQueue() []error {
	var errs []error
	q := c.Queue
	if strings.TrimSpace(q.Name) == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if q.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be >= 0, got %d", q.MaxAttempts))
	}
	if q.WorkItemTimeout < 0 || q.PollInterval < 0 || q.OperationTimeout < 0 {
		errs = append(errs, errors.New("queue timeouts must not be negative"))
	}

	switch normalizeEnum(q.Backend) {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if strings.TrimSpace(q.Redis.URL) == "" {
			errs = append(errs, errors.New("queue.redis.url is required for the redis backend"))
		}
	case QueueBackendSQS:
		if strings.TrimSpace(q.SQS.Region) == "" {
			errs = append(errs, errors.New("queue.sqs.region is required for the sqs backend"))
		}
		if strings.TrimSpace(q.SQS.QueueURL) == "" {
			errs = append(errs, errors.New("queue.sqs.queue_url is required for the sqs backend"))
		}
		if q.SQS.WaitTimeSeconds < 0 || q.SQS.WaitTimeSeconds > 20 {
			errs = append(errs, fmt.Errorf("queue.sqs.wait_time_seconds must be between 0 and 20, got %d", q.SQS.WaitTimeSeconds))
		}
	case QueueBackendRabbitMQ:
		if strings.TrimSpace(q.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url is required for the rabbitmq backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be one of: memory, redis, sqs, rabbitmq (got %q)", q.Backend))
	}
	return errs
}

func (c *Config) validateLock() []error {
	var errs []error
	l := c.Lock
	if l.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock.ttl must be > 0, got %s", l.TTL))
	}
	if l.Wait < 0 || l.RetryInterval < 0 || l.OperationTimeout < 0 {
		errs = append(errs, errors.New("lock durations must not be negative"))
	}

	switch normalizeEnum(l.Provider) {
	case LockProviderNone, LockProviderMemory:
	case LockProviderRedis:
		if strings.TrimSpace(l.Redis.URL) == "" {
			errs = append(errs, errors.New("lock.redis.url is required for the redis provider"))
		}
	case LockProviderPostgres:
		if strings.TrimSpace(l.Postgres.URL) == "" {
			errs = append(errs, errors.New("lock.postgres.url is required for the postgres provider"))
		}
	case LockProviderMySQL:
		if strings.TrimSpace(l.MySQL.URL) == "" {
			errs = append(errs, errors.New("lock.mysql.url is required for the mysql provider"))
		}
	case LockProviderDynamoDB:
		if strings.TrimSpace(l.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("lock.dynamodb.region is required for the dynamodb provider"))
		}
		if strings.TrimSpace(l.DynamoDB.Table) == "" {
			errs = append(errs, errors.New("lock.dynamodb.table is required for the dynamodb provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.provider must be one of: none, memory, redis, postgres, mysql, dynamodb (got %q)", l.Provider))
	}
	return errs
}

func (c *Config) validateRunner() []error {
	var errs []error
	r := c.Runner
	switch normalizeEnum(r.ResolutionMode) {
	case "", "auto", "manual":
	default:
		errs = append(errs, fmt.Errorf("runner.resolution_mode must be auto or manual (got %q)", r.ResolutionMode))
	}
	if r.Instances < 1 {
		errs = append(errs, fmt.Errorf("runner.instances must be >= 1, got %d", r.Instances))
	}
	if r.IterationLimit < 0 {
		errs = append(errs, fmt.Errorf("runner.iteration_limit must be >= 0, got %d", r.IterationLimit))
	}
	if r.Interval < 0 || r.InitialDelay < 0 {
		errs = append(errs, errors.New("runner.interval and runner.initial_delay must not be negative"))
	}
	if r.ReleaseTimeout < 0 || r.ResolveTimeout < 0 {
		errs = append(errs, errors.New("runner timeouts must not be negative"))
	}
	return errs
}

func (c *Config) validateObservability() []error {
	var errs []error
	o := c.Observability
	switch normalizeEnum(o.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("observability.log_level must be one of: debug, info, warn, error (got %q)", o.LogLevel))
	}
	switch normalizeEnum(o.LogFormat) {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format must be json or text (got %q)", o.LogFormat))
	}
	if o.TracingSampleRate < 0 || o.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", o.TracingSampleRate))
	}
	if o.TracingEnabled && strings.TrimSpace(o.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	return errs
}

func normalizeEnum(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
