// Package factory builds queue backends from configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/queue"
)

const (
	BackendMemory   = config.QueueBackendMemory
	BackendRedis    = config.QueueBackendRedis
	BackendSQS      = config.QueueBackendSQS
	BackendRabbitMQ = config.QueueBackendRabbitMQ
)

// New creates the queue backend selected by cfg.Backend. Memory is the default.
func New[T any](cfg config.QueueConfig, codec queue.Codec[T], log logger.Logger) (queue.Queue[T], error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", queue.ErrInvalidArgument)
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendMemory
	}

	switch backend {
	case BackendMemory:
		return queue.NewMemoryQueue[T](memoryConfig(cfg)), nil
	case BackendRedis:
		q, err := queue.NewRedisQueue[T](redisConfig(cfg), codec, log)
		if err != nil {
			return nil, err
		}
		return q, nil
	case BackendSQS:
		q, err := queue.NewSQSQueue[T](sqsConfig(cfg), codec, log)
		if err != nil {
			return nil, err
		}
		return q, nil
	case BackendRabbitMQ:
		q, err := queue.NewRabbitMQQueue[T](rabbitMQConfig(cfg), codec, log)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("%w: unsupported queue.backend %q (supported: %s, %s, %s, %s)",
			queue.ErrValidation, cfg.Backend, BackendMemory, BackendRedis, BackendSQS, BackendRabbitMQ)
	}
}

func memoryConfig(cfg config.QueueConfig) queue.MemoryConfig {
	return queue.MemoryConfig{
		Name:            strings.TrimSpace(cfg.Name),
		MaxAttempts:     cfg.MaxAttempts,
		WorkItemTimeout: cfg.WorkItemTimeout,
		PollInterval:    cfg.PollInterval,
	}
}

func redisConfig(cfg config.QueueConfig) queue.RedisConfig {
	return queue.RedisConfig{
		URL:              strings.TrimSpace(cfg.Redis.URL),
		Name:             strings.TrimSpace(cfg.Name),
		Prefix:           strings.TrimSpace(cfg.Redis.Prefix),
		MaxAttempts:      cfg.MaxAttempts,
		WorkItemTimeout:  cfg.WorkItemTimeout,
		OperationTimeout: cfg.OperationTimeout,
		PollInterval:     cfg.PollInterval,
	}
}

func sqsConfig(cfg config.QueueConfig) queue.SQSConfig {
	return queue.SQSConfig{
		Name:             strings.TrimSpace(cfg.Name),
		Region:           strings.TrimSpace(cfg.SQS.Region),
		QueueURL:         strings.TrimSpace(cfg.SQS.QueueURL),
		DeadletterURL:    strings.TrimSpace(cfg.SQS.DeadletterURL),
		Endpoint:         strings.TrimSpace(cfg.SQS.Endpoint),
		AccessKeyID:      cfg.SQS.AccessKeyID,
		SecretAccessKey:  cfg.SQS.SecretAccessKey,
		SessionToken:     cfg.SQS.SessionToken,
		OperationTimeout: cfg.OperationTimeout,
		WaitTimeSeconds:  cfg.SQS.WaitTimeSeconds,
		MaxAttempts:      cfg.MaxAttempts,
		WorkItemTimeout:  cfg.WorkItemTimeout,
	}
}

func rabbitMQConfig(cfg config.QueueConfig) queue.RabbitMQConfig {
	return queue.RabbitMQConfig{
		URL:              strings.TrimSpace(cfg.RabbitMQ.URL),
		Name:             strings.TrimSpace(cfg.Name),
		DeadletterQueue:  strings.TrimSpace(cfg.RabbitMQ.DeadletterQueue),
		MaxAttempts:      cfg.MaxAttempts,
		OperationTimeout: cfg.OperationTimeout,
		PollInterval:     cfg.PollInterval,
	}
}
