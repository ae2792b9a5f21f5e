// Package factory builds lock providers from configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/lock"
	"github.com/nimburion/queuejob/pkg/observability/logger"
)

const (
	ProviderNone     = config.LockProviderNone
	ProviderMemory   = config.LockProviderMemory
	ProviderRedis    = config.LockProviderRedis
	ProviderPostgres = config.LockProviderPostgres
	ProviderMySQL    = config.LockProviderMySQL
	ProviderDynamoDB = config.LockProviderDynamoDB
)

// New creates the lock provider selected by cfg.Provider.
// It returns a nil provider for "none" (the default): entries are then
// processed without distributed coordination.
func New(cfg config.LockConfig, log logger.Logger) (lock.Provider, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", lock.ErrInvalidArgument)
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderNone
	}

	switch provider {
	case ProviderNone:
		return nil, nil
	case ProviderMemory:
		return lock.NewMemoryProvider(), nil
	case ProviderRedis:
		p, err := lock.NewRedisProvider(redisConfig(cfg), log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderPostgres:
		p, err := lock.NewPostgresProvider(sqlConfig(cfg.Postgres, cfg), log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderMySQL:
		p, err := lock.NewMySQLProvider(sqlConfig(cfg.MySQL, cfg), log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderDynamoDB:
		p, err := lock.NewDynamoDBProvider(dynamoDBConfig(cfg), log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unsupported lock.provider %q (supported: %s, %s, %s, %s, %s, %s)",
			lock.ErrValidation, cfg.Provider, ProviderNone, ProviderMemory, ProviderRedis, ProviderPostgres, ProviderMySQL, ProviderDynamoDB)
	}
}

func redisConfig(cfg config.LockConfig) lock.RedisConfig {
	return lock.RedisConfig{
		URL:              strings.TrimSpace(cfg.Redis.URL),
		Prefix:           strings.TrimSpace(cfg.Redis.Prefix),
		OperationTimeout: cfg.OperationTimeout,
	}
}

func sqlConfig(sqlCfg config.LockSQLConfig, cfg config.LockConfig) lock.SQLConfig {
	return lock.SQLConfig{
		URL:              strings.TrimSpace(sqlCfg.URL),
		Table:            strings.TrimSpace(sqlCfg.Table),
		OperationTimeout: cfg.OperationTimeout,
		SkipMigrate:      sqlCfg.SkipMigrate,
	}
}

func dynamoDBConfig(cfg config.LockConfig) lock.DynamoDBConfig {
	return lock.DynamoDBConfig{
		Region:           strings.TrimSpace(cfg.DynamoDB.Region),
		Table:            strings.TrimSpace(cfg.DynamoDB.Table),
		Endpoint:         strings.TrimSpace(cfg.DynamoDB.Endpoint),
		AccessKeyID:      cfg.DynamoDB.AccessKeyID,
		SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
		SessionToken:     cfg.DynamoDB.SessionToken,
		OperationTimeout: cfg.OperationTimeout,
	}
}
