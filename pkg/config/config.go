package config

import "time"

// Queue backend constants
const (
	QueueBackendMemory   = "memory"
	QueueBackendRedis    = "redis"
	QueueBackendSQS      = "sqs"
	QueueBackendRabbitMQ = "rabbitmq"
)

// Lock provider constants
const (
	// LockProviderNone grants every entry lock without coordination.
	LockProviderNone     = "none"
	LockProviderMemory   = "memory"
	LockProviderRedis    = "redis"
	LockProviderPostgres = "postgres"
	LockProviderMySQL    = "mysql"
	LockProviderDynamoDB = "dynamodb"
)

// Config is the root configuration of a queue job process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Lock          LockConfig          `mapstructure:"lock"`
	Runner        RunnerConfig        `mapstructure:"runner"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	Backend          string              `mapstructure:"backend"` // memory, redis, sqs, rabbitmq
	Name             string              `mapstructure:"name"`
	// MaxAttempts is the delivery limit before an abandoned entry is
	// dead-lettered. The sqs backend applies it only when
	// sqs.deadletter_url is set; otherwise the queue's redrive policy decides.
	MaxAttempts      int                 `mapstructure:"max_attempts"`
	WorkItemTimeout  time.Duration       `mapstructure:"work_item_timeout"`
	PollInterval     time.Duration       `mapstructure:"poll_interval"`
	OperationTimeout time.Duration       `mapstructure:"operation_timeout"`
	Redis            QueueRedisConfig    `mapstructure:"redis"`
	SQS              QueueSQSConfig      `mapstructure:"sqs"`
	RabbitMQ         QueueRabbitMQConfig `mapstructure:"rabbitmq"`
}

// QueueRedisConfig configures the Redis queue backend.
type QueueRedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// QueueSQSConfig configures the SQS queue backend.
type QueueSQSConfig struct {
	Region          string `mapstructure:"region"`
	QueueURL        string `mapstructure:"queue_url"`
	DeadletterURL   string `mapstructure:"deadletter_url"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	WaitTimeSeconds int32  `mapstructure:"wait_time_seconds"`
}

// QueueRabbitMQConfig configures the RabbitMQ queue backend.
type QueueRabbitMQConfig struct {
	URL             string `mapstructure:"url"`
	DeadletterQueue string `mapstructure:"deadletter_queue"`
}

// LockConfig selects the entry lock provider used by the keyed lock acquirer.
type LockConfig struct {
	Provider         string             `mapstructure:"provider"` // none, memory, redis, postgres, mysql, dynamodb
	TTL              time.Duration      `mapstructure:"ttl"`
	Wait             time.Duration      `mapstructure:"wait"`
	RetryInterval    time.Duration      `mapstructure:"retry_interval"`
	KeyPrefix        string             `mapstructure:"key_prefix"`
	OperationTimeout time.Duration      `mapstructure:"operation_timeout"`
	Redis            LockRedisConfig    `mapstructure:"redis"`
	Postgres         LockSQLConfig      `mapstructure:"postgres"`
	MySQL            LockSQLConfig      `mapstructure:"mysql"`
	DynamoDB         LockDynamoDBConfig `mapstructure:"dynamodb"`
}

// LockRedisConfig configures the Redis lock provider.
type LockRedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// LockSQLConfig configures a SQL lock provider.
type LockSQLConfig struct {
	URL         string `mapstructure:"url"`
	Table       string `mapstructure:"table"`
	SkipMigrate bool   `mapstructure:"skip_migrate"`
}

// LockDynamoDBConfig configures the DynamoDB lock provider.
type LockDynamoDBConfig struct {
	Region          string `mapstructure:"region"`
	Table           string `mapstructure:"table"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// RunnerConfig configures continuous and drain runs.
type RunnerConfig struct {
	ResolutionMode string        `mapstructure:"resolution_mode"` // auto, manual
	Interval       time.Duration `mapstructure:"interval"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	IterationLimit int           `mapstructure:"iteration_limit"`
	Instances      int           `mapstructure:"instances"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	// MetricsAddr serves /metrics while working when set (e.g. ":9090").
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns the configuration used before file, env and flag overrides.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "queuejob",
			Environment: "production",
		},
		Queue: QueueConfig{
			Backend:          QueueBackendMemory,
			Name:             "default",
			MaxAttempts:      3,
			WorkItemTimeout:  5 * time.Minute,
			PollInterval:     100 * time.Millisecond,
			OperationTimeout: 5 * time.Second,
			Redis:            QueueRedisConfig{Prefix: "queuejob"},
			SQS:              QueueSQSConfig{WaitTimeSeconds: 10},
		},
		Lock: LockConfig{
			Provider:         LockProviderNone,
			TTL:              5 * time.Minute,
			RetryInterval:    50 * time.Millisecond,
			OperationTimeout: 5 * time.Second,
			Redis:            LockRedisConfig{Prefix: "queuejob:lock"},
			Postgres:         LockSQLConfig{Table: "queuejob_locks"},
			MySQL:            LockSQLConfig{Table: "queuejob_locks"},
			DynamoDB:         LockDynamoDBConfig{Table: "queuejob_locks"},
		},
		Runner: RunnerConfig{
			ResolutionMode: "auto",
			Interval:       time.Second,
			Instances:      1,
			ReleaseTimeout: 5 * time.Second,
			ResolveTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 1.0,
			TracingEndpoint:   "localhost:4317",
		},
	}
}
