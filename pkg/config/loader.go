package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagBindings maps CLI flag names to configuration keys. A flag only
// overrides configuration when it was set explicitly.
var flagBindings = map[string]string{
	"queue-backend":   "queue.backend",
	"queue-name":      "queue.name",
	"lock-provider":   "lock.provider",
	"lock-wait":       "lock.wait",
	"resolution-mode": "runner.resolution_mode",
	"interval":        "runner.interval",
	"iteration-limit": "runner.iteration_limit",
	"instances":       "runner.instances",
	"log-level":       "observability.log_level",
	"log-format":      "observability.log_format",
	"metrics-addr":    "observability.metrics_addr",
}

// RegisterFlags defines the override flags honored by ViperLoader.WithFlags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("queue-backend", "", "queue backend: memory, redis, sqs, rabbitmq")
	flags.String("queue-name", "", "queue name")
	flags.String("lock-provider", "", "entry lock provider: none, memory, redis, postgres, mysql, dynamodb")
	flags.Duration("lock-wait", 0, "how long a contended entry lock is retried")
	flags.String("resolution-mode", "", "entry resolution mode: auto, manual")
	flags.Duration("interval", 0, "pause between passes of a continuous run")
	flags.Int("iteration-limit", 0, "passes per instance before a continuous run stops (0 = unlimited)")
	flags.Int("instances", 0, "concurrent job loops")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json, text")
	flags.String("metrics-addr", "", "address serving /metrics while running (e.g. :9090)")
}

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader loads configuration with precedence: flags > ENV > secrets file > config file > defaults.
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
	flags              *pflag.FlagSet

	v       *viper.Viper
	secrets map[string]interface{}
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "APP")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// WithFlags applies explicitly set command line flags on top of the other sources.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the path to the config file, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	if l == nil {
		return ""
	}
	return l.configFile
}

// Load reads, merges and validates the configuration.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secretsFile, err := l.discoverSecretsFile()
	if err != nil {
		return nil, err
	}
	l.secrets = nil
	if secretsFile != "" {
		secretsViper := viper.New()
		secretsViper.SetConfigFile(secretsFile)
		if err := secretsViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		l.secrets = secretsViper.AllSettings()
		if err := v.MergeConfigMap(l.secrets); err != nil {
			return nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	if err := l.applyFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	l.v = v
	return &cfg, nil
}

// AllSettings returns the effective merged settings of the last Load.
func (l *ViperLoader) AllSettings() map[string]interface{} {
	if l == nil || l.v == nil {
		return map[string]interface{}{}
	}
	return l.v.AllSettings()
}

// Secrets returns the raw settings read from the secrets file, nil when none was loaded.
func (l *ViperLoader) Secrets() map[string]interface{} {
	if l == nil {
		return nil
	}
	return l.secrets
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Queue
	v.BindEnv("queue.backend", l.prefixedEnv("QUEUE_BACKEND"))
	v.BindEnv("queue.name", l.prefixedEnv("QUEUE_NAME"))
	v.BindEnv("queue.max_attempts", l.prefixedEnv("QUEUE_MAX_ATTEMPTS"))
	v.BindEnv("queue.work_item_timeout", l.prefixedEnv("QUEUE_WORK_ITEM_TIMEOUT"))
	v.BindEnv("queue.poll_interval", l.prefixedEnv("QUEUE_POLL_INTERVAL"))
	v.BindEnv("queue.operation_timeout", l.prefixedEnv("QUEUE_OPERATION_TIMEOUT"))
	v.BindEnv("queue.redis.url", l.prefixedEnv("QUEUE_REDIS_URL"))
	v.BindEnv("queue.redis.prefix", l.prefixedEnv("QUEUE_REDIS_PREFIX"))
	v.BindEnv("queue.sqs.region", l.prefixedEnv("QUEUE_SQS_REGION"), "AWS_REGION")
	v.BindEnv("queue.sqs.queue_url", l.prefixedEnv("QUEUE_SQS_QUEUE_URL"))
	v.BindEnv("queue.sqs.deadletter_url", l.prefixedEnv("QUEUE_SQS_DEADLETTER_URL"))
	v.BindEnv("queue.sqs.endpoint", l.prefixedEnv("QUEUE_SQS_ENDPOINT"))
	v.BindEnv("queue.sqs.access_key_id", l.prefixedEnv("QUEUE_SQS_ACCESS_KEY_ID"))
	v.BindEnv("queue.sqs.secret_access_key", l.prefixedEnv("QUEUE_SQS_SECRET_ACCESS_KEY"))
	v.BindEnv("queue.sqs.session_token", l.prefixedEnv("QUEUE_SQS_SESSION_TOKEN"))
	v.BindEnv("queue.sqs.wait_time_seconds", l.prefixedEnv("QUEUE_SQS_WAIT_TIME_SECONDS"))
	v.BindEnv("queue.rabbitmq.url", l.prefixedEnv("QUEUE_RABBITMQ_URL"))
	v.BindEnv("queue.rabbitmq.deadletter_queue", l.prefixedEnv("QUEUE_RABBITMQ_DEADLETTER_QUEUE"))

	// Lock
	v.BindEnv("lock.provider", l.prefixedEnv("LOCK_PROVIDER"))
	v.BindEnv("lock.ttl", l.prefixedEnv("LOCK_TTL"))
	v.BindEnv("lock.wait", l.prefixedEnv("LOCK_WAIT"))
	v.BindEnv("lock.retry_interval", l.prefixedEnv("LOCK_RETRY_INTERVAL"))
	v.BindEnv("lock.key_prefix", l.prefixedEnv("LOCK_KEY_PREFIX"))
	v.BindEnv("lock.operation_timeout", l.prefixedEnv("LOCK_OPERATION_TIMEOUT"))
	v.BindEnv("lock.redis.url", l.prefixedEnv("LOCK_REDIS_URL"))
	v.BindEnv("lock.redis.prefix", l.prefixedEnv("LOCK_REDIS_PREFIX"))
	v.BindEnv("lock.postgres.url", l.prefixedEnv("LOCK_POSTGRES_URL"))
	v.BindEnv("lock.postgres.table", l.prefixedEnv("LOCK_POSTGRES_TABLE"))
	v.BindEnv("lock.postgres.skip_migrate", l.prefixedEnv("LOCK_POSTGRES_SKIP_MIGRATE"))
	v.BindEnv("lock.mysql.url", l.prefixedEnv("LOCK_MYSQL_URL"))
	v.BindEnv("lock.mysql.table", l.prefixedEnv("LOCK_MYSQL_TABLE"))
	v.BindEnv("lock.mysql.skip_migrate", l.prefixedEnv("LOCK_MYSQL_SKIP_MIGRATE"))
	v.BindEnv("lock.dynamodb.region", l.prefixedEnv("LOCK_DYNAMODB_REGION"), "AWS_REGION")
	v.BindEnv("lock.dynamodb.table", l.prefixedEnv("LOCK_DYNAMODB_TABLE"))
	v.BindEnv("lock.dynamodb.endpoint", l.prefixedEnv("LOCK_DYNAMODB_ENDPOINT"))
	v.BindEnv("lock.dynamodb.access_key_id", l.prefixedEnv("LOCK_DYNAMODB_ACCESS_KEY_ID"))
	v.BindEnv("lock.dynamodb.secret_access_key", l.prefixedEnv("LOCK_DYNAMODB_SECRET_ACCESS_KEY"))
	v.BindEnv("lock.dynamodb.session_token", l.prefixedEnv("LOCK_DYNAMODB_SESSION_TOKEN"))

	// Runner
	v.BindEnv("runner.resolution_mode", l.prefixedEnv("RUNNER_RESOLUTION_MODE"))
	v.BindEnv("runner.interval", l.prefixedEnv("RUNNER_INTERVAL"))
	v.BindEnv("runner.initial_delay", l.prefixedEnv("RUNNER_INITIAL_DELAY"))
	v.BindEnv("runner.iteration_limit", l.prefixedEnv("RUNNER_ITERATION_LIMIT"))
	v.BindEnv("runner.instances", l.prefixedEnv("RUNNER_INSTANCES"))
	v.BindEnv("runner.release_timeout", l.prefixedEnv("RUNNER_RELEASE_TIMEOUT"))
	v.BindEnv("runner.resolve_timeout", l.prefixedEnv("RUNNER_RESOLVE_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.metrics_addr", l.prefixedEnv("METRICS_ADDR"))
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Queue defaults
	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.name", cfg.Queue.Name)
	v.SetDefault("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.SetDefault("queue.work_item_timeout", cfg.Queue.WorkItemTimeout)
	v.SetDefault("queue.poll_interval", cfg.Queue.PollInterval)
	v.SetDefault("queue.operation_timeout", cfg.Queue.OperationTimeout)
	v.SetDefault("queue.redis.url", cfg.Queue.Redis.URL)
	v.SetDefault("queue.redis.prefix", cfg.Queue.Redis.Prefix)
	v.SetDefault("queue.sqs.region", cfg.Queue.SQS.Region)
	v.SetDefault("queue.sqs.queue_url", cfg.Queue.SQS.QueueURL)
	v.SetDefault("queue.sqs.deadletter_url", cfg.Queue.SQS.DeadletterURL)
	v.SetDefault("queue.sqs.endpoint", cfg.Queue.SQS.Endpoint)
	v.SetDefault("queue.sqs.access_key_id", cfg.Queue.SQS.AccessKeyID)
	v.SetDefault("queue.sqs.secret_access_key", cfg.Queue.SQS.SecretAccessKey)
	v.SetDefault("queue.sqs.session_token", cfg.Queue.SQS.SessionToken)
	v.SetDefault("queue.sqs.wait_time_seconds", cfg.Queue.SQS.WaitTimeSeconds)
	v.SetDefault("queue.rabbitmq.url", cfg.Queue.RabbitMQ.URL)
	v.SetDefault("queue.rabbitmq.deadletter_queue", cfg.Queue.RabbitMQ.DeadletterQueue)

	// Lock defaults
	v.SetDefault("lock.provider", cfg.Lock.Provider)
	v.SetDefault("lock.ttl", cfg.Lock.TTL)
	v.SetDefault("lock.wait", cfg.Lock.Wait)
	v.SetDefault("lock.retry_interval", cfg.Lock.RetryInterval)
	v.SetDefault("lock.key_prefix", cfg.Lock.KeyPrefix)
	v.SetDefault("lock.operation_timeout", cfg.Lock.OperationTimeout)
	v.SetDefault("lock.redis.url", cfg.Lock.Redis.URL)
	v.SetDefault("lock.redis.prefix", cfg.Lock.Redis.Prefix)
	v.SetDefault("lock.postgres.url", cfg.Lock.Postgres.URL)
	v.SetDefault("lock.postgres.table", cfg.Lock.Postgres.Table)
	v.SetDefault("lock.postgres.skip_migrate", cfg.Lock.Postgres.SkipMigrate)
	v.SetDefault("lock.mysql.url", cfg.Lock.MySQL.URL)
	v.SetDefault("lock.mysql.table", cfg.Lock.MySQL.Table)
	v.SetDefault("lock.mysql.skip_migrate", cfg.Lock.MySQL.SkipMigrate)
	v.SetDefault("lock.dynamodb.region", cfg.Lock.DynamoDB.Region)
	v.SetDefault("lock.dynamodb.table", cfg.Lock.DynamoDB.Table)
	v.SetDefault("lock.dynamodb.endpoint", cfg.Lock.DynamoDB.Endpoint)
	v.SetDefault("lock.dynamodb.access_key_id", cfg.Lock.DynamoDB.AccessKeyID)
	v.SetDefault("lock.dynamodb.secret_access_key", cfg.Lock.DynamoDB.SecretAccessKey)
	v.SetDefault("lock.dynamodb.session_token", cfg.Lock.DynamoDB.SessionToken)

	// Runner defaults
	v.SetDefault("runner.resolution_mode", cfg.Runner.ResolutionMode)
	v.SetDefault("runner.interval", cfg.Runner.Interval)
	v.SetDefault("runner.initial_delay", cfg.Runner.InitialDelay)
	v.SetDefault("runner.iteration_limit", cfg.Runner.IterationLimit)
	v.SetDefault("runner.instances", cfg.Runner.Instances)
	v.SetDefault("runner.release_timeout", cfg.Runner.ReleaseTimeout)
	v.SetDefault("runner.resolve_timeout", cfg.Runner.ResolveTimeout)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
}

func (l *ViperLoader) applyFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagBindings {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		v.Set(key, flag.Value.String())
	}
	return nil
}

// discoverSecretsFile finds the secrets file using these rules:
// 1. Check <ENV_PREFIX>_SECRETS_FILE (default APP_SECRETS_FILE)
// 2. If configFile is set, look for secrets.{ext} in same directory
// An explicit env value that is empty or not a file is an error.
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if rawSecretsFile, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(rawSecretsFile)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	if l.configFile != "" {
		dir := filepath.Dir(l.configFile)
		ext := filepath.Ext(l.configFile)
		secretsFile := filepath.Join(dir, "secrets"+ext)
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}
	return "", nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", ResolveEnvPrefix(l.envPrefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// ResolveEnvPrefix upper-cases prefix and defaults it to APP.
func ResolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "APP"
	}
	return strings.ToUpper(trimmed)
}
