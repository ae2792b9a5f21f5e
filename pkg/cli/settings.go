package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// LoadConfigAndLogger loads configuration with precedence flags > ENV > secrets > file > defaults
// and builds the zap logger it describes.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	customValidator func(*config.Config) error,
	flags *pflag.FlagSet,
	defaultServiceName string,
	serviceNameOverride string,
) (*config.Config, logger.Logger, error) {
	cfg, _, err := loadConfig(cfgPath, envPrefix, secretFilePath, flags, defaultServiceName, serviceNameOverride)
	if err != nil {
		return nil, nil, err
	}

	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func loadConfig(
	cfgPath,
	envPrefix,
	secretFilePath string,
	flags *pflag.FlagSet,
	defaultServiceName string,
	serviceNameOverride string,
) (*config.Config, *config.ViperLoader, error) {
	envPrefix = config.ResolveEnvPrefix(envPrefix)
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	loader := config.NewViperLoader(cfgPath, envPrefix).
		WithServiceNameDefault(defaultServiceName).
		WithFlags(flags)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) (*logger.ZapLogger, error) {
	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: os.Stderr})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

func syncLogger(log logger.Logger) {
	if syncer, ok := log.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(config.ResolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func formatYAML(value interface{}) (string, error) {
	if value == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return string(data), nil
}

// redactSettingsMap masks every setting that was supplied by the secrets file.
func redactSettingsMap(settings, secrets map[string]interface{}) map[string]interface{} {
	if len(settings) == 0 || len(secrets) == 0 {
		return settings
	}
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		mask, ok := secrets[key]
		if !ok {
			out[key] = value
			continue
		}
		out[key] = redactSettingValue(value, mask)
	}
	return out
}

func redactSettingValue(value, mask interface{}) interface{} {
	maskMap, maskIsMap := mask.(map[string]interface{})
	if !maskIsMap {
		if shouldRedactSetting(mask) {
			return "***"
		}
		return value
	}
	valueMap, valueIsMap := value.(map[string]interface{})
	if !valueIsMap {
		if shouldRedactSetting(mask) {
			return "***"
		}
		return value
	}
	out := make(map[string]interface{}, len(valueMap))
	for key, item := range valueMap {
		childMask, ok := maskMap[key]
		if !ok {
			out[key] = item
			continue
		}
		out[key] = redactSettingValue(item, childMask)
	}
	return out
}

func shouldRedactSetting(mask interface{}) bool {
	if mask == nil {
		return false
	}
	switch value := mask.(type) {
	case string:
		return strings.TrimSpace(value) != ""
	case []interface{}:
		return len(value) > 0
	case map[string]interface{}:
		return len(value) > 0
	default:
		return !reflect.ValueOf(mask).IsZero()
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration",
		"service", cfg.Service.Name,
		"queue_backend", cfg.Queue.Backend,
		"queue_name", cfg.Queue.Name,
		"lock_provider", cfg.Lock.Provider,
		"resolution_mode", cfg.Runner.ResolutionMode,
		"instances", cfg.Runner.Instances,
	)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "app"
}

func setServiceNameSetting(settings map[string]interface{}, serviceName string) map[string]interface{} {
	if settings == nil {
		settings = map[string]interface{}{}
	}
	service, ok := settings["service"].(map[string]interface{})
	if !ok || service == nil {
		service = map[string]interface{}{}
	}
	service["name"] = serviceName
	settings["service"] = service
	return settings
}
