package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestViperLoader_Defaults(t *testing.T) {
	cfg, err := NewViperLoader("", "QJTEST").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	defaults := DefaultConfig()
	if cfg.Queue.Backend != QueueBackendMemory || cfg.Lock.Provider != LockProviderNone {
		t.Fatalf("unexpected backends: queue=%q lock=%q", cfg.Queue.Backend, cfg.Lock.Provider)
	}
	if cfg.Queue.WorkItemTimeout != defaults.Queue.WorkItemTimeout {
		t.Fatalf("expected work item timeout %s, got %s", defaults.Queue.WorkItemTimeout, cfg.Queue.WorkItemTimeout)
	}
	if cfg.Runner.Instances != 1 || cfg.Runner.ResolutionMode != "auto" {
		t.Fatalf("unexpected runner config: %+v", cfg.Runner)
	}
	if cfg.Service.Name != "queuejob" {
		t.Fatalf("expected default service name, got %q", cfg.Service.Name)
	}
}

func TestViperLoader_ServiceNameDefault(t *testing.T) {
	cfg, err := NewViperLoader("", "QJTEST").WithServiceNameDefault(" billing ").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "billing" {
		t.Fatalf("expected billing, got %q", cfg.Service.Name)
	}
}

func TestViperLoader_Precedence(t *testing.T) {
	dir := t.TempDir()
	configFile := writeFile(t, dir, "config.yaml", `
queue:
  backend: redis
  name: orders
  redis:
    url: redis://file:6379
runner:
  instances: 2
  interval: 250ms
`)
	writeFile(t, dir, "secrets.yaml", `
queue:
  redis:
    url: redis://secret:6379
`)
	t.Setenv("QJTEST_RUNNER_INSTANCES", "4")

	loader := NewViperLoader(configFile, "QJTEST")
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Queue.Name != "orders" {
		t.Fatalf("expected queue name from file, got %q", cfg.Queue.Name)
	}
	if cfg.Queue.Redis.URL != "redis://secret:6379" {
		t.Fatalf("expected secrets to override file, got %q", cfg.Queue.Redis.URL)
	}
	if cfg.Runner.Instances != 4 {
		t.Fatalf("expected env to override file, got %d", cfg.Runner.Instances)
	}
	if cfg.Runner.Interval != 250*time.Millisecond {
		t.Fatalf("expected interval 250ms, got %s", cfg.Runner.Interval)
	}

	secrets := loader.Secrets()
	queue, ok := secrets["queue"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected queue section in secrets, got %v", secrets)
	}
	if _, ok := queue["redis"]; !ok {
		t.Fatalf("expected redis secret, got %v", queue)
	}
	if settings := loader.AllSettings(); settings["queue"] == nil {
		t.Fatalf("expected merged settings, got %v", settings)
	}
}

func TestViperLoader_SecretsFileFromEnv(t *testing.T) {
	dir := t.TempDir()
	secretsFile := writeFile(t, dir, "creds.yaml", `
lock:
  provider: redis
  redis:
    url: redis://locks:6379
`)
	t.Setenv("QJTEST_SECRETS_FILE", secretsFile)

	cfg, err := NewViperLoader("", "QJTEST").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Lock.Provider != LockProviderRedis || cfg.Lock.Redis.URL != "redis://locks:6379" {
		t.Fatalf("unexpected lock config: %+v", cfg.Lock)
	}
}

func TestViperLoader_SecretsFileEnvErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		t.Setenv("QJTEST_SECRETS_FILE", "  ")
		if _, err := NewViperLoader("", "QJTEST").Load(); err == nil {
			t.Fatal("expected error for empty secrets path")
		}
	})
	t.Run("directory", func(t *testing.T) {
		t.Setenv("QJTEST_SECRETS_FILE", t.TempDir())
		_, err := NewViperLoader("", "QJTEST").Load()
		if err == nil || !strings.Contains(err.Error(), "must point to a file") {
			t.Fatalf("expected directory error, got %v", err)
		}
	})
}

func TestViperLoader_Flags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--queue-name=payments", "--instances=3", "--interval=2s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	t.Setenv("QJTEST_QUEUE_NAME", "from-env")

	cfg, err := NewViperLoader("", "QJTEST").WithFlags(flags).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Name != "payments" {
		t.Fatalf("expected flag to win over env, got %q", cfg.Queue.Name)
	}
	if cfg.Runner.Instances != 3 {
		t.Fatalf("expected 3 instances, got %d", cfg.Runner.Instances)
	}
	if cfg.Runner.Interval != 2*time.Second {
		t.Fatalf("expected 2s interval, got %s", cfg.Runner.Interval)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Fatalf("unset flag should not override, got %q", cfg.Observability.LogLevel)
	}
}

func TestViperLoader_InvalidConfig(t *testing.T) {
	t.Setenv("QJTEST_QUEUE_BACKEND", "kafka")
	_, err := NewViperLoader("", "QJTEST").Load()
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestViperLoader_MissingConfigFile(t *testing.T) {
	_, err := NewViperLoader(filepath.Join(t.TempDir(), "missing.yaml"), "QJTEST").Load()
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestResolveEnvPrefix(t *testing.T) {
	if got := ResolveEnvPrefix(""); got != "APP" {
		t.Fatalf("expected APP, got %q", got)
	}
	if got := ResolveEnvPrefix(" billing "); got != "BILLING" {
		t.Fatalf("expected BILLING, got %q", got)
	}
}
