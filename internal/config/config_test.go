package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 9400 {
		t.Fatalf("Server.Port = %d, want 9400", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Queue.Workers != 2 {
		t.Fatalf("Queue.Workers = %d, want 2", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Webhook.Concurrency != 4 {
		t.Fatalf("Webhook.Concurrency = %d, want 4", cfg.Webhook.Concurrency)
	}
	if cfg.Realtime.RedisAddr != "" {
		t.Fatalf("Realtime.RedisAddr = %q, want empty", cfg.Realtime.RedisAddr)
	}
	if cfg.Realtime.Channel != "kvforge.live" {
		t.Fatalf("Realtime.Channel = %q, want %q", cfg.Realtime.Channel, "kvforge.live")
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		t.Fatalf("Tracing.OTLPEndpoint = %q, want disabled by default", cfg.Tracing.OTLPEndpoint)
	}
	if cfg.Tracing.ServiceName != "kvforge" {
		t.Fatalf("Tracing.ServiceName = %q, want %q", cfg.Tracing.ServiceName, "kvforge")
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe on defaults: %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("KVFORGE_HOST", "127.0.0.1")
	t.Setenv("KVFORGE_PORT", "4000")
	t.Setenv("KVFORGE_DB_DRIVER", "postgres")
	t.Setenv("KVFORGE_DB_DSN", "postgres://example")
	t.Setenv("KVFORGE_QUEUE_WORKERS", "8")
	t.Setenv("KVFORGE_QUEUE_RETRY_BACKOFF", "10s")
	t.Setenv("KVFORGE_WEBHOOK_TIMEOUT", "2s")
	t.Setenv("KVFORGE_REDIS_ADDR", "localhost:6379")
	t.Setenv("KVFORGE_OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("KVFORGE_OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("KVFORGE_OTEL_SERVICE_NAME", "kvforge-staging")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 4000 {
		t.Fatalf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Database.DSN != "postgres://example" {
		t.Fatalf("Database.DSN = %q, want %q", cfg.Database.DSN, "postgres://example")
	}
	if cfg.Queue.Workers != 8 {
		t.Fatalf("Queue.Workers = %d, want 8", cfg.Queue.Workers)
	}
	if backoff, err := cfg.RetryBackoff(); err != nil || backoff != 10*time.Second {
		t.Fatalf("RetryBackoff = %v, %v, want 10s", backoff, err)
	}
	if timeout, err := cfg.WebhookTimeout(); err != nil || timeout != 2*time.Second {
		t.Fatalf("WebhookTimeout = %v, %v, want 2s", timeout, err)
	}
	if cfg.Realtime.RedisAddr != "localhost:6379" {
		t.Fatalf("Realtime.RedisAddr = %q, want %q", cfg.Realtime.RedisAddr, "localhost:6379")
	}
	if cfg.Tracing.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("Tracing.OTLPEndpoint = %q, want override", cfg.Tracing.OTLPEndpoint)
	}
	if !cfg.Tracing.Insecure {
		t.Fatal("Tracing.Insecure = false, want true")
	}
	if cfg.Tracing.ServiceName != "kvforge-staging" {
		t.Fatalf("Tracing.ServiceName = %q, want %q", cfg.Tracing.ServiceName, "kvforge-staging")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  host: 127.0.0.1
  port: 5555
database:
  driver: sqlite
  dsn: test.db
queue:
  workers: 4
  max_attempts: 5
  retry_backoff: 30s
  poll_interval: 1s
webhook:
  timeout: 3s
  concurrency: 16
realtime:
  redis_addr: redis:6379
  channel: forge.events
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:5555" {
		t.Fatalf("Addr() = %q, want %q", cfg.Addr(), "127.0.0.1:5555")
	}
	if cfg.Database.DSN != "test.db" {
		t.Fatalf("Database.DSN = %q, want %q", cfg.Database.DSN, "test.db")
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("Queue.Workers = %d, want 4", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("Queue.MaxAttempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.PollInterval() != time.Second {
		t.Fatalf("PollInterval = %v, want 1s", cfg.PollInterval())
	}
	if cfg.Webhook.Concurrency != 16 {
		t.Fatalf("Webhook.Concurrency = %d, want 16", cfg.Webhook.Concurrency)
	}
	if cfg.Realtime.Channel != "forge.events" {
		t.Fatalf("Realtime.Channel = %q, want %q", cfg.Realtime.Channel, "forge.events")
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 5555\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("KVFORGE_PORT", "6000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Fatalf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load with missing file succeeded, want error")
	}
}

func TestValidateServe(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = ""
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("ValidateServe with empty DSN succeeded, want error")
	}

	cfg = Default()
	cfg.Webhook.Timeout = "not-a-duration"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("ValidateServe with bad webhook timeout succeeded, want error")
	}

	cfg = Default()
	cfg.Queue.RetryBackoff = ""
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("ValidateServe with empty retry backoff succeeded, want error")
	}
}

func TestPollIntervalFallsBack(t *testing.T) {
	cfg := Default()
	cfg.Queue.PollInterval = "garbage"
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("PollInterval = %v, want fallback 250ms", cfg.PollInterval())
	}
}
