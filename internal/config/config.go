package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type QueueConfig struct {
	Workers      int    `yaml:"workers"`
	MaxAttempts  int    `yaml:"max_attempts"`
	RetryBackoff string `yaml:"retry_backoff"` // e.g. "5s", doubled per attempt
	PollInterval string `yaml:"poll_interval"`
}

type WebhookConfig struct {
	Timeout     string `yaml:"timeout"` // e.g. "5s"
	MaxAttempts int    `yaml:"max_attempts"`
	Concurrency int    `yaml:"concurrency"`
}

type RealtimeConfig struct {
	RedisAddr string `yaml:"redis_addr"` // empty disables live-update publishing
	Channel   string `yaml:"channel"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty disables trace export
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if _, err := c.WebhookTimeout(); err != nil {
		return fmt.Errorf("webhook.timeout: %w", err)
	}
	if _, err := c.RetryBackoff(); err != nil {
		return fmt.Errorf("queue.retry_backoff: %w", err)
	}
	return nil
}

func (c *Config) WebhookTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Webhook.Timeout)
}

func (c *Config) RetryBackoff() (time.Duration, error) {
	return time.ParseDuration(c.Queue.RetryBackoff)
}

func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Queue.PollInterval)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9400,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "kvforge.db",
		},
		Queue: QueueConfig{
			Workers:      2,
			MaxAttempts:  3,
			RetryBackoff: "5s",
			PollInterval: "250ms",
		},
		Webhook: WebhookConfig{
			Timeout:     "5s",
			MaxAttempts: 3,
			Concurrency: 4,
		},
		Realtime: RealtimeConfig{
			Channel: "kvforge.live",
		},
		Tracing: TracingConfig{
			ServiceName: "kvforge",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KVFORGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KVFORGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("KVFORGE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("KVFORGE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("KVFORGE_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("KVFORGE_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("KVFORGE_QUEUE_RETRY_BACKOFF"); v != "" {
		cfg.Queue.RetryBackoff = v
	}
	if v := os.Getenv("KVFORGE_WEBHOOK_TIMEOUT"); v != "" {
		cfg.Webhook.Timeout = v
	}
	if v := os.Getenv("KVFORGE_WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Webhook.MaxAttempts = n
		}
	}
	if v := os.Getenv("KVFORGE_WEBHOOK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Webhook.Concurrency = n
		}
	}
	if v := os.Getenv("KVFORGE_REDIS_ADDR"); v != "" {
		cfg.Realtime.RedisAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("KVFORGE_REALTIME_CHANNEL"); v != "" {
		cfg.Realtime.Channel = strings.TrimSpace(v)
	}
	if v := os.Getenv("KVFORGE_OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("KVFORGE_OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Tracing.Insecure = b
		}
	}
	if v := os.Getenv("KVFORGE_OTEL_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = strings.TrimSpace(v)
	}
}
