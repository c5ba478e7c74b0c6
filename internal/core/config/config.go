package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level application config.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Worker   WorkerConfig   `koanf:"worker"`
	Quota    QuotaConfig    `koanf:"quota"`
	Notify   NotifyConfig   `koanf:"notify"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type RedisConfig struct {
	URL       string `koanf:"url"`
	QueueName string `koanf:"queue_name"`
}

type WorkerConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Concurrency int    `koanf:"concurrency"`
	PollTimeout string `koanf:"poll_timeout"` // parsed and validated on startup
}

type QuotaConfig struct {
	ThresholdPercent float64 `koanf:"threshold_percent"`
	CacheTTL         string  `koanf:"cache_ttl"`

	// DefaultMonthlyQuota is assigned to tenants auto-created at ingestion.
	DefaultMonthlyQuota int64 `koanf:"default_monthly_quota"`
}

type NotifyConfig struct {
	MaxAttempts    int    `koanf:"max_attempts"`
	RequestTimeout string `koanf:"request_timeout"`
}

func (c WorkerConfig) PollTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.PollTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

func (c QuotaConfig) CacheTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (c NotifyConfig) RequestTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if strings.TrimSpace(c.Redis.QueueName) == "" {
		return fmt.Errorf("redis.queue_name is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if err := validateDuration("worker.poll_timeout", c.Worker.PollTimeout); err != nil {
		return err
	}

	if c.Quota.ThresholdPercent <= 0 || c.Quota.ThresholdPercent > 100 {
		return fmt.Errorf("quota.threshold_percent must be in (0, 100], got %v", c.Quota.ThresholdPercent)
	}
	if err := validateDuration("quota.cache_ttl", c.Quota.CacheTTL); err != nil {
		return err
	}
	if c.Quota.DefaultMonthlyQuota <= 0 {
		return fmt.Errorf("quota.default_monthly_quota must be > 0")
	}

	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be > 0")
	}
	if err := validateDuration("notify.request_timeout", c.Notify.RequestTimeout); err != nil {
		return err
	}

	return nil
}

func validateDuration(key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	return nil
}

// Load parses config from file + env and validates it.
// Env vars use the FLAGMETER_ prefix with "__" as the section separator,
// e.g. FLAGMETER_REDIS__URL overrides redis.url.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                 8080,
		"server.host":                 "0.0.0.0",
		"server.mode":                 "release",
		"database.dsn":                "",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     25,
		"database.auto_migrate":       true,
		"redis.url":                   "",
		"redis.queue_name":            "events",
		"worker.enabled":              true,
		"worker.concurrency":          4,
		"worker.poll_timeout":         "2s",
		"quota.threshold_percent":     80.0,
		"quota.cache_ttl":             "10s",
		"quota.default_monthly_quota": int64(1_000_000_000),
		"notify.max_attempts":         3,
		"notify.request_timeout":      "5s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("FLAGMETER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FLAGMETER_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
