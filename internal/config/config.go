// Package config handles loading and validating the loom.yaml
// configuration. The engine runs with zero config (sensible defaults);
// environment variables override the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level loom.yaml configuration.
type Config struct {
	DataDir  string `yaml:"dataDir"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"logLevel"` // debug | info | warn | error
	Timezone string `yaml:"timezone"`

	// APIKey, when set, is required as X-API-Key (or bearer token) on
	// every /api/v1 request. Empty disables auth.
	APIKey string `yaml:"apiKey"`

	HTTP      HTTPConfig      `yaml:"http"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Limits    LimitsConfig    `yaml:"limits"`
	Cloud     CloudConfig     `yaml:"cloud"`
}

// HTTPConfig holds server timeouts and CORS origins.
type HTTPConfig struct {
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	RateLimitPerMin int      `yaml:"rateLimitPerMin"` // 0 disables
}

// SchedulerConfig holds the job scheduler knobs.
type SchedulerConfig struct {
	Interval      Duration `yaml:"interval"`
	MaxConcurrent int      `yaml:"maxConcurrent"`
	RetryDelay    Duration `yaml:"retryDelay"`
	MaxRetryDelay Duration `yaml:"maxRetryDelay"`
}

// WebhookConfig holds the delivery sender knobs.
type WebhookConfig struct {
	PollInterval Duration `yaml:"pollInterval"`
	MaxAttempts  int      `yaml:"maxAttempts"`
	BatchSize    int      `yaml:"batchSize"`
}

// ReaperConfig holds the maintenance sweep knobs. The interval may
// also be overridden at runtime through the maintenance setting.
type ReaperConfig struct {
	IntervalMinutes     int `yaml:"intervalMinutes"`
	DeliveryMaxAgeDays  int `yaml:"deliveryMaxAgeDays"`
	ExecutionMaxAgeDays int `yaml:"executionMaxAgeDays"`
}

// LimitsConfig holds the quota knobs. Zero means unlimited except
// where a default is applied.
type LimitsConfig struct {
	MaxRecordsPerImport int   `yaml:"maxRecordsPerImport"`
	MaxPayloadBytes     int64 `yaml:"maxPayloadBytes"`
	MaxVersions         int   `yaml:"maxVersions"`
	MaxConcurrentBulk   int   `yaml:"maxConcurrentBulk"`
}

// CloudConfig holds the optional S3-compatible endpoint for the cloud
// ingest provider. Empty endpoint disables it.
type CloudConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// DefaultConfig returns a config with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data",
		Addr:     ":8080",
		LogLevel: "info",
		Timezone: "UTC",
		HTTP: HTTPConfig{
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			AllowedOrigins:  []string{"*"},
		},
		Scheduler: SchedulerConfig{
			Interval:      Duration(30 * time.Second),
			MaxConcurrent: 4,
			RetryDelay:    Duration(30 * time.Second),
			MaxRetryDelay: Duration(10 * time.Minute),
		},
		Webhooks: WebhookConfig{
			PollInterval: Duration(5 * time.Second),
			MaxAttempts:  4,
			BatchSize:    50,
		},
		Reaper: ReaperConfig{
			IntervalMinutes:     60,
			DeliveryMaxAgeDays:  30,
			ExecutionMaxAgeDays: 90,
		},
		Limits: LimitsConfig{
			MaxRecordsPerImport: 500_000,
			MaxPayloadBytes:     100 << 20,
			MaxConcurrentBulk:   5,
		},
	}
}

// Load parses a loom.yaml file, applies environment overrides, and
// validates the result. If path is empty only defaults and environment
// overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: LOOM_CONFIG env var > ./loom.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("LOOM_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("loom.yaml"); err == nil {
		return "loom.yaml"
	}
	return ""
}

// applyEnv lets environment variables win over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOOM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOOM_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("LOOM_API_KEY"); v != "" {
		c.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logLevel %q", c.LogLevel)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("config: scheduler.maxConcurrent must be at least 1")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("config: webhooks.maxAttempts must be at least 1")
	}
	if c.Limits.MaxPayloadBytes < 0 || c.Limits.MaxRecordsPerImport < 0 || c.Limits.MaxVersions < 0 {
		return fmt.Errorf("config: limits must not be negative")
	}
	return nil
}

// SlogLevel maps the configured level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
