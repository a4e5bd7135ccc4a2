// Package config loads orchestrator configuration.
//
// Precedence, lowest to highest: built-in defaults, then a YAML file, then
// PIPEWEAVE_* environment variables. The merged result is validated once at
// startup; components receive the struct and never consult the environment
// themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Mode selects how the dispatcher loop is driven.
type Mode string

const (
	// ModeContinuous runs the dispatch loop on an internal ticker.
	ModeContinuous Mode = "continuous"
	// ModeTickDriven runs one loop body per POST /api/tick.
	ModeTickDriven Mode = "tick-driven"
)

// LogLevel is the coarse operator-facing verbosity knob.
type LogLevel string

const (
	LogMinimal  LogLevel = "minimal"
	LogNormal   LogLevel = "normal"
	LogDetailed LogLevel = "detailed"
)

// Config is the full orchestrator configuration.
type Config struct {
	DatabaseURL string `yaml:"databaseUrl"`
	// SecretKey signs worker storage tokens; opaque to everything else.
	SecretKey string `yaml:"secretKey"`

	Mode Mode `yaml:"mode"`
	Port int  `yaml:"port"`

	MaxConcurrency int `yaml:"maxConcurrency"`
	PollIntervalMs int `yaml:"pollIntervalMs"`

	LogLevel LogLevel `yaml:"logLevel"`

	DLQRetentionDays  int `yaml:"dlqRetentionDays"`
	IdempotencyTTLSec int `yaml:"idempotencyTTLSec"`
	MaxRetryDelayMs   int `yaml:"maxRetryDelayMs"`

	HTTPReadTimeoutSec int `yaml:"httpReadTimeoutSec"`
	DBMaxOpenConns     int `yaml:"dbMaxOpenConns"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:               ModeContinuous,
		Port:               8080,
		MaxConcurrency:     10,
		PollIntervalMs:     1000,
		LogLevel:           LogNormal,
		DLQRetentionDays:   30,
		IdempotencyTTLSec:  3600,
		MaxRetryDelayMs:    60000,
		HTTPReadTimeoutSec: 30,
		DBMaxOpenConns:     20,
	}
}

// Load merges defaults, the YAML file at path (skipped when path is empty),
// and PIPEWEAVE_* environment variables, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("PIPEWEAVE_DATABASE_URL", &cfg.DatabaseURL)
	setString("PIPEWEAVE_SECRET_KEY", &cfg.SecretKey)
	if v, ok := os.LookupEnv("PIPEWEAVE_MODE"); ok {
		cfg.Mode = Mode(v)
	}
	if v, ok := os.LookupEnv("PIPEWEAVE_LOG_LEVEL"); ok {
		cfg.LogLevel = LogLevel(v)
	}
	setInt("PIPEWEAVE_PORT", &cfg.Port)
	setInt("PIPEWEAVE_MAX_CONCURRENCY", &cfg.MaxConcurrency)
	setInt("PIPEWEAVE_POLL_INTERVAL_MS", &cfg.PollIntervalMs)
	setInt("PIPEWEAVE_DLQ_RETENTION_DAYS", &cfg.DLQRetentionDays)
	setInt("PIPEWEAVE_IDEMPOTENCY_TTL_SEC", &cfg.IdempotencyTTLSec)
	setInt("PIPEWEAVE_MAX_RETRY_DELAY_MS", &cfg.MaxRetryDelayMs)
	setInt("PIPEWEAVE_HTTP_READ_TIMEOUT_SEC", &cfg.HTTPReadTimeoutSec)
	setInt("PIPEWEAVE_DB_MAX_OPEN_CONNS", &cfg.DBMaxOpenConns)
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: databaseUrl is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("config: secretKey is required")
	}
	switch c.Mode {
	case ModeContinuous, ModeTickDriven:
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q",
			ModeContinuous, ModeTickDriven, c.Mode)
	}
	switch c.LogLevel {
	case LogMinimal, LogNormal, LogDetailed:
	default:
		return fmt.Errorf("config: logLevel must be minimal, normal, or detailed, got %q", c.LogLevel)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: maxConcurrency must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: pollIntervalMs must be positive")
	}
	if c.DLQRetentionDays <= 0 {
		return fmt.Errorf("config: dlqRetentionDays must be positive")
	}
	if c.MaxRetryDelayMs <= 0 {
		return fmt.Errorf("config: maxRetryDelayMs must be positive")
	}
	return nil
}

// ZapLevel maps the operator verbosity to a zap level.
func (c Config) ZapLevel() zapcore.Level {
	switch c.LogLevel {
	case LogMinimal:
		return zapcore.WarnLevel
	case LogDetailed:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// PollInterval returns the dispatcher tick interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HTTPReadTimeout returns the server read timeout.
func (c Config) HTTPReadTimeout() time.Duration {
	return time.Duration(c.HTTPReadTimeoutSec) * time.Second
}
