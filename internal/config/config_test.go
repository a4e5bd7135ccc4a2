package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func validBase() Config {
	cfg := Default()
	cfg.DatabaseURL = "postgres://localhost/pipeweave"
	cfg.SecretKey = "s3cret"
	return cfg
}

func TestValidate_DefaultsPlusRequiredFields(t *testing.T) {
	if err := validBase().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }},
		{"unknown mode", func(c *Config) { c.Mode = "batch" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"non-positive concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"non-positive poll interval", func(c *Config) { c.PollIntervalMs = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := validBase()
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileOverridesDefaultsEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeweave.yaml")
	body := `
databaseUrl: postgres://file-host/pipeweave
secretKey: from-file
port: 9000
logLevel: detailed
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PIPEWEAVE_PORT", "9100")
	t.Setenv("PIPEWEAVE_MODE", "tick-driven")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file-host/pipeweave" {
		t.Fatalf("databaseUrl: %q", cfg.DatabaseURL)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env should win over file: port %d", cfg.Port)
	}
	if cfg.Mode != ModeTickDriven {
		t.Fatalf("mode: %q", cfg.Mode)
	}
	if cfg.MaxConcurrency != 10 {
		t.Fatalf("default should survive merge: maxConcurrency %d", cfg.MaxConcurrency)
	}
}

func TestZapLevelMapping(t *testing.T) {
	cases := map[LogLevel]zapcore.Level{
		LogMinimal:  zapcore.WarnLevel,
		LogNormal:   zapcore.InfoLevel,
		LogDetailed: zapcore.DebugLevel,
	}
	for lvl, want := range cases {
		cfg := Config{LogLevel: lvl}
		if got := cfg.ZapLevel(); got != want {
			t.Fatalf("%s: got %v, want %v", lvl, got, want)
		}
	}
}
