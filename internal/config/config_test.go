package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.QueueBackend != "redis" {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
org: acme
campaign: launch
batch_size: 10
queue_backend: memory
redis:
  address: redis.internal:6379
replay:
  enabled: true
  path: /data/export.json
  channel_id: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Org != "acme" || cfg.Campaign != "launch" {
		t.Errorf("Scope = %s/%s", cfg.Org, cfg.Campaign)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.QueueBackend != "memory" {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
	if !cfg.Replay.Enabled || cfg.Replay.ChannelID != 7 {
		t.Errorf("Replay = %+v", cfg.Replay)
	}
	// Unset keys keep their defaults.
	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("REDIS_URL", "override:6379")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("ORG_ID", "envorg")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Address != "override:6379" {
		t.Errorf("Redis address = %q", cfg.Redis.Address)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.Org != "envorg" {
		t.Errorf("Org = %q", cfg.Org)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty org", func(c *Config) { c.Org = "" }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"unknown backend", func(c *Config) { c.QueueBackend = "kafka" }},
		{"redis without address", func(c *Config) { c.Redis.Address = "" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Missing file must not fail: %v", err)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
}
