// Package config loads engine configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig locates the partition queue backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig locates the optional event stream source.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Subject string `yaml:"subject"`
}

// ReplayConfig tunes the optional chat export replayer.
type ReplayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	ChannelID  int64  `yaml:"channel_id"`
	IntervalMS int    `yaml:"interval_ms"`
}

// CacheConfig tunes the topic classification cache.
type CacheConfig struct {
	MaxCost     int64         `yaml:"max_cost"`
	TTL         time.Duration `yaml:"ttl"`
	RedisMirror bool          `yaml:"redis_mirror"`
}

// Config is the full engine configuration.
type Config struct {
	Org           string        `yaml:"org"`
	Campaign      string        `yaml:"campaign"`
	BatchSize     int           `yaml:"batch_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	QueueBackend  string        `yaml:"queue_backend"` // "redis" or "memory"
	Port          string        `yaml:"port"`

	Redis  RedisConfig  `yaml:"redis"`
	NATS   NATSConfig   `yaml:"nats"`
	Replay ReplayConfig `yaml:"replay"`
	Cache  CacheConfig  `yaml:"cache"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Org:           "default",
		Campaign:      "default",
		BatchSize:     50,
		SweepInterval: 5 * time.Second,
		QueueBackend:  "redis",
		Port:          "9000",
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		NATS: NATSConfig{
			Address: "nats://localhost:4222",
			Subject: "events.>",
		},
		Replay: ReplayConfig{
			IntervalMS: 50,
		},
		Cache: CacheConfig{
			MaxCost: 32 << 20,
			TTL:     time.Hour,
		},
	}
}

// Load reads the YAML file at path when it exists, applies environment
// overrides on top and validates the result. An empty path skips the
// file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Org, "ORG_ID")
	setString(&c.Campaign, "CAMPAIGN_ID")
	setString(&c.QueueBackend, "QUEUE_BACKEND")
	setString(&c.Port, "PORT")
	setString(&c.Redis.Address, "REDIS_URL")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.NATS.Address, "NATS_URL")
	setString(&c.Replay.Path, "REPLAY_PATH")

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.NATS.Enabled = v == "true" || v == "1"
	}
	if c.Replay.Path != "" && os.Getenv("REPLAY_PATH") != "" {
		c.Replay.Enabled = true
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Org == "" || c.Campaign == "" {
		return fmt.Errorf("org and campaign must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	switch c.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue_backend %q", c.QueueBackend)
	}
	if c.QueueBackend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("redis backend needs redis.address")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
