// Package config holds all configuration types and loading logic for Slotify.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Slotify server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Queue     QueueConfig     `yaml:"queue"`
	Notify    NotifyConfig    `yaml:"notify"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StorageDriver selects the token ledger implementation.
type StorageDriver string

const (
	StorageBolt   StorageDriver = "bolt"   // durable, single file under data_dir
	StorageMemory StorageDriver = "memory" // volatile, dev/test only
)

// StorageConfig controls where tokens are persisted.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
	// File is relative to node.data_dir unless absolute.
	File string `yaml:"file"`
	// OpenTimeoutMs bounds how long Open waits for the bolt file lock.
	OpenTimeoutMs int `yaml:"open_timeout_ms"`
}

// ScoringConfig holds the category thresholds and wait baselines. The
// category ↔ priority pairing itself is fixed and not configurable.
type ScoringConfig struct {
	CriticalMin   float64 `yaml:"critical_min"`
	UrgentMin     float64 `yaml:"urgent_min"`
	LessUrgentMin float64 `yaml:"less_urgent_min"`

	WaitCritical   int `yaml:"wait_critical_minutes"`
	WaitUrgent     int `yaml:"wait_urgent_minutes"`
	WaitLessUrgent int `yaml:"wait_less_urgent_minutes"`
	WaitNonUrgent  int `yaml:"wait_non_urgent_minutes"`

	// Weights scale each factor before combination. At least one must be
	// non-zero.
	Weights WeightsConfig `yaml:"weights"`
}

// WeightsConfig holds one weight in [0,1] per scoring factor.
type WeightsConfig struct {
	Symptoms float64 `yaml:"symptoms"`
	Vitals   float64 `yaml:"vitals"`
	Document float64 `yaml:"document"`
	History  float64 `yaml:"history"`
	Age      float64 `yaml:"age"`
	Onset    float64 `yaml:"onset"`
}

// QueueConfig tunes the per-branch scheduler.
type QueueConfig struct {
	// RetryBudget is how many times an operation is retried after a ledger
	// version conflict before it fails with a conflict error.
	RetryBudget int `yaml:"retry_budget"`
	// OpTimeout is applied to scheduler calls that arrive without a deadline.
	OpTimeout string `yaml:"op_timeout"`
	// NoShowAfter marks a called token no-show when service has not started
	// within this window. Empty or "0" disables the reaper.
	NoShowAfter string `yaml:"no_show_after"`
	// StatsWindow is how many recent completions feed the average-wait statistic.
	StatsWindow int `yaml:"stats_window"`
}

// WebhookConfig is one outbound webhook that receives every event.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// RedisConfig enables publishing events to a Redis pub/sub channel.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// NATSConfig enables publishing events to NATS subjects.
type NATSConfig struct {
	URL string `yaml:"url"`
	// SubjectPrefix is followed by ".<branch>.<kind>".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NotifyConfig controls the asynchronous event dispatcher and its sinks.
type NotifyConfig struct {
	BufferSize    int  `yaml:"buffer_size"`
	SinkTimeoutMs int  `yaml:"sink_timeout_ms"`
	LogEvents     bool `yaml:"log_events"`
	// DeadLetterSize is how many failed deliveries are kept for inspection
	// and replay. Zero disables the dead-letter store.
	DeadLetterSize int             `yaml:"dead_letter_size"`
	Webhooks       []WebhookConfig `yaml:"webhooks"`
	Redis          RedisConfig     `yaml:"redis"`
	NATS           NATSConfig      `yaml:"nats"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RateLimitConfig sets the per-client token bucket on the HTTP API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Driver:        StorageBolt,
			File:          "ledger.db",
			OpenTimeoutMs: 1_000,
		},
		Scoring: ScoringConfig{
			CriticalMin:    80,
			UrgentMin:      60,
			LessUrgentMin:  40,
			WaitCritical:   0,
			WaitUrgent:     15,
			WaitLessUrgent: 45,
			WaitNonUrgent:  90,
			Weights: WeightsConfig{
				Symptoms: 1.0,
				Vitals:   1.0,
				Document: 0.9,
				History:  0.5,
				Age:      0.4,
				Onset:    0.3,
			},
		},
		Queue: QueueConfig{
			RetryBudget: 3,
			OpTimeout:   "5s",
			NoShowAfter: "15m",
			StatsWindow: 50,
		},
		Notify: NotifyConfig{
			BufferSize:     1024,
			SinkTimeoutMs:  5_000,
			LogEvents:      true,
			DeadLetterSize: 1000,
			Redis:          RedisConfig{Channel: "slotify.events"},
			NATS:           NATSConfig{SubjectPrefix: "slotify"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	SLOTIFY_AUTH_API_KEY sets auth.api_key and enables auth
//	SLOTIFY_DATA_DIR     sets node.data_dir
//	SLOTIFY_PORT         sets node.port
//	SLOTIFY_REDIS_URL    sets notify.redis.url
//	SLOTIFY_NATS_URL     sets notify.nats.url
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SLOTIFY_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("SLOTIFY_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("SLOTIFY_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("SLOTIFY_REDIS_URL"); v != "" {
		cfg.Notify.Redis.URL = v
	}
	if v := os.Getenv("SLOTIFY_NATS_URL"); v != "" {
		cfg.Notify.NATS.URL = v
	}
}

// OpTimeoutDuration parses queue.op_timeout; zero means no default deadline.
func (c *Config) OpTimeoutDuration() time.Duration {
	return parseDuration(c.Queue.OpTimeout)
}

// NoShowAfterDuration parses queue.no_show_after; zero disables the reaper.
func (c *Config) NoShowAfterDuration() time.Duration {
	return parseDuration(c.Queue.NoShowAfter)
}

func parseDuration(s string) time.Duration {
	if s == "" || s == "0" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Driver {
	case StorageBolt, StorageMemory:
	default:
		return errors.New(`storage.driver must be one of "bolt", "memory"`)
	}
	s := c.Scoring
	if !(s.CriticalMin > s.UrgentMin && s.UrgentMin > s.LessUrgentMin && s.LessUrgentMin > 0) {
		return errors.New("scoring thresholds must satisfy critical_min > urgent_min > less_urgent_min > 0")
	}
	if s.CriticalMin > 100 {
		return errors.New("scoring.critical_min must not exceed 100")
	}
	if s.WaitCritical < 0 || s.WaitUrgent < 0 || s.WaitLessUrgent < 0 || s.WaitNonUrgent < 0 {
		return errors.New("scoring wait baselines must be >= 0")
	}
	for _, w := range []float64{s.Weights.Symptoms, s.Weights.Vitals, s.Weights.Document, s.Weights.History, s.Weights.Age, s.Weights.Onset} {
		if w < 0 || w > 1 {
			return errors.New("scoring weights must be within [0,1]")
		}
	}
	if s.Weights == (WeightsConfig{}) {
		return errors.New("scoring.weights must not all be zero")
	}
	if c.Queue.RetryBudget < 0 {
		return errors.New("queue.retry_budget must be >= 0")
	}
	for _, field := range []struct{ name, val string }{
		{"queue.op_timeout", c.Queue.OpTimeout},
		{"queue.no_show_after", c.Queue.NoShowAfter},
	} {
		if field.val == "" || field.val == "0" {
			continue
		}
		if d, err := time.ParseDuration(field.val); err != nil || d < 0 {
			return fmt.Errorf("%s must be a non-negative duration, got %q", field.name, field.val)
		}
	}
	if c.Notify.BufferSize < 1 {
		return errors.New("notify.buffer_size must be at least 1")
	}
	if c.Notify.DeadLetterSize < 0 {
		return errors.New("notify.dead_letter_size must be >= 0")
	}
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d].url must not be empty", i)
		}
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.rps must be > 0 and rate_limit.burst >= 1")
	}
	return nil
}
