// Package config defines the orchestrator's configuration surface and its
// YAML loader. Every knob has a working default so a zero-config start is
// always valid.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration recognized by the orchestrator
type Config struct {
	// DataDir is where the embedded store keeps its database file
	DataDir string `yaml:"data_dir"`

	// Distributed enables the durable bus and task queue backends
	Distributed bool `yaml:"distributed"`

	// RedisURL is the backend address for the durable bus and queue
	RedisURL string `yaml:"redis_url"`

	// MaxEventHistory is the bus history ring size
	MaxEventHistory int `yaml:"max_event_history"`

	// MaxQueueSize is the distributed-dispatch backpressure threshold
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxCredits is the per-graph credit budget in distributed mode
	MaxCredits float64 `yaml:"max_credits"`

	// MetricsAddr serves prometheus metrics when non-empty
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Security   SecurityConfig   `yaml:"security"`
	Validation ValidationConfig `yaml:"validation"`
	Memory     MemoryConfig     `yaml:"memory"`
	Vault      VaultConfig      `yaml:"vault"`
}

// SecurityConfig tunes the security service
type SecurityConfig struct {
	MaxRequestsPerHour int     `yaml:"max_requests_per_hour"`
	ThreatThreshold    float64 `yaml:"threat_threshold"`
	SessionTimeout     int     `yaml:"session_timeout"` // seconds
}

// ValidationConfig tunes the validation service
type ValidationConfig struct {
	AutoFixEnabled bool `yaml:"auto_fix_enabled"`
}

// MemoryConfig tunes the memory service
type MemoryConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// VaultConfig configures the secret vault
type VaultConfig struct {
	// MasterKey is the passphrase the encryption key is derived from.
	// Overridden by SKEIN_MASTER_KEY when set.
	MasterKey string `yaml:"master_key"`
}

// DefaultConfig returns a config with every default applied
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./data",
		RedisURL:        "redis://localhost:6379",
		MaxEventHistory: 10000,
		MaxQueueSize:    100,
		MaxCredits:      1000.0,
		LogLevel:        "info",
		Security: SecurityConfig{
			MaxRequestsPerHour: 100,
			ThreatThreshold:    0.8,
			SessionTimeout:     3600,
		},
		Validation: ValidationConfig{
			AutoFixEnabled: true,
		},
		Memory: MemoryConfig{
			SimilarityThreshold: 0.85,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SKEIN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SKEIN_MASTER_KEY"); v != "" {
		c.Vault.MasterKey = v
	}
}

func (c *Config) validate() error {
	if c.MaxEventHistory <= 0 {
		return fmt.Errorf("max_event_history must be positive, got %d", c.MaxEventHistory)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxCredits <= 0 {
		return fmt.Errorf("max_credits must be positive, got %v", c.MaxCredits)
	}
	if c.Security.MaxRequestsPerHour <= 0 {
		return fmt.Errorf("security.max_requests_per_hour must be positive, got %d", c.Security.MaxRequestsPerHour)
	}
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be in [0,1], got %v", c.Memory.SimilarityThreshold)
	}
	return nil
}
