// Package config loads and validates the mcplane YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mcplane configuration.
type Config struct {
	Name string `yaml:"name"`

	// Control-plane behavior
	Orchestration OrchestrationConfig `yaml:"orchestration"`

	// Persistent server registry
	Registry RegistryConfig `yaml:"registry"`

	// Admin API
	Admin AdminConfig `yaml:"admin"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Statically configured backend servers
	Servers []ServerConfig `yaml:"servers"`
}

// OrchestrationConfig configures routing, probing, and fault isolation.
// Durations are strings parsed with time.ParseDuration; bad values fall
// back to defaults via the getter methods.
type OrchestrationConfig struct {
	ProbeInterval  string               `yaml:"probe_interval"`
	ProbeTimeout   string               `yaml:"probe_timeout"`
	ForwardTimeout string               `yaml:"forward_timeout"`
	MaxRetries     int                  `yaml:"max_retries"`
	RetryDelay     string               `yaml:"retry_delay"`
	Strategy       string               `yaml:"strategy"`
	StickySessions bool                 `yaml:"sticky_sessions"`
	SessionTimeout string               `yaml:"session_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures per-server circuit breaking.
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold int    `yaml:"failure_threshold"`
	OpenTimeout      string `yaml:"open_timeout"`
}

// RegistryConfig configures the persistent server registry.
type RegistryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig describes one backend worker in the pool.
type ServerConfig struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	Weight            int    `yaml:"weight"`
	MaxConnections    int    `yaml:"max_connections"`
	FailoverThreshold int    `yaml:"failover_threshold"`
	RecoveryThreshold int    `yaml:"recovery_threshold"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "mcplane",
		Orchestration: OrchestrationConfig{
			ProbeInterval:  "30s",
			ProbeTimeout:   "10s",
			ForwardTimeout: "30s",
			MaxRetries:     2,
			RetryDelay:     "1s",
			Strategy:       "round_robin",
			StickySessions: false,
			SessionTimeout: "30m",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      "60s",
			},
		},
		Registry: RegistryConfig{
			Enabled: false,
			Path:    "mcplane.db",
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:8900",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist. Environment variables override file
// values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies MCPLANE_* environment variables on top of
// file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MCPLANE_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if v := os.Getenv("MCPLANE_REGISTRY_PATH"); v != "" {
		c.Registry.Path = v
		c.Registry.Enabled = true
	}
	if v := os.Getenv("MCPLANE_STRATEGY"); v != "" {
		c.Orchestration.Strategy = v
	}
	if v := os.Getenv("MCPLANE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// duration parses s, returning fallback on empty or invalid input.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetProbeInterval returns the health-probe interval.
func (c *Config) GetProbeInterval() time.Duration {
	return duration(c.Orchestration.ProbeInterval, 30*time.Second)
}

// GetProbeTimeout returns the per-probe timeout.
func (c *Config) GetProbeTimeout() time.Duration {
	return duration(c.Orchestration.ProbeTimeout, 10*time.Second)
}

// GetForwardTimeout returns the forwarded-call timeout.
func (c *Config) GetForwardTimeout() time.Duration {
	return duration(c.Orchestration.ForwardTimeout, 30*time.Second)
}

// GetRetryDelay returns the delay between routing retries.
func (c *Config) GetRetryDelay() time.Duration {
	return duration(c.Orchestration.RetryDelay, time.Second)
}

// GetSessionTimeout returns the sticky-session TTL.
func (c *Config) GetSessionTimeout() time.Duration {
	return duration(c.Orchestration.SessionTimeout, 30*time.Minute)
}

// GetBreakerOpenTimeout returns how long an open breaker blocks calls.
func (c *Config) GetBreakerOpenTimeout() time.Duration {
	return duration(c.Orchestration.CircuitBreaker.OpenTimeout, 60*time.Second)
}
