// Package config loads the Marcus configuration: a YAML file with
// environment-variable overrides. Unknown keys anywhere in the document are
// a startup error so typos never silently fall back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Marcus service.
type Config struct {
	MonitoringInterval  int                 `yaml:"monitoring_interval" env:"MARCUS_MONITORING_INTERVAL"`
	StallThresholdHours float64             `yaml:"stall_threshold_hours" env:"MARCUS_STALL_THRESHOLD_HOURS"`
	TaskLease           LeaseConfig         `yaml:"task_lease"`
	BoardHealth         BoardHealthConfig   `yaml:"board_health"`
	DependencyInference InferenceConfig     `yaml:"dependency_inference"`
	AI                  AIConfig            `yaml:"ai"`
	Gateway             GatewayConfig       `yaml:"gateway"`
	Storage             StorageConfig       `yaml:"storage"`
	LogLevel            string              `yaml:"log_level" env:"MARCUS_LOG_LEVEL"`
}

// LeaseConfig controls assignment lease durations and lifecycle thresholds.
type LeaseConfig struct {
	DefaultHours           float64 `yaml:"default_hours" env:"MARCUS_LEASE_DEFAULT_HOURS"`
	MinHours               float64 `yaml:"min_hours" env:"MARCUS_LEASE_MIN_HOURS"`
	MaxHours               float64 `yaml:"max_hours" env:"MARCUS_LEASE_MAX_HOURS"`
	WarningHours           float64 `yaml:"warning_hours" env:"MARCUS_LEASE_WARNING_HOURS"`
	GracePeriodMinutes     int     `yaml:"grace_period_minutes" env:"MARCUS_LEASE_GRACE_MINUTES"`
	RenewalDecayFactor     float64 `yaml:"renewal_decay_factor" env:"MARCUS_LEASE_DECAY"`
	StuckThresholdRenewals int     `yaml:"stuck_threshold_renewals" env:"MARCUS_LEASE_STUCK_RENEWALS"`
}

// BoardHealthConfig controls the periodic board-health sweep.
type BoardHealthConfig struct {
	StaleTaskDays    int    `yaml:"stale_task_days" env:"MARCUS_STALE_TASK_DAYS"`
	MaxTasksPerAgent int    `yaml:"max_tasks_per_agent" env:"MARCUS_MAX_TASKS_PER_AGENT"`
	Schedule         string `yaml:"schedule" env:"MARCUS_HEALTH_SCHEDULE"`
}

// InferenceConfig controls logical dependency inference.
type InferenceConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"MARCUS_INFERENCE_THRESHOLD"`
	MaxChainLength      int     `yaml:"max_chain_length" env:"MARCUS_INFERENCE_MAX_CHAIN"`
}

// AIConfig selects the language model backend. With Enabled=false (or
// provider "none") the core runs with a null model: predictions degrade to
// priors and instructions to the task description plus assembled context.
type AIConfig struct {
	Provider string `yaml:"provider" env:"MARCUS_AI_PROVIDER"`
	Model    string `yaml:"model" env:"MARCUS_AI_MODEL"`
	Enabled  bool   `yaml:"enabled" env:"MARCUS_AI_ENABLED"`
	APIKey   string `yaml:"api_key" env:"MARCUS_AI_API_KEY"`
}

// GatewayConfig configures the HTTP/WebSocket transport.
type GatewayConfig struct {
	Host   string `yaml:"host" env:"MARCUS_HOST"`
	Port   int    `yaml:"port" env:"MARCUS_PORT"`
	APIKey string `yaml:"api_key" env:"MARCUS_API_KEY"`
}

// StorageConfig locates the on-disk state (KV store, conversation logs).
type StorageConfig struct {
	Path string `yaml:"path" env:"MARCUS_STORAGE_PATH"`
}

// Default returns a configuration with every option at its documented default.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		MonitoringInterval:  60,
		StallThresholdHours: 24,
		TaskLease: LeaseConfig{
			DefaultHours:           2.0,
			MinHours:               1.0,
			MaxHours:               24.0,
			WarningHours:           0.5,
			GracePeriodMinutes:     30,
			RenewalDecayFactor:     0.9,
			StuckThresholdRenewals: 5,
		},
		BoardHealth: BoardHealthConfig{
			StaleTaskDays:    7,
			MaxTasksPerAgent: 3,
			Schedule:         "*/5 * * * *",
		},
		DependencyInference: InferenceConfig{
			ConfidenceThreshold: 0.7,
			MaxChainLength:      10,
		},
		AI: AIConfig{
			Provider: "anthropic",
			Enabled:  true,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Storage: StorageConfig{
			Path: filepath.Join(home, ".marcus"),
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path (if it exists), applies environment
// overrides, and validates the result. A missing file is not an error —
// defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			dec := yaml.NewDecoder(strings.NewReader(string(data)))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func (c *Config) Validate() error {
	if c.TaskLease.MinHours <= 0 || c.TaskLease.MaxHours < c.TaskLease.MinHours {
		return fmt.Errorf("task_lease: min_hours must be > 0 and <= max_hours")
	}
	if c.TaskLease.RenewalDecayFactor <= 0 || c.TaskLease.RenewalDecayFactor > 1 {
		return fmt.Errorf("task_lease: renewal_decay_factor must be in (0, 1]")
	}
	if c.DependencyInference.ConfidenceThreshold < 0 || c.DependencyInference.ConfidenceThreshold > 1 {
		return fmt.Errorf("dependency_inference: confidence_threshold must be in [0, 1]")
	}
	if c.BoardHealth.MaxTasksPerAgent < 1 {
		return fmt.Errorf("board_health: max_tasks_per_agent must be >= 1")
	}
	if c.BoardHealth.Schedule != "" && !gronx.New().IsValid(c.BoardHealth.Schedule) {
		return fmt.Errorf("board_health: invalid cron schedule %q", c.BoardHealth.Schedule)
	}
	switch c.AI.Provider {
	case "anthropic", "openai", "none", "":
	default:
		return fmt.Errorf("ai: unknown provider %q", c.AI.Provider)
	}
	return nil
}

// WorkspacePath returns the expanded storage root.
func (c *Config) WorkspacePath() string {
	p := c.Storage.Path
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}
