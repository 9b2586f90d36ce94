package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.TaskLease.DefaultHours != 2.0 {
		t.Errorf("DefaultHours = %v, want 2.0", cfg.TaskLease.DefaultHours)
	}
	if cfg.TaskLease.GracePeriodMinutes != 30 {
		t.Errorf("GracePeriodMinutes = %d, want 30", cfg.TaskLease.GracePeriodMinutes)
	}
	if cfg.BoardHealth.MaxTasksPerAgent != 3 {
		t.Errorf("MaxTasksPerAgent = %d, want 3", cfg.BoardHealth.MaxTasksPerAgent)
	}
	if cfg.DependencyInference.ConfidenceThreshold != 0.7 {
		t.Errorf("ConfidenceThreshold = %v, want 0.7", cfg.DependencyInference.ConfidenceThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
task_lease:
  default_hours: 4.0
board_health:
  stale_task_days: 14
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskLease.DefaultHours != 4.0 {
		t.Errorf("DefaultHours = %v, want 4.0", cfg.TaskLease.DefaultHours)
	}
	if cfg.BoardHealth.StaleTaskDays != 14 {
		t.Errorf("StaleTaskDays = %d, want 14", cfg.BoardHealth.StaleTaskDays)
	}
	// Untouched keys keep defaults
	if cfg.TaskLease.StuckThresholdRenewals != 5 {
		t.Errorf("StuckThresholdRenewals = %d, want 5", cfg.TaskLease.StuckThresholdRenewals)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("lease_default_hours: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8420 {
		t.Errorf("Port = %d, want 8420", cfg.Gateway.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad decay", func(c *Config) { c.TaskLease.RenewalDecayFactor = 1.5 }, true},
		{"min over max", func(c *Config) { c.TaskLease.MinHours = 50 }, true},
		{"bad threshold", func(c *Config) { c.DependencyInference.ConfidenceThreshold = 2 }, true},
		{"bad cron", func(c *Config) { c.BoardHealth.Schedule = "every 5 minutes" }, true},
		{"bad provider", func(c *Config) { c.AI.Provider = "bard" }, true},
		{"zero cap", func(c *Config) { c.BoardHealth.MaxTasksPerAgent = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
