// Package config provides configuration loading and management for
// H-Conductor. Adapted from the teacher's config/config.go, retargeted
// from Semspec's model/repo/nats/tools shape onto the orchestration
// engine's own settings (queue, workspace, pipeline, loop), with the
// proxy tier settings original_source/orchestrator/config.py describes
// left to the model package's own Registry, which already owns
// port/env-override handling for the fast/balanced/strong tiers.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the complete H-Conductor configuration.
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Queue     QueueConfig     `yaml:"queue"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Quality   QualityConfig   `yaml:"quality"`
	NATS      NATSConfig      `yaml:"nats"`
	Loop      LoopConfig      `yaml:"loop"`
}

// RepoConfig configures the repository settings.
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty).
	Path string `yaml:"path"`
}

// QueueConfig configures the Queue Store.
type QueueConfig struct {
	// Path is the queue.json file path, relative to Repo.Path if not absolute.
	Path string `yaml:"path"`
}

// WorkspaceConfig configures the Workspace Manager.
type WorkspaceConfig struct {
	// WorktreeBase is the directory holding per-task worktrees.
	WorktreeBase string `yaml:"worktree_base"`
	// DiskThresholdPercent is the maximum disk usage percentage allowed
	// before a new worktree is refused.
	DiskThresholdPercent float64 `yaml:"disk_threshold_percent"`
}

// PipelineConfig configures the Task Pipeline.
type PipelineConfig struct {
	// TargetBranch is the branch each task's worktree merges into.
	TargetBranch string `yaml:"target_branch"`
	// MaxRetries is the Green-phase retry budget.
	MaxRetries int `yaml:"max_retries"`
	// CheckDNA consults the traceability gate before merging.
	CheckDNA bool `yaml:"check_dna"`
	// NorthStarPath is the NorthStar goals file the traceability gate
	// parses when CheckDNA is set.
	NorthStarPath string `yaml:"northstar_path"`
	// ContextPath is the context.yaml path the memory stage updates.
	ContextPath string `yaml:"context_path"`
	// RetryBaseDelaySeconds and RetryMaxDelaySeconds configure the
	// Green-phase backoff. Zero keeps retry.Policy's own defaults.
	RetryBaseDelaySeconds float64 `yaml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds  float64 `yaml:"retry_max_delay_seconds"`
}

// QualityConfig configures the optional QA review stage.
type QualityConfig struct {
	// Enabled turns on the QA Gate stage in the Pipeline.
	Enabled bool `yaml:"enabled"`
}

// NATSConfig configures the best-effort completion-event publish.
type NATSConfig struct {
	// URL is the NATS server URL (empty disables publishing).
	URL string `yaml:"url"`
	// Subject is the completion-event subject.
	Subject string `yaml:"subject"`
}

// LoopConfig configures the Execution Loop.
type LoopConfig struct {
	// MaxTasks caps the number of tasks processed per run. Zero means unbounded.
	MaxTasks int `yaml:"max_tasks"`
	// MetricsAddr is the listen address for the /metrics endpoint (empty disables it).
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Path: "", // Auto-detect
		},
		Queue: QueueConfig{
			Path: "queue.json",
		},
		Workspace: WorkspaceConfig{
			WorktreeBase:         "",
			DiskThresholdPercent: 80.0,
		},
		Pipeline: PipelineConfig{
			TargetBranch: "main",
			MaxRetries:   5,
		},
		Quality: QualityConfig{
			Enabled: true,
		},
		NATS: NATSConfig{
			URL:     "",
			Subject: "hconductor.task.completed",
		},
		Loop: LoopConfig{
			MaxTasks:    0,
			MetricsAddr: ":9090",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.Pipeline.TargetBranch == "" {
		return fmt.Errorf("pipeline.target_branch is required")
	}
	if c.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries must be at least 1")
	}
	if c.Workspace.DiskThresholdPercent <= 0 || c.Workspace.DiskThresholdPercent > 100 {
		return fmt.Errorf("workspace.disk_threshold_percent must be between 0 and 100")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unset fields in the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges other into c; other's non-zero values take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}

	if other.Queue.Path != "" {
		c.Queue.Path = other.Queue.Path
	}

	if other.Workspace.WorktreeBase != "" {
		c.Workspace.WorktreeBase = other.Workspace.WorktreeBase
	}
	if other.Workspace.DiskThresholdPercent != 0 {
		c.Workspace.DiskThresholdPercent = other.Workspace.DiskThresholdPercent
	}

	if other.Pipeline.TargetBranch != "" {
		c.Pipeline.TargetBranch = other.Pipeline.TargetBranch
	}
	if other.Pipeline.MaxRetries != 0 {
		c.Pipeline.MaxRetries = other.Pipeline.MaxRetries
	}
	if other.Pipeline.CheckDNA {
		c.Pipeline.CheckDNA = true
	}
	if other.Pipeline.NorthStarPath != "" {
		c.Pipeline.NorthStarPath = other.Pipeline.NorthStarPath
	}
	if other.Pipeline.ContextPath != "" {
		c.Pipeline.ContextPath = other.Pipeline.ContextPath
	}
	if other.Pipeline.RetryBaseDelaySeconds != 0 {
		c.Pipeline.RetryBaseDelaySeconds = other.Pipeline.RetryBaseDelaySeconds
	}
	if other.Pipeline.RetryMaxDelaySeconds != 0 {
		c.Pipeline.RetryMaxDelaySeconds = other.Pipeline.RetryMaxDelaySeconds
	}

	if !other.Quality.Enabled {
		// A plain bool can't distinguish "unset" from "false", so only an
		// explicit false in the higher-precedence layer propagates.
		c.Quality.Enabled = false
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}

	if other.Loop.MaxTasks != 0 {
		c.Loop.MaxTasks = other.Loop.MaxTasks
	}
	if other.Loop.MetricsAddr != "" {
		c.Loop.MetricsAddr = other.Loop.MetricsAddr
	}
}
