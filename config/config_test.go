package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Queue.Path != "queue.json" {
		t.Errorf("expected default queue path queue.json, got %s", cfg.Queue.Path)
	}
	if cfg.Pipeline.TargetBranch != "main" {
		t.Errorf("expected default target branch main, got %s", cfg.Pipeline.TargetBranch)
	}
	if cfg.Pipeline.MaxRetries != 5 {
		t.Errorf("expected default max retries 5, got %d", cfg.Pipeline.MaxRetries)
	}
	if !cfg.Quality.Enabled {
		t.Error("expected QA gate enabled by default")
	}
	if cfg.NATS.Subject != "hconductor.task.completed" {
		t.Errorf("expected default NATS subject hconductor.task.completed, got %s", cfg.NATS.Subject)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing queue path",
			modify:  func(c *Config) { c.Queue.Path = "" },
			wantErr: true,
		},
		{
			name:    "missing target branch",
			modify:  func(c *Config) { c.Pipeline.TargetBranch = "" },
			wantErr: true,
		},
		{
			name:    "zero max retries",
			modify:  func(c *Config) { c.Pipeline.MaxRetries = 0 },
			wantErr: true,
		},
		{
			name:    "negative disk threshold",
			modify:  func(c *Config) { c.Workspace.DiskThresholdPercent = -1 },
			wantErr: true,
		},
		{
			name:    "disk threshold over 100",
			modify:  func(c *Config) { c.Workspace.DiskThresholdPercent = 150 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
repo:
  path: "/test/path"
queue:
  path: "tasks/queue.json"
workspace:
  worktree_base: "/tmp/worktrees"
  disk_threshold_percent: 90
pipeline:
  target_branch: "develop"
  max_retries: 3
  check_dna: true
  northstar_path: "docs/northstar.md"
quality:
  enabled: false
nats:
  url: "nats://test:4222"
loop:
  max_tasks: 10
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Repo.Path != "/test/path" {
		t.Errorf("expected repo path /test/path, got %s", cfg.Repo.Path)
	}
	if cfg.Queue.Path != "tasks/queue.json" {
		t.Errorf("expected queue path tasks/queue.json, got %s", cfg.Queue.Path)
	}
	if cfg.Workspace.WorktreeBase != "/tmp/worktrees" {
		t.Errorf("expected worktree base /tmp/worktrees, got %s", cfg.Workspace.WorktreeBase)
	}
	if cfg.Pipeline.TargetBranch != "develop" {
		t.Errorf("expected target branch develop, got %s", cfg.Pipeline.TargetBranch)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Pipeline.MaxRetries)
	}
	if !cfg.Pipeline.CheckDNA {
		t.Error("expected check_dna true")
	}
	if cfg.Pipeline.NorthStarPath != "docs/northstar.md" {
		t.Errorf("expected northstar path docs/northstar.md, got %s", cfg.Pipeline.NorthStarPath)
	}
	if cfg.Quality.Enabled {
		t.Error("expected quality disabled")
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Loop.MaxTasks != 10 {
		t.Errorf("expected max_tasks 10, got %d", cfg.Loop.MaxTasks)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Repo:     RepoConfig{Path: "/override/path"},
		Pipeline: PipelineConfig{TargetBranch: "release"},
	}

	base.Merge(override)

	if base.Repo.Path != "/override/path" {
		t.Errorf("expected repo path /override/path, got %s", base.Repo.Path)
	}
	if base.Pipeline.TargetBranch != "release" {
		t.Errorf("expected target branch release, got %s", base.Pipeline.TargetBranch)
	}
	// Unset fields in the override keep the base's values.
	if base.Queue.Path != "queue.json" {
		t.Errorf("expected queue path to remain default, got %s", base.Queue.Path)
	}
	if base.Pipeline.MaxRetries != 5 {
		t.Errorf("expected max retries to remain default, got %d", base.Pipeline.MaxRetries)
	}
}

func TestConfigMergeExplicitQualityDisable(t *testing.T) {
	base := DefaultConfig()
	override := DefaultConfig()
	override.Quality.Enabled = false

	base.Merge(override)

	if base.Quality.Enabled {
		t.Error("expected quality gate disabled after merging an explicit false")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.TargetBranch = "saved-branch"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Pipeline.TargetBranch != "saved-branch" {
		t.Errorf("expected target branch saved-branch, got %s", loaded.Pipeline.TargetBranch)
	}
}
