package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/hconductor/traceability"
)

func TestLoadConfigFromExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hconductor.yaml")
	content := `
queue:
  path: "queue.json"
pipeline:
  target_branch: "main"
  max_retries: 3
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Pipeline.TargetBranch)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig("/nonexistent/path/hconductor.yaml")
	assert.Error(t, err)
}

func TestValidateConfigCmdSucceedsForValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hconductor.yaml")
	content := `
queue:
  path: "queue.json"
pipeline:
  target_branch: "main"
  max_retries: 3
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	assert.NoError(t, validateConfigCmd(configPath))
}

func TestValidateConfigCmdFailsForInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hconductor.yaml")
	content := `
queue:
  path: "queue.json"
pipeline:
  target_branch: "main"
  max_retries: 0
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	err := validateConfigCmd(configPath)
	assert.Error(t, err)
}

type fakeTaskLookup struct {
	tasks map[string]traceability.Task
}

func (f fakeTaskLookup) FindTask(_ context.Context, taskID string) (traceability.Task, bool, error) {
	task, ok := f.tasks[taskID]
	return task, ok, nil
}

func TestTraceabilityGateDelegatesToChecker(t *testing.T) {
	lookup := fakeTaskLookup{tasks: map[string]traceability.Task{
		"TASK-1": {ID: "TASK-1", NorthStarGoal: "shipfeature"},
	}}
	checker := traceability.NewChecker(map[string]string{"shipfeature": "Ship the feature"}, lookup)
	gate := traceabilityGate{checker: checker}

	approved, _, err := gate.CheckBeforeMerge(context.Background(), "TASK-1")
	require.NoError(t, err)
	assert.True(t, approved)

	approved, _, err = gate.CheckBeforeMerge(context.Background(), "TASK-MISSING")
	assert.Error(t, err)
	assert.False(t, approved)
}
