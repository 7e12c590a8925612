// Package memory implements the best-effort context store update the
// Pipeline's memory stage performs after a successful merge: rolling
// recent_actions and completed-task bookkeeping in context.yaml.
// Grounded on original_source/orchestrator/memory_agent.py.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/hconductor/llm"
	"gopkg.in/yaml.v3"
)

// Dispatcher is the narrow seam this package needs from the Model
// Dispatcher for the optional AI summary, satisfied by *llm.Client
// and llm/testutil.MockLLMClient.
type Dispatcher interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// CompletedTask is the minimal view of a finished task recorded in
// context.yaml.
type CompletedTask struct {
	ID          string
	Description string
}

// UpdateResult is the outcome of a context.yaml update.
type UpdateResult struct {
	Success        bool
	ContextUpdated bool
	Summary        string
	Error          string
	ActionsAdded   []string
}

// Agent updates context.yaml after task completions, optionally
// generating an AI summary of the work through a Dispatcher.
type Agent struct {
	dispatcher Dispatcher
}

// NewAgent builds an Agent. dispatcher may be nil if AI summaries are
// never requested.
func NewAgent(dispatcher Dispatcher) *Agent {
	return &Agent{dispatcher: dispatcher}
}

func formatActionEntry(task CompletedTask, date string) string {
	description := task.Description
	if description == "" {
		description = "No description"
	}
	return fmt.Sprintf("%s: %s - %s", date, task.ID, description)
}

// UpdateContext updates contextPath with completed-task bookkeeping:
// prepends a recent_actions entry for each task (rolling 10 max),
// appends task IDs to tasks.completed_this_session, and bumps
// meta.last_modified. Uses an atomic read-modify-write: write to a
// sibling temp file, then rename.
func (a *Agent) UpdateContext(ctx context.Context, completedTasks []CompletedTask, contextPath string, generateSummary bool) UpdateResult {
	data, err := readYAMLMap(contextPath)
	if err != nil {
		return UpdateResult{Success: false, Error: fmt.Sprintf("failed to update context.yaml: %v", err)}
	}

	actionsAdded := applyContextUpdate(data, completedTasks)

	if err := writeYAMLAtomic(contextPath, data); err != nil {
		return UpdateResult{Success: false, Error: fmt.Sprintf("failed to update context.yaml: %v", err)}
	}

	summary := ""
	if generateSummary && a.dispatcher != nil {
		summary = a.generateSummary(ctx, completedTasks)
	}

	return UpdateResult{
		Success:        true,
		ContextUpdated: true,
		Summary:        summary,
		ActionsAdded:   actionsAdded,
	}
}

func applyContextUpdate(data map[string]any, completedTasks []CompletedTask) []string {
	meta, _ := data["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["last_modified"] = time.Now().Format("2006-01-02")
	data["meta"] = meta

	recentActions := toStringSlice(data["recent_actions"])

	tasks, _ := data["tasks"].(map[string]any)
	if tasks == nil {
		tasks = map[string]any{}
	}
	completed := toStringSlice(tasks["completed_this_session"])

	var actionsAdded []string
	date := time.Now().Format("2006-01-02")
	for _, task := range completedTasks {
		entry := formatActionEntry(task, date)
		recentActions = append([]string{entry}, recentActions...)
		actionsAdded = append(actionsAdded, entry)

		if !contains(completed, task.ID) {
			completed = append(completed, task.ID)
		}
	}

	if len(recentActions) > 10 {
		recentActions = recentActions[:10]
	}

	tasks["completed_this_session"] = toAnySlice(completed)
	data["tasks"] = tasks
	data["recent_actions"] = toAnySlice(recentActions)

	return actionsAdded
}

func (a *Agent) generateSummary(ctx context.Context, completedTasks []CompletedTask) string {
	var lines strings.Builder
	for _, t := range completedTasks {
		fmt.Fprintf(&lines, "- %s: %s\n", t.ID, t.Description)
	}

	resp, err := a.dispatcher.Complete(ctx, llm.Request{
		TaskType: "memory_update",
		Messages: []llm.Message{{Role: "user", Content: lines.String()}},
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func readYAMLMap(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func writeYAMLAtomic(path string, data map[string]any) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}

	tempPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".tmp"
	if err := os.WriteFile(tempPath, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
