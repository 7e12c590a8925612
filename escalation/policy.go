// Package escalation implements the escalation policy for blocked
// tasks: tasks that exceeded max retries and couldn't be
// automatically fixed get a diagnostic summary, pattern-based
// recommendations, and an optional model diagnosis. Grounded on
// original_source/orchestrator/escalation.py.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/hconductor/llm"
)

// Dispatcher is the narrow seam this package needs from the Model
// Dispatcher for the optional diagnosis call, satisfied by
// *llm.Client and llm/testutil.MockLLMClient.
type Dispatcher interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Result is the outcome of escalating a blocked task.
type Result struct {
	TaskID          string
	Escalated       bool
	ErrorHistory    []string
	LastOutput      string
	Timestamp       time.Time
	Diagnosis       string // empty if no diagnosis was requested or it failed
	Recommendations []string
	Summary         string
}

// Callback is invoked with every escalation result, for custom
// handling (paging, ticket creation, and the like).
type Callback func(Result)

// Policy handles blocked tasks that exceed max retries.
type Policy struct {
	dispatcher      Dispatcher
	enableDiagnosis bool
	onEscalation    Callback
	logger          *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithDiagnosis enables the optional model-diagnosis call through
// dispatcher's qa_review route.
func WithDiagnosis(dispatcher Dispatcher) Option {
	return func(p *Policy) {
		p.dispatcher = dispatcher
		p.enableDiagnosis = true
	}
}

// WithCallback registers a callback invoked with every escalation
// result.
func WithCallback(cb Callback) Option {
	return func(p *Policy) { p.onEscalation = cb }
}

// WithLogger overrides the policy's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

// New builds a Policy.
func New(opts ...Option) *Policy {
	p := &Policy{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnBlocked handles a blocked task: logs the escalation, derives
// pattern-based recommendations, optionally requests a model
// diagnosis, and invokes the configured callback.
func (p *Policy) OnBlocked(ctx context.Context, taskID string, errorHistory []string, lastOutput string) Result {
	p.logger.Warn("task escalated after failed attempts", "task_id", taskID, "attempts", len(errorHistory))

	recommendations := generateRecommendations(errorHistory, lastOutput)

	diagnosis := ""
	if p.enableDiagnosis && p.dispatcher != nil {
		diagnosis = p.getDiagnosis(ctx, errorHistory, lastOutput)
	}

	result := Result{
		TaskID:          taskID,
		Escalated:       true,
		ErrorHistory:    errorHistory,
		LastOutput:      lastOutput,
		Timestamp:       time.Now(),
		Diagnosis:       diagnosis,
		Recommendations: recommendations,
		Summary:         generateSummary(taskID, errorHistory, recommendations),
	}

	if p.onEscalation != nil {
		p.onEscalation(result)
	}

	return result
}

var errorPatterns = []struct {
	markers []string
	recs    []string
}{
	{
		markers: []string{"ImportError", "ModuleNotFoundError"},
		recs: []string{
			"Check if required dependencies are installed in the worktree",
			"Verify import statements match actual module paths",
		},
	},
	{
		markers: []string{"TypeError"},
		recs: []string{
			"Review type annotations and function signatures",
			"Check for mismatched argument types",
		},
	},
	{
		markers: []string{"AssertionError"},
		recs: []string{
			"Review test assertions and expected values",
			"Check if implementation logic is correct",
		},
	},
	{
		markers: []string{"AttributeError"},
		recs: []string{
			"Verify object attributes and method names",
			"Check for typos in attribute access",
		},
	},
	{
		markers: []string{"SyntaxError"},
		recs: []string{
			"Check generated code for syntax errors",
			"Review code formatting and indentation",
		},
	},
}

func generateRecommendations(errorHistory []string, lastOutput string) []string {
	combined := strings.Join(errorHistory, " ") + " " + lastOutput

	var recommendations []string
	for _, pattern := range errorPatterns {
		for _, marker := range pattern.markers {
			if strings.Contains(combined, marker) {
				recommendations = append(recommendations, pattern.recs...)
				break
			}
		}
	}

	if len(recommendations) == 0 {
		recommendations = []string{
			"Review the error history for patterns",
			"Consider simplifying the task description",
			"Try breaking the task into smaller subtasks",
		}
	}
	return recommendations
}

func (p *Policy) getDiagnosis(ctx context.Context, errorHistory []string, lastOutput string) string {
	var historyLines strings.Builder
	for _, e := range errorHistory {
		historyLines.WriteString("- " + e + "\n")
	}

	prompt := fmt.Sprintf(
		"Analyze these TDD execution errors and provide a diagnosis:\n\nError History:\n%s\nLast Output:\n%s\n\nProvide a brief analysis of what's going wrong and potential root causes.",
		historyLines.String(), lastOutput,
	)

	resp, err := p.dispatcher.Complete(ctx, llm.Request{
		TaskType: "qa_review",
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		p.logger.Warn("pro diagnosis failed", "error", err)
		return ""
	}
	return resp.Content
}

func generateSummary(taskID string, errorHistory []string, recommendations []string) string {
	lastError := "Unknown"
	if len(errorHistory) > 0 {
		lastError = errorHistory[len(errorHistory)-1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task '%s' blocked after %d failed attempts.\n\n", taskID, len(errorHistory))
	fmt.Fprintf(&b, "Last error: %s\n\n", lastError)
	b.WriteString("Recommendations:\n")

	limit := len(recommendations)
	if limit > 3 {
		limit = 3
	}
	for _, r := range recommendations[:limit] {
		fmt.Fprintf(&b, "  - %s\n", r)
	}

	return strings.TrimRight(b.String(), "\n")
}
