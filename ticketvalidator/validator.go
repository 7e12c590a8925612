// Package ticketvalidator implements the pre-execution ticket review:
// a lightweight 3-dimension validation (Clarity, Feasibility,
// Testability) run before a ticket enters TDD execution, catching
// obvious issues early and cheaply. Grounded on
// original_source/orchestrator/ticket_validator.py.
package ticketvalidator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/c360studio/hconductor/llm"
	"github.com/c360studio/hconductor/llm/prompts"
	"github.com/c360studio/hconductor/queue"
	"gopkg.in/yaml.v3"
)

// Issue is a single validation finding.
type Issue struct {
	Dimension string `yaml:"dimension" json:"dimension"`
	Issue     string `yaml:"issue" json:"issue"`
	Severity  string `yaml:"severity" json:"severity"`
}

// Result is the outcome of validating a single ticket.
type Result struct {
	TicketID  string  `json:"ticket_id"`
	Issues    []Issue `json:"issues"`
	HighCount int     `json:"high_count"`
	MedCount  int     `json:"med_count"`
	LowCount  int     `json:"low_count"`
	Proceed   bool    `json:"proceed"`
	Error     string  `json:"error,omitempty"`
	LatencyMS int     `json:"latency_ms"`
}

// BatchResult is the outcome of validating every task in a queue.
type BatchResult struct {
	Results      []Result
	TotalCount   int
	ProceedCount int
	BlockedCount int
	ErrorCount   int
}

// Summary renders a human-readable one-line summary, mirroring
// BatchValidationResult.summary.
func (b BatchResult) Summary() string {
	return fmt.Sprintf(
		"Validated %d tickets: %d proceed, %d blocked, %d errors",
		b.TotalCount, b.ProceedCount, b.BlockedCount, b.ErrorCount,
	)
}

// Dispatcher is the narrow seam this package needs from the Model
// Dispatcher, satisfied by *llm.Client and llm/testutil.MockLLMClient.
type Dispatcher interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

var yamlFencePattern = regexp.MustCompile("(?s)```ya?ml\\s*\\n(.*?)```")

// Validator runs ticket validation through a Dispatcher using the
// ticket_validation route.
type Validator struct {
	dispatcher Dispatcher
}

// NewValidator builds a Validator.
func NewValidator(dispatcher Dispatcher) *Validator {
	return &Validator{dispatcher: dispatcher}
}

type taskJSON struct {
	ID                string   `json:"id"`
	Description       string   `json:"description"`
	Status            string   `json:"status"`
	Priority          int      `json:"priority"`
	NorthStarGoal     string   `json:"northstar_goal"`
	Dependencies      []string `json:"dependencies"`
	SuccessDefinition string   `json:"success_definition"`
	Files             []string `json:"files"`
	SourceFile        *string  `json:"source_file"`
}

func taskToJSON(task queue.Task) (string, error) {
	data, err := json.MarshalIndent(taskJSON{
		ID:                task.ID,
		Description:       task.Description,
		Status:            string(task.Status),
		Priority:          task.Priority,
		NorthStarGoal:     task.NorthStarGoal,
		Dependencies:      task.Dependencies,
		SuccessDefinition: task.SuccessDefinition,
		Files:             task.Files,
		SourceFile:        task.SourceFile,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type yamlValidationResponse struct {
	TicketID  string  `yaml:"ticket_id"`
	Issues    []Issue `yaml:"issues"`
	HighCount int     `yaml:"high_count"`
	MedCount  int     `yaml:"med_count"`
	LowCount  int     `yaml:"low_count"`
}

func parseYAMLResponse(raw string) (*yamlValidationResponse, error) {
	content := raw
	if m := yamlFencePattern.FindStringSubmatch(raw); len(m) > 1 {
		content = m[1]
	}

	var parsed yamlValidationResponse
	if err := yaml.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("parse validation response: %w", err)
	}
	return &parsed, nil
}

// ValidateTicket validates a single task via the Dispatcher's
// ticket_validation route. Transport and parse failures are reported
// in Result.Error with Proceed=false rather than returned as a Go
// error, mirroring the Python original's blanket except-and-report
// posture for this best-effort preflight.
func (v *Validator) ValidateTicket(ctx context.Context, task queue.Task) *Result {
	start := time.Now()

	ticketJSON, err := taskToJSON(task)
	if err != nil {
		return &Result{TicketID: task.ID, Error: fmt.Sprintf("encode ticket: %v", err), Proceed: false}
	}

	tmpl, err := prompts.Get(prompts.TicketValidation)
	if err != nil {
		return &Result{TicketID: task.ID, Error: err.Error(), Proceed: false}
	}
	userPrompt, err := tmpl.Render(map[string]string{"ticket_json": ticketJSON})
	if err != nil {
		return &Result{TicketID: task.ID, Error: err.Error(), Proceed: false}
	}

	resp, err := v.dispatcher.Complete(ctx, llm.Request{
		TaskType: "ticket_validation",
		Messages: []llm.Message{
			{Role: "system", Content: tmpl.SystemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	latencyMS := int(time.Since(start) / time.Millisecond)
	if err != nil {
		return &Result{TicketID: task.ID, Error: err.Error(), LatencyMS: latencyMS, Proceed: false}
	}

	parsed, err := parseYAMLResponse(resp.Content)
	if err != nil {
		return &Result{TicketID: task.ID, Error: err.Error(), LatencyMS: latencyMS, Proceed: false}
	}

	highCount := parsed.HighCount
	if highCount == 0 {
		for _, issue := range parsed.Issues {
			if issue.Severity == "HIGH" {
				highCount++
			}
		}
	}

	return &Result{
		TicketID:  task.ID,
		Issues:    parsed.Issues,
		HighCount: highCount,
		MedCount:  parsed.MedCount,
		LowCount:  parsed.LowCount,
		Proceed:   highCount == 0,
		LatencyMS: latencyMS,
	}
}

// ValidateQueue validates every task in q, aggregating into a
// BatchResult.
func (v *Validator) ValidateQueue(ctx context.Context, q *queue.Queue) *BatchResult {
	batch := &BatchResult{TotalCount: len(q.Tasks)}
	for _, task := range q.Tasks {
		result := v.ValidateTicket(ctx, task)
		batch.Results = append(batch.Results, *result)

		switch {
		case result.Error != "":
			batch.ErrorCount++
		case result.Proceed:
			batch.ProceedCount++
		default:
			batch.BlockedCount++
		}
	}
	return batch
}
