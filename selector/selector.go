// Package selector implements the task selector: picks the next
// ready task from a queue based on status, dependencies, and
// priority, with an optional ticket-validation preflight. Grounded on
// original_source/orchestrator/task_selector.py.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/c360studio/hconductor/queue"
	"github.com/c360studio/hconductor/ticketvalidator"
)

// Validator is the narrow seam this package needs from the ticket
// validator, satisfied by *ticketvalidator.Validator.
type Validator interface {
	ValidateTicket(ctx context.Context, task queue.Task) *ticketvalidator.Result
}

// Result is the outcome of a selection, with optional ticket
// validation info.
type Result struct {
	Task              *queue.Task
	ValidationResult  *ticketvalidator.Result
	SkippedValidation bool
}

// Selector picks the next ready task from a queue.
type Selector struct {
	validateTickets bool
	strictTickets   bool
	validator       Validator
	logger          *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithTicketValidation enables the ticket-validation preflight using
// validator. strict, when true, blocks selection on any HIGH issue;
// when false, HIGH issues are logged but selection proceeds.
func WithTicketValidation(validator Validator, strict bool) Option {
	return func(s *Selector) {
		s.validateTickets = true
		s.strictTickets = strict
		s.validator = validator
	}
}

// WithLogger overrides the selector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// New builds a Selector.
func New(opts ...Option) *Selector {
	s := &Selector{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetNextTask returns the next task ready for execution: status
// "open" and every dependency resolved to "complete", lowest priority
// integer wins, ties broken by queue order. Returns nil if none are
// ready.
func (s *Selector) GetNextTask(q *queue.Queue) *queue.Task {
	if q == nil || len(q.Tasks) == 0 {
		return nil
	}

	complete := make(map[string]bool)
	for _, t := range q.Tasks {
		if t.Status == queue.StatusComplete {
			complete[t.ID] = true
		}
	}

	var ready []queue.Task
	for _, t := range q.Tasks {
		if t.Status != queue.StatusOpen {
			continue
		}
		satisfied := true
		for _, dep := range t.Dependencies {
			if !complete[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}

	if len(ready) == 0 {
		return nil
	}

	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })
	selected := ready[0]
	return &selected
}

// SelectWithValidation selects the next task and, if ticket
// validation is enabled, runs it through the configured Validator,
// logging HIGH-severity issues and respecting strict/non-strict mode.
func (s *Selector) SelectWithValidation(ctx context.Context, q *queue.Queue, logPath string) Result {
	task := s.GetNextTask(q)
	if task == nil {
		return Result{Task: nil, SkippedValidation: true}
	}

	if !s.validateTickets {
		return Result{Task: task, SkippedValidation: true}
	}

	validation := s.validator.ValidateTicket(ctx, *task)

	if len(validation.Issues) > 0 {
		s.logger.Info("ticket validation",
			"task_id", task.ID,
			"high_count", validation.HighCount,
			"med_count", validation.MedCount,
			"low_count", validation.LowCount,
		)
		for _, issue := range validation.Issues {
			level := slog.LevelInfo
			if issue.Severity == "HIGH" {
				level = slog.LevelWarn
			}
			s.logger.Log(ctx, level, "  "+issue.Dimension+": "+issue.Issue, "severity", issue.Severity)
		}
	}

	if logPath != "" {
		if err := writeValidationLog(logPath, validation); err != nil {
			s.logger.Warn("failed to write validation log", "error", err)
		}
	}

	if s.strictTickets && !validation.Proceed {
		s.logger.Warn("ticket blocked by validation (strict mode)", "task_id", task.ID)
		return Result{Task: nil, ValidationResult: validation, SkippedValidation: false}
	}

	if !validation.Proceed {
		s.logger.Warn("ticket has HIGH issues but proceeding (non-strict mode)", "task_id", task.ID)
	}

	return Result{Task: task, ValidationResult: validation, SkippedValidation: false}
}

type logEntry struct {
	Timestamp string                  `json:"timestamp"`
	Result    *ticketvalidator.Result `json:"result"`
}

// writeValidationLog appends a JSON line to logPath, mirroring
// TaskSelector._write_validation_log.
func writeValidationLog(logPath string, result *ticketvalidator.Result) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create validation log directory: %w", err)
	}

	entry := logEntry{Timestamp: time.Now().Format(time.RFC3339), Result: result}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal validation log entry: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open validation log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write validation log entry: %w", err)
	}
	return nil
}
