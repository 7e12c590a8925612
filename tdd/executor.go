package tdd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/hconductor/llm"
	"github.com/c360studio/hconductor/llm/prompts"
	"github.com/c360studio/hconductor/retry"
	"github.com/c360studio/hconductor/testrun"
	"github.com/c360studio/hconductor/testvalidate"
)

// extractCode pulls the fenced code block(s) out of response via the
// Model Dispatcher's "code" parse format, falling back to the trimmed
// raw response if no fence is present (some models omit fences for
// short snippets).
func extractCode(response string) string {
	parsed, _ := llm.ParseResponse(response, "code")
	return strings.TrimRight(parsed.Content, "\n") + "\n"
}

// truncate keeps the first n bytes of a string, appending a marker when
// truncated, so failure output fed back into a retry prompt stays small.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}

// Dispatcher is the narrow seam the executor needs from a model
// dispatch client, satisfied by *llm.Client and by test fakes such as
// llm/testutil.MockLLMClient.
type Dispatcher interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Executor dispatches model requests for each TDD phase, writes the
// resulting files into a task's worktree, runs tests, and validates
// Red-phase test quality. Grounded on tdd_cycle.py's TDDCycleExecutor.
type Executor struct {
	dispatcher Dispatcher
	runner     *testrun.Runner
	validator  *testvalidate.Validator
	logger     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger overrides the executor's logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor builds an Executor around a model dispatcher, pytest
// runner, and test validator.
func NewExecutor(dispatcher Dispatcher, runner *testrun.Runner, validator *testvalidate.Validator, opts ...ExecutorOption) *Executor {
	e := &Executor{
		dispatcher: dispatcher,
		runner:     runner,
		validator:  validator,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// dispatchWorker sends a tdd_worker request built from the tdd_worker
// template, returning the raw response content.
func (e *Executor) dispatchWorker(ctx context.Context, phase, taskDescription, code, testResults string) (string, error) {
	tmpl, err := prompts.Get(prompts.TDDWorker)
	if err != nil {
		return "", &DispatchError{Phase: phase, Err: err}
	}
	userPrompt, err := tmpl.Render(map[string]string{
		"task_description": taskDescription,
		"code":             code,
		"test_results":     testResults,
	})
	if err != nil {
		return "", &DispatchError{Phase: phase, Err: err}
	}

	resp, err := e.dispatcher.Complete(ctx, llm.Request{
		TaskType: "tdd_worker",
		Messages: []llm.Message{
			{Role: "system", Content: tmpl.SystemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", &DispatchError{Phase: phase, Err: err}
	}
	return resp.Content, nil
}

// ExecuteRed runs the Red phase: dispatch a failing test for
// targetFile, write it, run it, and validate its quality. The test
// MUST fail (failed or error status) — a passing Red-phase test is a
// contradiction and raises InvalidTestError, as does a trivial or
// empty test.
func (e *Executor) ExecuteRed(ctx context.Context, taskDescription, testPath, targetModule string) (*RedResult, error) {
	response, err := e.dispatchWorker(ctx, "red", taskDescription, "(no implementation yet)", "(no test run yet)")
	if err != nil {
		return nil, err
	}
	testContent := extractCode(response)

	if err := os.MkdirAll(filepath.Dir(testPath), 0o755); err != nil {
		return nil, fmt.Errorf("create test directory: %w", err)
	}
	if err := os.WriteFile(testPath, []byte(testContent), 0o644); err != nil {
		return nil, fmt.Errorf("write test file: %w", err)
	}

	result := e.runner.Run(ctx, testPath, 0, "")
	if result.Status == testrun.StatusPassed {
		return nil, &InvalidTestError{Reason: "red-phase test passed instead of failing"}
	}

	validation, err := e.validator.Validate(testPath, targetModule)
	if err != nil {
		return nil, fmt.Errorf("validate red-phase test: %w", err)
	}
	if !validation.Valid {
		return nil, &InvalidTestError{Reason: strings.Join(validation.Errors, "; ")}
	}

	e.logger.Info("red phase complete", "test_path", testPath, "status", result.Status)
	return &RedResult{
		TestPath:    testPath,
		TestContent: testContent,
		FailOutput:  result.Stdout + result.Stderr,
	}, nil
}

// ExecuteGreen runs the Green phase: dispatch an implementation that
// makes red's test pass, write it to implPath, and rerun the same
// test. previousError, if non-empty, is the truncated failure output
// from a prior Green attempt and is appended to the prompt so the
// model can see what it got wrong last time.
func (e *Executor) ExecuteGreen(ctx context.Context, taskDescription string, red *RedResult, implPath, previousError string) (*GreenResult, error) {
	testResults := red.FailOutput
	if previousError != "" {
		testResults = testResults + "\n\n## Previous attempt failure\n" + previousError
	}

	response, err := e.dispatchWorker(ctx, "green", taskDescription, red.TestContent, testResults)
	if err != nil {
		return nil, err
	}
	implContent := extractCode(response)

	if err := os.MkdirAll(filepath.Dir(implPath), 0o755); err != nil {
		return nil, fmt.Errorf("create implementation directory: %w", err)
	}
	if err := os.WriteFile(implPath, []byte(implContent), 0o644); err != nil {
		return nil, fmt.Errorf("write implementation file: %w", err)
	}

	result := e.runner.Run(ctx, red.TestPath, 0, "")
	if result.Status != testrun.StatusPassed {
		return nil, &NeedsRetryError{Output: truncate(result.Stdout+result.Stderr, 4000)}
	}

	e.logger.Info("green phase complete", "impl_path", implPath)
	return &GreenResult{
		ImplPath:    implPath,
		ImplContent: implContent,
		TestOutput:  result.Stdout + result.Stderr,
	}, nil
}

// ExecuteGreenWithRetry runs ExecuteGreen repeatedly under policy's
// bounded backoff until it succeeds or the policy is exhausted, in
// which case it raises MaxRetriesExceeded carrying the error history.
// No file state is mutated between attempts beyond overwriting the
// implementation file.
func (e *Executor) ExecuteGreenWithRetry(ctx context.Context, taskDescription string, red *RedResult, implPath string, policy *retry.Policy) (*GreenResult, error) {
	var previousError string

	for policy.ShouldRetry() {
		result, err := e.ExecuteGreen(ctx, taskDescription, red, implPath, previousError)
		if err == nil {
			policy.RecordAttempt(true, "")
			return result, nil
		}

		var needsRetry *NeedsRetryError
		if !asNeedsRetry(err, &needsRetry) {
			return nil, err
		}

		previousError = needsRetry.Output
		policy.RecordAttempt(false, needsRetry.Output)

		if !policy.ShouldRetry() {
			break
		}

		delay := time.Duration(policy.BackoffDelaySeconds() * float64(time.Second))
		e.logger.Info("green phase failed, retrying after backoff", "delay", delay, "attempt", policy.RetryCount())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &MaxRetriesExceeded{Attempts: policy.RetryCount(), ErrorHistory: policy.ErrorHistory()}
}

func asNeedsRetry(err error, target **NeedsRetryError) bool {
	if nr, ok := err.(*NeedsRetryError); ok {
		*target = nr
		return true
	}
	return false
}

// ExecuteRefactor runs the Refactor phase: dispatch an improved
// implementation, overwrite the implementation file, and rerun the
// test. Refactor is best-effort and never fatal: if the refactored
// code breaks the test, the original implementation is restored and
// Reverted is set true.
func (e *Executor) ExecuteRefactor(ctx context.Context, taskDescription string, green *GreenResult, testPath string) (*RefactorResult, error) {
	response, err := e.dispatchWorker(ctx, "refactor", taskDescription, green.ImplContent, green.TestOutput)
	if err != nil {
		e.logger.Warn("refactor dispatch failed, keeping green implementation", "error", err)
		return &RefactorResult{ImplContent: green.ImplContent, Reverted: false}, nil
	}
	refactored := extractCode(response)

	if err := os.WriteFile(green.ImplPath, []byte(refactored), 0o644); err != nil {
		return nil, fmt.Errorf("write refactored implementation: %w", err)
	}

	result := e.runner.Run(ctx, testPath, 0, "")
	if result.Status == testrun.StatusPassed {
		e.logger.Info("refactor phase complete", "impl_path", green.ImplPath)
		return &RefactorResult{ImplContent: refactored, Reverted: false, TestOutput: result.Stdout + result.Stderr}, nil
	}

	e.logger.Warn("refactor broke the test, reverting", "impl_path", green.ImplPath)
	if err := os.WriteFile(green.ImplPath, []byte(green.ImplContent), 0o644); err != nil {
		return nil, fmt.Errorf("restore original implementation after failed refactor: %w", err)
	}
	return &RefactorResult{ImplContent: green.ImplContent, Reverted: true, TestOutput: result.Stdout + result.Stderr}, nil
}
