// Package tdd implements the Red-Green-Refactor state machine that drives
// a single task through test-first development, plus the executor and
// full-cycle runner that dispatch model requests and run tests at each
// phase. Grounded on original_source/orchestrator/tdd_cycle.py.
package tdd

import (
	"fmt"
)

// State is one of the TDD cycle's finite states.
type State string

const (
	StateInit     State = "init"
	StateRed      State = "red"
	StateGreen    State = "green"
	StateRefactor State = "refactor"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// InvalidTransitionError is raised when a transition is attempted from a
// state that does not allow it.
type InvalidTransitionError struct {
	From   State
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %q", e.Action, e.From)
}

// InvalidTestError is raised when a Red-phase test does not actually
// fail, or fails validation (trivial/empty).
type InvalidTestError struct {
	Reason string
}

func (e *InvalidTestError) Error() string { return "invalid test: " + e.Reason }

// NeedsRetryError is raised when a Green-phase implementation does not
// make the test pass. It carries the truncated failure output so the
// retry loop can feed it back into the next prompt.
type NeedsRetryError struct {
	Output string
}

func (e *NeedsRetryError) Error() string { return "test still failing, needs retry" }

// MaxRetriesExceeded is raised when the retry policy is exhausted
// without a passing Green phase.
type MaxRetriesExceeded struct {
	Attempts     int
	ErrorHistory []string
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("exceeded max retries (%d attempts)", e.Attempts)
}

// DispatchError wraps a model-dispatch failure encountered mid-cycle.
type DispatchError struct {
	Phase string
	Err   error
}

func (e *DispatchError) Error() string { return fmt.Sprintf("dispatch failed during %s: %v", e.Phase, e.Err) }
func (e *DispatchError) Unwrap() error { return e.Err }

// RedResult is the outcome of a successful Red phase.
type RedResult struct {
	TestPath    string
	TestContent string
	FailOutput  string
}

// GreenResult is the outcome of a successful Green phase.
type GreenResult struct {
	ImplPath    string
	ImplContent string
	TestOutput  string
}

// RefactorResult is the outcome of a Refactor phase. Refactor is
// best-effort: Reverted is true when the refactored code broke the test
// and the original implementation was restored.
type RefactorResult struct {
	ImplContent string
	Reverted    bool
	TestOutput  string
}

// CycleResult summarizes a completed or failed cycle for callers that
// don't need the full TDDCycle state.
type CycleResult struct {
	TaskID    string
	State     State
	Red       *RedResult
	Green     *GreenResult
	Refactor  *RefactorResult
	FailedAt  State
	FailureReason string
}

// Cycle is the Red-Green-Refactor state machine for a single task. It
// enforces strict ordering: each transition method validates the
// current state before mutating it and returns a typed error otherwise.
type Cycle struct {
	TaskID string

	state   State
	history []State

	Red      *RedResult
	Green    *GreenResult
	Refactor *RefactorResult

	failureReason string
}

// NewCycle builds a Cycle for taskID, starting in StateInit.
func NewCycle(taskID string) *Cycle {
	c := &Cycle{TaskID: taskID, state: StateInit}
	c.history = append(c.history, StateInit)
	return c
}

// State returns the cycle's current state.
func (c *Cycle) State() State { return c.state }

// History returns a copy of every state the cycle has passed through.
func (c *Cycle) History() []State {
	out := make([]State, len(c.history))
	copy(out, c.history)
	return out
}

// FailureReason returns the reason recorded by MarkFailed, if any.
func (c *Cycle) FailureReason() string { return c.failureReason }

func (c *Cycle) transition(to State) {
	c.state = to
	c.history = append(c.history, to)
}

func (c *Cycle) requireState(want State, action string) error {
	if c.state != want {
		return &InvalidTransitionError{From: c.state, Action: action}
	}
	return nil
}

// StartRed transitions init -> red.
func (c *Cycle) StartRed() error {
	if err := c.requireState(StateInit, "start_red"); err != nil {
		return err
	}
	c.transition(StateRed)
	return nil
}

// CompleteRed transitions red -> green if the test actually failed.
// A test that passed on the Red phase is a contradiction: it raises
// InvalidTestError instead of transitioning.
func (c *Cycle) CompleteRed(result RedResult, testFailed bool) error {
	if err := c.requireState(StateRed, "complete_red"); err != nil {
		return err
	}
	if !testFailed {
		return &InvalidTestError{Reason: "red-phase test passed instead of failing"}
	}
	c.Red = &result
	c.transition(StateGreen)
	return nil
}

// CompleteGreen transitions green -> refactor if the test passed.
// A test that still fails after the Green phase raises NeedsRetryError
// rather than transitioning, so the caller's retry loop can act on it.
func (c *Cycle) CompleteGreen(result GreenResult, testPassed bool) error {
	if err := c.requireState(StateGreen, "complete_green"); err != nil {
		return err
	}
	if !testPassed {
		return &NeedsRetryError{Output: result.TestOutput}
	}
	c.Green = &result
	c.transition(StateRefactor)
	return nil
}

// SkipRefactor transitions refactor -> done without attempting a
// refactor pass.
func (c *Cycle) SkipRefactor() error {
	if err := c.requireState(StateRefactor, "skip_refactor"); err != nil {
		return err
	}
	c.transition(StateDone)
	return nil
}

// CompleteRefactor transitions refactor -> done, recording the
// (possibly reverted) refactor outcome.
func (c *Cycle) CompleteRefactor(result RefactorResult) error {
	if err := c.requireState(StateRefactor, "complete_refactor"); err != nil {
		return err
	}
	c.Refactor = &result
	c.transition(StateDone)
	return nil
}

// MarkFailed transitions {red,green,refactor} -> failed, recording why.
func (c *Cycle) MarkFailed(reason string) error {
	switch c.state {
	case StateRed, StateGreen, StateRefactor:
	default:
		return &InvalidTransitionError{From: c.state, Action: "mark_failed"}
	}
	c.failureReason = reason
	c.transition(StateFailed)
	return nil
}

// Result snapshots the cycle into a CycleResult.
func (c *Cycle) Result() CycleResult {
	r := CycleResult{
		TaskID:        c.TaskID,
		State:         c.state,
		Red:           c.Red,
		Green:         c.Green,
		Refactor:      c.Refactor,
		FailureReason: c.failureReason,
	}
	if c.state == StateFailed {
		r.FailedAt = c.history[len(c.history)-2]
	}
	return r
}
