package tdd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/c360studio/hconductor/retry"
	"github.com/c360studio/hconductor/workspace"
)

// FullCycleRunner composes worktree creation, the executor, the state
// machine, and merge into a single task-scoped driver. Grounded on
// tdd_cycle.py's TDDFullCycleRunner.
type FullCycleRunner struct {
	worktrees *workspace.Manager
	executor  *Executor
	logger    *slog.Logger

	taskID         string
	taskDescription string
	targetModule   string
	attempt        int

	cycle        *Cycle
	worktreePath string
	testPath     string
	implPath     string
}

// RunnerOption configures a FullCycleRunner.
type RunnerOption func(*FullCycleRunner)

// WithRunnerLogger overrides the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *FullCycleRunner) { r.logger = logger }
}

// NewFullCycleRunner builds a runner for a single task. targetModule
// names the relative path (e.g. "calculator.py") the generated test is
// expected to import, and under which the Green-phase implementation
// is written.
func NewFullCycleRunner(worktrees *workspace.Manager, executor *Executor, taskID, taskDescription, targetModule string, opts ...RunnerOption) *FullCycleRunner {
	r := &FullCycleRunner{
		worktrees:       worktrees,
		executor:        executor,
		taskID:          taskID,
		taskDescription: taskDescription,
		targetModule:    targetModule,
		attempt:         1,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartCycle creates the task's worktree and initializes the state
// machine in StateInit.
func (r *FullCycleRunner) StartCycle(ctx context.Context) error {
	path, err := r.worktrees.Create(ctx, r.taskID, r.attempt)
	if err != nil {
		return err
	}
	r.worktreePath = path
	r.testPath = filepath.Join(path, "test_"+r.targetModule)
	r.implPath = filepath.Join(path, r.targetModule)
	r.cycle = NewCycle(r.taskID)
	return nil
}

// Cycle exposes the underlying state machine for inspection.
func (r *FullCycleRunner) Cycle() *Cycle { return r.cycle }

// RunRedPhase drives init -> red -> green via the executor.
func (r *FullCycleRunner) RunRedPhase(ctx context.Context) (*RedResult, error) {
	if err := r.cycle.StartRed(); err != nil {
		return nil, err
	}

	red, err := r.executor.ExecuteRed(ctx, r.taskDescription, r.testPath, r.targetModule)
	if err != nil {
		if markErr := r.cycle.MarkFailed(err.Error()); markErr != nil {
			r.logger.Error("failed to mark cycle failed after red-phase error", "error", markErr)
		}
		return nil, err
	}

	if err := r.cycle.CompleteRed(*red, true); err != nil {
		return nil, err
	}
	return red, nil
}

// RunGreenPhase drives green -> refactor via the executor, retrying
// under policy until a passing implementation is produced or the
// policy is exhausted.
func (r *FullCycleRunner) RunGreenPhase(ctx context.Context, policy *retry.Policy) (*GreenResult, error) {
	red := r.cycle.Red
	if red == nil {
		return nil, fmt.Errorf("green phase requires a completed red phase")
	}

	green, err := r.executor.ExecuteGreenWithRetry(ctx, r.taskDescription, red, r.implPath, policy)
	if err != nil {
		if markErr := r.cycle.MarkFailed(err.Error()); markErr != nil {
			r.logger.Error("failed to mark cycle failed after green-phase exhaustion", "error", markErr)
		}
		return nil, err
	}

	if err := r.cycle.CompleteGreen(*green, true); err != nil {
		return nil, err
	}
	return green, nil
}

// FinishCycle completes the refactor phase (or skips it) and, when
// requested, attempts a traceability-checked merge. A failed merge is
// reported in the returned MergeResult but does not retroactively fail
// the cycle: the TDD work is already done -> the state machine stays
// in StateDone.
func (r *FullCycleRunner) FinishCycle(ctx context.Context, skipRefactor bool, mergeOpts *workspace.MergeOptions) (*workspace.MergeResult, error) {
	green := r.cycle.Green
	if green == nil {
		return nil, fmt.Errorf("finish cycle requires a completed green phase")
	}

	if skipRefactor {
		if err := r.cycle.SkipRefactor(); err != nil {
			return nil, err
		}
	} else {
		refactor, err := r.executor.ExecuteRefactor(ctx, r.taskDescription, green, r.testPath)
		if err != nil {
			return nil, err
		}
		if err := r.cycle.CompleteRefactor(*refactor); err != nil {
			return nil, err
		}
	}

	if mergeOpts == nil {
		return nil, nil
	}
	opts := *mergeOpts
	opts.TaskID = r.taskID
	if opts.Attempt == 0 {
		opts.Attempt = r.attempt
	}
	return r.worktrees.Merge(ctx, opts)
}

// AbortCycle cleans up the task's worktree and drops in-memory cycle
// state. Safe to call at any point, including before StartCycle.
func (r *FullCycleRunner) AbortCycle(ctx context.Context) error {
	if r.cycle != nil && r.cycle.State() != StateFailed && r.cycle.State() != StateDone {
		_ = r.cycle.MarkFailed("aborted")
	}
	if r.worktreePath == "" {
		return nil
	}
	return r.worktrees.Cleanup(ctx, r.taskID, true)
}
