// Package workspace manages git worktrees for isolated task execution.
//
// Worktree isolation is critical for safety: it ensures a TDD worker
// cannot damage the main repository while it generates and runs code.
// Grounded on original_source/orchestrator/worktree.py and
// disk_check.py, and on tools/git/executor.go's exec.CommandContext
// idiom for shelling out to git.
//
// Naming convention:
//   - Branch: feature/{task_id}_attempt_{n}
//   - Path:   {worktree_base}/hc_worktree_{task_id}
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeCreateError is returned when git worktree creation fails.
type WorktreeCreateError struct {
	TaskID string
	Err    error
}

func (e *WorktreeCreateError) Error() string {
	return fmt.Sprintf("create worktree for task %q: %v", e.TaskID, e.Err)
}
func (e *WorktreeCreateError) Unwrap() error { return e.Err }

// WorktreeMergeError is returned for unexpected failures during merge,
// distinct from an ordinary fast-forward-not-possible result (which is
// reported via MergeResult, not an error).
type WorktreeMergeError struct {
	TaskID string
	Err    error
}

func (e *WorktreeMergeError) Error() string {
	return fmt.Sprintf("merge worktree for task %q: %v", e.TaskID, e.Err)
}
func (e *WorktreeMergeError) Unwrap() error { return e.Err }

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Success bool
	Message string

	// GateRejected is true when Success is false because the
	// configured MergeGate blocked the merge (or errored), as opposed
	// to a git-level fast-forward conflict. Callers use this to report
	// a distinct traceability stage rather than a generic merge stage.
	GateRejected bool
}

// MergeGate is consulted before a fast-forward merge when configured via
// WithMergeGate, letting a traceability check block merges that don't
// trace to a NorthStar goal. Mirrors dna_check.check_task_before_merge.
type MergeGate interface {
	CheckBeforeMerge(ctx context.Context, taskID string) (approved bool, reason string, err error)
}

// Manager creates, cleans up, and merges git worktrees used to isolate a
// single task attempt from the main repository checkout.
type Manager struct {
	repoPath      string
	worktreeBase  string
	diskThreshold float64
	gate          MergeGate
	logger        *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorktreeBase overrides the base directory worktrees are created
// under. Defaults to os.TempDir().
func WithWorktreeBase(base string) ManagerOption {
	return func(m *Manager) { m.worktreeBase = base }
}

// WithDiskThreshold overrides the maximum disk usage percentage allowed
// before Create refuses to proceed. Defaults to 80.0.
func WithDiskThreshold(pct float64) ManagerOption {
	return func(m *Manager) { m.diskThreshold = pct }
}

// WithMergeGate attaches a traceability check that Merge consults before
// fast-forwarding a task branch into the target branch.
func WithMergeGate(gate MergeGate) ManagerOption {
	return func(m *Manager) { m.gate = gate }
}

// WithLogger overrides the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager rooted at repoPath.
func NewManager(repoPath string, opts ...ManagerOption) *Manager {
	m := &Manager{
		repoPath:      repoPath,
		worktreeBase:  os.TempDir(),
		diskThreshold: 80.0,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) worktreePath(taskID string) string {
	return filepath.Join(m.worktreeBase, "hc_worktree_"+taskID)
}

func (m *Manager) branchName(taskID string, attempt int) string {
	return fmt.Sprintf("feature/%s_attempt_%d", taskID, attempt)
}

// Create creates a new worktree for task at the given attempt number,
// returning the worktree's filesystem path.
func (m *Manager) Create(ctx context.Context, taskID string, attempt int) (string, error) {
	worktreePath := m.worktreePath(taskID)

	if _, err := checkDiskSpace(m.worktreeBase, m.diskThreshold); err != nil {
		return "", err
	}

	branch := m.branchName(taskID, attempt)
	m.logger.Info("creating worktree", "task_id", taskID, "path", worktreePath, "branch", branch)

	if _, err := m.runGit(ctx, "worktree", "add", "-b", branch, worktreePath); err != nil {
		m.cleanupPartial(worktreePath, branch)
		return "", &WorktreeCreateError{TaskID: taskID, Err: err}
	}

	m.logger.Info("worktree created", "task_id", taskID, "path", worktreePath)
	return worktreePath, nil
}

// cleanupPartial removes any partial state left behind by a failed create.
func (m *Manager) cleanupPartial(worktreePath, branch string) {
	if _, err := os.Stat(worktreePath); err == nil {
		if err := os.RemoveAll(worktreePath); err != nil {
			m.logger.Warn("rmtree error on partial worktree", "path", worktreePath, "error", err)
		}
	}
	_, _ = m.runGit(context.Background(), "branch", "-D", branch)
	_, _ = m.runGit(context.Background(), "worktree", "prune")
}

// Cleanup removes a task's worktree and, if deleteBranch is true, every
// attempt branch for that task. Idempotent: cleaning an already-clean
// worktree is not an error.
func (m *Manager) Cleanup(ctx context.Context, taskID string, deleteBranch bool) error {
	worktreePath := m.worktreePath(taskID)
	m.logger.Info("cleaning up worktree", "task_id", taskID)

	if _, err := os.Stat(worktreePath); err == nil {
		if _, err := m.runGit(ctx, "worktree", "remove", worktreePath, "--force"); err != nil {
			if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
				m.logger.Warn("rmtree error on worktree", "path", worktreePath, "error", rmErr)
			}
			_, _ = m.runGit(ctx, "worktree", "prune")
		}
	}

	if deleteBranch {
		out, _ := m.runGit(ctx, "branch", "--list", fmt.Sprintf("feature/%s_attempt_*", taskID))
		for _, branch := range strings.Split(strings.TrimSpace(out), "\n") {
			branch = strings.TrimSpace(strings.TrimPrefix(branch, "*"))
			branch = strings.TrimSpace(branch)
			if branch == "" {
				continue
			}
			if _, err := m.runGit(ctx, "branch", "-D", branch); err == nil {
				m.logger.Info("deleted branch", "branch", branch)
			}
		}
	}

	m.logger.Info("cleanup complete", "task_id", taskID)
	return nil
}

// MergeOptions configures a Merge call.
type MergeOptions struct {
	TaskID       string
	TargetBranch string // defaults to "main"
	Attempt      int    // defaults to 1
	CheckGate    bool   // consult the configured MergeGate, if any
}

// Merge fast-forwards a task's attempt branch into the target branch. If
// the fast-forward isn't possible, the worktree is preserved for manual
// conflict resolution and a failed MergeResult is returned (not an
// error) so callers can distinguish "merge blocked" from "merge crashed".
func (m *Manager) Merge(ctx context.Context, opts MergeOptions) (*MergeResult, error) {
	targetBranch := opts.TargetBranch
	if targetBranch == "" {
		targetBranch = "main"
	}
	attempt := opts.Attempt
	if attempt == 0 {
		attempt = 1
	}
	branch := m.branchName(opts.TaskID, attempt)

	m.logger.Info("attempting merge", "branch", branch, "target", targetBranch)

	if opts.CheckGate && m.gate != nil {
		approved, reason, err := m.gate.CheckBeforeMerge(ctx, opts.TaskID)
		if err != nil {
			return &MergeResult{Success: false, GateRejected: true, Message: fmt.Sprintf("traceability check error: %v", err)}, nil
		}
		if !approved {
			m.logger.Warn("traceability check blocked merge", "task_id", opts.TaskID, "reason", reason)
			return &MergeResult{Success: false, GateRejected: true, Message: fmt.Sprintf("traceability check blocked merge: %s", reason)}, nil
		}
		m.logger.Info("traceability check passed", "task_id", opts.TaskID, "reason", reason)
	}

	if _, err := m.runGit(ctx, "checkout", targetBranch); err != nil {
		return &MergeResult{Success: false, Message: fmt.Sprintf("failed to checkout %q: %v", targetBranch, err)}, nil
	}

	if _, err := m.runGit(ctx, "merge", "--ff-only", branch); err != nil {
		return &MergeResult{
			Success: false,
			Message: fmt.Sprintf("fast-forward merge not possible, resolve conflicts manually: %v", err),
		}, nil
	}

	m.logger.Info("merge successful, cleaning up worktree", "task_id", opts.TaskID)
	if err := m.Cleanup(ctx, opts.TaskID, true); err != nil {
		return nil, &WorktreeMergeError{TaskID: opts.TaskID, Err: err}
	}

	return &MergeResult{
		Success: true,
		Message: fmt.Sprintf("successfully merged %q into %q", branch, targetBranch),
	}, nil
}

// runGit runs a git subcommand rooted at the manager's repo path.
func (m *Manager) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// FindOrphaned returns worktree directories under worktreeBase that are
// either unregistered with git (stale directories) or registered but
// missing from disk.
func FindOrphaned(ctx context.Context, repoPath, worktreeBase string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	registered := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			registered[path] = true
		}
	}

	var orphaned []string

	entries, err := os.ReadDir(worktreeBase)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "hc_worktree_") {
				continue
			}
			full, err := filepath.Abs(filepath.Join(worktreeBase, entry.Name()))
			if err != nil {
				continue
			}
			if !registered[full] {
				orphaned = append(orphaned, full)
			}
		}
	}

	for path := range registered {
		if strings.Contains(path, "hc_worktree_") {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				orphaned = append(orphaned, path)
			}
		}
	}

	return orphaned, nil
}

// CleanupOrphaned removes every orphaned worktree directory found under
// worktreeBase and prunes git's worktree metadata, returning the count
// of directories removed.
func CleanupOrphaned(ctx context.Context, repoPath, worktreeBase string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	orphaned, err := FindOrphaned(ctx, repoPath, worktreeBase)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, path := range orphaned {
		if _, err := os.Stat(path); err == nil {
			logger.Info("removing orphaned worktree directory", "path", path)
			if err := os.RemoveAll(path); err != nil {
				logger.Warn("rmtree error on orphaned worktree", "path", path, "error", err)
			}
			count++
		}
	}

	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = repoPath
	_ = pruneCmd.Run()
	logger.Info("ran git worktree prune")

	return count, nil
}

// StartupRecovery cleans up orphaned worktrees left behind by a crashed
// previous run. Intended to be called once when the execution loop
// starts.
func StartupRecovery(ctx context.Context, repoPath, worktreeBase string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	count, err := CleanupOrphaned(ctx, repoPath, worktreeBase, logger)
	if err != nil {
		return err
	}
	if count > 0 {
		logger.Info("recovered orphaned worktrees", "count", count)
	}
	return nil
}
