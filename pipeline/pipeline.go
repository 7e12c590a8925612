// Package pipeline orchestrates the stages that take a single task
// from worktree creation through merge: worktree, tdd, qa (optional),
// traceability (optional), merge, memory (best-effort), cleanup
// (always). Grounded on original_source/orchestrator/execution.py's
// TaskPipeline and stage_* functions.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/c360studio/hconductor/memory"
	"github.com/c360studio/hconductor/quality"
	"github.com/c360studio/hconductor/queue"
	"github.com/c360studio/hconductor/retry"
	"github.com/c360studio/hconductor/tdd"
	"github.com/c360studio/hconductor/workspace"
	"github.com/nats-io/nats.go"
)

// Stage names reported on Result.StageReached, matching
// execution.py's stage_reached vocabulary.
const (
	StageInit         = "init"
	StageWorktree     = "worktree"
	StageTDD          = "tdd"
	StageQA           = "qa"
	StageTraceability = "traceability"
	StageMerge        = "merge"
	StageMemory       = "memory"
	StageCleanup      = "cleanup"
)

// Result is the outcome of running the Pipeline for one task.
type Result struct {
	Success      bool
	TaskID       string
	StageReached string
	Error        string
	TDDResult    *tdd.CycleResult
	QAResult     *quality.Result
	MergeResult  *workspace.MergeResult
}

// Publisher is the narrow seam the best-effort NATS publish step
// needs, satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures optional Pipeline behavior.
type Config struct {
	TargetBranch string // defaults to "main"
	MaxRetries   int    // Green-phase retry budget, defaults to 5
	ContextPath  string // context.yaml path for the memory stage; empty skips it
	NATSSubject  string // defaults to "hconductor.task.completed"
	CheckDNA     bool   // consult the Manager's configured MergeGate before merging

	// RetryBaseDelaySeconds and RetryMaxDelaySeconds override the
	// Green-phase retry.Policy's backoff, for tests that can't afford
	// the teacher's default 1s/30s. Zero keeps the Policy defaults.
	RetryBaseDelaySeconds float64
	RetryMaxDelaySeconds  float64
}

// Pipeline composes the Workspace Manager, TDD Executor, optional
// Quality Gate, optional memory Agent, and an optional best-effort
// NATS publisher into the ordered stages described in execution.py's
// TaskPipeline.execute. The optional traceability/DNA check (stage 4)
// is performed by the Workspace Manager itself, immediately before the
// fast-forward merge, when it was built with workspace.WithMergeGate
// and Config.CheckDNA is set.
type Pipeline struct {
	worktrees *workspace.Manager
	executor  *tdd.Executor
	qaGate    *quality.Gate
	memAgent  *memory.Agent
	publisher Publisher
	mergeLock sync.Locker
	cfg       Config
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQualityGate attaches the optional QA review stage.
func WithQualityGate(gate *quality.Gate) Option {
	return func(p *Pipeline) { p.qaGate = gate }
}

// WithMemoryAgent attaches the best-effort context.yaml update stage.
func WithMemoryAgent(agent *memory.Agent) Option {
	return func(p *Pipeline) { p.memAgent = agent }
}

// WithPublisher attaches a best-effort NATS publish step run
// alongside the memory stage. Publish failures are logged and never
// fail the pipeline.
func WithPublisher(publisher Publisher) Option {
	return func(p *Pipeline) { p.publisher = publisher }
}

// WithMergeLock serializes the merge stage across concurrently
// running Pipeline instances sharing one VCS repository; callers
// running a single Pipeline at a time may omit this.
func WithMergeLock(lock sync.Locker) Option {
	return func(p *Pipeline) { p.mergeLock = lock }
}

// WithLogger overrides the pipeline's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New builds a Pipeline.
func New(worktrees *workspace.Manager, executor *tdd.Executor, cfg Config, opts ...Option) *Pipeline {
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = "main"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = "hconductor.task.completed"
	}

	p := &Pipeline{
		worktrees: worktrees,
		executor:  executor,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs every stage for task in order, guaranteeing cleanup
// runs on every exit path.
func (p *Pipeline) Execute(ctx context.Context, task queue.Task) (result Result) {
	result = Result{TaskID: task.ID, StageReached: StageInit}

	runner := tdd.NewFullCycleRunner(p.worktrees, p.executor, task.ID, task.Description, targetModule(task))
	defer func() {
		p.runCleanupStage(ctx, task.ID, result.StageReached)
	}()

	result.StageReached = StageWorktree
	if err := runner.StartCycle(ctx); err != nil {
		result.Error = fmt.Sprintf("worktree error: %v", err)
		return result
	}

	result.StageReached = StageTDD
	tddResult, err := p.runTDD(ctx, runner)
	result.TDDResult = tddResult
	if err != nil {
		result.Error = fmt.Sprintf("TDD failed after max retries: %v", err)
		return result
	}

	if p.qaGate != nil {
		result.StageReached = StageQA
		qaResult, err := p.runQA(ctx, task, tddResult)
		result.QAResult = qaResult
		if err != nil {
			result.Error = err.Error()
			return result
		}
	}

	result.StageReached = StageMerge
	mergeResult, err := p.runMerge(ctx, runner)
	result.MergeResult = mergeResult
	if mergeResult != nil && mergeResult.GateRejected {
		result.StageReached = StageTraceability
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.StageReached = StageMemory
	p.runMemoryStage(ctx, task)

	result.StageReached = StageCleanup
	result.Success = true
	return result
}

func targetModule(task queue.Task) string {
	if len(task.Files) > 0 {
		return task.Files[0]
	}
	return task.ID
}

func (p *Pipeline) runTDD(ctx context.Context, runner *tdd.FullCycleRunner) (*tdd.CycleResult, error) {
	if _, err := runner.RunRedPhase(ctx); err != nil {
		result := runner.Cycle().Result()
		return &result, err
	}

	policy := retry.NewPolicy(p.cfg.MaxRetries)
	if p.cfg.RetryBaseDelaySeconds > 0 {
		policy.BaseDelaySeconds = p.cfg.RetryBaseDelaySeconds
	}
	if p.cfg.RetryMaxDelaySeconds > 0 {
		policy.MaxDelaySeconds = p.cfg.RetryMaxDelaySeconds
	}
	if _, err := runner.RunGreenPhase(ctx, policy); err != nil {
		result := runner.Cycle().Result()
		return &result, err
	}

	result := runner.Cycle().Result()
	return &result, nil
}

func (p *Pipeline) runQA(ctx context.Context, task queue.Task, tddResult *tdd.CycleResult) (*quality.Result, error) {
	code := ""
	testOutput := ""
	if tddResult != nil && tddResult.Green != nil {
		if data, err := os.ReadFile(tddResult.Green.ImplPath); err == nil {
			code = string(data)
		}
		testOutput = tddResult.Green.TestOutput
	}

	result, err := p.qaGate.Review(ctx, quality.Task{Description: task.Description}, code, testOutput, "")
	if err != nil {
		return nil, fmt.Errorf("QA review error: %w", err)
	}
	if result.Decision == quality.DecisionRejected {
		return result, fmt.Errorf("QA REJECTED: %s", result.Summary)
	}
	return result, nil
}

func (p *Pipeline) runMerge(ctx context.Context, runner *tdd.FullCycleRunner) (*workspace.MergeResult, error) {
	if p.mergeLock != nil {
		p.mergeLock.Lock()
		defer p.mergeLock.Unlock()
	}

	mergeResult, err := runner.FinishCycle(ctx, false, &workspace.MergeOptions{
		TargetBranch: p.cfg.TargetBranch,
		CheckGate:    p.cfg.CheckDNA,
	})
	if err != nil {
		return nil, fmt.Errorf("merge error: %w", err)
	}
	if mergeResult != nil && !mergeResult.Success {
		return mergeResult, fmt.Errorf("merge failed/conflict: %s", mergeResult.Message)
	}
	return mergeResult, nil
}

// runMemoryStage performs the best-effort context.yaml update and
// NATS publish. Never fails the pipeline: every error is logged.
func (p *Pipeline) runMemoryStage(ctx context.Context, task queue.Task) {
	if p.memAgent != nil {
		if p.cfg.ContextPath == "" {
			p.logger.Warn("memory agent configured without a context path, skipping update")
		} else {
			result := p.memAgent.UpdateContext(ctx, []memory.CompletedTask{
				{ID: task.ID, Description: task.Description},
			}, p.cfg.ContextPath, false)
			if !result.Success {
				p.logger.Warn("memory update failed", "task_id", task.ID, "error", result.Error)
			}
		}
	}

	if p.publisher != nil {
		payload, err := json.Marshal(struct {
			TaskID string `json:"task_id"`
		}{TaskID: task.ID})
		if err != nil {
			p.logger.Warn("failed to marshal completion event", "error", err)
			return
		}
		if err := p.publisher.Publish(p.cfg.NATSSubject, payload); err != nil {
			p.logger.Warn("failed to publish completion event", "error", err)
		}
	}
}

// runCleanupStage always runs, on every exit path, including after a
// successful merge (which already cleaned up its own worktree).
// Manager.Cleanup is idempotent, so the repeat call is harmless.
func (p *Pipeline) runCleanupStage(ctx context.Context, taskID string, stageReached string) {
	if stageReached == StageInit {
		return
	}
	if err := p.worktrees.Cleanup(ctx, taskID, true); err != nil {
		p.logger.Warn("cleanup error (continuing)", "task_id", taskID, "error", err)
	}
}

// NewNATSPublisher connects to a NATS server at url, returning the
// connection, which satisfies Publisher and which the caller Closes.
// Returns an error if the connection cannot be established; callers
// should treat NATS as optional and proceed without a Publisher if
// this fails.
func NewNATSPublisher(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
