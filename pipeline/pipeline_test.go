package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/c360studio/hconductor/llm"
	"github.com/c360studio/hconductor/llm/testutil"
	"github.com/c360studio/hconductor/memory"
	"github.com/c360studio/hconductor/quality"
	"github.com/c360studio/hconductor/queue"
	"github.com/c360studio/hconductor/tdd"
	"github.com/c360studio/hconductor/testrun"
	"github.com/c360studio/hconductor/testvalidate"
	"github.com/c360studio/hconductor/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRepo creates a temporary git repository with an initial
// commit on "main", mirroring workspace's and tdd's own test fixture.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "initial.txt"), []byte("initial"), 0644))
	run("add", ".")
	run("commit", "-m", "feat: initial commit")

	return tmpDir
}

func newTDDExecutor(mock *testutil.MockLLMClient) *tdd.Executor {
	return tdd.NewExecutor(mock, testrun.NewRunner(), testvalidate.New())
}

func TestPipelineHappyPathMergesAndCleansUp(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base))

	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	}}
	executor := newTDDExecutor(mock)

	p := New(worktrees, executor, Config{TargetBranch: "main", MaxRetries: 2})

	task := queue.Task{ID: "task_calc", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, StageCleanup, result.StageReached)
	require.NotNil(t, result.MergeResult)
	assert.True(t, result.MergeResult.Success)

	_, statErr := os.Stat(filepath.Join(base, "hc_worktree_task_calc"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipelineWorktreeFailureStopsBeforeTDD(t *testing.T) {
	repo := setupTestRepo(t)
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase("/nonexistent/base/path/that/should/not/exist"))

	mock := &testutil.MockLLMClient{}
	executor := newTDDExecutor(mock)
	p := New(worktrees, executor, Config{})

	task := queue.Task{ID: "task_bad", Description: "broken setup", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	assert.False(t, result.Success)
	assert.Equal(t, StageWorktree, result.StageReached)
	assert.Contains(t, result.Error, "worktree error")
}

func TestPipelineQARejectionBlocksMergeAndStillCleansUp(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base))

	tddMock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	}}
	executor := newTDDExecutor(tddMock)

	qaMock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "DECISION: REJECTED\n\n## Summary\nintroduces a critical security hole\n\n- [critical] SECURITY: hardcoded credential\n"},
	}}
	qaGate := quality.NewGate(qaMock)

	p := New(worktrees, executor, Config{TargetBranch: "main", MaxRetries: 2}, WithQualityGate(qaGate))

	task := queue.Task{ID: "task_qa_block", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	require.False(t, result.Success)
	assert.Equal(t, StageQA, result.StageReached)
	require.NotNil(t, result.QAResult)
	assert.Equal(t, quality.DecisionRejected, result.QAResult.Decision)
	assert.Nil(t, result.MergeResult)

	_, statErr := os.Stat(filepath.Join(base, "hc_worktree_task_qa_block"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipelineMemoryStageNonBlockingOnFailure(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base))

	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	}}
	executor := newTDDExecutor(mock)

	memAgent := memory.NewAgent(nil)
	p := New(worktrees, executor, Config{
		TargetBranch: "main",
		MaxRetries:   2,
		ContextPath:  filepath.Join(t.TempDir(), "missing-context.yaml"),
	}, WithMemoryAgent(memAgent))

	task := queue.Task{ID: "task_mem", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, StageCleanup, result.StageReached)
}

type fakePublisher struct {
	subject string
	data    []byte
	calls   int
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	f.calls++
	return nil
}

func TestPipelinePublishesCompletionEventBestEffort(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base))

	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	}}
	executor := newTDDExecutor(mock)

	pub := &fakePublisher{}
	p := New(worktrees, executor, Config{TargetBranch: "main", MaxRetries: 2}, WithPublisher(pub))

	task := queue.Task{ID: "task_pub", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, "hconductor.task.completed", pub.subject)
	assert.Contains(t, string(pub.data), "task_pub")
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, []byte) error {
	return assert.AnError
}

func TestPipelinePublishFailureDoesNotFailPipeline(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base))

	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	}}
	executor := newTDDExecutor(mock)

	p := New(worktrees, executor, Config{TargetBranch: "main", MaxRetries: 2}, WithPublisher(failingPublisher{}))

	task := queue.Task{ID: "task_pub_fail", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	require.True(t, result.Success, result.Error)
}

func TestPipelineTDDExhaustionStopsBeforeMerge(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base))

	alwaysWrong := &llm.Response{Content: "```python\ndef add(a, b):\n    return a - b\n```"}
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		alwaysWrong,
		alwaysWrong,
	}}
	executor := newTDDExecutor(mock)

	p := New(worktrees, executor, Config{
		TargetBranch:          "main",
		MaxRetries:            2,
		RetryBaseDelaySeconds: 0.001,
		RetryMaxDelaySeconds:  0.001,
	})

	task := queue.Task{ID: "task_exhaust", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	assert.False(t, result.Success)
	assert.Equal(t, StageTDD, result.StageReached)
	assert.Contains(t, result.Error, "TDD failed after max retries")
}

type rejectingGate struct{}

func (rejectingGate) CheckBeforeMerge(ctx context.Context, taskID string) (bool, string, error) {
	return false, "no NorthStar goal traces to this task", nil
}

func TestPipelineTraceabilityRejectionReportsTraceabilityStage(t *testing.T) {
	repo := setupTestRepo(t)
	base := t.TempDir()
	worktrees := workspace.NewManager(repo, workspace.WithWorktreeBase(base), workspace.WithMergeGate(rejectingGate{}))

	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```"},
		{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	}}
	executor := newTDDExecutor(mock)

	p := New(worktrees, executor, Config{TargetBranch: "main", MaxRetries: 2, CheckDNA: true})

	task := queue.Task{ID: "task_drift", Description: "implement add()", Files: []string{"calc.py"}}
	result := p.Execute(context.Background(), task)

	assert.False(t, result.Success)
	assert.Equal(t, StageTraceability, result.StageReached)
	require.NotNil(t, result.MergeResult)
	assert.True(t, result.MergeResult.GateRejected)
	assert.Contains(t, result.Error, "traceability check blocked merge")
}
