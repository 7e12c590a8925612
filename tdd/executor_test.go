package tdd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/hconductor/llm"
	"github.com/c360studio/hconductor/llm/testutil"
	"github.com/c360studio/hconductor/retry"
	"github.com/c360studio/hconductor/testrun"
	"github.com/c360studio/hconductor/testvalidate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExecutor(responses ...*llm.Response) (*Executor, *testutil.MockLLMClient) {
	mock := &testutil.MockLLMClient{Responses: responses}
	return NewExecutor(mock, testrun.NewRunner(), testvalidate.New()), mock
}

func TestExtractCodeStripsFence(t *testing.T) {
	code := extractCode("Here you go:\n```python\ndef add(a, b):\n    return a + b\n```\nDone.")
	assert.Equal(t, "def add(a, b):\n    return a + b\n", code)
}

func TestExtractCodeFallsBackWhenNoFence(t *testing.T) {
	code := extractCode("  return a + b  ")
	assert.Equal(t, "return a + b\n", code)
}

func TestExecuteRedAcceptsFailingImportErrorTest(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")

	exec, mock := newExecutor(&llm.Response{
		Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n```",
	})

	red, err := exec.ExecuteRed(context.Background(), "implement add()", testPath, "calc.py")
	require.NoError(t, err)
	assert.Equal(t, testPath, red.TestPath)
	assert.Contains(t, red.TestContent, "def test_add")
	assert.Equal(t, 1, mock.GetCallCount())

	written, err := os.ReadFile(testPath)
	require.NoError(t, err)
	assert.Equal(t, red.TestContent, string(written))
}

func TestExecuteRedRejectsPassingTest(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_trivial.py")

	exec, _ := newExecutor(&llm.Response{
		Content: "```python\ndef test_trivial():\n    assert True\n```",
	})

	_, err := exec.ExecuteRed(context.Background(), "implement add()", testPath, "calc.py")
	var invalidTest *InvalidTestError
	require.ErrorAs(t, err, &invalidTest)
}

func TestExecuteRedRejectsTrivialAssertion(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")

	exec, _ := newExecutor(&llm.Response{
		Content: "```python\nfrom calc import add\n\ndef test_add():\n    assert True\n    assert add(2, 3) == 5\n```",
	})

	_, err := exec.ExecuteRed(context.Background(), "implement add()", testPath, "calc.py")
	var invalidTest *InvalidTestError
	require.ErrorAs(t, err, &invalidTest)
	assert.Contains(t, invalidTest.Reason, "trivial assertion")
}

func TestExecuteGreenWritesPassingImplementation(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")
	implPath := filepath.Join(dir, "calc.py")
	require.NoError(t, os.WriteFile(testPath, []byte("from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n"), 0644))

	exec, _ := newExecutor(&llm.Response{
		Content: "```python\ndef add(a, b):\n    return a + b\n```",
	})

	red := &RedResult{TestPath: testPath, TestContent: "from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n", FailOutput: "ModuleNotFoundError: No module named 'calc'"}

	green, err := exec.ExecuteGreen(context.Background(), "implement add()", red, implPath, "")
	require.NoError(t, err)
	assert.Equal(t, implPath, green.ImplPath)
	assert.Contains(t, green.ImplContent, "def add")
}

func TestExecuteGreenNeedsRetryOnFailingImplementation(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")
	implPath := filepath.Join(dir, "calc.py")
	require.NoError(t, os.WriteFile(testPath, []byte("from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n"), 0644))

	exec, _ := newExecutor(&llm.Response{
		Content: "```python\ndef add(a, b):\n    return a - b\n```",
	})

	red := &RedResult{TestPath: testPath, TestContent: "irrelevant"}

	_, err := exec.ExecuteGreen(context.Background(), "implement add()", red, implPath, "")
	var needsRetry *NeedsRetryError
	require.ErrorAs(t, err, &needsRetry)
	assert.Contains(t, needsRetry.Output, "assert")
}

func TestExecuteGreenWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")
	implPath := filepath.Join(dir, "calc.py")
	require.NoError(t, os.WriteFile(testPath, []byte("from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n"), 0644))

	exec, mock := newExecutor(
		&llm.Response{Content: "```python\ndef add(a, b):\n    return a - b\n```"},
		&llm.Response{Content: "```python\ndef add(a, b):\n    return a + b\n```"},
	)

	red := &RedResult{TestPath: testPath, TestContent: "irrelevant"}
	policy := retry.NewPolicy(3, retry.WithLogger(discardLogger()))
	policy.BaseDelaySeconds = 0.001
	policy.MaxDelaySeconds = 0.001

	green, err := exec.ExecuteGreenWithRetry(context.Background(), "implement add()", red, implPath, policy)
	require.NoError(t, err)
	assert.Contains(t, green.ImplContent, "return a + b")
	assert.Equal(t, 2, mock.GetCallCount())
	assert.True(t, policy.IsComplete())
}

func TestExecuteGreenWithRetryExhaustsPolicy(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")
	implPath := filepath.Join(dir, "calc.py")
	require.NoError(t, os.WriteFile(testPath, []byte("from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n"), 0644))

	alwaysWrong := &llm.Response{Content: "```python\ndef add(a, b):\n    return a - b\n```"}
	exec, _ := newExecutor(alwaysWrong, alwaysWrong)

	red := &RedResult{TestPath: testPath, TestContent: "irrelevant"}
	policy := retry.NewPolicy(2, retry.WithLogger(discardLogger()))
	policy.BaseDelaySeconds = 0.01
	policy.MaxDelaySeconds = 0.01

	_, err := exec.ExecuteGreenWithRetry(context.Background(), "implement add()", red, implPath, policy)
	var maxRetries *MaxRetriesExceeded
	require.ErrorAs(t, err, &maxRetries)
	assert.Equal(t, 2, maxRetries.Attempts)
	assert.Len(t, maxRetries.ErrorHistory, 2)
}

func TestExecuteRefactorKeepsPassingRefactor(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")
	implPath := filepath.Join(dir, "calc.py")
	require.NoError(t, os.WriteFile(testPath, []byte("from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n"), 0644))
	require.NoError(t, os.WriteFile(implPath, []byte("def add(a, b):\n    return a + b\n"), 0644))

	exec, _ := newExecutor(&llm.Response{
		Content: "```python\ndef add(a, b):\n    \"\"\"Add two numbers.\"\"\"\n    return a + b\n```",
	})

	green := &GreenResult{ImplPath: implPath, ImplContent: "def add(a, b):\n    return a + b\n"}
	refactor, err := exec.ExecuteRefactor(context.Background(), "implement add()", green, testPath)
	require.NoError(t, err)
	assert.False(t, refactor.Reverted)
	assert.Contains(t, refactor.ImplContent, "Add two numbers")
}

func TestExecuteRefactorRevertsOnBreakage(t *testing.T) {
	dir := t.TempDir()
	testPath := filepath.Join(dir, "test_calc.py")
	implPath := filepath.Join(dir, "calc.py")
	require.NoError(t, os.WriteFile(testPath, []byte("from calc import add\n\ndef test_add():\n    assert add(2, 3) == 5\n"), 0644))
	require.NoError(t, os.WriteFile(implPath, []byte("def add(a, b):\n    return a + b\n"), 0644))

	exec, _ := newExecutor(&llm.Response{
		Content: "```python\ndef add(a, b):\n    return a - b\n```",
	})

	green := &GreenResult{ImplPath: implPath, ImplContent: "def add(a, b):\n    return a + b\n"}
	refactor, err := exec.ExecuteRefactor(context.Background(), "implement add()", green, testPath)
	require.NoError(t, err)
	assert.True(t, refactor.Reverted)

	restored, err := os.ReadFile(implPath)
	require.NoError(t, err)
	assert.Equal(t, "def add(a, b):\n    return a + b\n", string(restored))
}
