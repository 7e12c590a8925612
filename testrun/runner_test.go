package testrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeTest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test_generated.py")
	assert := assert.New(t)
	assert.NoError(os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestRunMissingFileReturnsError(t *testing.T) {
	r := NewRunner()
	result := r.Run(context.Background(), "/nonexistent/test_missing.py", time.Second, "")
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, 2, result.ExitCode)
	assert.Contains(t, result.Stderr, "not found")
}

func TestRunPassingTest(t *testing.T) {
	path := writeTest(t, "def test_ok():\n    assert 1 + 1 == 2\n")
	r := NewRunner()
	result := r.Run(context.Background(), path, 10*time.Second, "")
	assert.Equal(t, StatusPassed, result.Status)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunFailingTest(t *testing.T) {
	path := writeTest(t, "def test_fails():\n    assert 1 == 2\n")
	r := NewRunner()
	result := r.Run(context.Background(), path, 10*time.Second, "")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunTimesOut(t *testing.T) {
	path := writeTest(t, "import time\n\ndef test_hangs():\n    time.sleep(30)\n")
	r := NewRunner()
	result := r.Run(context.Background(), path, 200*time.Millisecond, "")
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Contains(t, result.Stderr, "timed out")
}
