package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeQueueFile(t *testing.T, q Queue) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	data, err := json.MarshalIndent(&q, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadParsesQueueFile(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	q, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, q.Tasks, 2)
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	_, err := store.Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvalidQueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks":[{"id":"t1"},{"id":"t1"}]}`), 0o644))

	store := NewStore(path)
	_, err := store.Load()
	var dup *DuplicateIDError
	assert.ErrorAs(t, err, &dup)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	q := sample()
	q.Tasks[0].Status = StatusInProgress
	require.NoError(t, store.Save(&q))

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, reloaded.Tasks[0].Status)
	assert.Equal(t, q.Tasks[1].Dependencies, reloaded.Tasks[1].Dependencies)
}

func TestSaveWritesAtomicallyViaTempRename(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	require.NoError(t, store.Save(&Queue{Tasks: []Task{{ID: "t1", Status: StatusOpen}}}))

	tempPath := filepath.Join(filepath.Dir(path), "queue.tmp")
	_, err := os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err), "temp file should not survive a successful save")
}

func TestUpdateTaskStatusMutatesOnlyTargetTask(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	require.NoError(t, store.UpdateTaskStatus("t1", StatusComplete))

	reloaded, err := NewStore(path).Load()
	require.NoError(t, err)
	t1, _ := reloaded.FindTask("t1")
	t2, _ := reloaded.FindTask("t2")
	assert.Equal(t, StatusComplete, t1.Status)
	assert.Equal(t, StatusOpen, t2.Status)
}

func TestUpdateTaskStatusMissingTask(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	err := store.UpdateTaskStatus("nope", StatusComplete)
	var notFound *KeyNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestFindTaskSatisfiesTraceabilityLookup(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	task, ok, err := store.FindTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "goal_1", task.NorthStarGoal)

	_, ok, err = store.FindTask(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatchForExternalEditsInvalidatesCache(t *testing.T) {
	path := writeQueueFile(t, sample())
	store := NewStore(path)

	_, err := store.Load()
	require.NoError(t, err)

	stop, err := store.WatchForExternalEdits()
	require.NoError(t, err)
	defer stop()

	updated := sample()
	updated.Tasks[0].Status = StatusComplete
	data, err := json.MarshalIndent(&updated, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	assert.Eventually(t, func() bool {
		q, err := store.Load()
		return err == nil && q.Tasks[0].Status == StatusComplete
	}, time.Second, 10*time.Millisecond)
}
