package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/c360studio/hconductor/traceability"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// Store manages queue.json file operations: atomic read/write with
// advisory file locking to prevent corruption from concurrent access.
// Grounded on queue_manager.py's QueueManager.
type Store struct {
	path string

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cached   *Queue
	cacheSet bool
}

// NewStore builds a Store backed by the queue file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// WatchForExternalEdits starts an fsnotify watch on the queue file's
// directory and invalidates the in-memory cache whenever the queue
// file itself changes on disk, so a human editing queue.json
// concurrently with a running loop is picked up on the next Load.
// The returned stop function closes the watcher; callers should defer
// it. Not present in the Python original, which has no caching layer
// to invalidate.
func (s *Store) WatchForExternalEdits() (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create queue watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch queue directory: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	target := filepath.Clean(s.path)
	go func() {
		for event := range watcher.Events {
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.mu.Lock()
				s.cacheSet = false
				s.cached = nil
				s.mu.Unlock()
			}
		}
	}()

	return func() error {
		s.mu.Lock()
		s.watcher = nil
		s.mu.Unlock()
		return watcher.Close()
	}, nil
}

// Load reads the queue from disk, taking a shared advisory lock for
// the duration of the read. Returns *os.PathError-wrapping error if
// the file doesn't exist.
func (s *Store) Load() (*Queue, error) {
	s.mu.Lock()
	if s.cacheSet {
		cached := *s.cached
		s.mu.Unlock()
		return &cached, nil
	}
	s.mu.Unlock()

	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("queue file not found: %s: %w", s.path, err)
	}

	lock := flock.New(s.path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock queue file: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("parse queue file: %w", err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	cached := q
	s.cached = &cached
	s.cacheSet = true
	s.mu.Unlock()

	return &q, nil
}

// Save writes queue to disk atomically: marshal to a sibling temp
// file in the same directory, then rename over the original, holding
// an exclusive lock for the whole sequence.
func (s *Store) Save(queue *Queue) error {
	if err := queue.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	lock := flock.New(s.path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock queue file: %w", err)
	}
	defer lock.Unlock()

	if err := s.writeAndRename(data); err != nil {
		return err
	}

	s.mu.Lock()
	cached := *queue
	s.cached = &cached
	s.cacheSet = true
	s.mu.Unlock()

	return nil
}

// UpdateTaskStatus performs an atomic read-modify-write-rename on the
// queue file, updating a single task's status with the exclusive lock
// held for the entire sequence. Returns *KeyNotFoundError if taskID
// isn't present.
func (s *Store) UpdateTaskStatus(taskID string, status Status) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("queue file not found: %s: %w", s.path, err)
	}

	lock := flock.New(s.path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock queue file: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read queue file: %w", err)
	}

	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return fmt.Errorf("parse queue file: %w", err)
	}

	found := false
	for i := range q.Tasks {
		if q.Tasks[i].ID == taskID {
			q.Tasks[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return &KeyNotFoundError{TaskID: taskID}
	}

	out, err := json.MarshalIndent(&q, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := s.writeAndRename(out); err != nil {
		return err
	}

	s.mu.Lock()
	cached := q
	s.cached = &cached
	s.cacheSet = true
	s.mu.Unlock()

	return nil
}

// FindTask loads the queue and returns the traceability-relevant view
// of a single task, satisfying traceability.TaskLookup so a Store can
// be wired directly into a traceability.Checker.
func (s *Store) FindTask(_ context.Context, taskID string) (traceability.Task, bool, error) {
	q, err := s.Load()
	if err != nil {
		return traceability.Task{}, false, err
	}
	task, ok := q.FindTask(taskID)
	if !ok {
		return traceability.Task{}, false, nil
	}
	return traceability.Task{ID: task.ID, NorthStarGoal: task.NorthStarGoal}, true, nil
}

// writeAndRename writes data to a ".tmp" sibling of the queue file
// and renames it over the queue file, the same atomic-write idiom
// queue_manager.py uses (temp file + Path.replace).
func (s *Store) writeAndRename(data []byte) error {
	tempPath := s.path[:len(s.path)-len(filepath.Ext(s.path))] + ".tmp"
	if filepath.Ext(s.path) == "" {
		tempPath = s.path + ".tmp"
	}

	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp queue file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("rename temp queue file: %w", err)
	}
	return nil
}
