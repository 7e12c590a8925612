// Package queue implements the task queue store: the data model for
// tasks and queues, dependency/cycle validation, and an atomic,
// lock-protected JSON file backing store. Grounded on
// original_source/orchestrator/models.py and
// original_source/orchestrator/queue_manager.py.
package queue

import "fmt"

// Status is a task's position in the execution lifecycle.
type Status string

const (
	StatusOpen           Status = "open"
	StatusInProgress     Status = "in_progress"
	StatusReview         Status = "review"
	StatusComplete       Status = "complete"
	StatusBlocked        Status = "blocked"
	StatusCancelled      Status = "cancelled"
	StatusPendingReplan  Status = "pending_replan"
	StatusPendingParent  Status = "pending_parent"
)

// Task is a single unit of work in the queue. Every task must carry a
// NorthStarGoal so it can be traced back to the project's guiding
// principles (see the traceability package).
type Task struct {
	ID               string   `json:"id"`
	Status           Status   `json:"status"`
	Priority         int      `json:"priority"`
	Description      string   `json:"description"`
	NorthStarGoal    string   `json:"northstar_goal"`
	Dependencies     []string `json:"dependencies"`
	SuccessDefinition string  `json:"success_definition"`
	Files            []string `json:"files"`
	SourceFile       *string  `json:"source_file,omitempty"`
	SourceHash       *string  `json:"source_hash,omitempty"`
}

// Queue is the root document: a list of tasks plus the cross-task
// invariants that make it well-formed.
type Queue struct {
	Tasks []Task `json:"tasks"`
}

// DuplicateIDError is raised when two tasks share an ID.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate task ID: %s", e.ID)
}

// OrphanDependencyError is raised when a task depends on an ID that
// doesn't exist in the queue.
type OrphanDependencyError struct {
	TaskID string
	DepID  string
}

func (e *OrphanDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DepID)
}

// CircularDependencyError is raised when the dependency graph has a
// cycle.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	result := "circular dependency detected: "
	for i, id := range e.Cycle {
		if i > 0 {
			result += " -> "
		}
		result += id
	}
	return result
}

// KeyNotFoundError is raised when a task ID has no matching task.
type KeyNotFoundError struct {
	TaskID string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// Validate checks the cross-task constraints: unique IDs, resolvable
// dependencies, and an acyclic dependency graph. It mirrors
// QueueModel.validate_queue's three passes in order, so the first
// violation encountered is the one reported.
func (q *Queue) Validate() error {
	ids := make(map[string]bool, len(q.Tasks))
	for _, t := range q.Tasks {
		if ids[t.ID] {
			return &DuplicateIDError{ID: t.ID}
		}
		ids[t.ID] = true
	}

	for _, t := range q.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return &OrphanDependencyError{TaskID: t.ID, DepID: dep}
			}
		}
	}

	return q.checkCircularDependencies(ids)
}

// checkCircularDependencies detects cycles via recursive DFS
// with a three-color visited map, mirroring
// QueueModel._check_circular_dependencies.
func (q *Queue) checkCircularDependencies(ids map[string]bool) error {
	depMap := make(map[string][]string, len(q.Tasks))
	for _, t := range q.Tasks {
		depMap[t.ID] = t.Dependencies
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(ids))
	for id := range ids {
		state[id] = unvisited
	}

	var path []string
	var dfs func(id string) error
	dfs = func(id string) error {
		if state[id] == visiting {
			idx := 0
			for i, p := range path {
				if p == id {
					idx = i
					break
				}
			}
			cycle := append(append([]string{}, path[idx:]...), id)
			return &CircularDependencyError{Cycle: cycle}
		}
		if state[id] == visited {
			return nil
		}

		state[id] = visiting
		path = append(path, id)

		for _, dep := range depMap[id] {
			if ids[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = visited
		return nil
	}

	for id := range ids {
		if state[id] == unvisited {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindTask returns the task with the given ID, mirroring the lookup
// QueueManager.update_task_status performs before mutating.
func (q *Queue) FindTask(taskID string) (Task, bool) {
	for _, t := range q.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}
	return Task{}, false
}
