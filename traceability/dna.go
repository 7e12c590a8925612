// Package traceability implements the DNA drift check: every task must
// trace back to a NorthStar goal, or it is rejected as an orphan
// feature before merge. Grounded on
// original_source/orchestrator/dna_check.py.
package traceability

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// NorthStarError is returned when NORTHSTAR.md cannot be found or parsed.
type NorthStarError struct {
	Path string
	Err  error
}

func (e *NorthStarError) Error() string {
	return fmt.Sprintf("parse northstar file %q: %v", e.Path, e.Err)
}
func (e *NorthStarError) Unwrap() error { return e.Err }

// TaskNotFoundError is returned when a task ID has no corresponding task.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found in queue", e.TaskID)
}

// Task is the minimal view of a task this package needs: an
// identifier and the NorthStar goal it claims to trace to.
type Task struct {
	ID            string
	NorthStarGoal string
}

// LineageResult is the outcome of checking a single task's lineage.
type LineageResult struct {
	Valid       bool
	MatchedGoal string // empty if Valid is false
	Message     string
}

// ValidationResult is the outcome of validating every task in a queue.
type ValidationResult struct {
	Valid       bool
	OrphanTasks []string
	ValidTasks  []string
}

// MergeGateResult is the outcome of a pre-merge DNA gate check.
type MergeGateResult struct {
	Approved bool
	Reason   string
}

var (
	goalsSectionPattern = regexp.MustCompile(`(?is)##\s*Goals\s*\n(.*?)(?:\n##|\z)`)
	goalStartPattern    = regexp.MustCompile(`(?m)(\d+)\.\s*\*\*([^*]+)\*\*`)
	goalDescPattern     = regexp.MustCompile(`(?s)^\s*[-\x{2013}\x{2014}]\s*(.+?)\s*$`)
	goalNumberPattern   = regexp.MustCompile(`(?i)^goal\s+(\d+)\s*[:\-]?\s*(.*)$`)
	nonWordPattern      = regexp.MustCompile(`[^\w\s]`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
)

var stopwords = map[string]bool{
	"goal": true, "the": true, "a": true, "an": true, "and": true,
	"or": true, "to": true, "in": true, "for": true,
}

// ParseNorthStar reads a NORTHSTAR.md file and extracts its numbered
// goals from the "## Goals" section into a goal_N -> description map.
func ParseNorthStar(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &NorthStarError{Path: path, Err: err}
	}

	goals := make(map[string]string)

	section := goalsSectionPattern.FindStringSubmatch(string(content))
	if len(section) < 2 {
		return goals, nil
	}

	goalsText := section[1]
	starts := goalStartPattern.FindAllStringSubmatchIndex(goalsText, -1)
	for i, loc := range starts {
		goalNum := goalsText[loc[2]:loc[3]]
		title := strings.TrimSpace(goalsText[loc[4]:loc[5]])

		descEnd := len(goalsText)
		if i+1 < len(starts) {
			descEnd = starts[i+1][0]
		}
		descRaw := goalsText[loc[1]:descEnd]

		desc := ""
		if m := goalDescPattern.FindStringSubmatch(descRaw); len(m) > 1 {
			desc = strings.TrimSpace(m[1])
		}

		goalID := "goal_" + goalNum
		full := title
		if desc != "" {
			full = title + " - " + desc
		}
		goals[goalID] = full
	}

	return goals, nil
}

// NormalizeGoal converts a goal string to a comparable key: "Goal 4:
// DNA Drift Check" -> "goal_4"; free-form text -> snake_case.
func NormalizeGoal(goalText string) string {
	text := strings.ToLower(strings.TrimSpace(goalText))

	if m := goalNumberPattern.FindStringSubmatch(text); len(m) > 0 {
		return "goal_" + m[1]
	}

	cleaned := nonWordPattern.ReplaceAllString(text, "")
	return whitespacePattern.ReplaceAllString(strings.TrimSpace(cleaned), "_")
}

func keywordSet(text string) map[string]bool {
	cleaned := nonWordPattern.ReplaceAllString(strings.ToLower(text), "")
	set := make(map[string]bool)
	for _, word := range strings.Fields(cleaned) {
		if !stopwords[word] {
			set[word] = true
		}
	}
	return set
}

// CheckLineage determines whether task traces to a NorthStar goal:
// first by exact normalized-ID match, then by keyword overlap (>= 2
// shared keywords, or >= 50% of the task's keywords matched).
func CheckLineage(task Task, goals map[string]string) LineageResult {
	normalized := NormalizeGoal(task.NorthStarGoal)

	if desc, ok := goals[normalized]; ok {
		return LineageResult{
			Valid:       true,
			MatchedGoal: normalized,
			Message:     fmt.Sprintf("Task %q traces to %s: %s", task.ID, normalized, desc),
		}
	}

	taskKeywords := keywordSet(task.NorthStarGoal)
	for goalID, desc := range goals {
		goalKeywords := keywordSet(desc)

		matching := 0
		for word := range taskKeywords {
			if goalKeywords[word] {
				matching++
			}
		}

		significantOverlap := len(taskKeywords) > 0 && float64(matching)/float64(len(taskKeywords)) >= 0.5
		if matching >= 2 || significantOverlap {
			return LineageResult{
				Valid:       true,
				MatchedGoal: goalID,
				Message:     fmt.Sprintf("Task %q traces to %s (partial match): %s", task.ID, goalID, desc),
			}
		}
	}

	return LineageResult{
		Valid: false,
		Message: fmt.Sprintf(
			"Task %q has no matching goal in NorthStar. northstar_goal=%q does not trace to any defined goal.",
			task.ID, task.NorthStarGoal,
		),
	}
}

// ValidateQueueDNA checks every task in tasks against goals, splitting
// them into valid and orphan lists.
func ValidateQueueDNA(tasks []Task, goals map[string]string) ValidationResult {
	var valid, orphan []string
	for _, task := range tasks {
		if CheckLineage(task, goals).Valid {
			valid = append(valid, task.ID)
		} else {
			orphan = append(orphan, task.ID)
		}
	}
	return ValidationResult{Valid: len(orphan) == 0, OrphanTasks: orphan, ValidTasks: valid}
}

// TaskLookup resolves a task ID to its traceability-relevant fields,
// satisfied by the queue store.
type TaskLookup interface {
	FindTask(ctx context.Context, taskID string) (Task, bool, error)
}

// Checker is the pre-merge DNA gate: it holds a parsed set of
// NorthStar goals and consults a TaskLookup to resolve task IDs.
// Checker's CheckTaskBeforeMerge method satisfies quality.DNAChecker
// directly; workspace.MergeGate names its method CheckBeforeMerge, so
// worktree merges reach a Checker through cmd/hconductor's
// traceabilityGate adapter. Neither package imports this one.
type Checker struct {
	goals  map[string]string
	lookup TaskLookup
}

// NewChecker builds a Checker from already-parsed NorthStar goals.
func NewChecker(goals map[string]string, lookup TaskLookup) *Checker {
	return &Checker{goals: goals, lookup: lookup}
}

// NewCheckerFromFile builds a Checker by parsing northstarPath.
func NewCheckerFromFile(northstarPath string, lookup TaskLookup) (*Checker, error) {
	goals, err := ParseNorthStar(northstarPath)
	if err != nil {
		return nil, err
	}
	return NewChecker(goals, lookup), nil
}

// CheckTaskBeforeMerge resolves taskID via the configured TaskLookup
// and checks its lineage against the configured NorthStar goals.
func (c *Checker) CheckTaskBeforeMerge(ctx context.Context, taskID string) (bool, string, error) {
	task, found, err := c.lookup.FindTask(ctx, taskID)
	if err != nil {
		return false, "", fmt.Errorf("look up task %q: %w", taskID, err)
	}
	if !found {
		return false, "", &TaskNotFoundError{TaskID: taskID}
	}

	lineage := CheckLineage(task, c.goals)
	if lineage.Valid {
		return true, fmt.Sprintf("Merge approved: %s", lineage.Message), nil
	}
	return false, fmt.Sprintf("DNA drift detected - orphan task: %s", lineage.Message), nil
}

// Report renders a ValidationResult as a human-readable report,
// mirroring dna_check.py's CLI output format.
func Report(queuePath, northstarPath string, result ValidationResult) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString("DNA DRIFT CHECK REPORT\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString(fmt.Sprintf("Queue: %s\n", queuePath))
	b.WriteString(fmt.Sprintf("NorthStar: %s\n", northstarPath))
	b.WriteString(strings.Repeat("-", 60) + "\n")
	b.WriteString(fmt.Sprintf("Valid tasks: %d\n", len(result.ValidTasks)))
	b.WriteString(fmt.Sprintf("Orphan tasks: %d\n", len(result.OrphanTasks)))
	b.WriteString(strings.Repeat("-", 60) + "\n")

	if result.Valid {
		b.WriteString("STATUS: PASS - All tasks trace to NorthStar goals\n")
		return b.String()
	}

	b.WriteString("STATUS: FAIL - Orphan tasks detected!\n\n")
	b.WriteString("Orphan tasks (no NorthStar lineage):\n")
	for _, id := range result.OrphanTasks {
		b.WriteString("  - " + id + "\n")
	}
	return b.String()
}
