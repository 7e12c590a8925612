// Package quality implements the QA quality gate: a cynical code
// review routed through the Balanced model tier, with deterministic
// override rules for critical security and regression findings.
// Grounded on original_source/orchestrator/qa_agent.py.
package quality

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/hconductor/llm"
	"github.com/c360studio/hconductor/llm/prompts"
)

// Category classifies a review issue.
type Category string

const (
	CategoryLogic       Category = "LOGIC"
	CategorySecurity    Category = "SECURITY"
	CategoryStyle       Category = "STYLE"
	CategoryPerformance Category = "PERFORMANCE"
	CategoryRegression  Category = "REGRESSION"
)

// Decision is the gate's verdict.
type Decision string

const (
	DecisionApproved        Decision = "APPROVED"
	DecisionRejected        Decision = "REJECTED"
	DecisionNeedsRefinement Decision = "NEEDS_REFINEMENT"
)

// Issue is a single review finding.
type Issue struct {
	Severity    string // "critical", "major", "minor"
	Category    Category
	Description string
	Location    string // empty if not reported
}

// Result is the outcome of a code review.
type Result struct {
	Decision        Decision
	Summary         string
	Issues          []Issue
	Recommendations []string
	PassedChecks    []string
}

// Task describes the work under review.
type Task struct {
	Description        string
	SecurityBoundaries []string
}

// DNAChecker is the narrow seam ReviewWithTraceability consults before
// approving a review, satisfied by a traceability gate's
// CheckTaskBeforeMerge method.
type DNAChecker interface {
	CheckTaskBeforeMerge(ctx context.Context, taskID string) (approved bool, reason string, err error)
}

// Gate performs code review via the Balanced model tier.
type Gate struct {
	dispatcher Dispatcher
}

// Dispatcher is the narrow seam the gate needs from a model dispatch
// client, satisfied by *llm.Client and test fakes.
type Dispatcher interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// NewGate builds a quality Gate around a model dispatcher.
func NewGate(dispatcher Dispatcher) *Gate {
	return &Gate{dispatcher: dispatcher}
}

// Review sends code, test results, and task context to the qa_review
// route and parses the response into a Result, applying the
// deterministic override rules.
func (g *Gate) Review(ctx context.Context, task Task, code, testResults, existingTestResults string) (*Result, error) {
	taskDescription := formatTaskDescription(task)

	fullTestResults := testResults
	if existingTestResults != "" {
		fullTestResults = fmt.Sprintf("New Tests:\n%s\n\nExisting Tests:\n%s", testResults, existingTestResults)
	}

	tmpl, err := prompts.Get(prompts.QAReview)
	if err != nil {
		return nil, fmt.Errorf("load qa_review template: %w", err)
	}
	userPrompt, err := tmpl.Render(map[string]string{
		"code":             code,
		"test_results":     fullTestResults,
		"task_description": taskDescription,
	})
	if err != nil {
		return nil, fmt.Errorf("render qa_review template: %w", err)
	}

	resp, err := g.dispatcher.Complete(ctx, llm.Request{
		TaskType: "qa_review",
		Messages: []llm.Message{
			{Role: "system", Content: tmpl.SystemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return &Result{
			Decision:        DecisionNeedsRefinement,
			Summary:         fmt.Sprintf("Review failed: %v", err),
			Recommendations: []string{"Retry the review"},
		}, nil
	}

	return parseReviewResponse(resp.Content, existingTestResults), nil
}

// ReviewWithTraceability reviews code and then consults checker for
// NorthStar traceability. Both must pass for approval: a REJECTED code
// review short-circuits, and a traceability failure overrides an
// otherwise-passing review to REJECTED with a "DNA drift" summary.
func (g *Gate) ReviewWithTraceability(ctx context.Context, taskID string, checker DNAChecker, code, testResults, existingTestResults string) (*Result, error) {
	codeResult, err := g.Review(ctx, Task{Description: fmt.Sprintf("Task %s", taskID)}, code, testResults, existingTestResults)
	if err != nil {
		return nil, err
	}
	if codeResult.Decision == DecisionRejected {
		return codeResult, nil
	}

	approved, reason, err := checker.CheckTaskBeforeMerge(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("traceability check: %w", err)
	}
	if !approved {
		return &Result{
			Decision:        DecisionRejected,
			Summary:         fmt.Sprintf("DNA drift detected: %s", reason),
			Issues:          append([]Issue{}, codeResult.Issues...),
			Recommendations: append(append([]string{}, codeResult.Recommendations...), "Ensure task traces to a NorthStar goal"),
			PassedChecks:    append([]string{}, codeResult.PassedChecks...),
		}, nil
	}

	return &Result{
		Decision:        DecisionApproved,
		Summary:         codeResult.Summary + " DNA check passed.",
		Issues:          append([]Issue{}, codeResult.Issues...),
		Recommendations: append([]string{}, codeResult.Recommendations...),
		PassedChecks:    append(append([]string{}, codeResult.PassedChecks...), "dna_traceability"),
	}, nil
}

func formatTaskDescription(task Task) string {
	description := task.Description
	if description == "" {
		description = "No description"
	}
	if len(task.SecurityBoundaries) > 0 {
		var b strings.Builder
		for _, boundary := range task.SecurityBoundaries {
			b.WriteString("- " + boundary + "\n")
		}
		description = fmt.Sprintf("%s\n\nSecurity Boundaries:\n%s", description, strings.TrimRight(b.String(), "\n"))
	}
	return description
}

var (
	summaryPattern = regexp.MustCompile(`(?is)##\s*Summary\s*\n(.+?)(?:\n##|\z)`)
	issuePattern   = regexp.MustCompile(`(?m)-\s*\[(\w+)\]\s*(\w+):\s*(.+?)(?:\s*\(([^)]+)\))?$`)
	recPattern     = regexp.MustCompile(`(?is)##\s*Recommendations?\s*\n(.+?)(?:\n##|\z)`)
	failedCountPattern = regexp.MustCompile(`(?i)(\d+)\s+failed`)
	errorWordPattern   = regexp.MustCompile(`(?i)\b(?:error|failure|exception)\b`)
	zeroFailurePattern = regexp.MustCompile(`(?i)\b0\s+(?:errors?|failures?)\b`)
)

func parseReviewResponse(response, existingTestResults string) *Result {
	decision := extractDecision(response)
	summary := extractSummary(response)
	issues := extractIssues(response)
	recommendations := extractRecommendations(response)

	hasCriticalSecurity := false
	hasRegression := false
	for _, issue := range issues {
		if issue.Severity == "critical" && issue.Category == CategorySecurity {
			hasCriticalSecurity = true
		}
		if issue.Category == CategoryRegression {
			hasRegression = true
		}
	}

	if existingTestResults != "" && hasTestFailures(existingTestResults) && !hasRegression {
		issues = append(issues, Issue{
			Severity:    "critical",
			Category:    CategoryRegression,
			Description: "Existing tests are failing",
		})
		hasRegression = true
	}

	if decision != DecisionRejected && (hasCriticalSecurity || hasRegression) {
		decision = DecisionRejected
		switch {
		case hasCriticalSecurity:
			summary = "Rejected due to critical security issue. " + summary
		case hasRegression:
			summary = "Rejected due to regression. " + summary
		}
	}

	var passedChecks []string
	if !hasCriticalIssue(issues, CategoryLogic) {
		passedChecks = append(passedChecks, "logic")
	}
	if !hasCriticalSecurity {
		passedChecks = append(passedChecks, "security")
	}
	if !hasRegression {
		passedChecks = append(passedChecks, "regression")
	}

	return &Result{
		Decision:        decision,
		Summary:         summary,
		Issues:          issues,
		Recommendations: recommendations,
		PassedChecks:    passedChecks,
	}
}

func hasCriticalIssue(issues []Issue, category Category) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" && issue.Category == category {
			return true
		}
	}
	return false
}

func extractDecision(response string) Decision {
	upper := strings.ToUpper(response)
	switch {
	case strings.Contains(upper, "REJECTED"):
		return DecisionRejected
	case strings.Contains(upper, "NEEDS_REFINEMENT"):
		return DecisionNeedsRefinement
	case strings.Contains(upper, "APPROVED"):
		return DecisionApproved
	default:
		return DecisionNeedsRefinement
	}
}

func extractSummary(response string) string {
	if m := summaryPattern.FindStringSubmatch(response); len(m) > 1 {
		firstLine := strings.SplitN(strings.TrimSpace(m[1]), "\n", 2)[0]
		return firstLine
	}
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return "Review complete"
}

func extractIssues(response string) []Issue {
	var issues []Issue
	for _, m := range issuePattern.FindAllStringSubmatch(response, -1) {
		severity := strings.ToLower(m[1])
		categoryStr := strings.ToUpper(m[2])
		description := strings.TrimSpace(m[3])
		location := m[4]

		category := Category(categoryStr)
		switch category {
		case CategoryLogic, CategorySecurity, CategoryStyle, CategoryPerformance, CategoryRegression:
		default:
			category = CategoryLogic
		}

		issues = append(issues, Issue{
			Severity:    severity,
			Category:    category,
			Description: description,
			Location:    location,
		})
	}
	return issues
}

func extractRecommendations(response string) []string {
	var recommendations []string
	m := recPattern.FindStringSubmatch(response)
	if len(m) < 2 {
		return recommendations
	}
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-") {
			recommendations = append(recommendations, strings.TrimSpace(strings.TrimPrefix(line, "-")))
		}
	}
	return recommendations
}

func hasTestFailures(testResults string) bool {
	if strings.Contains(testResults, "FAILED:") || strings.Contains(testResults, "FAILED ") {
		return true
	}
	if m := failedCountPattern.FindStringSubmatch(testResults); len(m) > 1 {
		if count, err := strconv.Atoi(m[1]); err == nil && count > 0 {
			return true
		}
	}
	if errorWordPattern.MatchString(testResults) {
		return !zeroFailurePattern.MatchString(testResults)
	}
	return false
}
