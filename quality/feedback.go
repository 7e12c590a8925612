package quality

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FormatFeedback renders a Result as human-readable markdown feedback.
func FormatFeedback(result *Result) string {
	var b strings.Builder
	b.WriteString("# QA Review Feedback\n\n")
	b.WriteString(fmt.Sprintf("**Decision:** %s\n\n", result.Decision))
	b.WriteString(fmt.Sprintf("**Summary:** %s\n\n", result.Summary))

	if len(result.Issues) > 0 {
		b.WriteString("## Issues\n\n")
		for _, issue := range result.Issues {
			location := ""
			if issue.Location != "" {
				location = fmt.Sprintf(" (%s)", issue.Location)
			}
			b.WriteString(fmt.Sprintf("- **[%s]** %s: %s%s\n", issue.Severity, issue.Category, issue.Description, location))
		}
		b.WriteString("\n")
	}

	if len(result.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, rec := range result.Recommendations {
			b.WriteString("- " + rec + "\n")
		}
		b.WriteString("\n")
	}

	if len(result.PassedChecks) > 0 {
		b.WriteString("## Passed Checks\n\n")
		for _, check := range result.PassedChecks {
			b.WriteString("- " + check + "\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

// SaveFeedback writes a Result's formatted feedback to outputPath,
// prefixed with a task ID / timestamp header, creating parent
// directories as needed.
func SaveFeedback(taskID string, result *Result, outputPath string) error {
	feedback := FormatFeedback(result)
	header := fmt.Sprintf("# Review for %s\n\n**Timestamp:** %s\n\n---\n\n", taskID, time.Now().Format(time.RFC3339))

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create feedback directory: %w", err)
	}
	if err := os.WriteFile(outputPath, []byte(header+feedback), 0o644); err != nil {
		return fmt.Errorf("write feedback file: %w", err)
	}
	return nil
}
