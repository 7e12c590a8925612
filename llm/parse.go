package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// codeFencePattern extracts the content of fenced code blocks in a model
// response, tolerating an optional language tag (```python).
var codeFencePattern = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*)\\s*\\n?(.*?)```")

// ParsedResponse is the result of parsing a raw model response into one
// of the Model Dispatcher's expected formats.
type ParsedResponse struct {
	Content  string
	Format   string
	Warnings []string
}

// ParseError reports a response that could not be parsed into its
// expected format at all.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// ParseResponse parses a raw model response into one of four formats:
// "text" (identity), "code" (extract fenced blocks, falling back to the
// raw response with a warning if none are found), "json" (direct parse,
// then fenced-block fallback, erroring on failure), "decision"
// (APPROVED/REJECTED/NEEDS_REFINEMENT substring match, erroring on
// absence).
func ParseResponse(raw, expectedFormat string) (*ParsedResponse, error) {
	switch expectedFormat {
	case "", "text":
		return &ParsedResponse{Content: raw, Format: "text"}, nil

	case "code":
		matches := codeFencePattern.FindAllStringSubmatch(raw, -1)
		if len(matches) == 0 {
			return &ParsedResponse{
				Content:  raw,
				Format:   "code",
				Warnings: []string{"no code blocks found, returning raw response"},
			}, nil
		}
		blocks := make([]string, len(matches))
		for i, m := range matches {
			blocks[i] = m[1]
		}
		return &ParsedResponse{Content: strings.Join(blocks, "\n\n"), Format: "code"}, nil

	case "json":
		trimmed := strings.TrimSpace(raw)
		if json.Valid([]byte(trimmed)) {
			return &ParsedResponse{Content: trimmed, Format: "json"}, nil
		}
		if extracted := ExtractJSON(raw); extracted != "" && json.Valid([]byte(extracted)) {
			return &ParsedResponse{Content: extracted, Format: "json"}, nil
		}
		if extracted := ExtractJSONArray(raw); extracted != "" && json.Valid([]byte(extracted)) {
			return &ParsedResponse{Content: extracted, Format: "json"}, nil
		}
		return nil, &ParseError{Message: fmt.Sprintf("could not parse JSON from response: %s", truncateForError(raw))}

	case "decision":
		upper := strings.ToUpper(raw)
		switch {
		case strings.Contains(upper, "APPROVED"):
			return &ParsedResponse{Content: "APPROVED", Format: "decision"}, nil
		case strings.Contains(upper, "REJECTED"):
			return &ParsedResponse{Content: "REJECTED", Format: "decision"}, nil
		case strings.Contains(upper, "NEEDS_REFINEMENT"):
			return &ParsedResponse{Content: "NEEDS_REFINEMENT", Format: "decision"}, nil
		default:
			return nil, &ParseError{Message: fmt.Sprintf("could not extract decision from response: %s", truncateForError(raw))}
		}

	default:
		return nil, &ParseError{Message: fmt.Sprintf("unknown format: %s", expectedFormat)}
	}
}

func truncateForError(s string) string {
	const max = 100
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
