// Package retry implements the bounded-attempt, exponential-backoff
// retry policy driving the TDD cycle's Green-phase self-repair loop.
// Grounded on original_source/orchestrator/retry_policy.py. Distinct
// from the llm package's internal per-request retry: this formula is
// deliberately jitter-free (see DESIGN.md's Open Question 4), so the
// backoff sequence is exactly reproducible for testing.
package retry

import (
	"log/slog"
	"math"
)

// Policy manages bounded retry attempts with exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelaySeconds float64
	MaxDelaySeconds  float64

	attemptCount int
	errorHistory []string
	complete     bool

	logger *slog.Logger
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithLogger overrides the policy's logger.
func WithLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) { p.logger = logger }
}

// NewPolicy builds a Policy with the given max attempts and the
// teacher's default 1s base delay, 30s cap.
func NewPolicy(maxAttempts int, opts ...PolicyOption) *Policy {
	p := &Policy{
		MaxAttempts:      maxAttempts,
		BaseDelaySeconds: 1.0,
		MaxDelaySeconds:  30.0,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsComplete reports whether the operation completed successfully.
func (p *Policy) IsComplete() bool { return p.complete }

// LastError returns the most recent recorded error, or "" if none.
func (p *Policy) LastError() string {
	if len(p.errorHistory) == 0 {
		return ""
	}
	return p.errorHistory[len(p.errorHistory)-1]
}

// ShouldRetry reports whether another attempt should be made: not yet
// complete and under the attempt cap.
func (p *Policy) ShouldRetry() bool {
	if p.complete {
		return false
	}
	return p.attemptCount < p.MaxAttempts
}

// RecordAttempt records the outcome of an attempt. On success, the
// policy is marked complete; on failure, a non-empty error is appended
// to history.
func (p *Policy) RecordAttempt(success bool, errMsg string) {
	p.attemptCount++

	if success {
		p.complete = true
		p.logger.Info("attempt succeeded", "attempt", p.attemptCount)
		return
	}

	if errMsg != "" {
		p.errorHistory = append(p.errorHistory, errMsg)
	}
	p.logger.Info("attempt failed", "attempt", p.attemptCount, "max_attempts", p.MaxAttempts, "error", errMsg)
}

// RetryCount returns the number of attempts made so far.
func (p *Policy) RetryCount() int { return p.attemptCount }

// ErrorHistory returns a copy of every recorded failure message.
func (p *Policy) ErrorHistory() []string {
	out := make([]string, len(p.errorHistory))
	copy(out, p.errorHistory)
	return out
}

// BackoffDelaySeconds returns the delay before the next retry: 0 before
// the first attempt, otherwise base_delay * 2^(attempt_count-1) capped
// at max_delay. No jitter: this exact formula is what the conductor's
// backoff-monotonicity property test exercises.
func (p *Policy) BackoffDelaySeconds() float64 {
	if p.attemptCount == 0 {
		return 0
	}
	delay := p.BaseDelaySeconds * math.Pow(2, float64(p.attemptCount-1))
	if delay > p.MaxDelaySeconds {
		return p.MaxDelaySeconds
	}
	return delay
}

// Reset clears attempt count, error history, and completion status.
func (p *Policy) Reset() {
	p.attemptCount = 0
	p.errorHistory = nil
	p.complete = false
	p.logger.Info("retry policy reset")
}
