package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBreakerUsesDefaultLimitsTable(t *testing.T) {
	assert.Equal(t, 20, NewBreaker("dev", 0).MaxRetries)
	assert.Equal(t, 5, NewBreaker("plan", 0).MaxRetries)
	assert.Equal(t, 3, NewBreaker("review", 0).MaxRetries)
}

func TestNewBreakerDefaultsToThreeForUnknownLoop(t *testing.T) {
	assert.Equal(t, 3, NewBreaker("mystery_loop", 0).MaxRetries)
}

func TestNewBreakerHonorsExplicitOverride(t *testing.T) {
	assert.Equal(t, 7, NewBreaker("dev", 7).MaxRetries)
}

func TestBreakerTripsAtMaxRetries(t *testing.T) {
	b := NewBreaker("review", 0)
	assert.True(t, b.CanRetry())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.CanRetry())
	assert.False(t, b.IsTripped())

	b.RecordFailure()
	assert.False(t, b.CanRetry())
	assert.True(t, b.IsTripped())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker("review", 1)
	b.RecordFailure()
	assert.True(t, b.IsTripped())
	b.Reset()
	assert.False(t, b.IsTripped())
	assert.Equal(t, 0, b.CurrentRetries())
}

func TestManagerGetCreatesOnce(t *testing.T) {
	m := NewManager()
	b1 := m.Get("plan", 0)
	b2 := m.Get("plan", 0)
	assert.Same(t, b1, b2)
}

func TestManagerIsAnyTrippedAndGetTripped(t *testing.T) {
	m := NewManager()
	dev := m.Get("dev", 1)
	m.Get("plan", 5)

	assert.False(t, m.IsAnyTripped())

	dev.RecordFailure()
	assert.True(t, m.IsAnyTripped())
	assert.Equal(t, []string{"dev"}, m.GetTripped())
}

func TestManagerResetAndResetAll(t *testing.T) {
	m := NewManager()
	dev := m.Get("dev", 1)
	plan := m.Get("plan", 1)
	dev.RecordFailure()
	plan.RecordFailure()

	m.Reset("dev")
	assert.False(t, dev.IsTripped())
	assert.True(t, plan.IsTripped())

	m.ResetAll()
	assert.False(t, plan.IsTripped())
}

func TestManagerStatus(t *testing.T) {
	m := NewManager()
	dev := m.Get("dev", 5)
	dev.RecordFailure()
	dev.RecordFailure()

	status := m.Status()["dev"]
	assert.Equal(t, Status{Current: 2, Max: 5, Remaining: 3}, status)
}
