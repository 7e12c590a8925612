// Package breaker implements named circuit breakers that bound the
// retry loops around planning, development, and review phases.
// Grounded on original_source/.claude/lib/circuit_breaker.py.
package breaker

import "sync"

// Limits maps a loop name to its default max-retries ceiling.
// Unlisted names default to 3 (see Manager.Get).
var Limits = map[string]int{
	"plan":      5,
	"qa_write":  5,
	"qa_critic": 5,
	"dev":       20, // trips after 20 recorded failures
	"review":    3,
}

const defaultMaxRetries = 3

// Breaker protects a single named loop against unbounded retries.
type Breaker struct {
	LoopName       string
	MaxRetries     int
	currentRetries int
}

// CanRetry reports whether another retry is allowed.
func (b *Breaker) CanRetry() bool {
	return b.currentRetries < b.MaxRetries
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.currentRetries++
}

// IsTripped reports whether the breaker has exhausted its retries.
func (b *Breaker) IsTripped() bool {
	return b.currentRetries >= b.MaxRetries
}

// Reset returns the breaker to its initial state.
func (b *Breaker) Reset() {
	b.currentRetries = 0
}

// CurrentRetries returns the number of failures recorded so far.
func (b *Breaker) CurrentRetries() int { return b.currentRetries }

// NewBreaker builds a breaker for loopName. If maxRetries is 0, the
// limit is looked up in Limits, defaulting to 3 if loopName is
// unrecognized.
func NewBreaker(loopName string, maxRetries int) *Breaker {
	if maxRetries == 0 {
		if limit, ok := Limits[loopName]; ok {
			maxRetries = limit
		} else {
			maxRetries = defaultMaxRetries
		}
	}
	return &Breaker{LoopName: loopName, MaxRetries: maxRetries}
}

// Manager holds a set of named breakers, creating them on first use.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds an empty breaker Manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for loopName, creating it (via NewBreaker) on
// first access. maxRetries of 0 defers to Limits/default.
func (m *Manager) Get(loopName string, maxRetries int) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[loopName]; ok {
		return b
	}
	b := NewBreaker(loopName, maxRetries)
	m.breakers[loopName] = b
	return b
}

// Reset resets a specific breaker, if it has been created.
func (m *Manager) Reset(loopName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[loopName]; ok {
		b.Reset()
	}
}

// ResetAll resets every known breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

// IsAnyTripped reports whether any known breaker has tripped.
func (m *Manager) IsAnyTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		if b.IsTripped() {
			return true
		}
	}
	return false
}

// GetTripped returns the names of every tripped breaker.
func (m *Manager) GetTripped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, b := range m.breakers {
		if b.IsTripped() {
			names = append(names, name)
		}
	}
	return names
}

// Status reports current/max/remaining retries for every known breaker.
type Status struct {
	Current   int
	Max       int
	Remaining int
}

// Status returns a snapshot of every known breaker's counters.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = Status{
			Current:   b.currentRetries,
			Max:       b.MaxRetries,
			Remaining: b.MaxRetries - b.currentRetries,
		}
	}
	return out
}
