package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a tier's backend.
type EndpointHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultHealthConfig returns sensible defaults for health tracking,
// matching the teacher's model/health.go defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[Tier]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{config: cfg, statuses: make(map[Tier]*EndpointHealth)}
}

func (h *healthState) getOrCreate(t Tier) *EndpointHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.statuses[t]; ok {
		return status
	}
	status := &EndpointHealth{Available: true}
	h.statuses[t] = status
	return status
}

func (r *Registry) ensureHealth() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// MarkTierSuccess records a successful request against a tier's backend,
// closing its circuit and resetting the failure count.
func (r *Registry) MarkTierSuccess(t Tier) {
	h := r.ensureHealth()
	status := h.getOrCreate(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkTierFailure records a failed request against a tier's backend,
// opening its circuit once FailureThreshold consecutive failures accrue.
func (r *Registry) MarkTierFailure(t Tier) {
	h := r.ensureHealth()
	status := h.getOrCreate(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	status.LastFailure = time.Now()
	status.FailureCount++

	if status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = time.Now()
		status.Available = false
	}
}

// IsTierAvailable reports whether a tier's backend is currently usable:
// true if untracked, not circuit-open, or past its recovery timeout
// (half-open probe).
func (r *Registry) IsTierAvailable(t Tier) bool {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return true
	}

	h.mu.RLock()
	status, ok := h.statuses[t]
	if !ok {
		h.mu.RUnlock()
		return true
	}
	circuitOpen := status.CircuitOpen
	openedAt := status.CircuitOpenedAt
	recovery := h.config.RecoveryTimeout
	h.mu.RUnlock()

	if !circuitOpen {
		return true
	}
	return time.Since(openedAt) > recovery
}

// TierHealth returns a defensive copy of a tier's health status, or nil
// if no requests have been tracked for it yet.
func (r *Registry) TierHealth(t Tier) *EndpointHealth {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	status, ok := h.statuses[t]
	if !ok {
		return nil
	}
	cp := *status
	return &cp
}

// SetHealthConfig overrides the failure threshold / recovery timeout.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(cfg)
	} else {
		r.health.config = cfg
	}
}
