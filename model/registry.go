package model

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// EndpointConfig describes one model tier's backend: an OpenAI-compatible
// base URL and the model identifier to request from it.
type EndpointConfig struct {
	Tier    Tier   `yaml:"tier" json:"tier"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
}

// fallbackOrder is the default escalation order when a tier's endpoint is
// unavailable: try the next stronger tier before giving up. This mirrors
// the teacher's GetAvailableFallbackChain behavior (try something rather
// than nothing) generalized from a capability-keyed chain to the spec's
// fixed three-tier ladder.
var fallbackOrder = map[Tier][]Tier{
	TierFast:     {TierFast, TierBalanced, TierStrong},
	TierBalanced: {TierBalanced, TierStrong},
	TierStrong:   {TierStrong},
}

// Registry resolves task types to tiers, tiers to endpoints, and tracks
// per-tier health for circuit-breaking across failing backends.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[Tier]*EndpointConfig
	health    *healthState
}

// DefaultPorts are the conventional local ports for each tier's proxy,
// grounded on original_source/orchestrator/config.py's DEFAULT_PORTS.
var DefaultPorts = map[Tier]int{
	TierFast:     2405,
	TierBalanced: 2406,
	TierStrong:   2408,
}

// envVarForTier names the override environment variable for a tier's port,
// per spec.md §6 (`<TIER>_PORT`).
func envVarForTier(t Tier) string {
	switch t {
	case TierFast:
		return "FAST_PORT"
	case TierBalanced:
		return "BALANCED_PORT"
	case TierStrong:
		return "STRONG_PORT"
	}
	return ""
}

// NewDefaultRegistry builds a registry pointing each tier at
// http://localhost:<port>, honoring <TIER>_PORT environment overrides.
func NewDefaultRegistry() (*Registry, error) {
	endpoints := make(map[Tier]*EndpointConfig, 3)
	for tier, defaultPort := range DefaultPorts {
		port := defaultPort
		if raw := os.Getenv(envVarForTier(tier)); raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid port in %s: %q: %w", envVarForTier(tier), raw, err)
			}
			if p < 1 || p > 65535 {
				return nil, fmt.Errorf("invalid port in %s: %d out of range", envVarForTier(tier), p)
			}
			port = p
		}
		endpoints[tier] = &EndpointConfig{
			Tier:    tier,
			BaseURL: fmt.Sprintf("http://localhost:%d", port),
			Model:   string(tier),
		}
	}
	return &Registry{endpoints: endpoints}, nil
}

// NewRegistry builds a registry from explicit endpoint configuration
// supplied by the caller.
func NewRegistry(endpoints map[Tier]*EndpointConfig) *Registry {
	return &Registry{endpoints: endpoints}
}

// Endpoint returns the configured endpoint for a tier, or nil if unconfigured.
func (r *Registry) Endpoint(t Tier) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[t]
}

// SetEndpoint installs or replaces a tier's endpoint configuration.
func (r *Registry) SetEndpoint(t Tier, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoints == nil {
		r.endpoints = make(map[Tier]*EndpointConfig)
	}
	r.endpoints[t] = cfg
}

// FallbackChain returns the ordered list of tiers to try for a task type,
// starting from its preferred tier.
func (r *Registry) FallbackChain(taskType string) []Tier {
	return fallbackOrder[TierForTaskType(taskType)]
}

// AvailableFallbackChain filters FallbackChain to tiers whose endpoint is
// both configured and not circuit-open, falling back to the unfiltered
// chain if none qualify (better to try something than nothing).
func (r *Registry) AvailableFallbackChain(taskType string) []Tier {
	chain := r.FallbackChain(taskType)
	available := make([]Tier, 0, len(chain))
	for _, t := range chain {
		if r.Endpoint(t) == nil {
			continue
		}
		if r.IsTierAvailable(t) {
			available = append(available, t)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}
