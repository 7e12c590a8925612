package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierForTaskType(t *testing.T) {
	assert.Equal(t, TierFast, TierForTaskType("tdd_worker"))
	assert.Equal(t, TierBalanced, TierForTaskType("qa_review"))
	assert.Equal(t, TierStrong, TierForTaskType("strategic_filter"))
	assert.Equal(t, TierStrong, TierForTaskType("memory_update"))
	assert.Equal(t, TierFast, TierForTaskType("ticket_validation"))
	assert.Equal(t, TierFast, TierForTaskType("unknown_task_type"))
}

func TestNewDefaultRegistryPortOverride(t *testing.T) {
	t.Setenv("FAST_PORT", "9999")
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	ep := reg.Endpoint(TierFast)
	require.NotNil(t, ep)
	assert.Equal(t, "http://localhost:9999", ep.BaseURL)
}

func TestNewDefaultRegistryInvalidPort(t *testing.T) {
	t.Setenv("STRONG_PORT", "not-a-number")
	_, err := NewDefaultRegistry()
	assert.Error(t, err)
}

func TestFallbackChainEscalatesUpward(t *testing.T) {
	reg := NewRegistry(map[Tier]*EndpointConfig{
		TierFast:     {Tier: TierFast, BaseURL: "http://localhost:1"},
		TierBalanced: {Tier: TierBalanced, BaseURL: "http://localhost:2"},
		TierStrong:   {Tier: TierStrong, BaseURL: "http://localhost:3"},
	})
	assert.Equal(t, []Tier{TierFast, TierBalanced, TierStrong}, reg.FallbackChain("tdd_worker"))
	assert.Equal(t, []Tier{TierBalanced, TierStrong}, reg.FallbackChain("qa_review"))
	assert.Equal(t, []Tier{TierStrong}, reg.FallbackChain("strategic_filter"))
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	reg := NewRegistry(map[Tier]*EndpointConfig{TierFast: {Tier: TierFast, BaseURL: "http://x"}})
	reg.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	assert.True(t, reg.IsTierAvailable(TierFast))
	reg.MarkTierFailure(TierFast)
	assert.True(t, reg.IsTierAvailable(TierFast), "one failure should not trip the breaker")
	reg.MarkTierFailure(TierFast)
	assert.False(t, reg.IsTierAvailable(TierFast), "two failures should trip the breaker")

	reg.MarkTierSuccess(TierFast)
	assert.True(t, reg.IsTierAvailable(TierFast), "success should reset the breaker")
}

func TestAvailableFallbackChainFallsBackToFullChainWhenAllDown(t *testing.T) {
	reg := NewRegistry(map[Tier]*EndpointConfig{
		TierBalanced: {Tier: TierBalanced, BaseURL: "http://x"},
		TierStrong:   {Tier: TierStrong, BaseURL: "http://y"},
	})
	reg.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	reg.MarkTierFailure(TierBalanced)
	reg.MarkTierFailure(TierStrong)

	chain := reg.AvailableFallbackChain("qa_review")
	assert.Equal(t, []Tier{TierBalanced, TierStrong}, chain, "should return full chain rather than nothing")
}
