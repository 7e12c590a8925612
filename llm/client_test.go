package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/hconductor/model"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRegistry(baseURL string) *model.Registry {
	return model.NewRegistry(map[model.Tier]*model.EndpointConfig{
		model.TierFast: {Tier: model.TierFast, BaseURL: baseURL, Model: "fast-model"},
	})
}

func TestCompleteRejectsEmptyRequest(t *testing.T) {
	c := NewClient(fastRegistry("http://example.invalid"))

	_, err := c.Complete(context.Background(), Request{})
	assert.Error(t, err)

	_, err = c.Complete(context.Background(), Request{TaskType: "tdd_worker"})
	assert.Error(t, err)
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		resp := openai.ChatCompletionResponse{
			Model: "fast-model",
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "hello"}, FinishReason: "stop"},
			},
			Usage: openai.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(fastRegistry(srv.URL))
	resp, err := c.Complete(context.Background(), Request{
		TaskType: "tdd_worker",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, model.TierFast, resp.Tier)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCompleteFatalErrorStopsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c := NewClient(fastRegistry(srv.URL), WithRetryConfig(RetryConfig{
		MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond,
	}))
	_, err := c.Complete(context.Background(), Request{
		TaskType: "tdd_worker",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal error must not be retried")
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := openai.ChatCompletionResponse{
			Model:   "fast-model",
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(fastRegistry(srv.URL), WithRetryConfig(RetryConfig{
		MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond,
	}))
	resp, err := c.Complete(context.Background(), Request{
		TaskType: "tdd_worker",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, calls)
}

func TestBuildURLAppendsSuffixOnce(t *testing.T) {
	assert.Equal(t, "http://localhost:2405/v1/chat/completions", buildURL("http://localhost:2405"))
	assert.Equal(t, "http://localhost:2405/v1/chat/completions", buildURL("http://localhost:2405/"))
	assert.Equal(t, "http://localhost:2405/v1/chat/completions", buildURL("http://localhost:2405/v1/chat/completions"))
}
