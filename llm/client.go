// Package llm implements the Model Dispatcher: a tier-aware, retrying,
// fallback-capable client for the OpenAI-compatible chat completion
// protocol every model tier's proxy speaks.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/hconductor/model"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// maxResponseSize limits a model response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client dispatches chat completion requests across the fast/balanced/strong
// model tiers, retrying within a tier and falling back to the next tier up
// on exhaustion.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger

	// callStore optionally persists dispatch calls for trajectory
	// review. Nil disables recording.
	callStore *CallStore
}

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request defines a dispatch request.
type Request struct {
	// TaskType names the kind of work being dispatched (tdd_worker,
	// qa_review, strategic_filter, memory_update, ticket_validation).
	// The registry resolves this to a tier via model.TierForTaskType.
	TaskType string

	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// TokenUsage reports token consumption for a single call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of a successful dispatch.
type Response struct {
	RequestID    string
	Content      string
	Model        string
	Tier         model.Tier
	Usage        TokenUsage
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig overrides the per-tier retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithLogger overrides the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// WithCallStore attaches a CallStore recording every dispatch call for
// later trajectory review.
func WithCallStore(store *CallStore) ClientOption {
	return func(client *Client) { client.callStore = store }
}

// NewClient builds a dispatcher client backed by the given tier registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete dispatches req to its preferred tier, retrying within the tier
// and escalating to the next tier up when the preferred tier is exhausted
// or circuit-open. It never returns a retryable error silently: the
// returned error wraps the last tier's failure once the whole chain is
// exhausted.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.TaskType == "" {
		return nil, fmt.Errorf("task type is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()
	chain := c.registry.AvailableFallbackChain(req.TaskType)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no tiers configured for task type %s", req.TaskType)
	}

	var lastErr error
	var retries int
	for _, tier := range chain {
		endpoint := c.registry.Endpoint(tier)
		if endpoint == nil {
			c.logger.Debug("no endpoint for tier, skipping", "tier", tier)
			continue
		}

		resp, attempts, err := c.tryTierWithRetryTracked(ctx, tier, endpoint, req)
		retries += attempts - 1
		if err == nil {
			resp.RequestID = requestID
			c.recordCall(ctx, &CallRecord{
				RequestID:  requestID,
				TaskType:   req.TaskType,
				Model:      resp.Model,
				Tier:       tier,
				Messages:   req.Messages,
				Response:   resp.Content,
				Usage:      resp.Usage,
				StartedAt:  startedAt,
				Completed:  time.Now(),
				DurationMs: time.Since(startedAt).Milliseconds(),
				Retries:    retries,
			})
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("tier failed, trying fallback", "tier", tier, "error", err)

		if IsFatal(err) {
			c.logger.Warn("fatal error, not trying fallbacks", "error", err)
			c.recordCall(ctx, &CallRecord{
				RequestID:  requestID,
				TaskType:   req.TaskType,
				Tier:       tier,
				Messages:   req.Messages,
				StartedAt:  startedAt,
				Completed:  time.Now(),
				DurationMs: time.Since(startedAt).Milliseconds(),
				Error:      err.Error(),
				Retries:    retries,
			})
			return nil, err
		}
	}

	c.recordCall(ctx, &CallRecord{
		RequestID:  requestID,
		TaskType:   req.TaskType,
		Messages:   req.Messages,
		StartedAt:  startedAt,
		Completed:  time.Now(),
		DurationMs: time.Since(startedAt).Milliseconds(),
		Error:      fmt.Sprintf("all tiers failed: %v", lastErr),
		Retries:    retries,
	})

	return nil, fmt.Errorf("all tiers failed for task type %s: %w", req.TaskType, lastErr)
}

// tryTierWithRetryTracked retries a single tier's endpoint up to
// MaxAttempts times, reporting success/failure to the registry's
// health tracker and returning the number of attempts made so callers
// can compute retry counts for trajectory records.
func (c *Client) tryTierWithRetryTracked(ctx context.Context, tier model.Tier, ep *model.EndpointConfig, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, tier, ep, req)
		if err == nil {
			c.registry.MarkTierSuccess(tier)
			return resp, attempt, nil
		}

		lastErr = err

		if IsFatal(err) {
			// Auth/bad-request errors indicate a config problem, not an
			// unhealthy endpoint; don't penalize tier health for them.
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("request failed, retrying",
				"attempt", attempt, "max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff, "error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkTierFailure(tier)
	return nil, c.retryConfig.MaxAttempts, lastErr
}

// calculateBackoff computes exponential backoff with +/-25% jitter, to
// avoid synchronized retries when multiple pipelines hit the same tier.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP call against a tier's OpenAI-compatible
// chat completions endpoint.
func (c *Client) doRequest(ctx context.Context, tier model.Tier, ep *model.EndpointConfig, req Request) (*Response, error) {
	url := buildURL(ep.BaseURL)

	body, err := buildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("dispatching request", "tier", tier, "model", ep.Model, "url", url, "messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := parseResponse(respBody)
	if err != nil {
		return nil, NewFatalError(err)
	}
	resp.Tier = tier
	return resp, nil
}

// buildURL appends the chat-completions path to a tier's base URL unless
// it is already present.
func buildURL(baseURL string) string {
	url := baseURL
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	const suffix = "/v1/chat/completions"
	if len(url) >= len(suffix) && url[len(url)-len(suffix):] == suffix {
		return url
	}
	return url + suffix
}

// buildRequestBody marshals the request using go-openai's wire schema,
// rather than a hand-rolled struct, so every tier's proxy sees the same
// maintained request shape the ecosystem already speaks.
func buildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error) {
	oaMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMessages = append(oaMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	oaReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  oaMessages,
		MaxTokens: maxTokens,
	}
	if temperature != nil {
		oaReq.Temperature = float32(*temperature)
	}

	return json.Marshal(oaReq)
}

// parseResponse unmarshals an OpenAI-compatible chat completion response.
func parseResponse(body []byte) (*Response, error) {
	var oaResp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &oaResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := oaResp.Choices[0]
	return &Response{
		Content: choice.Message.Content,
		Model:   oaResp.Model,
		Usage: TokenUsage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

// classifyHTTPError determines whether an HTTP status indicates a
// transient (retryable) or fatal (non-retryable) failure.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
