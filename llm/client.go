// Package llm provides a provider-agnostic LLM client with retry and
// primary-to-fallback provider failover.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Endpoint binds a provider to a model and base URL.
type Endpoint struct {
	Provider string
	Model    string
	BaseURL  string
}

// Request defines an LLM completion request.
type Request struct {
	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this LLM call for correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// ProviderUsed names the provider that produced the response. When the
	// primary fails and the fallback answers, this carries the fallback name.
	ProviderUsed string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// LatencyMs is the wall-clock duration of the winning attempt.
	LatencyMs int64

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// CallRecord captures one LLM call for persistence.
type CallRecord struct {
	RequestID        string
	Provider         string
	Model            string
	Messages         []Message
	Response         string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
	Error            string
	StartedAt        time.Time
	CompletedAt      time.Time
}

// CallRecorder persists LLM calls. Implementations must not block the
// completion path on persistence failures.
type CallRecorder interface {
	RecordCall(ctx context.Context, record *CallRecord)
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	recorder    CallRecorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithRecorder sets the LLM call recorder.
// When set, every call is recorded with timing and token usage.
func WithRecorder(r CallRecorder) ClientOption {
	return func(client *Client) {
		client.recorder = r
	}
}

// NewClient creates a new LLM client over the given endpoint chain.
// The first endpoint is the primary; the rest are fallbacks in order.
func NewClient(endpoints []Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:   endpoints,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
// Every endpoint in the chain is attempted in order; the error is returned
// only when all endpoints fail.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	var lastErr error
	for _, ep := range c.endpoints {
		provider := GetProvider(ep.Provider)
		if provider == nil {
			c.logger.Warn("Unknown provider, skipping endpoint", "provider", ep.Provider)
			lastErr = fmt.Errorf("unknown provider %q", ep.Provider)
			continue
		}

		resp, err := c.tryEndpointWithRetry(ctx, provider, ep, req)
		if err == nil {
			resp.RequestID = requestID
			resp.ProviderUsed = ep.Provider
			c.recordCall(ctx, &CallRecord{
				RequestID:        requestID,
				Provider:         ep.Provider,
				Model:            resp.Model,
				Messages:         req.Messages,
				Response:         resp.Content,
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				LatencyMs:        resp.LatencyMs,
				StartedAt:        startedAt,
				CompletedAt:      time.Now(),
			})
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)
	}

	c.recordCall(ctx, &CallRecord{
		RequestID:   requestID,
		Provider:    c.endpoints[len(c.endpoints)-1].Provider,
		Model:       c.endpoints[len(c.endpoints)-1].Model,
		Messages:    req.Messages,
		Error:       fmt.Sprintf("all endpoints failed: %v", lastErr),
		LatencyMs:   time.Since(startedAt).Milliseconds(),
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	})

	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// recordCall stores an LLM call record if a recorder is configured.
func (c *Client) recordCall(ctx context.Context, record *CallRecord) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordCall(ctx, record)
}

// tryEndpointWithRetry attempts a request against one endpoint with retry logic.
func (c *Client) tryEndpointWithRetry(ctx context.Context, provider Provider, ep Endpoint, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, provider, ep, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// doRequest performs a single HTTP request against an endpoint.
func (c *Client) doRequest(ctx context.Context, provider Provider, ep Endpoint, req Request) (*Response, error) {
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(ep.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("http request: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response: %w", err))
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
		// fall through to parse
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, NewTransientError(fmt.Errorf("status %d: %s", httpResp.StatusCode, truncate(respBody, 256)))
	default:
		// 4xx other than 429 indicates a config or auth problem.
		return nil, NewFatalError(fmt.Errorf("status %d: %s", httpResp.StatusCode, truncate(respBody, 256)))
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	resp.LatencyMs = time.Since(started).Milliseconds()

	return resp, nil
}

// calculateBackoff computes the backoff with jitter for the given attempt.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.retryConfig.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiplier)
	}
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}
	// Jitter avoids thundering-herd retries across workers.
	jitter := time.Duration(rand.Int64N(int64(backoff) / 4))
	return backoff + jitter
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
