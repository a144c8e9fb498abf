// Package openai implements the OpenAI-compatible chat completions adapter.
// The same wire format is spoken by api.openai.com, api.x.ai and local
// inference servers (vLLM, Ollama, llama.cpp), so one client serves all of
// them; Provider only changes defaults and labels.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chorusrelay/chorus/internal/model"
)

// Default endpoints per provider family.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultXAIBaseURL    = "https://api.x.ai/v1"
	DefaultLocalBaseURL  = "http://localhost:11434/v1"
)

// Client implements model.Adapter via direct HTTP.
type Client struct {
	Provider   string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient returns a client for provider with defaults applied.
func NewClient(provider, baseURL, apiKey string) *Client {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = model.ProviderOpenAI
	}

	url := strings.TrimSpace(baseURL)
	if url == "" {
		url = DefaultBaseURL(provider)
	}

	return &Client{
		Provider: provider,
		BaseURL:  url,
		APIKey:   strings.TrimSpace(apiKey),
	}
}

// DefaultBaseURL returns the endpoint used when a model sets no base_url.
func DefaultBaseURL(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case model.ProviderXAI:
		return DefaultXAIBaseURL
	case model.ProviderLocal:
		return DefaultLocalBaseURL
	default:
		return DefaultOpenAIBaseURL
	}
}

// Name returns the provider family.
func (c *Client) Name() string {
	if c == nil || c.Provider == "" {
		return model.ProviderOpenAI
	}
	return c.Provider
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Completion, error) {
	if c == nil {
		return nil, fmt.Errorf("openai client not configured")
	}
	// Local inference servers usually run without authentication.
	if strings.TrimSpace(c.APIKey) == "" && c.Provider != model.ProviderLocal {
		return nil, fmt.Errorf("api key is required")
	}

	payload, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, c.Timeout)
	if cancel != nil {
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		model.Trace(model.TraceEntry{
			Adapter:     c.Name(),
			Endpoint:    url,
			Model:       payload.Model,
			RequestBody: body,
			Error:       err.Error(),
			DurationMs:  duration.Milliseconds(),
		})
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	model.Trace(model.TraceEntry{
		Adapter:     c.Name(),
		Endpoint:    url,
		Model:       payload.Model,
		RequestBody: body,
		StatusCode:  resp.StatusCode,
		Response:    traceableBody(respBody),
		DurationMs:  duration.Milliseconds(),
	})

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &model.ProviderError{
			Provider:    c.Name(),
			StatusCode:  resp.StatusCode,
			Message:     strings.TrimSpace(string(respBody)),
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
			RawResponse: respBody,
		}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return toCompletion(&parsed)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, timeout)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait.Round(time.Second)
		}
	}
	return 0
}

// traceableBody keeps JSON bodies as raw JSON and wraps anything else as a string.
func traceableBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}
