// Package model defines the adapter contract chorus uses to talk to chat
// completion backends, plus the descriptor that identifies one configured
// backend.
package model

import (
	"context"
	"strings"
	"time"
)

// Adapter is one configured chat-completion backend.
type Adapter interface {
	// Complete sends a completion request and returns the first choice.
	Complete(ctx context.Context, req *Request) (*Completion, error)
	// Name returns the adapter family (e.g., "openai", "echo").
	Name() string
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// Completion is a provider-agnostic completion result.
type Completion struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// Provider families understood by the adapter registry.
const (
	ProviderOpenAI = "openai"
	ProviderXAI    = "xai"
	ProviderLocal  = "local"
	ProviderEcho   = "echo"
)

// Credential is one API key usable for a descriptor.
type Credential struct {
	Enabled  bool
	Label    string
	APIKey   string
	Priority int
}

// Descriptor identifies one backend model. Descriptors are built once from
// configuration and shared by pointer; callers must not modify them.
type Descriptor struct {
	Name            string        `json:"name"`
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	BaseURL         string        `json:"base_url,omitempty"`
	Capabilities    []string      `json:"capabilities,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	SelectionPolicy string        `json:"-"`
	Credentials     []Credential  `json:"-"`
	Latency         time.Duration `json:"-"`
}

// HasCapability reports whether the descriptor declares capability (case-insensitive).
func (d *Descriptor) HasCapability(capability string) bool {
	if d == nil {
		return false
	}
	capability = strings.TrimSpace(capability)
	for _, c := range d.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), capability) {
			return true
		}
	}
	return false
}

// UpstreamModel returns the model id sent to the backend.
func (d *Descriptor) UpstreamModel() string {
	if d == nil {
		return ""
	}
	if m := strings.TrimSpace(d.Model); m != "" {
		return m
	}
	return d.Name
}
