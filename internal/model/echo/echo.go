// Package echo provides a deterministic adapter for development and smoke
// tests. It answers with the last user message, optionally after a delay.
package echo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chorusrelay/chorus/internal/model"
)

// Adapter echoes the last user message back, prefixed with Label.
type Adapter struct {
	Label   string
	Latency time.Duration
}

// New returns an echo adapter for the given model label.
func New(label string, latency time.Duration) *Adapter {
	return &Adapter{Label: strings.TrimSpace(label), Latency: latency}
}

func (a *Adapter) Name() string {
	return model.ProviderEcho
}

func (a *Adapter) Complete(ctx context.Context, req *model.Request) (*model.Completion, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	if a.Latency > 0 {
		timer := time.NewTimer(a.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	prompt := lastUserMessage(req.Messages)
	reply := prompt
	if a.Label != "" {
		reply = "[" + a.Label + "] " + prompt
	}

	promptTokens := 0
	for _, msg := range req.Messages {
		promptTokens += countTokens(msg.Content)
	}
	completionTokens := countTokens(reply)

	if req.MaxTokens != nil && *req.MaxTokens > 0 && completionTokens > *req.MaxTokens {
		words := strings.Fields(reply)
		reply = strings.Join(words[:*req.MaxTokens], " ")
		completionTokens = *req.MaxTokens
		return &model.Completion{
			Content:      reply,
			FinishReason: "length",
			Usage:        usage(promptTokens, completionTokens),
		}, nil
	}

	return &model.Completion{
		Content:      reply,
		FinishReason: "stop",
		Usage:        usage(promptTokens, completionTokens),
	}, nil
}

func lastUserMessage(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			return messages[i].Content
		}
	}
	return messages[len(messages)-1].Content
}

// countTokens approximates tokens as whitespace-separated words.
func countTokens(s string) int {
	return len(strings.Fields(s))
}

func usage(prompt, completion int) *model.Usage {
	return &model.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}
