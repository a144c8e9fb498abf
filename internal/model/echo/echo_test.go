package echo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/model"
)

func TestEchoRepeatsLastUserMessage(t *testing.T) {
	adapter := New("alpha", 0)
	resp, err := adapter.Complete(context.Background(), &model.Request{Messages: []model.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello world"},
		{Role: "assistant", Content: "previous"},
	}})
	require.NoError(t, err)

	assert.Equal(t, "[alpha] hello world", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
	assert.Equal(t, model.ProviderEcho, adapter.Name())
}

func TestEchoTruncatesToMaxTokens(t *testing.T) {
	limit := 2
	resp, err := New("", 0).Complete(context.Background(), &model.Request{
		Messages:  []model.Message{{Role: "user", Content: "one two three four"}},
		MaxTokens: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, "one two", resp.Content)
	assert.Equal(t, "length", resp.FinishReason)
}

func TestEchoLatencyRespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New("slow", time.Second).Complete(ctx, &model.Request{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEchoRequiresMessages(t *testing.T) {
	_, err := New("x", 0).Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}
