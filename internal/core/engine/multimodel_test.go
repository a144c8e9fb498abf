package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/catalog"
	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/model"
)

func newTestProvider(adapters fakeResolver, names ...string) *MultiModelProvider {
	return &MultiModelProvider{
		Catalog:     catalog.FromDescriptors(descriptors(names...)...),
		Coordinator: &Coordinator{Adapters: adapters},
		Aggregator:  testAggregator(1),
		Defaults:    FanoutOptions{MaxConcurrency: 3, Timeout: time.Second},
	}
}

func TestChatCompletionsDefaultsToCombineAll(t *testing.T) {
	provider := newTestProvider(fakeResolver{
		"alpha": &fakeAdapter{content: "from alpha", usage: &model.Usage{PromptTokens: 4, CompletionTokens: 2}},
		"beta":  &fakeAdapter{content: "from beta", usage: &model.Usage{PromptTokens: 4, CompletionTokens: 3}},
	}, "alpha", "beta")

	resp, err := provider.ChatCompletions(context.Background(), hello, ChatOptions{Models: []string{"alpha", "beta"}})
	require.NoError(t, err)

	assert.Equal(t, core.StrategyCombineAll, resp.Metadata.Strategy)
	assert.Equal(t, "=== alpha ===\nfrom alpha\n\n=== beta ===\nfrom beta", resp.Content())
	assert.Equal(t, 4, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
	assert.Equal(t, 2, resp.Metadata.SuccessfulModels)
}

func TestChatCompletionsHonoursProviderDefaultStrategy(t *testing.T) {
	provider := newTestProvider(fakeResolver{
		"slow": &fakeAdapter{delay: 40 * time.Millisecond, content: "slow"},
		"fast": &fakeAdapter{content: "fast"},
	}, "slow", "fast")
	provider.DefaultStrategy = core.StrategyPrioritizeFastest

	resp, err := provider.ChatCompletions(context.Background(), hello, ChatOptions{Models: []string{"slow", "fast"}})
	require.NoError(t, err)
	assert.Equal(t, core.StrategyPrioritizeFastest, resp.Metadata.Strategy)
	assert.Equal(t, "fast", resp.Metadata.SelectedModel)
}

func TestChatCompletionsAppliesRequestOptions(t *testing.T) {
	adapter := &fakeAdapter{delay: 200 * time.Millisecond}
	provider := newTestProvider(fakeResolver{"slow": adapter}, "slow")
	temp := 0.2
	maxTokens := 12

	_, err := provider.ChatCompletions(context.Background(), hello, ChatOptions{
		Models:      []string{"slow"},
		Timeout:     20 * time.Millisecond,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})

	var aggErr *core.AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Contains(t, aggErr.Failures["slow"], string(core.ErrorKindTimeout))

	req := adapter.lastRequest.Load()
	require.NotNil(t, req)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 12, *req.MaxTokens)
}

func TestChatCompletionsValidation(t *testing.T) {
	adapter := &fakeAdapter{content: "x"}
	provider := newTestProvider(fakeResolver{"alpha": adapter, "beta": adapter}, "alpha", "beta")

	cases := []struct {
		name     string
		messages []model.Message
		opts     ChatOptions
	}{
		{"no messages", nil, ChatOptions{Models: []string{"alpha"}}},
		{"bad role", []model.Message{{Role: "robot", Content: "hi"}}, ChatOptions{Models: []string{"alpha"}}},
		{"no content", []model.Message{{Role: "user", Content: "  "}}, ChatOptions{Models: []string{"alpha"}}},
		{"no models", hello, ChatOptions{}},
		{"blank model", hello, ChatOptions{Models: []string{"alpha", " "}}},
		{"duplicate model", hello, ChatOptions{Models: []string{"alpha", "ALPHA"}}},
		{"unknown strategy", hello, ChatOptions{Models: []string{"alpha"}, Strategy: "vote"}},
		{"unknown model", hello, ChatOptions{Models: []string{"alpha", "gamma"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := provider.ChatCompletions(context.Background(), tc.messages, tc.opts)
			assert.Nil(t, resp)
			require.ErrorIs(t, err, core.ErrInvalidRequest)
		})
	}
	assert.Equal(t, int32(0), adapter.calls.Load(), "invalid requests must not reach adapters")
}

func TestChatCompletionsUnknownModelNamesEveryMissingModel(t *testing.T) {
	provider := newTestProvider(fakeResolver{}, "alpha")
	_, err := provider.ChatCompletions(context.Background(), hello, ChatOptions{Models: []string{"gamma", "alpha", "delta"}})
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "gamma, delta")
}

func TestChatCompletionsInsufficientResponses(t *testing.T) {
	provider := newTestProvider(fakeResolver{
		"alpha": &fakeAdapter{content: "ok"},
		"beta":  &fakeAdapter{err: &model.ProviderError{Provider: "fake", StatusCode: 500}},
	}, "alpha", "beta")
	provider.Aggregator = testAggregator(2)

	resp, err := provider.ChatCompletions(context.Background(), hello, ChatOptions{Models: []string{"alpha", "beta"}})
	assert.Nil(t, resp)

	var aggErr *core.AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Equal(t, core.AggregationInsufficientResponses, aggErr.Type)
	assert.Equal(t, 1, aggErr.Successful)
	assert.Contains(t, aggErr.Failures, "beta")
}

func TestUnsupportedOperations(t *testing.T) {
	provider := newTestProvider(fakeResolver{}, "alpha")

	stream, err := provider.StreamChatCompletions(context.Background(), hello, ChatOptions{Models: []string{"alpha"}})
	assert.Nil(t, stream)
	require.ErrorIs(t, err, core.ErrNotSupported)
	assert.Contains(t, err.Error(), "not supported for multi-model requests")

	vectors, err := provider.Embeddings(context.Background(), []string{"text"}, ChatOptions{Models: []string{"alpha"}})
	assert.Nil(t, vectors)
	require.ErrorIs(t, err, core.ErrNotSupported)
}

func TestChatCompletionsRequiresWiring(t *testing.T) {
	_, err := (&MultiModelProvider{}).ChatCompletions(context.Background(), hello, ChatOptions{Models: []string{"alpha"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrInvalidRequest)
}
