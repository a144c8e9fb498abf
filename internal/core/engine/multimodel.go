package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/metrics"
	"github.com/chorusrelay/chorus/internal/model"
)

// ModelCatalog resolves requested model names to descriptors.
type ModelCatalog interface {
	Resolve(names []string) ([]*model.Descriptor, error)
}

// ChatOptions are the per-call parameters of a multi-model completion.
type ChatOptions struct {
	Models         []string
	Strategy       core.Strategy
	Timeout        time.Duration
	MaxConcurrency int
	Temperature    *float64
	MaxTokens      *int
	RequestID      string
}

// MultiModelProvider validates a multi-model request, runs the fan-out and
// aggregates the outcomes.
type MultiModelProvider struct {
	Catalog         ModelCatalog
	Coordinator     *Coordinator
	Aggregator      *Aggregator
	Defaults        FanoutOptions
	DefaultStrategy core.Strategy
	Logger          *logging.Logger
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// ChatCompletions sends messages to every requested model and returns the
// aggregated response.
func (p *MultiModelProvider) ChatCompletions(ctx context.Context, messages []model.Message, opts ChatOptions) (resp *core.ChatResponse, err error) {
	start := time.Now()
	strategy := opts.Strategy
	if strategy == "" {
		strategy = p.DefaultStrategy
	}
	if strategy == "" {
		strategy = core.DefaultStrategy
	}

	var outcomes []core.Outcome
	defer func() {
		p.logCall(opts, strategy, outcomes, time.Since(start), err)
	}()

	descriptors, err := p.validate(messages, opts, strategy)
	if err != nil {
		return nil, err
	}
	if p.Coordinator == nil {
		return nil, errors.New("multi-model provider has no coordinator")
	}

	fanout := p.Defaults
	if opts.Timeout > 0 {
		fanout.Timeout = opts.Timeout
	}
	if opts.MaxConcurrency > 0 {
		fanout.MaxConcurrency = opts.MaxConcurrency
	}
	if opts.Temperature != nil {
		fanout.Temperature = opts.Temperature
	}
	if opts.MaxTokens != nil {
		fanout.MaxTokens = opts.MaxTokens
	}

	outcomes = p.Coordinator.ExecuteParallelRequests(ctx, descriptors, messages, fanout)

	aggregator := p.Aggregator
	if aggregator == nil {
		aggregator = &Aggregator{}
	}
	return aggregator.Aggregate(outcomes, strategy)
}

// StreamChatCompletions is not available for multi-model requests.
func (p *MultiModelProvider) StreamChatCompletions(ctx context.Context, messages []model.Message, opts ChatOptions) (<-chan core.ChatResponse, error) {
	return nil, fmt.Errorf("streaming is %w", core.ErrNotSupported)
}

// Embeddings is not available for multi-model requests.
func (p *MultiModelProvider) Embeddings(ctx context.Context, inputs []string, opts ChatOptions) ([][]float64, error) {
	return nil, fmt.Errorf("embeddings are %w", core.ErrNotSupported)
}

func (p *MultiModelProvider) validate(messages []model.Message, opts ChatOptions, strategy core.Strategy) ([]*model.Descriptor, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", core.ErrInvalidRequest)
	}
	hasContent := false
	for i, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if !validRoles[role] {
			return nil, fmt.Errorf("%w: message %d has invalid role %q", core.ErrInvalidRequest, i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) != "" {
			hasContent = true
		}
	}
	if !hasContent {
		return nil, fmt.Errorf("%w: messages have no content", core.ErrInvalidRequest)
	}

	if len(opts.Models) == 0 {
		return nil, fmt.Errorf("%w: at least one model is required", core.ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(opts.Models))
	for _, name := range opts.Models {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("%w: model names must not be empty", core.ErrInvalidRequest)
		}
		if seen[key] {
			return nil, fmt.Errorf("%w: model %q requested more than once", core.ErrInvalidRequest, name)
		}
		seen[key] = true
	}

	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown aggregation strategy %q", core.ErrInvalidRequest, strategy)
	}

	if p.Catalog == nil {
		return nil, errors.New("multi-model provider has no model catalog")
	}
	descriptors, err := p.Catalog.Resolve(opts.Models)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	return descriptors, nil
}

func (p *MultiModelProvider) logCall(opts ChatOptions, strategy core.Strategy, outcomes []core.Outcome, duration time.Duration, err error) {
	successful := 0
	for _, o := range outcomes {
		if o.Success {
			successful++
		}
	}
	failed := len(outcomes) - successful

	metrics.RecordFanout(string(strategy), len(opts.Models), successful, duration, err != nil)

	if p.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("strategy", string(strategy)),
		zap.Int("models", len(opts.Models)),
		zap.Int("successful", successful),
		zap.Int("failed", failed),
		zap.Duration("duration", duration),
		zap.String("requestID", opts.RequestID),
	}
	if err != nil {
		p.Logger.Warn("Multi-model completion failed", append(fields, zap.Error(err))...)
		return
	}
	p.Logger.Info("Multi-model completion finished", fields...)
}
