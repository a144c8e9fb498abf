package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/metrics"
	"github.com/chorusrelay/chorus/internal/model"
)

// Fan-out defaults.
const (
	DefaultMaxConcurrency = 3
	DefaultModelTimeout   = 30 * time.Second
)

// AdapterResolver returns the adapter serving a model descriptor.
type AdapterResolver interface {
	AdapterFor(d *model.Descriptor) (model.Adapter, error)
}

// FanoutOptions configures one ExecuteParallelRequests call.
type FanoutOptions struct {
	MaxConcurrency int
	Timeout        time.Duration
	Temperature    *float64
	MaxTokens      *int
}

// Coordinator fans a request out to several adapters with bounded
// concurrency and a timeout per unit.
type Coordinator struct {
	Adapters AdapterResolver
	Clock    func() time.Time
	Logger   *logging.Logger
}

type unitResult struct {
	completion *model.Completion
	err        error
	panicked   bool
}

// ExecuteParallelRequests returns exactly one outcome per model, in input
// order. It never fails: adapter errors, panics and timeouts become failed
// outcomes.
func (c *Coordinator) ExecuteParallelRequests(ctx context.Context, models []*model.Descriptor, messages []model.Message, opts FanoutOptions) []core.Outcome {
	outcomes := make([]core.Outcome, len(models))
	if len(models) == 0 {
		return outcomes
	}
	if ctx == nil {
		ctx = context.Background()
	}

	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	if limit > len(models) {
		limit = len(models)
	}

	p := pool.New().WithMaxGoroutines(limit)
	for i, desc := range models {
		p.Go(func() {
			outcomes[i] = c.runUnit(ctx, desc, messages, opts)
		})
	}
	p.Wait()

	return outcomes
}

func (c *Coordinator) runUnit(ctx context.Context, desc *model.Descriptor, messages []model.Message, opts FanoutOptions) core.Outcome {
	started := c.now()
	outcome := core.Outcome{Model: desc, StartedAt: started}

	finish := func(kind core.ErrorKind, msg string) core.Outcome {
		outcome.FinishedAt = c.now()
		outcome.Duration = outcome.FinishedAt.Sub(started)
		if kind != "" {
			outcome.Success = false
			outcome.ErrorKind = kind
			outcome.Error = msg
		}
		c.observe(outcome)
		return outcome
	}

	if desc == nil {
		return finish(core.ErrorKindUnavailable, "model descriptor is missing")
	}
	if err := ctx.Err(); err != nil {
		return finish(core.ErrorKindCancelled, "request cancelled before dispatch")
	}
	if c.Adapters == nil {
		return finish(core.ErrorKindUnavailable, "no adapter registry configured")
	}

	adapter, err := c.Adapters.AdapterFor(desc)
	if err != nil || adapter == nil {
		msg := "adapter not available"
		if err != nil {
			msg = err.Error()
		}
		return finish(core.ErrorKindUnavailable, msg)
	}

	timeout := effectiveTimeout(opts.Timeout, desc.Timeout)
	unitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &model.Request{
		Model:       desc.UpstreamModel(),
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if req.MaxTokens == nil && desc.MaxTokens > 0 {
		maxTokens := desc.MaxTokens
		req.MaxTokens = &maxTokens
	}

	done := make(chan unitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitResult{err: fmt.Errorf("adapter panic: %v", r), panicked: true}
			}
		}()
		completion, err := adapter.Complete(unitCtx, req)
		done <- unitResult{completion: completion, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.panicked:
			c.logWarn("Model adapter panicked", desc, zap.Error(res.err))
			return finish(core.ErrorKindAdapter, res.err.Error())
		case res.err != nil:
			return finish(classifyUnitError(ctx, unitCtx, res.err), unitErrorMessage(ctx, unitCtx, res.err, timeout))
		case res.completion == nil:
			return finish(core.ErrorKindAdapter, "adapter returned no completion")
		default:
			outcome.Success = true
			outcome.Completion = res.completion
			return finish("", "")
		}
	case <-unitCtx.Done():
		// The adapter goroutine may still be running; its result is dropped
		// into the buffered channel and discarded.
		if ctx.Err() != nil {
			return finish(core.ErrorKindCancelled, "request cancelled")
		}
		return finish(core.ErrorKindTimeout, fmt.Sprintf("model did not respond within %s", timeout))
	}
}

// effectiveTimeout picks the tighter of the request and descriptor timeouts.
func effectiveTimeout(requested, perModel time.Duration) time.Duration {
	timeout := requested
	if perModel > 0 && (timeout <= 0 || perModel < timeout) {
		timeout = perModel
	}
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	return timeout
}

func classifyUnitError(parent, unit context.Context, err error) core.ErrorKind {
	if parent.Err() != nil {
		return core.ErrorKindCancelled
	}
	if errors.Is(unit.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return core.ErrorKindTimeout
	}
	var perr *model.ProviderError
	if errors.As(err, &perr) {
		return core.ErrorKindProvider
	}
	return core.ErrorKindAdapter
}

func unitErrorMessage(parent, unit context.Context, err error, timeout time.Duration) string {
	switch classifyUnitError(parent, unit, err) {
	case core.ErrorKindTimeout:
		return fmt.Sprintf("model did not respond within %s", timeout)
	case core.ErrorKindCancelled:
		return "request cancelled"
	default:
		return model.Describe(err)
	}
}

func (c *Coordinator) observe(outcome core.Outcome) {
	provider := ""
	if outcome.Model != nil {
		provider = outcome.Model.Provider
	}
	status := "success"
	if !outcome.Success {
		status = string(outcome.ErrorKind)
	}
	metrics.RecordModelOutcome(outcome.ModelName(), provider, status, outcome.Duration)

	if c.Logger != nil {
		c.Logger.Debug("Model unit finished",
			zap.String("model", outcome.ModelName()),
			zap.Bool("success", outcome.Success),
			zap.String("error_kind", string(outcome.ErrorKind)),
			zap.Duration("duration", outcome.Duration),
		)
	}
}

func (c *Coordinator) logWarn(msg string, desc *model.Descriptor, fields ...zap.Field) {
	if c.Logger == nil {
		return
	}
	c.Logger.Warn(msg, append([]zap.Field{zap.String("model", desc.Name)}, fields...)...)
}

func (c *Coordinator) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
