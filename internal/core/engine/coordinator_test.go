package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/model"
)

type fakeAdapter struct {
	delay     time.Duration
	content   string
	usage     *model.Usage
	err       error
	panicMsg  string
	ignoreCtx bool

	calls       atomic.Int32
	inflight    *atomic.Int32
	maxInflight *atomic.Int32
	lastRequest atomic.Pointer[model.Request]
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Complete(ctx context.Context, req *model.Request) (*model.Completion, error) {
	f.calls.Add(1)
	f.lastRequest.Store(req)
	if f.inflight != nil {
		n := f.inflight.Add(1)
		defer f.inflight.Add(-1)
		for {
			seen := f.maxInflight.Load()
			if n <= seen || f.maxInflight.CompareAndSwap(seen, n) {
				break
			}
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.delay):
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.Completion{Content: f.content, FinishReason: "stop", Usage: f.usage}, nil
}

type fakeResolver map[string]model.Adapter

func (r fakeResolver) AdapterFor(d *model.Descriptor) (model.Adapter, error) {
	adapter, ok := r[d.Name]
	if !ok {
		return nil, fmt.Errorf("no adapter for %s", d.Name)
	}
	return adapter, nil
}

func descriptors(names ...string) []*model.Descriptor {
	out := make([]*model.Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, &model.Descriptor{Name: name, Provider: "fake"})
	}
	return out
}

var hello = []model.Message{{Role: "user", Content: "hello"}}

func TestExecuteParallelRequestsReturnsOneOutcomePerModel(t *testing.T) {
	models := descriptors("ok", "broken", "slow", "panics", "missing")
	coord := &Coordinator{Adapters: fakeResolver{
		"ok":     &fakeAdapter{content: "fine"},
		"broken": &fakeAdapter{err: &model.ProviderError{Provider: "fake", StatusCode: 503, Message: "down"}},
		"slow":   &fakeAdapter{delay: time.Second, content: "late"},
		"panics": &fakeAdapter{panicMsg: "boom"},
	}}

	outcomes := coord.ExecuteParallelRequests(context.Background(), models, hello, FanoutOptions{
		MaxConcurrency: 5,
		Timeout:        50 * time.Millisecond,
	})

	require.Len(t, outcomes, len(models))
	for i, o := range outcomes {
		assert.Same(t, models[i], o.Model, "outcome %d must reference its descriptor", i)
		assert.False(t, o.FinishedAt.Before(o.StartedAt))
	}

	assert.True(t, outcomes[0].Success)
	assert.Equal(t, "fine", outcomes[0].Completion.Content)

	assert.False(t, outcomes[1].Success)
	assert.Equal(t, core.ErrorKindProvider, outcomes[1].ErrorKind)
	assert.Contains(t, outcomes[1].Error, "provider unavailable")

	assert.False(t, outcomes[2].Success)
	assert.Equal(t, core.ErrorKindTimeout, outcomes[2].ErrorKind)

	assert.False(t, outcomes[3].Success)
	assert.Equal(t, core.ErrorKindAdapter, outcomes[3].ErrorKind)
	assert.Contains(t, outcomes[3].Error, "boom")

	assert.False(t, outcomes[4].Success)
	assert.Equal(t, core.ErrorKindUnavailable, outcomes[4].ErrorKind)
}

func TestExecuteParallelRequestsEmptyModels(t *testing.T) {
	adapter := &fakeAdapter{content: "x"}
	coord := &Coordinator{Adapters: fakeResolver{"a": adapter}}

	outcomes := coord.ExecuteParallelRequests(context.Background(), nil, hello, FanoutOptions{})
	assert.Empty(t, outcomes)
	assert.Equal(t, int32(0), adapter.calls.Load())
}

func TestExecuteParallelRequestsBoundsConcurrency(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	resolver := fakeResolver{}
	names := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	for _, name := range names {
		resolver[name] = &fakeAdapter{delay: 30 * time.Millisecond, content: name, inflight: &inflight, maxInflight: &maxInflight}
	}
	coord := &Coordinator{Adapters: resolver}

	outcomes := coord.ExecuteParallelRequests(context.Background(), descriptors(names...), hello, FanoutOptions{
		MaxConcurrency: 2,
		Timeout:        time.Second,
	})

	require.Len(t, outcomes, len(names))
	for _, o := range outcomes {
		assert.True(t, o.Success)
	}
	assert.LessOrEqual(t, maxInflight.Load(), int32(2))
	assert.GreaterOrEqual(t, maxInflight.Load(), int32(1))
}

func TestTimeoutDoesNotDelaySiblings(t *testing.T) {
	coord := &Coordinator{Adapters: fakeResolver{
		"stuck": &fakeAdapter{delay: 2 * time.Second, ignoreCtx: true},
		"fast":  &fakeAdapter{delay: 5 * time.Millisecond, content: "quick"},
	}}

	start := time.Now()
	outcomes := coord.ExecuteParallelRequests(context.Background(), descriptors("stuck", "fast"), hello, FanoutOptions{
		MaxConcurrency: 2,
		Timeout:        60 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Len(t, outcomes, 2)
	assert.Equal(t, core.ErrorKindTimeout, outcomes[0].ErrorKind)
	assert.Contains(t, outcomes[0].Error, "60ms")
	assert.GreaterOrEqual(t, outcomes[0].Duration, 60*time.Millisecond)

	assert.True(t, outcomes[1].Success)
	assert.Less(t, outcomes[1].Duration, 60*time.Millisecond)

	// The stuck adapter keeps sleeping, but the fan-out returns at its timeout.
	assert.Less(t, elapsed, time.Second)
}

func TestParentCancellationResolvesUnitsAsCancelled(t *testing.T) {
	coord := &Coordinator{Adapters: fakeResolver{
		"a": &fakeAdapter{delay: time.Second},
		"b": &fakeAdapter{delay: time.Second},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	outcomes := coord.ExecuteParallelRequests(ctx, descriptors("a", "b"), hello, FanoutOptions{Timeout: 5 * time.Second})
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.False(t, o.Success)
		assert.Equal(t, core.ErrorKindCancelled, o.ErrorKind)
	}
}

func TestCancelledBeforeDispatchSkipsAdapters(t *testing.T) {
	adapter := &fakeAdapter{content: "x"}
	coord := &Coordinator{Adapters: fakeResolver{"a": adapter}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := coord.ExecuteParallelRequests(ctx, descriptors("a"), hello, FanoutOptions{})
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.ErrorKindCancelled, outcomes[0].ErrorKind)
	assert.Equal(t, int32(0), adapter.calls.Load())
}

func TestDescriptorSettingsApplyToRequest(t *testing.T) {
	adapter := &fakeAdapter{delay: 200 * time.Millisecond}
	desc := &model.Descriptor{Name: "tight", Model: "upstream-id", Timeout: 20 * time.Millisecond, MaxTokens: 64}
	coord := &Coordinator{Adapters: fakeResolver{"tight": adapter}}

	outcomes := coord.ExecuteParallelRequests(context.Background(), []*model.Descriptor{desc}, hello, FanoutOptions{Timeout: time.Second})
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.ErrorKindTimeout, outcomes[0].ErrorKind)

	req := adapter.lastRequest.Load()
	require.NotNil(t, req)
	assert.Equal(t, "upstream-id", req.Model)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
}

func TestNilCompletionIsAdapterError(t *testing.T) {
	coord := &Coordinator{Adapters: resolverFunc(func(d *model.Descriptor) (model.Adapter, error) {
		return nilAdapter{}, nil
	})}
	outcomes := coord.ExecuteParallelRequests(context.Background(), descriptors("nil"), hello, FanoutOptions{})
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.ErrorKindAdapter, outcomes[0].ErrorKind)
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, DefaultModelTimeout, effectiveTimeout(0, 0))
	assert.Equal(t, 5*time.Second, effectiveTimeout(5*time.Second, 0))
	assert.Equal(t, 2*time.Second, effectiveTimeout(5*time.Second, 2*time.Second))
	assert.Equal(t, 5*time.Second, effectiveTimeout(5*time.Second, 10*time.Second))
	assert.Equal(t, 3*time.Second, effectiveTimeout(0, 3*time.Second))
}

func TestClassifyUnitError(t *testing.T) {
	parent := context.Background()
	expired, cancel := context.WithTimeout(parent, -time.Second)
	defer cancel()

	assert.Equal(t, core.ErrorKindTimeout, classifyUnitError(parent, expired, fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, core.ErrorKindProvider, classifyUnitError(parent, parent, &model.ProviderError{StatusCode: 500}))
	assert.Equal(t, core.ErrorKindAdapter, classifyUnitError(parent, parent, errors.New("decode response")))

	cancelled, cancelParent := context.WithCancel(parent)
	cancelParent()
	assert.Equal(t, core.ErrorKindCancelled, classifyUnitError(cancelled, cancelled, context.Canceled))
}

type resolverFunc func(d *model.Descriptor) (model.Adapter, error)

func (f resolverFunc) AdapterFor(d *model.Descriptor) (model.Adapter, error) { return f(d) }

type nilAdapter struct{}

func (nilAdapter) Name() string { return "nil" }

func (nilAdapter) Complete(context.Context, *model.Request) (*model.Completion, error) {
	return nil, nil
}
