package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/store"
)

type failingCounterStore struct {
	reads   atomic.Int32
	updates atomic.Int32
}

func (f *failingCounterStore) ReadCounter(ctx context.Context, key string) (*core.CounterRecord, error) {
	f.reads.Add(1)
	return nil, errors.New("database is locked")
}

func (f *failingCounterStore) UpdateCounter(ctx context.Context, key string, fn core.CounterMutator) error {
	f.updates.Add(1)
	return errors.New("database is locked")
}

func newTestLimiter(now *time.Time) (*TieredLimiter, *store.MemoryStore) {
	mem := store.NewMemoryStore()
	return &TieredLimiter{
		Store: mem,
		Clock: func() time.Time { return *now },
	}, mem
}

func TestCheckLimitIsIdempotent(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, mem := newTestLimiter(&now)
	ctx := context.Background()

	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpCompletionsPerMinute, 3))

	first, err := limiter.CheckLimit(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := limiter.CheckLimit(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.True(t, first.Allowed)
	assert.Equal(t, 3, first.CurrentUsage)
	assert.Equal(t, 10, first.Limit)
	assert.Equal(t, 7, first.Remaining)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 16, 0, 0, time.UTC), first.ResetTime)

	records, err := mem.ListCounters(ctx, store.CounterQuery{All: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Count)
}

func TestCheckAndRecordStopsAtLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, mem := newTestLimiter(&now)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		decision, err := limiter.CheckAndRecord(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "call %d", i)
		assert.Equal(t, i, decision.CurrentUsage)
		assert.Equal(t, 10-i, decision.Remaining)
	}

	denied, err := limiter.CheckAndRecord(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, core.ReasonRateLimitExceeded, denied.Reason)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, 10, denied.CurrentUsage)
	assert.Equal(t, 30*time.Second, denied.RetryAfter(now))

	records, err := mem.ListCounters(ctx, store.CounterQuery{Subject: "user-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 10, records[0].Count, "denied calls must not be recorded")
}

func TestCheckAndRecordIsAtomicUnderContention(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, _ := newTestLimiter(&now)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.CheckAndRecord(context.Background(), "user-1", OpCompletionsPerMinute, core.TierFree)
			if err == nil && decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestBucketsAreIsolated(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, _ := newTestLimiter(&now)
	ctx := context.Background()

	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpCompletionsPerMinute, 10))

	decision, err := limiter.CheckLimit(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	t.Run("other operation", func(t *testing.T) {
		hourly, err := limiter.CheckLimit(ctx, "user-1", OpCompletionsPerHour, core.TierFree)
		require.NoError(t, err)
		assert.True(t, hourly.Allowed)
		assert.Equal(t, 0, hourly.CurrentUsage)
	})

	t.Run("other subject", func(t *testing.T) {
		other, err := limiter.CheckLimit(ctx, "user-2", OpCompletionsPerMinute, core.TierFree)
		require.NoError(t, err)
		assert.True(t, other.Allowed)
		assert.Equal(t, 0, other.CurrentUsage)
	})

	t.Run("next window", func(t *testing.T) {
		now = now.Add(time.Minute)
		next, err := limiter.CheckLimit(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
		require.NoError(t, err)
		assert.True(t, next.Allowed)
		assert.Equal(t, 0, next.CurrentUsage)
		assert.Equal(t, 10, next.Remaining)
	})
}

func TestCheckMultiModelLimitsCeilingComesFirst(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	failing := &failingCounterStore{}
	limiter := &TieredLimiter{Store: failing, Clock: func() time.Time { return now }}

	decision, err := limiter.CheckMultiModelLimits(context.Background(), "user-1", 3, core.TierFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, core.ReasonMaxModelsPerRequest, decision.Reason)
	assert.Equal(t, OpMaxModelsPerRequest, decision.Operation)
	assert.Equal(t, 2, decision.Limit)
	assert.Equal(t, 3, decision.CurrentUsage)
	assert.Equal(t, int32(0), failing.reads.Load(), "ceiling must be evaluated before any counter")

	decision, err = limiter.CheckMultiModelLimits(context.Background(), "user-1", 3, core.TierPro)
	require.Error(t, err)
	assert.True(t, decision.Allowed, "storage errors fail open")
}

func TestCheckMultiModelLimitsConcurrentThenHourly(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, _ := newTestLimiter(&now)
	ctx := context.Background()

	decision, err := limiter.CheckMultiModelLimits(ctx, "user-1", 2, core.TierFree)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpMultiModelConcurrent, 2))
	decision, err = limiter.CheckMultiModelLimits(ctx, "user-1", 2, core.TierFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, OpMultiModelConcurrent, decision.Operation)

	now = now.Add(time.Minute)
	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpMultiModelRequestsPerHour, 19))
	decision, err = limiter.CheckMultiModelLimits(ctx, "user-1", 2, core.TierFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "hourly quota is weighted by model count")
	assert.Equal(t, OpMultiModelRequestsPerHour, decision.Operation)
	assert.Equal(t, core.ReasonRateLimitExceeded, decision.Reason)

	decision, err = limiter.CheckMultiModelLimits(ctx, "user-1", 1, core.TierFree)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Remaining)
}

func TestCheckMultiModelLimitsReportsWeightedRemaining(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, _ := newTestLimiter(&now)
	ctx := context.Background()

	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpMultiModelRequestsPerHour, 188))
	decision, err := limiter.CheckMultiModelLimits(ctx, "user-1", 5, core.TierPro)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, OpMultiModelRequestsPerHour, decision.Operation, "12 left minus 5 models is tighter than 10 concurrent minus 1")
	assert.Equal(t, 12, decision.Remaining)
	assert.Equal(t, 7, RemainingAfter(decision, 5))
}

func TestUsageWeight(t *testing.T) {
	assert.Equal(t, 1, UsageWeight(OpCompletionsPerMinute, 4))
	assert.Equal(t, 1, UsageWeight(OpMultiModelConcurrent, 4))
	assert.Equal(t, 4, UsageWeight(OpMultiModelRequestsPerHour, 4))
	assert.Equal(t, 4, UsageWeight(OpMultiModelModelsPerDay, 4))
	assert.Equal(t, 1, UsageWeight(OpMultiModelModelsPerDay, 0))
	assert.Equal(t, 0, RemainingAfter(core.QuotaDecision{Operation: OpMultiModelRequestsPerHour, Remaining: 2}, 3))
}

func TestRecordMultiModelUsageIncrementsThreeCounters(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, mem := newTestLimiter(&now)
	ctx := context.Background()

	require.NoError(t, limiter.RecordMultiModelUsage(ctx, "user-1", 3))

	records, err := mem.ListCounters(ctx, store.CounterQuery{Subject: "user-1"})
	require.NoError(t, err)

	counts := map[string]int{}
	for _, r := range records {
		counts[r.Operation] = r.Count
	}
	assert.Equal(t, map[string]int{
		OpMultiModelConcurrent:      1,
		OpMultiModelRequestsPerHour: 3,
		OpMultiModelModelsPerDay:    3,
	}, counts)
}

func TestUnknownOperationPolicy(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, mem := newTestLimiter(&now)
	ctx := context.Background()

	decision, err := limiter.CheckLimit(ctx, "user-1", "uploads_per_minute", core.TierFree)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	limiter.UnknownOperationPolicy = UnknownOperationDeny
	decision, err = limiter.CheckLimit(ctx, "user-1", "uploads_per_minute", core.TierFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, core.ReasonUnknownOperation, decision.Reason)

	decision, err = limiter.CheckAndRecord(ctx, "user-1", "uploads_per_minute", core.TierFree)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	records, err := mem.ListCounters(ctx, store.CounterQuery{All: true})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUnknownTierUsesFreeLimits(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, _ := newTestLimiter(&now)

	decision, err := limiter.CheckLimit(context.Background(), "user-1", OpCompletionsPerMinute, core.Tier("platinum"))
	require.NoError(t, err)
	assert.Equal(t, 10, decision.Limit)
}

func TestStoreErrorsFailOpen(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter := &TieredLimiter{Store: &failingCounterStore{}, Clock: func() time.Time { return now }}
	ctx := context.Background()

	decision, err := limiter.CheckLimit(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
	require.Error(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.CheckAndRecord(ctx, "user-1", OpCompletionsPerMinute, core.TierFree)
	require.Error(t, err)
	assert.True(t, decision.Allowed)

	require.Error(t, limiter.RecordMultiModelUsage(ctx, "user-1", 2))
}

func TestSubjectIsRequired(t *testing.T) {
	limiter := &TieredLimiter{Store: store.NewMemoryStore()}
	_, err := limiter.CheckLimit(context.Background(), " ", OpCompletionsPerMinute, core.TierFree)
	require.Error(t, err)
	require.Error(t, limiter.RecordUsage(context.Background(), "", OpCompletionsPerMinute, 1))
}

func TestSweepRemovesStaleCounters(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	limiter, mem := newTestLimiter(&now)
	limiter.SweepProbability = 0.5
	roll := 0.9
	limiter.Rand = func() float64 { return roll }
	ctx := context.Background()

	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpCompletionsPerMinute, 1))

	now = now.Add(72 * time.Hour)
	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpCompletionsPerMinute, 1))
	records, err := mem.ListCounters(ctx, store.CounterQuery{All: true})
	require.NoError(t, err)
	assert.Len(t, records, 2, "no sweep when the roll misses")

	roll = 0.1
	require.NoError(t, limiter.RecordUsage(ctx, "user-1", OpCompletionsPerMinute, 1))
	records, err = mem.ListCounters(ctx, store.CounterQuery{All: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Count)
}

func TestApplyOverridesLeavesDefaultsUntouched(t *testing.T) {
	limiter := &TieredLimiter{}
	limiter.ApplyOverrides(map[string]map[string]int{
		"Free":     {"completions_per_minute": 3},
		"internal": {"completions_per_minute": 1000},
	})

	table := limiter.Table()
	assert.Equal(t, 3, table[core.TierFree][OpCompletionsPerMinute])
	assert.Equal(t, 100, table[core.TierFree][OpCompletionsPerHour])
	assert.Equal(t, 1000, table[core.Tier("internal")][OpCompletionsPerMinute])
	assert.Equal(t, 10, DefaultTierLimits[core.TierFree][OpCompletionsPerMinute])

	table[core.TierFree][OpCompletionsPerMinute] = 99
	assert.Equal(t, 3, limiter.Table()[core.TierFree][OpCompletionsPerMinute])
}

func TestGranularityAndKeys(t *testing.T) {
	assert.Equal(t, time.Minute, Granularity(OpCompletionsPerMinute))
	assert.Equal(t, time.Hour, Granularity(OpCompletionsPerHour))
	assert.Equal(t, 24*time.Hour, Granularity(OpMultiModelModelsPerDay))
	assert.Equal(t, time.Hour, Granularity("custom"))

	now := time.Date(2025, 1, 1, 10, 15, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC), WindowStart(OpCompletionsPerMinute, now))
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), WindowStart(OpCompletionsPerHour, now))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), WindowStart(OpSessionCreationsPerDay, now))

	start := WindowStart(OpCompletionsPerMinute, now)
	key := CounterKey("user-1", OpCompletionsPerMinute, start)
	assert.Len(t, key, 64)
	assert.Equal(t, key, CounterKey("user-1", OpCompletionsPerMinute, start))
	assert.NotEqual(t, key, CounterKey("user-2", OpCompletionsPerMinute, start))
	assert.NotEqual(t, key, CounterKey("user-1", OpCompletionsPerHour, start))
	assert.NotEqual(t, key, CounterKey("user-1", OpCompletionsPerMinute, start.Add(time.Minute)))
}

func TestMostRestrictive(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	roomy := core.QuotaDecision{Allowed: true, Remaining: 9, Operation: "a"}
	tight := core.QuotaDecision{Allowed: true, Remaining: 1, Operation: "b"}
	soon := core.QuotaDecision{Allowed: false, ResetTime: base.Add(time.Minute), Operation: "c"}
	later := core.QuotaDecision{Allowed: false, ResetTime: base.Add(time.Hour), Operation: "d"}

	assert.Equal(t, "b", MostRestrictive(roomy, tight).Operation)
	assert.Equal(t, "c", MostRestrictive(roomy, soon, tight).Operation)
	assert.Equal(t, "d", MostRestrictive(soon, later).Operation)
	assert.Equal(t, core.QuotaDecision{}, MostRestrictive())
}
