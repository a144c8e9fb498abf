package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/metrics"
)

// Tiered operations.
const (
	OpCompletionsPerMinute      = "completions_per_minute"
	OpCompletionsPerHour        = "completions_per_hour"
	OpSessionCreationsPerHour   = "session_creations_per_hour"
	OpSessionCreationsPerDay    = "session_creations_per_day"
	OpMultiModelConcurrent      = "multi_model_concurrent_per_minute"
	OpMultiModelRequestsPerHour = "multi_model_requests_per_hour"
	OpMultiModelModelsPerDay    = "multi_model_models_per_day"

	// OpMaxModelsPerRequest is a per-request ceiling, not a counter.
	OpMaxModelsPerRequest = "max_models_per_request"
)

// Unknown operation policies.
const (
	UnknownOperationAllow = "allow"
	UnknownOperationDeny  = "deny"
)

const (
	defaultCounterRetention = 48 * time.Hour
	tieredLimiterName       = "tiered"
)

// DefaultTierLimits is the built-in tier x operation table.
var DefaultTierLimits = map[core.Tier]map[string]int{
	core.TierFree: {
		OpCompletionsPerMinute:      10,
		OpCompletionsPerHour:        100,
		OpSessionCreationsPerHour:   5,
		OpSessionCreationsPerDay:    20,
		OpMultiModelConcurrent:      2,
		OpMultiModelRequestsPerHour: 20,
		OpMultiModelModelsPerDay:    100,
		OpMaxModelsPerRequest:       2,
	},
	core.TierPro: {
		OpCompletionsPerMinute:      60,
		OpCompletionsPerHour:        1000,
		OpSessionCreationsPerHour:   20,
		OpSessionCreationsPerDay:    100,
		OpMultiModelConcurrent:      10,
		OpMultiModelRequestsPerHour: 200,
		OpMultiModelModelsPerDay:    1000,
		OpMaxModelsPerRequest:       5,
	},
	core.TierEnterprise: {
		OpCompletionsPerMinute:      300,
		OpCompletionsPerHour:        10000,
		OpSessionCreationsPerHour:   100,
		OpSessionCreationsPerDay:    1000,
		OpMultiModelConcurrent:      50,
		OpMultiModelRequestsPerHour: 2000,
		OpMultiModelModelsPerDay:    10000,
		OpMaxModelsPerRequest:       10,
	},
}

// CounterStore persists tiered counters. ReadCounter takes a shared lock on
// the key; UpdateCounter runs fn under the key's exclusive lock.
type CounterStore interface {
	ReadCounter(ctx context.Context, key string) (*core.CounterRecord, error)
	UpdateCounter(ctx context.Context, key string, fn core.CounterMutator) error
}

// CounterSweeper is implemented by stores that can drop stale counters.
type CounterSweeper interface {
	SweepCounters(ctx context.Context, cutoff time.Time) (int64, error)
}

// TieredLimiter enforces tier x operation limits over fixed time buckets.
type TieredLimiter struct {
	Store                  CounterStore
	Limits                 map[core.Tier]map[string]int
	UnknownOperationPolicy string
	SweepProbability       float64
	Retention              time.Duration
	Clock                  func() time.Time
	Rand                   func() float64
	Logger                 *logging.Logger
}

// Granularity returns the bucket size implied by an operation's suffix.
func Granularity(operation string) time.Duration {
	switch {
	case strings.HasSuffix(operation, "_per_minute"):
		return time.Minute
	case strings.HasSuffix(operation, "_per_day"):
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// WindowStart truncates now to the operation's bucket.
func WindowStart(operation string, now time.Time) time.Time {
	return now.UTC().Truncate(Granularity(operation))
}

// CounterKey hashes (subject, operation, window start) into a store key.
func CounterKey(subject, operation string, windowStart time.Time) string {
	sum := sha256.Sum256([]byte(subject + "|" + operation + "|" + strconv.FormatInt(windowStart.UTC().Unix(), 10)))
	return hex.EncodeToString(sum[:])
}

// CheckLimit reports whether one more operation is permitted. It never
// writes. On a storage error the decision allows the call and err is set.
func (r *TieredLimiter) CheckLimit(ctx context.Context, subject, operation string, tier core.Tier) (core.QuotaDecision, error) {
	return r.check(ctx, subject, operation, tier, 1)
}

// CheckAndRecord checks the limit and, only when allowed, records one use
// under the counter's exclusive lock.
func (r *TieredLimiter) CheckAndRecord(ctx context.Context, subject, operation string, tier core.Tier) (core.QuotaDecision, error) {
	operation = normalizeOperation(operation)
	if err := validateSubject(subject); err != nil {
		return core.QuotaDecision{}, err
	}

	limit, known := r.limitFor(tier, operation)
	if !known {
		return r.unknownOperation(subject, operation, tier), nil
	}
	if r == nil || r.Store == nil {
		return core.QuotaDecision{Allowed: true, Limit: limit, Remaining: limit, Operation: operation}, nil
	}

	now := r.now()
	start := WindowStart(operation, now)
	end := start.Add(Granularity(operation))
	key := CounterKey(subject, operation, start)

	var decision core.QuotaDecision
	err := r.Store.UpdateCounter(ctx, key, func(current *core.CounterRecord) (*core.CounterRecord, error) {
		usage := usageInWindow(current, start, end)
		decision = buildDecision(operation, usage, 1, limit, end)
		if !decision.Allowed {
			return nil, nil
		}
		decision.CurrentUsage = usage + 1
		decision.Remaining = max(limit-usage-1, 0)
		return nextRecord(current, subject, operation, start, end, usage+1, now), nil
	})
	if err != nil {
		metrics.RecordQuotaStoreError(tieredLimiterName, "update")
		return core.QuotaDecision{Allowed: true, Limit: limit, Remaining: limit, ResetTime: end, Operation: operation},
			fmt.Errorf("record %s usage: %w", operation, err)
	}

	r.observe(decision)
	if decision.Allowed {
		r.maybeSweep(ctx)
	}
	return decision, nil
}

// RecordUsage unconditionally adds amount to the current bucket.
func (r *TieredLimiter) RecordUsage(ctx context.Context, subject, operation string, amount int) error {
	operation = normalizeOperation(operation)
	if err := validateSubject(subject); err != nil {
		return err
	}
	if amount <= 0 || r == nil || r.Store == nil {
		return nil
	}

	now := r.now()
	start := WindowStart(operation, now)
	end := start.Add(Granularity(operation))
	key := CounterKey(subject, operation, start)

	err := r.Store.UpdateCounter(ctx, key, func(current *core.CounterRecord) (*core.CounterRecord, error) {
		usage := usageInWindow(current, start, end)
		return nextRecord(current, subject, operation, start, end, usage+amount, now), nil
	})
	if err != nil {
		metrics.RecordQuotaStoreError(tieredLimiterName, "update")
		return fmt.Errorf("record %s usage: %w", operation, err)
	}

	r.maybeSweep(ctx)
	return nil
}

// CheckMultiModelLimits evaluates the per-request model ceiling, then the
// concurrent request quota, then the model-weighted hourly quota. The first
// failing check is returned; nothing is recorded.
func (r *TieredLimiter) CheckMultiModelLimits(ctx context.Context, subject string, modelCount int, tier core.Tier) (core.QuotaDecision, error) {
	if err := validateSubject(subject); err != nil {
		return core.QuotaDecision{}, err
	}

	if ceiling, ok := r.limitFor(tier, OpMaxModelsPerRequest); ok && modelCount > ceiling {
		decision := core.QuotaDecision{
			Allowed:      false,
			CurrentUsage: modelCount,
			Limit:        ceiling,
			Remaining:    0,
			Reason:       core.ReasonMaxModelsPerRequest,
			Operation:    OpMaxModelsPerRequest,
		}
		r.observe(decision)
		return decision, nil
	}

	concurrent, err := r.check(ctx, subject, OpMultiModelConcurrent, tier, 1)
	if err != nil || !concurrent.Allowed {
		return concurrent, err
	}

	hourly, err := r.check(ctx, subject, OpMultiModelRequestsPerHour, tier, UsageWeight(OpMultiModelRequestsPerHour, modelCount))
	if err != nil || !hourly.Allowed {
		return hourly, err
	}

	if RemainingAfter(hourly, modelCount) < RemainingAfter(concurrent, modelCount) {
		return hourly, nil
	}
	return concurrent, nil
}

// RecordMultiModelUsage increments the concurrent, weighted hourly and
// models-per-day counters.
func (r *TieredLimiter) RecordMultiModelUsage(ctx context.Context, subject string, modelCount int) error {
	return errors.Join(
		r.RecordUsage(ctx, subject, OpMultiModelConcurrent, UsageWeight(OpMultiModelConcurrent, modelCount)),
		r.RecordUsage(ctx, subject, OpMultiModelRequestsPerHour, UsageWeight(OpMultiModelRequestsPerHour, modelCount)),
		r.RecordUsage(ctx, subject, OpMultiModelModelsPerDay, UsageWeight(OpMultiModelModelsPerDay, modelCount)),
	)
}

// UsageWeight is the amount one request fanned out to modelCount models
// consumes from operation.
func UsageWeight(operation string, modelCount int) int {
	switch normalizeOperation(operation) {
	case OpMultiModelRequestsPerHour, OpMultiModelModelsPerDay:
		return max(modelCount, 1)
	default:
		return 1
	}
}

// RemainingAfter is the decision's remaining allowance once the request
// has been recorded.
func RemainingAfter(decision core.QuotaDecision, modelCount int) int {
	return max(decision.Remaining-UsageWeight(decision.Operation, modelCount), 0)
}

// ApplyOverrides merges configured tier limits over DefaultTierLimits.
func (r *TieredLimiter) ApplyOverrides(overrides map[string]map[string]int) {
	if r == nil {
		return
	}
	if r.Limits == nil {
		r.Limits = CloneTierLimits(DefaultTierLimits)
	}

	for tierName, ops := range overrides {
		tier := core.Tier(strings.ToLower(strings.TrimSpace(tierName)))
		if tier == "" {
			continue
		}
		if r.Limits[tier] == nil {
			r.Limits[tier] = map[string]int{}
		}
		for op, value := range ops {
			op = normalizeOperation(op)
			if op == "" || value < 0 {
				continue
			}
			r.Limits[tier][op] = value
		}
	}
}

// Table returns a copy of the effective limit table.
func (r *TieredLimiter) Table() map[core.Tier]map[string]int {
	if r == nil || r.Limits == nil {
		return CloneTierLimits(DefaultTierLimits)
	}
	return CloneTierLimits(r.Limits)
}

// CloneTierLimits deep-copies a limit table.
func CloneTierLimits(src map[core.Tier]map[string]int) map[core.Tier]map[string]int {
	out := make(map[core.Tier]map[string]int, len(src))
	for tier, ops := range src {
		copied := make(map[string]int, len(ops))
		for op, value := range ops {
			copied[op] = value
		}
		out[tier] = copied
	}
	return out
}

// MostRestrictive picks the decision a caller should see: any denial wins
// (latest reset first), otherwise the lowest remaining count.
func MostRestrictive(decisions ...core.QuotaDecision) core.QuotaDecision {
	var chosen core.QuotaDecision
	found := false
	for _, d := range decisions {
		if !found {
			chosen, found = d, true
			continue
		}
		switch {
		case chosen.Allowed && !d.Allowed:
			chosen = d
		case !chosen.Allowed && !d.Allowed:
			if d.ResetTime.After(chosen.ResetTime) {
				chosen = d
			}
		case chosen.Allowed && d.Allowed:
			if d.Remaining < chosen.Remaining {
				chosen = d
			}
		}
	}
	return chosen
}

func (r *TieredLimiter) check(ctx context.Context, subject, operation string, tier core.Tier, amount int) (core.QuotaDecision, error) {
	operation = normalizeOperation(operation)
	if err := validateSubject(subject); err != nil {
		return core.QuotaDecision{}, err
	}

	limit, known := r.limitFor(tier, operation)
	if !known {
		return r.unknownOperation(subject, operation, tier), nil
	}

	now := r.now()
	start := WindowStart(operation, now)
	end := start.Add(Granularity(operation))

	if r == nil || r.Store == nil {
		return buildDecision(operation, 0, amount, limit, end), nil
	}

	record, err := r.Store.ReadCounter(ctx, CounterKey(subject, operation, start))
	if err != nil {
		metrics.RecordQuotaStoreError(tieredLimiterName, "read")
		return core.QuotaDecision{Allowed: true, Limit: limit, Remaining: limit, ResetTime: end, Operation: operation},
			fmt.Errorf("read %s usage: %w", operation, err)
	}

	decision := buildDecision(operation, usageInWindow(record, start, end), amount, limit, end)
	r.observe(decision)
	return decision, nil
}

func (r *TieredLimiter) unknownOperation(subject, operation string, tier core.Tier) core.QuotaDecision {
	deny := r != nil && strings.EqualFold(strings.TrimSpace(r.UnknownOperationPolicy), UnknownOperationDeny)

	if r != nil && r.Logger != nil {
		r.Logger.Warn("No quota configured for operation",
			zap.String("operation", operation),
			zap.String("tier", string(tier)),
			zap.String("subject", subject),
			zap.Bool("denied", deny),
		)
	}

	decision := core.QuotaDecision{Allowed: !deny, Operation: operation}
	if deny {
		decision.Reason = core.ReasonUnknownOperation
	}
	r.observe(decision)
	return decision
}

func (r *TieredLimiter) limitFor(tier core.Tier, operation string) (int, bool) {
	limits := DefaultTierLimits
	if r != nil && r.Limits != nil {
		limits = r.Limits
	}
	row, ok := limits[core.ParseTier(string(tier))]
	if !ok {
		return 0, false
	}
	limit, ok := row[operation]
	return limit, ok
}

func (r *TieredLimiter) observe(decision core.QuotaDecision) {
	metrics.RecordQuotaDecision(tieredLimiterName, decision.Operation, decision.Allowed, decision.Reason)
}

func (r *TieredLimiter) maybeSweep(ctx context.Context) {
	if r == nil || r.SweepProbability <= 0 {
		return
	}
	sweeper, ok := r.Store.(CounterSweeper)
	if !ok {
		return
	}
	roll := rand.Float64
	if r.Rand != nil {
		roll = r.Rand
	}
	if roll() >= r.SweepProbability {
		return
	}

	retention := r.Retention
	if retention <= 0 {
		retention = defaultCounterRetention
	}
	removed, err := sweeper.SweepCounters(ctx, r.now().Add(-retention))
	if r.Logger == nil {
		return
	}
	if err != nil {
		r.Logger.Warn("Counter sweep failed", zap.Error(err))
		return
	}
	r.Logger.Debug("Swept stale counters", zap.Int64("removed", removed))
}

func (r *TieredLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

func buildDecision(operation string, usage, amount, limit int, reset time.Time) core.QuotaDecision {
	decision := core.QuotaDecision{
		Allowed:      usage+amount <= limit,
		CurrentUsage: usage,
		Limit:        limit,
		Remaining:    max(limit-usage, 0),
		ResetTime:    reset,
		Operation:    operation,
	}
	if !decision.Allowed {
		decision.Reason = core.ReasonRateLimitExceeded
	}
	return decision
}

// usageInWindow counts a record only when it was last written inside the
// current bucket.
func usageInWindow(record *core.CounterRecord, start, end time.Time) int {
	if record == nil {
		return 0
	}
	if record.UpdatedAt.Before(start) || !record.UpdatedAt.Before(end) {
		return 0
	}
	return record.Count
}

func nextRecord(current *core.CounterRecord, subject, operation string, start, end time.Time, count int, now time.Time) *core.CounterRecord {
	next := &core.CounterRecord{}
	if current != nil {
		*next = *current
	}
	next.Subject = subject
	next.Operation = operation
	next.WindowStart = start
	next.WindowEnd = end
	next.Count = count
	next.UpdatedAt = now
	return next
}

func normalizeOperation(operation string) string {
	return strings.ToLower(strings.TrimSpace(operation))
}

func validateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return errors.New("quota subject is required")
	}
	return nil
}
