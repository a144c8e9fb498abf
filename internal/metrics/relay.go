package metrics

import (
	"strconv"
	"time"

	"github.com/chorusrelay/chorus/internal/observability"
)

// Relay metrics
const (
	FanoutRequestsTotal  = "relay_fanout_requests_total"
	FanoutDuration       = "relay_fanout_duration_ms"
	ModelOutcomesTotal   = "relay_model_outcomes_total"
	ModelLatency         = "relay_model_latency_ms"
	QuotaDecisionsTotal  = "relay_quota_decisions_total"
	QuotaStoreErrorTotal = "relay_quota_store_errors_total"
)

// RecordFanout records one multi-model call and its aggregation result.
func RecordFanout(strategy string, models int, successful int, duration time.Duration, failed bool) {
	if observability.TelemetrySystem == nil {
		return
	}
	status := "success"
	if failed {
		status = "failure"
	}
	_ = observability.TelemetrySystem.Counter(
		FanoutRequestsTotal,
		1,
		map[string]string{
			"strategy":   strategy,
			"status":     status,
			"models":     strconv.Itoa(models),
			"successful": strconv.Itoa(successful),
		},
	)
	_ = observability.TelemetrySystem.Histogram(
		FanoutDuration,
		duration,
		map[string]string{"strategy": strategy},
	)
}

// RecordModelOutcome records the result of one fan-out unit.
func RecordModelOutcome(modelName string, provider string, outcome string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		ModelOutcomesTotal,
		1,
		map[string]string{
			"model":    modelName,
			"provider": provider,
			"outcome":  outcome,
		},
	)
	_ = observability.TelemetrySystem.Histogram(
		ModelLatency,
		duration,
		map[string]string{"model": modelName},
	)
}

// RecordQuotaDecision records a limiter decision. reason is empty when allowed.
func RecordQuotaDecision(limiter string, operation string, allowed bool, reason string) {
	if observability.TelemetrySystem == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	_ = observability.TelemetrySystem.Counter(
		QuotaDecisionsTotal,
		1,
		map[string]string{
			"limiter":   limiter,
			"operation": operation,
			"decision":  decision,
			"reason":    reason,
		},
	)
}

// RecordQuotaStoreError records a limiter storage failure.
func RecordQuotaStoreError(limiter string, op string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		QuotaStoreErrorTotal,
		1,
		map[string]string{
			"limiter": limiter,
			"op":      op,
		},
	)
}
