package metrics

import (
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/observability"
)

func withCollector(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })
	return collector
}

func TestRelayMetricsEmitted(t *testing.T) {
	collector := withCollector(t)

	RecordFanout("combine_all", 3, 2, 120*time.Millisecond, false)
	RecordModelOutcome("alpha", "echo", "success", 40*time.Millisecond)
	RecordModelOutcome("beta", "openai", "timeout", 2*time.Second)
	RecordQuotaDecision("tiered", "completions_per_minute", false, "rate_limit_exceeded")
	RecordQuotaStoreError("fingerprint", "read")

	assert.Greater(t, collector.CountMetricsByName(FanoutRequestsTotal), 0)
	assert.Greater(t, collector.CountMetricsByName(FanoutDuration), 0)
	assert.GreaterOrEqual(t, collector.CountMetricsByName(ModelOutcomesTotal), 2)
	assert.GreaterOrEqual(t, collector.CountMetricsByName(ModelLatency), 2)
	assert.Greater(t, collector.CountMetricsByName(QuotaDecisionsTotal), 0)
	assert.Greater(t, collector.CountMetricsByName(QuotaStoreErrorTotal), 0)
}

func TestRelayMetricsNoopWithoutTelemetry(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = original })

	assert.NotPanics(t, func() {
		RecordFanout("prioritize_fastest", 2, 0, time.Second, true)
		RecordModelOutcome("alpha", "echo", "error", time.Millisecond)
		RecordQuotaDecision("tiered", "completions_per_hour", true, "")
		RecordQuotaStoreError("tiered", "update")
	})
}
