package metrics

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/chorusrelay/chorus/internal/observability"
)

// Process-level metric names.
const (
	CommandsTotal       = "cli_commands_total"
	CommandErrorsTotal  = "cli_command_errors_total"
	ActiveConnections   = "http_active_connections"
	HealthCheckTotal    = "health_check_total"
	HealthCheckDuration = "health_check_duration_ms"
	ServerStartTime     = "server_start_time_seconds"
	ServerUptime        = "server_uptime_seconds"
)

// RecordCommand counts one CLI command run. Failures are also counted by
// error type.
func RecordCommand(command string, err error) {
	if observability.TelemetrySystem == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	_ = observability.TelemetrySystem.Counter(CommandsTotal, 1, map[string]string{
		"command": command,
		"status":  status,
	})

	if err != nil {
		_ = observability.TelemetrySystem.Counter(CommandErrorsTotal, 1, map[string]string{
			"command":    command,
			"error_type": ErrorType(err),
		})
	}
}

// ErrorType is the metric label for err: the envelope code when there is
// one, otherwise a coarse class.
func ErrorType(err error) string {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &envelope) && envelope.Code != "":
		return envelope.Code
	case stderrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case stderrors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// SetActiveConnections sets the number of open HTTP connections.
func SetActiveConnections(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ActiveConnections, float64(count), nil)
	}
}

// RecordHealthCheck records one health checker run.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(HealthCheckTotal, 1, map[string]string{
			"check":  checkName,
			"status": status,
		})
		_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration, map[string]string{
			"check": checkName,
		})
	}
}

// SetServerStartTime records when the server started listening.
func SetServerStartTime(started time.Time) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(started.Unix()), nil)
	}
}

// SetServerUptime records how long the server has been up.
func SetServerUptime(uptime time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerUptime, uptime.Seconds(), nil)
	}
}
