package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/metrics"
	"github.com/chorusrelay/chorus/internal/observability"
	"github.com/chorusrelay/chorus/internal/server/middleware"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeNotSupported          = "NOT_SUPPORTED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeNotFound              = "NOT_FOUND"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInsufficientResponses = "INSUFFICIENT_RESPONSES"
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	CodeTimeout               = "TIMEOUT"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error types returned in the "type" field, grouped the way API clients
// usually branch on them.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAggregation    = "aggregation_error"
	TypeNotSupported   = "not_supported_error"
	TypeAPI            = "api_error"
)

func NewInvalidRequestError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidRequest, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewUnauthorizedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeUnauthorized, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

// NewQuotaExceededError describes a denied quota decision. RespondWithError
// turns the reset time into a Retry-After header.
func NewQuotaExceededError(decision core.QuotaDecision) *errors.ErrorEnvelope {
	message := "rate limit exceeded for " + decision.Operation
	switch decision.Reason {
	case core.ReasonBlocked:
		message = "client temporarily blocked after too many attempts"
	case core.ReasonMaxModelsPerRequest:
		message = "too many models in one request for this tier (limit " + strconv.Itoa(decision.Limit) + ")"
	case core.ReasonUnknownOperation:
		message = "no quota configured for " + decision.Operation
	}

	details := map[string]interface{}{
		"operation":     decision.Operation,
		"reason":        decision.Reason,
		"limit":         decision.Limit,
		"current_usage": decision.CurrentUsage,
		"remaining":     decision.Remaining,
	}
	if reset := decision.ResetUnix(); reset > 0 {
		details["reset_time"] = reset
	}
	return errors.NewErrorEnvelope(CodeRateLimited, message).WithDetails(details)
}

// FromError classifies errors produced by the relay into envelopes. Errors
// that are already envelopes pass through unchanged.
func FromError(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return EnsureEnvelope(nil)
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	var aggErr *core.AggregationError
	switch {
	case stderrors.As(err, &aggErr):
		envelope = errors.NewErrorEnvelope(CodeInsufficientResponses, aggErr.Error()).WithDetails(aggErr.Details())
	case stderrors.Is(err, core.ErrInvalidRequest):
		envelope = errors.NewErrorEnvelope(CodeInvalidRequest, err.Error())
	case stderrors.Is(err, core.ErrNotSupported):
		envelope = errors.NewErrorEnvelope(CodeNotSupported, err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		envelope = withWrappedError(errors.NewErrorEnvelope(CodeTimeout, "request timed out"), err)
	default:
		envelope = withWrappedError(errors.NewErrorEnvelope(CodeInternal, "unexpected error"), err)
		envelope, _ = envelope.WithSeverity(errors.SeverityHigh)
	}

	if ctx != nil {
		if requestID := middleware.GetRequestID(ctx); requestID != "" {
			envelope = envelope.WithCorrelationID(requestID)
		}
	}
	return envelope
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}
	return FromError(nil, err)
}

// EnsureCorrelationID attaches a correlation ID to the envelope using the context when available.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	if envelope.CorrelationID != "" {
		return envelope
	}

	var correlationID string
	if ctx != nil {
		correlationID = middleware.GetRequestID(ctx)
	}

	if correlationID == "" {
		correlationID = "fallback-" + errors.GenerateCorrelationID()
	}

	return envelope.WithCorrelationID(correlationID)
}

// HTTPStatusFromEnvelope resolves the HTTP status code corresponding to an error envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode resolves the HTTP status code corresponding to an error code.
func HTTPStatusFromCode(code string) int {
	switch code {
	case CodeInvalidRequest, CodeNotSupported:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInsufficientResponses:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// TypeFromCode maps an error code to its client-facing error type.
func TypeFromCode(code string) string {
	switch code {
	case CodeInvalidRequest, CodeNotFound, CodeMethodNotAllowed:
		return TypeInvalidRequest
	case CodeUnauthorized:
		return TypeAuthentication
	case CodeRateLimited:
		return TypeRateLimit
	case CodeInsufficientResponses:
		return TypeAggregation
	case CodeNotSupported:
		return TypeNotSupported
	default:
		return TypeAPI
	}
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if envelope == nil || err == nil {
		return envelope
	}

	updated, updateErr := envelope.WithContext(map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	if updateErr != nil {
		return envelope
	}
	return updated
}

// ResponseDetails returns the API-safe details of an envelope. Context stays
// in logs.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil || len(envelope.Details) == 0 {
		return nil
	}

	details := make(map[string]interface{}, len(envelope.Details))
	for key, value := range envelope.Details {
		details[key] = value
	}
	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Type      string                 `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes the supplied error and writes a JSON response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	if err == nil {
		RespondWithEnvelope(w, r, EnsureEnvelope(nil))
		return
	}
	RespondWithEnvelope(w, r, FromError(ctx, err))
}

// RespondWithEnvelope finalizes the provided envelope, logging and emitting metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	if r != nil {
		envelope = EnsureCorrelationID(envelope, r.Context())
	} else {
		envelope = EnsureCorrelationID(envelope, nil)
	}

	statusCode := HTTPStatusFromEnvelope(envelope)

	response := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Type:      TypeFromCode(envelope.Code),
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	}

	if statusCode == http.StatusTooManyRequests {
		setRetryAfter(w, envelope)
	}

	logHTTPError(envelope, statusCode)
	emitErrorMetrics(r, envelope, statusCode)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func setRetryAfter(w http.ResponseWriter, envelope *errors.ErrorEnvelope) {
	var reset int64
	switch v := envelope.Details["reset_time"].(type) {
	case int64:
		reset = v
	case int:
		reset = int64(v)
	case float64:
		reset = int64(v)
	}
	if reset <= 0 {
		return
	}
	wait := time.Until(time.Unix(reset, 0))
	seconds := int64(wait.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	if observability.ServerLogger == nil || envelope == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
	}

	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}

	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		observability.ServerLogger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		observability.ServerLogger.Warn(envelope.Message, fields...)
	default:
		observability.ServerLogger.Info(envelope.Message, fields...)
	}
}

func emitErrorMetrics(r *http.Request, envelope *errors.ErrorEnvelope, statusCode int) {
	if envelope == nil {
		return
	}

	metrics.RecordError(envelope.Code, statusCode)
	if r != nil {
		metrics.RecordErrorByEndpoint(r.URL.Path, envelope.Code)
	}
}
