package core

import (
	"errors"
	"time"

	"github.com/chorusrelay/chorus/internal/model"
)

// Sentinel errors shared by the orchestration and quota layers.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotSupported   = errors.New("not supported for multi-model requests")
	ErrQuotaExceeded  = errors.New("quota exceeded")
)

// Strategy selects how a set of outcomes is reduced to one response.
type Strategy string

const (
	StrategyCombineAll        Strategy = "combine_all"
	StrategyPrioritizeFastest Strategy = "prioritize_fastest"
	StrategyPrioritizeBest    Strategy = "prioritize_best"
)

// DefaultStrategy is used when a request does not name one.
const DefaultStrategy = StrategyCombineAll

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCombineAll, StrategyPrioritizeFastest, StrategyPrioritizeBest:
		return true
	default:
		return false
	}
}

// ErrorKind classifies why a single model failed.
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindProvider    ErrorKind = "provider_error"
	ErrorKindAdapter     ErrorKind = "adapter_error"
	ErrorKindUnavailable ErrorKind = "unavailable"
)

// Outcome is the per-model result of one fan-out unit.
type Outcome struct {
	Model      *model.Descriptor
	Success    bool
	Completion *model.Completion
	ErrorKind  ErrorKind
	Error      string
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// ModelName returns the descriptor name, or "" when the outcome is detached.
func (o Outcome) ModelName() string {
	if o.Model == nil {
		return ""
	}
	return o.Model.Name
}

// Message is one chat message in a normalized response.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one completion alternative; chorus always returns exactly one.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ModelResult is the per-model entry in response metadata.
type ModelResult struct {
	Name       string    `json:"name"`
	Provider   string    `json:"provider,omitempty"`
	Success    bool      `json:"success"`
	Content    string    `json:"content,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ResponseMetadata describes how an aggregated response was produced.
type ResponseMetadata struct {
	Strategy         Strategy      `json:"strategy"`
	SelectedModel    string        `json:"selected_model,omitempty"`
	TotalModels      int           `json:"total_models"`
	SuccessfulModels int           `json:"successful_models"`
	FailedModels     int           `json:"failed_models"`
	LatencyMS        int64         `json:"latency_ms"`
	Models           []ModelResult `json:"models"`
}

// ChatResponse is the normalized completion returned to callers.
type ChatResponse struct {
	ID       string           `json:"id"`
	Object   string           `json:"object"`
	Created  int64            `json:"created"`
	Model    string           `json:"model"`
	Choices  []Choice         `json:"choices"`
	Usage    model.Usage      `json:"usage"`
	Metadata ResponseMetadata `json:"metadata"`
}

// Content returns the text of the first choice.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// AggregationErrorType values.
const (
	AggregationInsufficientResponses = "insufficient_responses"
)

// AggregationError is returned when outcomes cannot be reduced to a response.
type AggregationError struct {
	Type       string
	Message    string
	Successful int
	Required   int
	Failures   map[string]string
}

func (e *AggregationError) Error() string {
	if e == nil {
		return "aggregation failed"
	}
	return e.Message
}

// Details returns the failure detail map used in error bodies.
func (e *AggregationError) Details() map[string]interface{} {
	if e == nil {
		return nil
	}
	failures := make(map[string]interface{}, len(e.Failures))
	for name, reason := range e.Failures {
		failures[name] = reason
	}
	return map[string]interface{}{
		"successful_responses": e.Successful,
		"required_responses":   e.Required,
		"failures":             failures,
	}
}
