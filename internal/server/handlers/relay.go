package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/engine"
	apperrors "github.com/chorusrelay/chorus/internal/errors"
	"github.com/chorusrelay/chorus/internal/model"
	"github.com/chorusrelay/chorus/internal/observability"
	"github.com/chorusrelay/chorus/internal/server/middleware"
)

// DefaultMaxBodyBytes bounds request bodies on /v1 routes.
const DefaultMaxBodyBytes int64 = 1 << 20

// ChatProvider runs multi-model completions.
type ChatProvider interface {
	ChatCompletions(ctx context.Context, messages []model.Message, opts engine.ChatOptions) (*core.ChatResponse, error)
	StreamChatCompletions(ctx context.Context, messages []model.Message, opts engine.ChatOptions) (<-chan core.ChatResponse, error)
	Embeddings(ctx context.Context, inputs []string, opts engine.ChatOptions) ([][]float64, error)
}

// QuotaEnforcer is the tiered limiter surface used by the relay.
type QuotaEnforcer interface {
	CheckLimit(ctx context.Context, subject, operation string, tier core.Tier) (core.QuotaDecision, error)
	RecordUsage(ctx context.Context, subject, operation string, amount int) error
	CheckMultiModelLimits(ctx context.Context, subject string, modelCount int, tier core.Tier) (core.QuotaDecision, error)
	RecordMultiModelUsage(ctx context.Context, subject string, modelCount int) error
}

// ModelLister lists the configured models.
type ModelLister interface {
	Descriptors() []*model.Descriptor
}

// Relay serves the /v1 API. A nil Quota disables quota enforcement.
type Relay struct {
	Provider     ChatProvider
	Quota        QuotaEnforcer
	Models       ModelLister
	MaxBodyBytes int64
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model          string          `json:"model,omitempty"`
	Models         []string        `json:"models,omitempty"`
	Messages       []model.Message `json:"messages"`
	Strategy       string          `json:"aggregation_strategy,omitempty"`
	TimeoutMS      int             `json:"timeout_ms,omitempty"`
	MaxConcurrency int             `json:"max_concurrency,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
}

// ModelNames returns the requested models; a single "model" is a one-model
// request.
func (r ChatCompletionRequest) ModelNames() []string {
	if len(r.Models) > 0 {
		return r.Models
	}
	if strings.TrimSpace(r.Model) != "" {
		return []string{r.Model}
	}
	return nil
}

// EmbeddingsRequest is the body of POST /v1/embeddings.
type EmbeddingsRequest struct {
	Model  string          `json:"model,omitempty"`
	Models []string        `json:"models,omitempty"`
	Input  json.RawMessage `json:"input"`
}

// QuotaResponse is returned by GET /v1/quota/{operation}.
type QuotaResponse struct {
	Subject      string `json:"subject"`
	Tier         string `json:"tier"`
	Operation    string `json:"operation"`
	Allowed      bool   `json:"allowed"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	ResetTime    int64  `json:"reset_time,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ModelEntry is one element of GET /v1/models.
type ModelEntry struct {
	ID           string   `json:"id"`
	Object       string   `json:"object"`
	OwnedBy      string   `json:"owned_by"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ModelList is returned by GET /v1/models.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Relay) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := h.decode(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	ctx := r.Context()
	principal := principalOf(ctx)
	models := req.ModelNames()
	opts := engine.ChatOptions{
		Models:         models,
		Strategy:       core.Strategy(strings.TrimSpace(req.Strategy)),
		MaxConcurrency: req.MaxConcurrency,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		RequestID:      middleware.GetRequestID(ctx),
	}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	if req.Stream {
		_, err := h.Provider.StreamChatCompletions(ctx, req.Messages, opts)
		if err == nil {
			err = fmt.Errorf("streaming is %w", core.ErrNotSupported)
		}
		respondWithError(w, r, err)
		return
	}

	decision, ok := h.admit(w, r, principal, len(models))
	if !ok {
		return
	}

	resp, err := h.Provider.ChatCompletions(ctx, req.Messages, opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	h.record(ctx, principal, len(models))
	setRateLimitHeaders(w, decision, len(models))
	writeJSON(w, http.StatusOK, resp)
}

// Embeddings handles POST /v1/embeddings.
func (h *Relay) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req EmbeddingsRequest
	if err := h.decode(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	inputs, err := embeddingInputs(req.Input)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	models := req.Models
	if len(models) == 0 && strings.TrimSpace(req.Model) != "" {
		models = []string{req.Model}
	}

	vectors, err := h.Provider.Embeddings(r.Context(), inputs, engine.ChatOptions{
		Models:    models,
		RequestID: middleware.GetRequestID(r.Context()),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	data := make([]map[string]interface{}, 0, len(vectors))
	for i, vector := range vectors {
		data = append(data, map[string]interface{}{"object": "embedding", "index": i, "embedding": vector})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}

// GetQuota handles GET /v1/quota/{operation}.
func (h *Relay) GetQuota(w http.ResponseWriter, r *http.Request) {
	operation := strings.TrimSpace(chi.URLParam(r, "operation"))
	if operation == "" {
		respondWithError(w, r, apperrors.NewInvalidRequestError("operation is required"))
		return
	}
	principal := principalOf(r.Context())

	resp := QuotaResponse{
		Subject:   principal.Subject,
		Tier:      string(principal.Tier),
		Operation: operation,
		Allowed:   true,
	}
	if h.Quota != nil {
		decision, err := h.Quota.CheckLimit(r.Context(), principal.Subject, operation, principal.Tier)
		if err != nil {
			logQuotaStoreError(r, operation, err)
		}
		resp.Operation = decision.Operation
		resp.Allowed = decision.Allowed
		resp.CurrentUsage = decision.CurrentUsage
		resp.Limit = decision.Limit
		resp.Remaining = decision.Remaining
		resp.ResetTime = decision.ResetUnix()
		resp.Reason = decision.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListModels handles GET /v1/models.
func (h *Relay) ListModels(w http.ResponseWriter, r *http.Request) {
	list := ModelList{Object: "list", Data: []ModelEntry{}}
	if h.Models != nil {
		for _, d := range h.Models.Descriptors() {
			list.Data = append(list.Data, ModelEntry{
				ID:           d.Name,
				Object:       "model",
				OwnedBy:      d.Provider,
				Capabilities: d.Capabilities,
			})
		}
	}
	writeJSON(w, http.StatusOK, list)
}

// admit applies the completion quotas and, for multi-model requests, the
// multi-model quotas. Nothing is recorded here; usage is recorded only after
// a successful aggregation. The returned decision is the one with the least
// allowance left once this request is recorded.
func (h *Relay) admit(w http.ResponseWriter, r *http.Request, principal middleware.Principal, modelCount int) (core.QuotaDecision, bool) {
	if h.Quota == nil {
		return core.QuotaDecision{Allowed: true}, true
	}
	ctx := r.Context()

	var decisions []core.QuotaDecision
	for _, op := range []string{engine.OpCompletionsPerMinute, engine.OpCompletionsPerHour} {
		decision, err := h.Quota.CheckLimit(ctx, principal.Subject, op, principal.Tier)
		if err != nil {
			logQuotaStoreError(r, op, err)
		}
		if !decision.Allowed {
			respondWithError(w, r, apperrors.NewQuotaExceededError(decision))
			return decision, false
		}
		decisions = append(decisions, decision)
	}

	if modelCount > 1 {
		decision, err := h.Quota.CheckMultiModelLimits(ctx, principal.Subject, modelCount, principal.Tier)
		if err != nil {
			logQuotaStoreError(r, "multi_model", err)
		}
		if !decision.Allowed {
			respondWithError(w, r, apperrors.NewQuotaExceededError(decision))
			return decision, false
		}
		decisions = append(decisions, decision)
	}

	return tightestAfter(decisions, modelCount), true
}

func tightestAfter(decisions []core.QuotaDecision, modelCount int) core.QuotaDecision {
	var chosen core.QuotaDecision
	for i, d := range decisions {
		if i == 0 || engine.RemainingAfter(d, modelCount) < engine.RemainingAfter(chosen, modelCount) {
			chosen = d
		}
	}
	return chosen
}

func (h *Relay) record(ctx context.Context, principal middleware.Principal, modelCount int) {
	if h.Quota == nil {
		return
	}
	errs := []error{
		h.Quota.RecordUsage(ctx, principal.Subject, engine.OpCompletionsPerMinute, 1),
		h.Quota.RecordUsage(ctx, principal.Subject, engine.OpCompletionsPerHour, 1),
	}
	if modelCount > 1 {
		errs = append(errs, h.Quota.RecordMultiModelUsage(ctx, principal.Subject, modelCount))
	}
	if err := errors.Join(errs...); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to record quota usage",
			zap.String("subject", principal.Subject),
			zap.Error(err),
			zap.String("requestID", middleware.GetRequestID(ctx)),
		)
	}
}

func (h *Relay) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: request body exceeds %d bytes", core.ErrInvalidRequest, limit)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", core.ErrInvalidRequest)
		default:
			return fmt.Errorf("%w: malformed JSON: %v", core.ErrInvalidRequest, err)
		}
	}
	return nil
}

func embeddingInputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: input is required", core.ErrInvalidRequest)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("%w: input must be a string or an array of strings", core.ErrInvalidRequest)
	}
	return many, nil
}

func principalOf(ctx context.Context) middleware.Principal {
	if p, ok := middleware.PrincipalFrom(ctx); ok {
		return p
	}
	return middleware.Principal{Subject: "anonymous", Tier: core.TierFree}
}

func setRateLimitHeaders(w http.ResponseWriter, decision core.QuotaDecision, modelCount int) {
	if decision.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(engine.RemainingAfter(decision, modelCount)))
	if reset := decision.ResetUnix(); reset > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	}
}

func logQuotaStoreError(r *http.Request, operation string, err error) {
	if observability.ServerLogger == nil {
		return
	}
	observability.ServerLogger.Warn("Quota store unavailable, allowing request",
		zap.String("operation", operation),
		zap.Error(err),
		zap.String("requestID", middleware.GetRequestID(r.Context())),
	)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
