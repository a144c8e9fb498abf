package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/model"
)

// DefaultMinSuccessfulResponses is the success floor when none is configured.
const DefaultMinSuccessfulResponses = 1

// Scorer ranks successful outcomes for prioritize_best. Higher wins; ties go
// to the earlier outcome.
type Scorer interface {
	Score(outcome core.Outcome) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(outcome core.Outcome) float64

func (f ScorerFunc) Score(outcome core.Outcome) float64 { return f(outcome) }

// Built-in scorer names accepted by ScorerByName.
const (
	ScorerFirstSuccess   = "first_success"
	ScorerLongestContent = "longest_content"
)

// FirstSuccessScorer scores every outcome equally, so the first successful
// outcome in input order is selected.
var FirstSuccessScorer = ScorerFunc(func(core.Outcome) float64 { return 0 })

// LongestContentScorer prefers the completion with the most characters.
var LongestContentScorer = ScorerFunc(func(o core.Outcome) float64 {
	if o.Completion == nil {
		return 0
	}
	return float64(len(o.Completion.Content))
})

// ScorerByName resolves a configured scorer name.
func ScorerByName(name string) (Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ScorerFirstSuccess:
		return FirstSuccessScorer, nil
	case ScorerLongestContent:
		return LongestContentScorer, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", name)
	}
}

// Aggregator reduces fan-out outcomes to one normalized response.
type Aggregator struct {
	MinSuccessfulResponses int
	Scorer                 Scorer
	Clock                  func() time.Time
	NewID                  func() string
}

// Aggregate applies the success floor, then strategy.
func (a *Aggregator) Aggregate(outcomes []core.Outcome, strategy core.Strategy) (*core.ChatResponse, error) {
	if strategy == "" {
		strategy = core.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown aggregation strategy %q", core.ErrInvalidRequest, strategy)
	}

	successful := 0
	failures := map[string]string{}
	for _, o := range outcomes {
		if o.Success {
			successful++
			continue
		}
		failures[o.ModelName()] = failureReason(o)
	}

	required := a.minSuccessful()
	if successful < required {
		return nil, &core.AggregationError{
			Type:       core.AggregationInsufficientResponses,
			Message:    fmt.Sprintf("only %d of %d models responded successfully, at least %d required", successful, len(outcomes), required),
			Successful: successful,
			Required:   required,
			Failures:   failures,
		}
	}

	resp := a.newResponse(outcomes, strategy, successful)

	switch strategy {
	case core.StrategyPrioritizeFastest:
		a.selectOne(resp, outcomes, fastestIndex(outcomes))
	case core.StrategyPrioritizeBest:
		a.selectOne(resp, outcomes, bestIndex(outcomes, a.scorer()))
	default:
		combineAll(resp, outcomes)
	}

	return resp, nil
}

func (a *Aggregator) newResponse(outcomes []core.Outcome, strategy core.Strategy, successful int) *core.ChatResponse {
	results := make([]core.ModelResult, 0, len(outcomes))
	for _, o := range outcomes {
		result := core.ModelResult{
			Name:       o.ModelName(),
			Success:    o.Success,
			DurationMS: o.Duration.Milliseconds(),
		}
		if o.Model != nil {
			result.Provider = o.Model.Provider
		}
		if o.Success && o.Completion != nil {
			result.Content = o.Completion.Content
		} else if !o.Success {
			result.ErrorKind = o.ErrorKind
			result.Error = o.Error
		}
		results = append(results, result)
	}

	return &core.ChatResponse{
		ID:      a.newID(),
		Object:  "chat.completion",
		Created: a.now().Unix(),
		Metadata: core.ResponseMetadata{
			Strategy:         strategy,
			TotalModels:      len(outcomes),
			SuccessfulModels: successful,
			FailedModels:     len(outcomes) - successful,
			Models:           results,
		},
	}
}

func (a *Aggregator) selectOne(resp *core.ChatResponse, outcomes []core.Outcome, idx int) {
	chosen := outcomes[idx]
	resp.Model = chosen.ModelName()
	resp.Metadata.SelectedModel = chosen.ModelName()
	resp.Metadata.LatencyMS = chosen.Duration.Milliseconds()

	content, finish := "", ""
	if chosen.Completion != nil {
		content = chosen.Completion.Content
		finish = chosen.Completion.FinishReason
		if chosen.Completion.Usage != nil {
			resp.Usage = *chosen.Completion.Usage
		}
	}
	resp.Choices = []core.Choice{{
		Index:        0,
		Message:      core.Message{Role: "assistant", Content: content},
		FinishReason: finish,
	}}
}

// combineAll concatenates successful contents in input order. Prompt tokens
// come from the first success, completion tokens are summed and latency is
// the slowest unit.
func combineAll(resp *core.ChatResponse, outcomes []core.Outcome) {
	var (
		sections  []string
		names     []string
		usage     model.Usage
		seenFirst bool
		latency   time.Duration
	)

	for _, o := range outcomes {
		if o.Duration > latency {
			latency = o.Duration
		}
		if !o.Success || o.Completion == nil {
			continue
		}
		names = append(names, o.ModelName())
		sections = append(sections, sectionHeader(o.ModelName())+"\n"+strings.TrimSpace(o.Completion.Content))

		if u := o.Completion.Usage; u != nil {
			if !seenFirst {
				usage.PromptTokens = u.PromptTokens
			}
			usage.CompletionTokens += u.CompletionTokens
		}
		seenFirst = true
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	resp.Model = strings.Join(names, ",")
	resp.Usage = usage
	resp.Metadata.LatencyMS = latency.Milliseconds()
	resp.Choices = []core.Choice{{
		Index:        0,
		Message:      core.Message{Role: "assistant", Content: strings.Join(sections, "\n\n")},
		FinishReason: "stop",
	}}
}

func sectionHeader(name string) string {
	return "=== " + name + " ==="
}

func fastestIndex(outcomes []core.Outcome) int {
	best := -1
	for i, o := range outcomes {
		if !o.Success {
			continue
		}
		if best == -1 || o.Duration < outcomes[best].Duration {
			best = i
		}
	}
	return best
}

func bestIndex(outcomes []core.Outcome, scorer Scorer) int {
	best := -1
	var bestScore float64
	for i, o := range outcomes {
		if !o.Success {
			continue
		}
		score := scorer.Score(o)
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

func failureReason(o core.Outcome) string {
	switch {
	case o.Error != "" && o.ErrorKind != "":
		return string(o.ErrorKind) + ": " + o.Error
	case o.Error != "":
		return o.Error
	case o.ErrorKind != "":
		return string(o.ErrorKind)
	default:
		return "unknown error"
	}
}

func (a *Aggregator) minSuccessful() int {
	if a == nil || a.MinSuccessfulResponses <= 0 {
		return DefaultMinSuccessfulResponses
	}
	return a.MinSuccessfulResponses
}

func (a *Aggregator) scorer() Scorer {
	if a == nil || a.Scorer == nil {
		return FirstSuccessScorer
	}
	return a.Scorer
}

func (a *Aggregator) newID() string {
	if a != nil && a.NewID != nil {
		return a.NewID()
	}
	return "chatcmpl-" + uuid.NewString()
}

func (a *Aggregator) now() time.Time {
	if a != nil && a.Clock != nil {
		return a.Clock()
	}
	return time.Now().UTC()
}
