package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/model"
)

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func testAggregator(min int) *Aggregator {
	return &Aggregator{
		MinSuccessfulResponses: min,
		Clock:                  func() time.Time { return fixedNow },
		NewID:                  func() string { return "chatcmpl-test" },
	}
}

func success(name string, duration time.Duration, content string, prompt, completion int) core.Outcome {
	return core.Outcome{
		Model:    &model.Descriptor{Name: name, Provider: "fake"},
		Success:  true,
		Duration: duration,
		Completion: &model.Completion{
			Content:      content,
			FinishReason: "stop",
			Usage:        &model.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		},
	}
}

func failure(name string, duration time.Duration, kind core.ErrorKind, msg string) core.Outcome {
	return core.Outcome{
		Model:     &model.Descriptor{Name: name, Provider: "fake"},
		Duration:  duration,
		ErrorKind: kind,
		Error:     msg,
	}
}

func TestAggregateFloorAppliesToEveryStrategy(t *testing.T) {
	outcomes := []core.Outcome{
		success("a", 10*time.Millisecond, "alpha", 5, 3),
		failure("b", 30*time.Millisecond, core.ErrorKindTimeout, "model did not respond within 30ms"),
		failure("c", 5*time.Millisecond, core.ErrorKindProvider, "provider unavailable"),
	}

	for _, strategy := range []core.Strategy{core.StrategyCombineAll, core.StrategyPrioritizeFastest, core.StrategyPrioritizeBest} {
		t.Run(string(strategy), func(t *testing.T) {
			resp, err := testAggregator(2).Aggregate(outcomes, strategy)
			require.Nil(t, resp)

			var aggErr *core.AggregationError
			require.True(t, errors.As(err, &aggErr))
			assert.Equal(t, core.AggregationInsufficientResponses, aggErr.Type)
			assert.Equal(t, 1, aggErr.Successful)
			assert.Equal(t, 2, aggErr.Required)
			assert.Equal(t, map[string]string{
				"b": "timeout: model did not respond within 30ms",
				"c": "provider_error: provider unavailable",
			}, aggErr.Failures)

			details := aggErr.Details()
			assert.Equal(t, 1, details["successful_responses"])
			assert.Equal(t, 2, details["required_responses"])
		})
	}
}

func TestAggregateDefaultFloorRejectsAllFailures(t *testing.T) {
	_, err := testAggregator(0).Aggregate([]core.Outcome{
		failure("a", time.Millisecond, core.ErrorKindAdapter, "bad json"),
	}, core.StrategyPrioritizeFastest)

	var aggErr *core.AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Equal(t, DefaultMinSuccessfulResponses, aggErr.Required)
}

func TestCombineAllTokenAccounting(t *testing.T) {
	outcomes := []core.Outcome{
		success("a", 120*time.Millisecond, "first", 5, 10),
		failure("x", 900*time.Millisecond, core.ErrorKindTimeout, "late"),
		success("b", 45*time.Millisecond, "second", 5, 15),
		success("c", 300*time.Millisecond, "third", 5, 20),
	}

	resp, err := testAggregator(1).Aggregate(outcomes, core.StrategyCombineAll)
	require.NoError(t, err)

	assert.Equal(t, 5, resp.Usage.PromptTokens)
	assert.Equal(t, 45, resp.Usage.CompletionTokens)
	assert.Equal(t, 50, resp.Usage.TotalTokens)

	assert.Equal(t, int64(900), resp.Metadata.LatencyMS)
	assert.Equal(t, core.StrategyCombineAll, resp.Metadata.Strategy)
	assert.Equal(t, 4, resp.Metadata.TotalModels)
	assert.Equal(t, 3, resp.Metadata.SuccessfulModels)
	assert.Equal(t, 1, resp.Metadata.FailedModels)
	require.Len(t, resp.Metadata.Models, 4)
	assert.False(t, resp.Metadata.Models[1].Success)
	assert.Equal(t, core.ErrorKindTimeout, resp.Metadata.Models[1].ErrorKind)
	assert.Equal(t, "second", resp.Metadata.Models[2].Content)

	content := resp.Content()
	assert.Equal(t, "=== a ===\nfirst\n\n=== b ===\nsecond\n\n=== c ===\nthird", content)
	assert.NotContains(t, content, "=== x ===")
	assert.Equal(t, "a,b,c", resp.Model)
	assert.Equal(t, "chatcmpl-test", resp.ID)
	assert.Equal(t, fixedNow.Unix(), resp.Created)
}

func TestCombineAllPromptTokensFromFirstSuccess(t *testing.T) {
	outcomes := []core.Outcome{
		failure("down", time.Millisecond, core.ErrorKindProvider, "503"),
		success("a", time.Millisecond, "one", 7, 1),
		success("b", time.Millisecond, "two", 9, 2),
	}
	resp, err := testAggregator(1).Aggregate(outcomes, "")
	require.NoError(t, err)
	assert.Equal(t, core.StrategyCombineAll, resp.Metadata.Strategy)
	assert.Equal(t, 7, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestPrioritizeFastestIndependentOfOrder(t *testing.T) {
	base := []core.Outcome{
		success("m120", 120*time.Millisecond, "slowish", 1, 1),
		success("m45", 45*time.Millisecond, "fastest", 1, 2),
		success("m300", 300*time.Millisecond, "slowest", 1, 3),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}

	for _, order := range orders {
		outcomes := make([]core.Outcome, 0, len(order))
		for _, idx := range order {
			outcomes = append(outcomes, base[idx])
		}

		resp, err := testAggregator(1).Aggregate(outcomes, core.StrategyPrioritizeFastest)
		require.NoError(t, err)
		assert.Equal(t, "m45", resp.Metadata.SelectedModel)
		assert.Equal(t, "m45", resp.Model)
		assert.Equal(t, "fastest", resp.Content())
		assert.Equal(t, int64(45), resp.Metadata.LatencyMS)
		assert.Equal(t, 3, resp.Metadata.TotalModels)
		assert.Equal(t, 3, resp.Usage.TotalTokens)
	}
}

func TestPrioritizeFastestIgnoresFailedOutcomes(t *testing.T) {
	outcomes := []core.Outcome{
		failure("instant-fail", time.Millisecond, core.ErrorKindAdapter, "bad"),
		success("ok", 80*time.Millisecond, "answer", 1, 1),
	}
	resp, err := testAggregator(1).Aggregate(outcomes, core.StrategyPrioritizeFastest)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Metadata.SelectedModel)
	assert.Equal(t, 1, resp.Metadata.FailedModels)
}

func TestPrioritizeFastestTiesKeepInputOrder(t *testing.T) {
	outcomes := []core.Outcome{
		success("first", 10*time.Millisecond, "1", 1, 1),
		success("second", 10*time.Millisecond, "2", 1, 1),
	}
	resp, err := testAggregator(1).Aggregate(outcomes, core.StrategyPrioritizeFastest)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Metadata.SelectedModel)
}

func TestPrioritizeBestDefaultScorerPicksFirstSuccess(t *testing.T) {
	outcomes := []core.Outcome{
		failure("down", time.Millisecond, core.ErrorKindProvider, "503"),
		success("a", 90*time.Millisecond, "short", 1, 1),
		success("b", 10*time.Millisecond, "much longer answer", 1, 3),
	}
	resp, err := testAggregator(1).Aggregate(outcomes, core.StrategyPrioritizeBest)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Metadata.SelectedModel)
}

func TestPrioritizeBestUsesScorer(t *testing.T) {
	outcomes := []core.Outcome{
		success("a", 90*time.Millisecond, "short", 1, 1),
		success("b", 10*time.Millisecond, "much longer answer", 1, 3),
	}
	agg := testAggregator(1)
	agg.Scorer = LongestContentScorer

	resp, err := agg.Aggregate(outcomes, core.StrategyPrioritizeBest)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Metadata.SelectedModel)

	agg.Scorer = ScorerFunc(func(o core.Outcome) float64 {
		if strings.HasPrefix(o.ModelName(), "a") {
			return 10
		}
		return 1
	})
	resp, err = agg.Aggregate(outcomes, core.StrategyPrioritizeBest)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Metadata.SelectedModel)
}

func TestAggregateRejectsUnknownStrategy(t *testing.T) {
	_, err := testAggregator(1).Aggregate([]core.Outcome{success("a", 1, "x", 1, 1)}, core.Strategy("vote"))
	require.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestScorerByName(t *testing.T) {
	s, err := ScorerByName("")
	require.NoError(t, err)
	assert.Equal(t, float64(0), s.Score(success("a", 1, "text", 1, 1)))

	s, err = ScorerByName("longest_content")
	require.NoError(t, err)
	assert.Equal(t, float64(4), s.Score(success("a", 1, "text", 1, 1)))

	_, err = ScorerByName("vibes")
	require.Error(t, err)
}
