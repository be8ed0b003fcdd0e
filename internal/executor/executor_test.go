package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagewise/stagewise/pkg/schema"
)

// fastPolicy removes backoff delays so retry tests run instantly.
func fastPolicy() schema.Policy {
	p := schema.DefaultPolicy()
	p.DefaultRetry.BaseDelay = 0
	return p
}

func goodOutput() map[string]any {
	return map[string]any{
		"actions": []any{
			map[string]any{"kind": "note"},
			"summary line",
		},
	}
}

func newTestExecutor(t *testing.T, action Action) *ActionExecutor {
	t.Helper()
	resolver := NewStaticResolver(nil, action)
	selector := NewPolicySelector(nil, fastPolicy().DefaultRetry)
	return NewActionExecutor(fastPolicy(), nil, resolver, selector, nil, nil, nil)
}

func testStep() schema.StepDefinition {
	return schema.StepDefinition{ID: "analyze", Index: 1, Name: "Analyze"}
}

func TestExecuteSuccess(t *testing.T) {
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		return goodOutput(), nil
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	result := exec.Execute(context.Background(), testStep(), state)

	assert.Equal(t, schema.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 0, result.RetryCount)
	assert.False(t, result.Cached)
	// Default scorer: 0.5 base +0.2 two items +0.1 two types.
	assert.InDelta(t, 0.8, result.QualityScore, 1e-9)
}

func TestExecuteRetryBound(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("always failing")
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	result := exec.Execute(context.Background(), testStep(), state)

	// max_retries=3 means exactly 4 invocations.
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, schema.OutcomeFailure, result.Outcome)
	assert.Equal(t, 3, result.RetryCount)
	assert.Contains(t, result.Error, "always failing")
}

func TestExecuteCancelledReportsActualRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	action := ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		calls.Add(1)
		cancel()
		return nil, errors.New("flaky fetch")
	})
	policy := schema.DefaultPolicy()
	policy.DefaultRetry.BaseDelay = time.Minute
	exec := NewActionExecutor(policy, nil, NewStaticResolver(nil, action),
		NewPolicySelector(nil, policy.DefaultRetry), nil, nil, nil)

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	result := exec.Execute(ctx, testStep(), state)

	// Cancellation stopped the loop after a single invocation; the result
	// reports the retries actually consumed, not the policy maximum.
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, schema.OutcomeFailure, result.Outcome)
	assert.Equal(t, 0, result.RetryCount)
	assert.Contains(t, result.Error, "cancelled")
}

func TestExecuteMalformedOutputRetried(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return map[string]any{"not_actions": true}, nil
		}
		return goodOutput(), nil
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	result := exec.Execute(context.Background(), testStep(), state)

	assert.Equal(t, schema.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.RetryCount)
}

func TestExecuteOutputShapeCheck(t *testing.T) {
	cases := []struct {
		name   string
		output map[string]any
		valid  bool
	}{
		{"nil output", nil, false},
		{"missing actions", map[string]any{"other": 1}, false},
		{"actions not a sequence", map[string]any{"actions": "nope"}, false},
		{"empty sequence", map[string]any{"actions": []any{}}, true},
		{"proper sequence", goodOutput(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateOutput(tc.output)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		panic("boom")
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	result := exec.Execute(context.Background(), testStep(), state)

	assert.Equal(t, schema.OutcomeFailure, result.Outcome)
	assert.Contains(t, result.Error, "panicked")
}

func TestExecuteCacheReplay(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		calls.Add(1)
		return goodOutput(), nil
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")

	first := exec.Execute(context.Background(), testStep(), state)
	require.Equal(t, schema.OutcomeSuccess, first.Outcome)
	require.GreaterOrEqual(t, first.QualityScore, 0.7)

	second := exec.Execute(context.Background(), testStep(), state)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), calls.Load())

	// A different state snapshot misses the cache.
	state.StepResults["collect"] = map[string]any{"rows": 7}
	third := exec.Execute(context.Background(), testStep(), state)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteLowQualityNotCached(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		calls.Add(1)
		// Single item, single type: default score 0.5, below the bar.
		return map[string]any{"actions": []any{"only"}}, nil
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	exec.Execute(context.Background(), testStep(), state)
	exec.Execute(context.Background(), testStep(), state)

	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteVariablesAccumulated(t *testing.T) {
	var got map[string]any
	exec := newTestExecutor(t, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		got = in.Variables
		return goodOutput(), nil
	}))

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	state.StepResults["collect"] = map[string]any{"rows": 42}

	exec.Execute(context.Background(), testStep(), state)

	require.Contains(t, got, "collect")
	assert.Equal(t, map[string]any{"rows": 42}, got["collect"])
}

func TestExecuteCircuitOpenFailsFast(t *testing.T) {
	var calls atomic.Int32
	resolver := NewStaticResolver(nil, ActionFunc(func(ctx context.Context, in ActionInput) (map[string]any, error) {
		calls.Add(1)
		return goodOutput(), nil
	}))
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		breakers.RecordFailure("analyze")
	}
	exec := NewActionExecutor(fastPolicy(), nil, resolver,
		NewPolicySelector(nil, fastPolicy().DefaultRetry), nil, breakers, nil)

	state := schema.NewWorkflowState("wf-1", "stage-1", "analyze")
	result := exec.Execute(context.Background(), testStep(), state)

	assert.Equal(t, schema.OutcomeFailure, result.Outcome)
	assert.Contains(t, result.Error, "circuit open")
	assert.Zero(t, calls.Load())
}

func TestPolicySelectorSubstring(t *testing.T) {
	selector := NewPolicySelector(DefaultPolicyRules(), schema.DefaultPolicy().DefaultRetry)

	assert.Equal(t, 5, selector.Select("ingest-data-loading-step").MaxRetries)
	assert.Equal(t, 2, selector.Select("analysis-heavy-scan").MaxRetries)
	assert.Equal(t, 3, selector.Select("plain-step").MaxRetries)
	// Custom variants select through their base ID.
	assert.Equal(t, 5, selector.Select("data-loading-custom").MaxRetries)
}

func TestBackoffDelayGrowth(t *testing.T) {
	policy := schema.RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, BackoffFactor: 2.0}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(policy, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(policy, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(policy, 2))
}

func TestWaitForBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waitForBackoff(ctx, time.Minute)
	require.Error(t, err)
}

func TestDefaultScorer(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    float64
	}{
		{"empty payload", map[string]any{}, 0.5},
		{"one item", map[string]any{"actions": []any{"x"}}, 0.5},
		{"two same-type items", map[string]any{"actions": []any{"x", "y"}}, 0.7},
		{"two mixed-type items", map[string]any{"actions": []any{"x", map[string]any{}}}, 0.8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, DefaultScorer(tc.payload), 1e-9)
		})
	}
}

func TestScorerRegistryCustomVariant(t *testing.T) {
	reg := NewScorerRegistry()
	reg.Register("analyze", func(payload map[string]any) float64 { return 0.95 })

	assert.InDelta(t, 0.95, reg.Score("analyze", nil), 1e-9)
	assert.InDelta(t, 0.95, reg.Score("analyze-custom", nil), 1e-9)
	// Unregistered steps fall back to the default heuristic.
	assert.InDelta(t, 0.5, reg.Score("other", map[string]any{}), 1e-9)
}

func TestScorerClamped(t *testing.T) {
	reg := NewScorerRegistry()
	reg.Register("hot", func(payload map[string]any) float64 { return 3.2 })
	reg.Register("cold", func(payload map[string]any) float64 { return -1 })

	assert.Equal(t, 1.0, reg.Score("hot", nil))
	assert.Equal(t, 0.0, reg.Score("cold", nil))
}
