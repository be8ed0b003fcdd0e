package goal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagewise/stagewise/pkg/schema"
)

func testGoal() schema.StageGoal {
	return schema.StageGoal{
		ID:               "goal-analysis",
		PrimaryObjective: "analyze the data set",
		SuccessCriteria:  []schema.CriterionID{"a", "b"},
		RequiredOutputs:  []string{"report"},
		QualityThresholds: map[schema.MetricID]float64{
			"coverage": 0.8,
		},
	}
}

func completedPredicate(stepID string) CriterionPredicate {
	return func(ctx context.Context, state *schema.WorkflowState) (bool, error) {
		return state.HasCompletedStep(stepID), nil
	}
}

func TestEvaluatePartiallyAchieved(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)
	ev.RegisterCriterion("a", completedPredicate("step-a"))
	ev.RegisterCriterion("b", completedPredicate("step-b"))

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	state.MarkStepCompleted("step-a")

	eval, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.Equal(t, schema.GoalPartiallyAchieved, eval.Status)
	assert.Equal(t, []schema.CriterionID{"a"}, eval.CompletedCriteria)
	assert.Equal(t, []schema.CriterionID{"b"}, eval.MissingCriteria)
	assert.InDelta(t, 0.5, eval.CompletionRate, 1e-9)
}

func TestEvaluateStatusBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		completed []string
		criteria  []schema.CriterionID
		want      schema.GoalStatus
	}{
		{"none satisfied", nil, []schema.CriterionID{"a", "b", "c"}, schema.GoalNotStarted},
		{"one of three", []string{"step-a"}, []schema.CriterionID{"a", "b", "c"}, schema.GoalInProgress},
		{"half", []string{"step-a"}, []schema.CriterionID{"a", "b"}, schema.GoalPartiallyAchieved},
		{"all", []string{"step-a", "step-b"}, []schema.CriterionID{"a", "b"}, schema.GoalFullyAchieved},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)
			ev.RegisterCriterion("a", completedPredicate("step-a"))
			ev.RegisterCriterion("b", completedPredicate("step-b"))
			ev.RegisterCriterion("c", completedPredicate("step-c"))

			g := testGoal()
			g.SuccessCriteria = tc.criteria

			state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
			for _, s := range tc.completed {
				state.MarkStepCompleted(s)
			}

			eval, err := ev.Evaluate(context.Background(), g, state)
			require.NoError(t, err)
			assert.Equal(t, tc.want, eval.Status)
		})
	}
}

func TestEvaluateUnknownCriterionNotSatisfied(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	eval, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.Equal(t, schema.GoalNotStarted, eval.Status)
	assert.ElementsMatch(t, []schema.CriterionID{"a", "b"}, eval.MissingCriteria)
	assert.Empty(t, eval.CompletedCriteria)
}

func TestEvaluatePredicateErrorCountsAsMissing(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)
	ev.RegisterCriterion("a", func(ctx context.Context, state *schema.WorkflowState) (bool, error) {
		return false, errors.New("predicate exploded")
	})
	ev.RegisterCriterion("b", completedPredicate("step-b"))

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	state.MarkStepCompleted("step-b")

	eval, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.Equal(t, []schema.CriterionID{"a"}, eval.MissingCriteria)
	assert.Equal(t, []schema.CriterionID{"b"}, eval.CompletedCriteria)
}

func TestEvaluateUnknownMetricDefaultsToPolicyScore(t *testing.T) {
	policy := schema.DefaultPolicy()
	ev := NewEvaluator(policy, nil, nil)

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	eval, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.InDelta(t, policy.DefaultMetricScore, eval.QualityScores["coverage"], 1e-9)
}

func TestEvaluateRegisteredMetric(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)
	ev.RegisterMetric("coverage", func(ctx context.Context, state *schema.WorkflowState) (float64, error) {
		return 0.92, nil
	})

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	eval, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.InDelta(t, 0.92, eval.QualityScores["coverage"], 1e-9)
	// 0.92 is above the 0.8 threshold, so no metric recommendation appears.
	for _, rec := range eval.Recommendations {
		assert.NotContains(t, rec, "coverage")
	}
}

func TestEvaluateOutputs(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	state.StepResults["step-a"] = map[string]any{"report": "done"}

	eval, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.Equal(t, []string{"report"}, eval.AvailableOutputs)
	assert.Empty(t, eval.MissingOutputs)
}

func TestEvaluateRecommendationsDeterministic(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")

	first, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)
	second, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.Equal(t, first.Recommendations, second.Recommendations)
	// One line per missing criterion plus one for the below-threshold metric.
	assert.Len(t, first.Recommendations, 3)
}

func TestEvaluateReadOnly(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)
	ev.RegisterCriterion("a", completedPredicate("step-a"))

	state := schema.NewWorkflowState("wf-1", "stage-1", "step-a")
	state.MarkStepCompleted("step-a")
	before := state.Clone()

	_, err := ev.Evaluate(context.Background(), testGoal(), state)
	require.NoError(t, err)

	assert.Equal(t, before, state)
}

func TestEvaluateNilState(t *testing.T) {
	ev := NewEvaluator(schema.DefaultPolicy(), nil, nil)
	_, err := ev.Evaluate(context.Background(), testGoal(), nil)
	require.Error(t, err)
}
