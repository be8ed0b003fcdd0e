package goal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/stagewise/stagewise/internal/expressions"
	"github.com/stagewise/stagewise/internal/logging"
	"github.com/stagewise/stagewise/pkg/schema"
)

// CriterionPredicate reports whether a success criterion is satisfied by
// the current workflow state. Predicates must be side-effect free.
type CriterionPredicate func(ctx context.Context, state *schema.WorkflowState) (bool, error)

// QualityEvaluator produces a quality score in [0,1] for a metric.
type QualityEvaluator func(ctx context.Context, state *schema.WorkflowState) (float64, error)

// Evaluator measures goal progress against workflow state. Criterion
// predicates and quality evaluators are registered by ID; both registries
// are safe for concurrent use.
type Evaluator struct {
	policy  schema.Policy
	logger  *slog.Logger
	engines map[string]expressions.Engine

	mu         sync.RWMutex
	predicates map[schema.CriterionID]CriterionPredicate
	metrics    map[schema.MetricID]QualityEvaluator
}

// NewEvaluator creates a goal evaluator with the given policy. Engines may
// be nil when no expression-backed predicates are registered.
func NewEvaluator(policy schema.Policy, logger *slog.Logger, engines map[string]expressions.Engine) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		policy:     policy,
		logger:     logger,
		engines:    engines,
		predicates: make(map[schema.CriterionID]CriterionPredicate),
		metrics:    make(map[schema.MetricID]QualityEvaluator),
	}
}

// RegisterCriterion binds a predicate to a success criterion ID. A later
// registration for the same ID replaces the earlier one.
func (e *Evaluator) RegisterCriterion(id schema.CriterionID, pred CriterionPredicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[id] = pred
}

// RegisterMetric binds a quality evaluator to a metric ID.
func (e *Evaluator) RegisterMetric(id schema.MetricID, eval QualityEvaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics[id] = eval
}

// RegisterExpressionCriterion binds a criterion to an expression evaluated
// by the named engine ("expr" or "cel"). The expression sees the shared
// workflow scope and must yield a boolean.
func (e *Evaluator) RegisterExpressionCriterion(id schema.CriterionID, engineName, expression string) error {
	engine, ok := e.engines[engineName]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q for criterion %q", engineName, id)
	}
	e.RegisterCriterion(id, func(ctx context.Context, state *schema.WorkflowState) (bool, error) {
		out, err := engine.Evaluate(ctx, expression, stateScope(state))
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
				"criterion %q expression returned %T, want bool", id, out)
		}
		return b, nil
	})
	return nil
}

// Evaluate measures the goal against the workflow state. The evaluation is
// read-only: the state is never mutated. An unknown criterion counts as
// not satisfied; an unknown metric scores the policy default.
func (e *Evaluator) Evaluate(ctx context.Context, goal schema.StageGoal, state *schema.WorkflowState) (schema.GoalEvaluation, error) {
	if state == nil {
		return schema.GoalEvaluation{}, schema.NewError(schema.ErrCodeValidation, "nil workflow state")
	}

	log := logging.LogWith(ctx, e.logger)

	eval := schema.GoalEvaluation{
		GoalID:        goal.ID,
		QualityScores: make(map[schema.MetricID]float64, len(goal.QualityThresholds)),
	}

	e.mu.RLock()
	predicates := e.predicates
	metrics := e.metrics
	e.mu.RUnlock()

	for _, crit := range goal.SuccessCriteria {
		pred, known := predicates[crit]
		if !known {
			log.Debug("no predicate registered for criterion", "criterion", string(crit))
			eval.MissingCriteria = append(eval.MissingCriteria, crit)
			continue
		}
		ok, err := pred(ctx, state)
		if err != nil {
			log.Warn("criterion predicate failed", "criterion", string(crit), "error", err)
			eval.MissingCriteria = append(eval.MissingCriteria, crit)
			continue
		}
		if ok {
			eval.CompletedCriteria = append(eval.CompletedCriteria, crit)
		} else {
			eval.MissingCriteria = append(eval.MissingCriteria, crit)
		}
	}

	if total := len(goal.SuccessCriteria); total > 0 {
		eval.CompletionRate = float64(len(eval.CompletedCriteria)) / float64(total)
	}
	eval.Status = statusFor(eval.CompletionRate)

	for _, out := range goal.RequiredOutputs {
		if state.HasOutput(out) {
			eval.AvailableOutputs = append(eval.AvailableOutputs, out)
		} else {
			eval.MissingOutputs = append(eval.MissingOutputs, out)
		}
	}
	for _, out := range goal.OptionalOutputs {
		if state.HasOutput(out) {
			eval.AvailableOutputs = append(eval.AvailableOutputs, out)
		}
	}

	for metric := range goal.QualityThresholds {
		evalFn, known := metrics[metric]
		if !known {
			eval.QualityScores[metric] = e.policy.DefaultMetricScore
			continue
		}
		score, err := evalFn(ctx, state)
		if err != nil {
			log.Warn("quality evaluator failed", "metric", string(metric), "error", err)
			eval.QualityScores[metric] = e.policy.DefaultMetricScore
			continue
		}
		eval.QualityScores[metric] = clamp01(score)
	}

	eval.Recommendations = buildRecommendations(goal, &eval)

	log.Debug("goal evaluated",
		"goal_id", goal.ID,
		"status", string(eval.Status),
		"completion_rate", eval.CompletionRate,
		"missing_criteria", len(eval.MissingCriteria))

	return eval, nil
}

// statusFor maps a completion rate to a goal status. The boundaries are
// exact: only a rate of 1.0 yields FULLY_ACHIEVED and only 0 yields
// NOT_STARTED.
func statusFor(rate float64) schema.GoalStatus {
	switch {
	case rate >= 1.0:
		return schema.GoalFullyAchieved
	case rate >= 0.5:
		return schema.GoalPartiallyAchieved
	case rate > 0:
		return schema.GoalInProgress
	default:
		return schema.GoalNotStarted
	}
}

// buildRecommendations produces a deterministic, ordered advice list: one
// line per missing criterion, then one per quality metric below its
// threshold.
func buildRecommendations(goal schema.StageGoal, eval *schema.GoalEvaluation) []string {
	var recs []string
	for _, crit := range eval.MissingCriteria {
		recs = append(recs, fmt.Sprintf("satisfy criterion %q to progress goal %q", string(crit), goal.ID))
	}

	below := make([]schema.MetricID, 0, len(eval.QualityScores))
	for metric, score := range eval.QualityScores {
		if score < goal.QualityThresholds[metric] {
			below = append(below, metric)
		}
	}
	sort.Slice(below, func(i, j int) bool { return below[i] < below[j] })
	for _, metric := range below {
		recs = append(recs, fmt.Sprintf("improve metric %q: score %.2f is below threshold %.2f",
			string(metric), eval.QualityScores[metric], goal.QualityThresholds[metric]))
	}
	return recs
}

// stateScope projects workflow state into the shared expression scope.
func stateScope(state *schema.WorkflowState) map[string]any {
	results := make(map[string]any, len(state.StepResults))
	for k, v := range state.StepResults {
		results[k] = v
	}
	scores := make(map[string]any, len(state.QualityScores))
	for k, v := range state.QualityScores {
		scores[k] = v
	}
	return map[string]any{
		expressions.ScopePayload:   map[string]any{},
		expressions.ScopeResults:   results,
		expressions.ScopeScores:    scores,
		expressions.ScopeCompleted: append([]string{}, state.CompletedSteps...),
		expressions.ScopeWorkflow: map[string]any{
			"id":          state.WorkflowID,
			"stage":       state.CurrentStageID,
			"step":        state.CurrentStepID,
			"phase":       string(state.Phase),
			"retry_count": state.RetryCount,
		},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
