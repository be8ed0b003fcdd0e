package flow

import (
	"context"
	"strings"
	"time"

	"github.com/stagewise/stagewise/internal/expressions"
	"github.com/stagewise/stagewise/pkg/schema"
)

// conditionInput bundles everything a condition can see.
type conditionInput struct {
	result *schema.ActionResult
	state  *schema.WorkflowState
}

// evaluateCondition runs one flow condition and reports whether it is
// satisfied. Evaluator errors are returned so the caller can log them; the
// caller treats any error as an unsatisfied condition, never as an abort.
func (e *DecisionEngine) evaluateCondition(ctx context.Context, cond schema.FlowCondition, in conditionInput) (bool, error) {
	switch cond.Type {
	case schema.ConditionResultQuality:
		return compareNumeric(resultQualityHeuristic(in.result), cond.Operator, cond.Threshold)

	case schema.ConditionDataCompleteness:
		return e.dataCompleteness(ctx, cond, in.result.Payload)

	case schema.ConditionExecutionSuccess:
		want := cond.Threshold != 0
		got := in.result.Outcome.Success()
		if cond.Operator == schema.OpNE {
			return got != want, nil
		}
		return got == want, nil

	case schema.ConditionBusinessRule:
		return e.businessRule(ctx, cond, in)

	case schema.ConditionDependencySatisfaction:
		return dependenciesSatisfied(cond, in.state), nil

	case schema.ConditionErrorThreshold:
		return compareNumeric(float64(in.state.RetryCount), cond.Operator, cond.Threshold)

	default:
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"unknown condition type %q", string(cond.Type))
	}
}

// resultQualityHeuristic scores a result generically: 0.3 for success, up
// to +0.4 for payload richness, up to +0.2 for execution time within a
// sane bound, up to +0.1 for bounded resource usage, clamped to 1.0.
func resultQualityHeuristic(result *schema.ActionResult) float64 {
	score := 0.0
	if result.Outcome.Success() {
		score += 0.3
	}

	// Payload richness: 0.1 per item in the actions sequence, capped.
	if items, ok := result.Payload["actions"].([]any); ok {
		richness := 0.1 * float64(len(items))
		if richness > 0.4 {
			richness = 0.4
		}
		score += richness
	}

	// Execution time: full credit under 10s, fading to zero at 60s.
	switch {
	case result.ExecutionTime <= 10*time.Second:
		score += 0.2
	case result.ExecutionTime <= 60*time.Second:
		frac := float64(60*time.Second-result.ExecutionTime) / float64(50*time.Second)
		score += 0.2 * frac
	}

	// Resource usage: credit when the payload reports a bounded figure.
	if usage, ok := toFloat(result.Payload["resource_usage"]); ok && usage <= 1.0 {
		score += 0.1
	}

	if score > 1.0 {
		return 1.0
	}
	return score
}

// dataCompleteness probes the payload with the condition's jq query. The
// operator decides how the query output is interpreted: exists accepts any
// non-null output, contains expects a truthy or matching value.
func (e *DecisionEngine) dataCompleteness(ctx context.Context, cond schema.FlowCondition, payload map[string]any) (bool, error) {
	if e.jq == nil {
		return false, schema.NewError(schema.ErrCodeConditionEvaluation, "no jq engine configured")
	}
	data := payload
	if data == nil {
		data = map[string]any{}
	}
	out, err := e.jq.Evaluate(ctx, cond.Query, data)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case schema.OpExists, "":
		return out != nil && out != false, nil
	case schema.OpContains:
		return containsValue(out), nil
	default:
		if num, ok := toFloat(out); ok {
			return compareNumeric(num, cond.Operator, cond.Threshold)
		}
		return false, nil
	}
}

// businessRule reduces the payload to a numeric value, either through the
// condition's in-process evaluator or its expression query, and compares
// it against the threshold.
func (e *DecisionEngine) businessRule(ctx context.Context, cond schema.FlowCondition, in conditionInput) (bool, error) {
	var value float64

	switch {
	case cond.Evaluator != nil:
		v, err := cond.Evaluator(ctx, in.result.Payload)
		if err != nil {
			return false, schema.NewError(schema.ErrCodeConditionEvaluation, "business rule evaluator failed").
				WithCause(err)
		}
		value = v

	case cond.Query != "":
		engineName := cond.Engine
		if engineName == "" {
			engineName = "expr"
		}
		engine, ok := e.engines[engineName]
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
				"unknown expression engine %q", engineName)
		}
		out, err := engine.Evaluate(ctx, cond.Query, ruleScope(in))
		if err != nil {
			return false, err
		}
		v, ok := toFloat(out)
		if !ok {
			if b, isBool := out.(bool); isBool {
				if b {
					v = 1
				}
			} else {
				return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
					"business rule expression returned %T, want number or bool", out)
			}
		}
		value = v

	default:
		return false, schema.NewError(schema.ErrCodeConditionEvaluation,
			"business rule has neither evaluator nor query")
	}

	return compareNumeric(value, cond.Operator, cond.Threshold)
}

// dependenciesSatisfied checks that every key named in the condition query
// (comma-separated) is present in the recorded step results.
func dependenciesSatisfied(cond schema.FlowCondition, state *schema.WorkflowState) bool {
	if cond.Query == "" {
		return true
	}
	for _, key := range strings.Split(cond.Query, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !state.HasOutput(key) && !state.HasCompletedStep(key) {
			return false
		}
	}
	return true
}

// ruleScope projects the decision inputs into the shared expression scope.
func ruleScope(in conditionInput) map[string]any {
	results := make(map[string]any, len(in.state.StepResults))
	for k, v := range in.state.StepResults {
		results[k] = v
	}
	scores := make(map[string]any, len(in.state.QualityScores))
	for k, v := range in.state.QualityScores {
		scores[k] = v
	}
	payload := in.result.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		expressions.ScopePayload:   payload,
		expressions.ScopeResults:   results,
		expressions.ScopeScores:    scores,
		expressions.ScopeCompleted: append([]string{}, in.state.CompletedSteps...),
		expressions.ScopeWorkflow: map[string]any{
			"id":          in.state.WorkflowID,
			"stage":       in.state.CurrentStageID,
			"step":        in.state.CurrentStepID,
			"phase":       string(in.state.Phase),
			"retry_count": in.state.RetryCount,
		},
	}
}

func compareNumeric(value float64, op schema.Operator, threshold float64) (bool, error) {
	switch op {
	case schema.OpGTE, "":
		return value >= threshold, nil
	case schema.OpLTE:
		return value <= threshold, nil
	case schema.OpEQ:
		return value == threshold, nil
	case schema.OpNE:
		return value != threshold, nil
	case schema.OpExists:
		return true, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"operator %q is not valid for numeric comparison", string(op))
	}
}

// containsValue interprets a jq output for the contains operator: truthy
// booleans, non-empty strings/arrays/objects, and non-nil scalars count.
func containsValue(out any) bool {
	switch v := out.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
