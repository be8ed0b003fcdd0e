package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stagewise/stagewise/internal/expressions"
	"github.com/stagewise/stagewise/internal/logging"
	"github.com/stagewise/stagewise/pkg/schema"
)

// Outcome is the decision engine's verdict for one executed step.
type Outcome struct {
	Decision   schema.Decision
	Confidence float64
	// Trace is the ordered, human-readable reasoning behind the decision.
	// Entries are plain structured strings, never formatted presentation.
	Trace []string
}

// DecisionEngine applies ordered flow rules to an action result and the
// session state, choosing the next workflow transition. The rule table is
// read-only after construction and safely shared across sessions.
type DecisionEngine struct {
	policy  schema.Policy
	logger  *slog.Logger
	rules   []schema.FlowRule
	engines map[string]expressions.Engine
	jq      expressions.Engine
}

// NewDecisionEngine creates an engine over the given rule table. engines
// maps expression engine names ("expr", "cel") used by business rules; jq
// serves data-completeness queries.
func NewDecisionEngine(policy schema.Policy, logger *slog.Logger, rules []schema.FlowRule, engines map[string]expressions.Engine, jq expressions.Engine) *DecisionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]schema.FlowRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Priority < sorted[b].Priority })
	return &DecisionEngine{
		policy:  policy,
		logger:  logger,
		rules:   sorted,
		engines: engines,
		jq:      jq,
	}
}

// Decide evaluates matching rules in priority order and returns the first
// satisfied rule's decision. A rule is satisfied when no mandatory
// condition failed and the satisfied-weight ratio meets the policy
// threshold. When no rule is satisfied a standing wildcard fallback
// takes over: failed results repeat up to the retry cap, and everything
// else signals intervention.
func (e *DecisionEngine) Decide(ctx context.Context, stageID, stepID string, result *schema.ActionResult, state *schema.WorkflowState) (Outcome, error) {
	if result == nil || state == nil {
		return Outcome{}, schema.NewError(schema.ErrCodeValidation, "nil action result or workflow state")
	}

	log := logging.LogWith(ctx, e.logger)
	in := conditionInput{result: result, state: state}
	var trace []string

	for _, rule := range e.rules {
		if !rule.Matches(stageID, stepID) {
			continue
		}

		totalWeight := 0.0
		satisfiedWeight := 0.0
		mandatoryFailed := false

		for i, cond := range rule.Conditions {
			totalWeight += cond.Weight
			ok, err := e.evaluateCondition(ctx, cond, in)
			if err != nil {
				// A failing evaluator fails its condition, never the decision.
				log.Warn("condition evaluation failed",
					"rule_id", rule.ID, "condition", i, "type", string(cond.Type), "error", err)
				ok = false
			}
			if ok {
				satisfiedWeight += cond.Weight
				trace = append(trace, fmt.Sprintf("rule %s: condition %d (%s) satisfied, weight %.2f",
					rule.ID, i, string(cond.Type), cond.Weight))
			} else {
				trace = append(trace, fmt.Sprintf("rule %s: condition %d (%s) not satisfied, weight %.2f",
					rule.ID, i, string(cond.Type), cond.Weight))
				if cond.Mandatory {
					mandatoryFailed = true
				}
			}
		}

		if mandatoryFailed {
			trace = append(trace, fmt.Sprintf("rule %s rejected: mandatory condition failed", rule.ID))
			continue
		}
		if totalWeight <= 0 {
			trace = append(trace, fmt.Sprintf("rule %s rejected: no condition weight", rule.ID))
			continue
		}

		ratio := satisfiedWeight / totalWeight
		if ratio < e.policy.RuleSatisfactionThreshold {
			trace = append(trace, fmt.Sprintf("rule %s rejected: satisfied weight %.2f below threshold %.2f",
				rule.ID, ratio, e.policy.RuleSatisfactionThreshold))
			continue
		}

		confidence := ratio + rule.ConfidenceBoost
		if confidence > 1 {
			confidence = 1
		}
		trace = append(trace, fmt.Sprintf("rule %s selected: decision %s, confidence %.2f",
			rule.ID, string(rule.Decision), confidence))

		log.Debug("flow rule selected",
			"rule_id", rule.ID, "decision", string(rule.Decision), "confidence", confidence)

		return Outcome{Decision: rule.Decision, Confidence: confidence, Trace: trace}, nil
	}

	return e.fallback(result, state, trace, log), nil
}

// fallback is the standing wildcard rule: a failed result with retry
// budget left repeats the step; anything else requires intervention. A
// success that no rule covers is never advanced silently, so the rule
// table stays the only authority on forward progress.
func (e *DecisionEngine) fallback(result *schema.ActionResult, state *schema.WorkflowState, trace []string, log *slog.Logger) Outcome {
	switch {
	case !result.Outcome.Success() && state.RetryCount < e.policy.GlobalRetryCap:
		trace = append(trace, fmt.Sprintf(
			"fallback: execution failed with retry count %d below cap %d, repeating step",
			state.RetryCount, e.policy.GlobalRetryCap))
		return Outcome{Decision: schema.DecisionRepeatStep, Confidence: 0.5, Trace: trace}

	case !result.Outcome.Success():
		trace = append(trace, fmt.Sprintf(
			"fallback: execution failed with retry count %d at cap %d, requires intervention",
			state.RetryCount, e.policy.GlobalRetryCap))
		log.Warn("retry cap reached, requiring intervention",
			"step_id", result.StepID, "retry_count", state.RetryCount)
		return Outcome{Decision: schema.DecisionIntervention, Confidence: 1.0, Trace: trace}

	default:
		trace = append(trace, "fallback: execution succeeded but no rule authorized advancement, requires intervention")
		log.Warn("no rule covered successful result, requiring intervention",
			"step_id", result.StepID)
		return Outcome{Decision: schema.DecisionIntervention, Confidence: 1.0, Trace: trace}
	}
}
