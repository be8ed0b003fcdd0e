package schema

import "context"

// Decision is a workflow transition chosen by the flow decision engine.
type Decision string

const (
	DecisionRepeatStep       Decision = "repeat_current_step"
	DecisionNextStep         Decision = "advance_to_next_step"
	DecisionNextStage        Decision = "advance_to_next_stage"
	DecisionCompleteWorkflow Decision = "complete_workflow"
	DecisionIntervention     Decision = "requires_intervention"
)

// ConditionType enumerates the kinds of flow conditions.
type ConditionType string

const (
	ConditionResultQuality          ConditionType = "result_quality"
	ConditionDataCompleteness       ConditionType = "data_completeness"
	ConditionExecutionSuccess       ConditionType = "execution_success"
	ConditionBusinessRule           ConditionType = "business_rule"
	ConditionDependencySatisfaction ConditionType = "dependency_satisfaction"
	ConditionErrorThreshold         ConditionType = "error_threshold"
)

// Operator compares an evaluated value against a condition threshold.
type Operator string

const (
	OpGTE      Operator = "gte"
	OpLTE      Operator = "lte"
	OpEQ       Operator = "eq"
	OpNE       Operator = "ne"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// RuleEvaluator is the external business-rule contract: it reduces an
// action payload to a numeric value which is then compared against the
// condition's threshold with its operator.
type RuleEvaluator func(ctx context.Context, payload map[string]any) (float64, error)

// FlowCondition is one weighted predicate inside a flow rule.
type FlowCondition struct {
	Type      ConditionType `json:"type"`
	Operator  Operator      `json:"operator,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
	// Query carries the type-specific selector: a jq expression for
	// data_completeness, an expression for expression-backed business
	// rules, or a comma-free output key for dependency checks.
	Query string `json:"query,omitempty"`
	// Engine selects the expression engine for Query-backed business rules
	// ("expr" or "cel"; default "expr").
	Engine    string  `json:"engine,omitempty"`
	Weight    float64 `json:"weight"`
	Mandatory bool    `json:"mandatory,omitempty"`

	// Evaluator is an optional in-process business-rule evaluator. It takes
	// precedence over Query and is not serializable.
	Evaluator RuleEvaluator `json:"-"`
}

// FlowRule maps a stage/step pattern to a target decision guarded by
// weighted conditions. Patterns are exact IDs or the wildcard "*".
type FlowRule struct {
	ID              string          `json:"id"`
	StagePattern    string          `json:"stage_pattern"`
	StepPattern     string          `json:"step_pattern"`
	Decision        Decision        `json:"decision"`
	Conditions      []FlowCondition `json:"conditions"`
	Priority        int             `json:"priority"` // lower evaluates first
	ConfidenceBoost float64         `json:"confidence_boost,omitempty"`
}

// Matches reports whether the rule applies to the given stage and step.
func (r FlowRule) Matches(stageID, stepID string) bool {
	if r.StagePattern != "*" && r.StagePattern != stageID {
		return false
	}
	return r.StepPattern == "*" || r.StepPattern == stepID
}

// RuleFile is the JSON document holding a rule table.
type RuleFile struct {
	Rules []FlowRule `json:"rules"`
}
