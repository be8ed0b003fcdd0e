package schema

import "time"

// Outcome is the normalized result class of one action execution.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailure        Outcome = "failure"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeRetryNeeded    Outcome = "retry_needed"
	OutcomeSkipped        Outcome = "skipped"
)

// Success reports whether the outcome counts as a successful execution.
func (o Outcome) Success() bool {
	return o == OutcomeSuccess || o == OutcomePartialSuccess
}

// ActionResult is the normalized outcome of executing one step.
type ActionResult struct {
	StepID        string         `json:"step_id"`
	Outcome       Outcome        `json:"outcome"`
	Payload       map[string]any `json:"payload,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	QualityScore  float64        `json:"quality_score"`
	// RetryCount is the number of retry attempts consumed inside the
	// executor call that produced this result. The per-step repeat counter
	// lives on WorkflowState.
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

// GoalStatus classifies how far a stage has progressed toward its goal.
type GoalStatus string

const (
	GoalNotStarted        GoalStatus = "not_started"
	GoalInProgress        GoalStatus = "in_progress"
	GoalPartiallyAchieved GoalStatus = "partially_achieved"
	GoalFullyAchieved     GoalStatus = "fully_achieved"
)

// GoalEvaluation is the outcome of measuring a WorkflowState against a StageGoal.
type GoalEvaluation struct {
	GoalID            string               `json:"goal_id"`
	Status            GoalStatus           `json:"status"`
	CompletionRate    float64              `json:"completion_rate"`
	CompletedCriteria []CriterionID        `json:"completed_criteria"`
	MissingCriteria   []CriterionID        `json:"missing_criteria"`
	AvailableOutputs  []string             `json:"available_outputs"`
	MissingOutputs    []string             `json:"missing_outputs"`
	QualityScores     map[MetricID]float64 `json:"quality_scores"`
	Recommendations   []string             `json:"recommendations"`
}

// PlanMode is the planner's per-step decision.
type PlanMode string

const (
	PlanExecute   PlanMode = "execute"
	PlanCustomize PlanMode = "customize"
	PlanSkip      PlanMode = "skip"
)

// PlannedStep is one entry of an execution plan, carrying either the
// registered step definition or a tagged custom variant of it.
type PlannedStep struct {
	Step   StepDefinition `json:"step"`
	Mode   PlanMode       `json:"mode"`
	Reason string         `json:"reason,omitempty"`
}

// SkippedStep records a step excluded from the plan and why.
type SkippedStep struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// ExecutionPlan is the per-cycle ordered decision over a stage's steps.
// Plans are pure functions of their inputs and are never persisted beyond
// the cycle that produced them.
type ExecutionPlan struct {
	StageID        string        `json:"stage_id"`
	GoalID         string        `json:"goal_id"`
	PlannedSteps   []PlannedStep `json:"planned_steps"`
	SkippedSteps   []SkippedStep `json:"skipped_steps"`
	EstimatedTotal time.Duration `json:"estimated_total"`
	Confidence     float64       `json:"confidence_score"`
}

// FirstActionable returns the first planned step to run this cycle, or nil
// when the plan holds no executable work.
func (p *ExecutionPlan) FirstActionable() *PlannedStep {
	for i := range p.PlannedSteps {
		if p.PlannedSteps[i].Mode == PlanExecute || p.PlannedSteps[i].Mode == PlanCustomize {
			return &p.PlannedSteps[i]
		}
	}
	return nil
}
