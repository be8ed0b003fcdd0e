package schema

// Phase is the lifecycle state of a workflow session.
type Phase string

const (
	PhaseNotStarted       Phase = "not_started"
	PhaseStepExecuting    Phase = "step_executing"
	PhaseStageComplete    Phase = "stage_complete"
	PhaseWorkflowComplete Phase = "workflow_complete"
	PhaseError            Phase = "error"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseWorkflowComplete || p == PhaseError
}

// WorkflowState is the complete, serializable state of one workflow
// session. The orchestrator is its sole mutator; everything else receives
// read-only copies. completed_steps and completed_stages are append-only
// and duplicate-free.
type WorkflowState struct {
	WorkflowID      string                    `json:"workflow_id"`
	CurrentStageID  string                    `json:"current_stage_id"`
	CurrentStepID   string                    `json:"current_step_id"`
	CompletedSteps  []string                  `json:"completed_steps"`
	CompletedStages []string                  `json:"completed_stages"`
	StepResults     map[string]map[string]any `json:"step_results"`
	QualityScores   map[string]float64        `json:"quality_scores"`
	// TotalExecutionMs accumulates action execution time in milliseconds.
	TotalExecutionMs int64     `json:"total_execution_time"`
	LastDecision     *Decision `json:"last_decision"`
	DecisionTrace    []string  `json:"decision_trace"`
	Phase            Phase     `json:"phase"`
	// RetryCount is the authoritative repeat counter for the current step:
	// the number of REPEAT_CURRENT_STEP decisions applied since the session
	// last changed steps. Reset to zero on every step advance.
	RetryCount int `json:"retry_count"`
}

// NewWorkflowState creates an empty state positioned at the given stage and step.
func NewWorkflowState(workflowID, stageID, stepID string) *WorkflowState {
	return &WorkflowState{
		WorkflowID:      workflowID,
		CurrentStageID:  stageID,
		CurrentStepID:   stepID,
		CompletedSteps:  []string{},
		CompletedStages: []string{},
		StepResults:     make(map[string]map[string]any),
		QualityScores:   make(map[string]float64),
		DecisionTrace:   []string{},
		Phase:           PhaseNotStarted,
	}
}

// Clone returns a deep copy of the state. Mutating the copy never affects
// the original.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	cp.CompletedStages = append([]string(nil), s.CompletedStages...)
	cp.DecisionTrace = append([]string(nil), s.DecisionTrace...)
	cp.StepResults = make(map[string]map[string]any, len(s.StepResults))
	for id, payload := range s.StepResults {
		inner := make(map[string]any, len(payload))
		for k, v := range payload {
			inner[k] = v
		}
		cp.StepResults[id] = inner
	}
	cp.QualityScores = make(map[string]float64, len(s.QualityScores))
	for id, score := range s.QualityScores {
		cp.QualityScores[id] = score
	}
	if s.LastDecision != nil {
		d := *s.LastDecision
		cp.LastDecision = &d
	}
	return &cp
}

// HasCompletedStep reports whether the step has been marked completed.
func (s *WorkflowState) HasCompletedStep(stepID string) bool {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// HasCompletedStage reports whether the stage has been marked completed.
func (s *WorkflowState) HasCompletedStage(stageID string) bool {
	for _, id := range s.CompletedStages {
		if id == stageID {
			return true
		}
	}
	return false
}

// MarkStepCompleted appends the step if absent, preserving the append-only,
// duplicate-free invariant.
func (s *WorkflowState) MarkStepCompleted(stepID string) {
	if !s.HasCompletedStep(stepID) {
		s.CompletedSteps = append(s.CompletedSteps, stepID)
	}
}

// MarkStageCompleted appends the stage if absent.
func (s *WorkflowState) MarkStageCompleted(stageID string) {
	if !s.HasCompletedStage(stageID) {
		s.CompletedStages = append(s.CompletedStages, stageID)
	}
}

// HasOutput reports whether any recorded step result carries the output key.
func (s *WorkflowState) HasOutput(key string) bool {
	if _, ok := s.StepResults[key]; ok {
		return true
	}
	for _, payload := range s.StepResults {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}
