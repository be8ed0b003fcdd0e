package schema

import "time"

// CriterionID identifies a named success-criterion predicate.
type CriterionID string

// MetricID identifies a named quality metric.
type MetricID string

// StageGoal declares what "done" means for one stage. Immutable after load.
type StageGoal struct {
	ID                string              `json:"id"`
	PrimaryObjective  string              `json:"primary_objective"`
	SuccessCriteria   []CriterionID       `json:"success_criteria"`
	RequiredOutputs   []string            `json:"required_outputs"`
	OptionalOutputs   []string            `json:"optional_outputs,omitempty"`
	Dependencies      []string            `json:"dependencies,omitempty"`
	QualityThresholds map[MetricID]float64 `json:"quality_thresholds,omitempty"`
}

// StepDefinition describes a single step of a stage. Immutable after load;
// the planner may derive tagged custom variants from it but never mutates
// the registered definition.
type StepDefinition struct {
	ID                string        `json:"id"`
	Index             int           `json:"index"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Mandatory         bool          `json:"mandatory,omitempty"`
	ContributesTo     []CriterionID `json:"contributes_to,omitempty"`
	Prerequisites     []string      `json:"prerequisites,omitempty"`
	EstimatedDuration string        `json:"estimated_duration,omitempty"` // e.g. "30s", "5m"
	Custom            bool          `json:"custom,omitempty"`             // true only on planner-derived variants
}

// Duration parses EstimatedDuration, returning 0 for empty or malformed values.
func (s StepDefinition) Duration() time.Duration {
	if s.EstimatedDuration == "" {
		return 0
	}
	d, err := time.ParseDuration(s.EstimatedDuration)
	if err != nil {
		return 0
	}
	return d
}

// StageDefinition groups one goal with its ordered steps.
type StageDefinition struct {
	ID    string           `json:"id"`
	Name  string           `json:"name,omitempty"`
	Goal  StageGoal        `json:"goal"`
	Steps []StepDefinition `json:"steps"`
}

// Catalog is the JSON-serializable stage/step catalog loaded at startup.
type Catalog struct {
	Stages   []StageDefinition `json:"stages"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}
