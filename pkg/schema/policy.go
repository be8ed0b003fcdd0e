package schema

import "time"

// Policy gathers the tunable thresholds that govern planning, retry, and
// rule selection. The defaults below are policy, not semantics: components
// receive a Policy at construction and consult it instead of scattering
// literals.
type Policy struct {
	// QualityBar is the quality score at or above which a completed step is
	// considered good enough to skip, and a cached result good enough to
	// replay.
	QualityBar float64 `json:"quality_bar"`

	// RuleSatisfactionThreshold is the minimum satisfied-weight ratio for a
	// flow rule to be selected.
	RuleSatisfactionThreshold float64 `json:"rule_satisfaction_threshold"`

	// GlobalRetryCap bounds REPEAT_CURRENT_STEP decisions per step. Once a
	// step has been repeated this many times the engine emits
	// REQUIRES_INTERVENTION instead of looping.
	GlobalRetryCap int `json:"global_retry_cap"`

	// DefaultMetricScore is assumed for a quality metric with no registered
	// evaluator.
	DefaultMetricScore float64 `json:"default_metric_score"`

	// CustomizeDurationFactor inflates the estimated duration of a
	// synthesized custom step variant.
	CustomizeDurationFactor float64 `json:"customize_duration_factor"`

	// WidePlanPenaltyThreshold is the planned-step count above which the
	// planner's confidence score takes a penalty.
	WidePlanPenaltyThreshold int `json:"wide_plan_penalty_threshold"`

	// DefaultRetry is the retry policy applied to steps that match no
	// category-specific policy.
	DefaultRetry RetryPolicy `json:"default_retry"`
}

// RetryPolicy configures retry behavior for action execution.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"`
	BaseDelay     time.Duration `json:"base_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		QualityBar:                0.7,
		RuleSatisfactionThreshold: 0.6,
		GlobalRetryCap:            3,
		DefaultMetricScore:        0.5,
		CustomizeDurationFactor:   1.2,
		WidePlanPenaltyThreshold:  6,
		DefaultRetry: RetryPolicy{
			MaxRetries:    3,
			BaseDelay:     500 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	}
}
