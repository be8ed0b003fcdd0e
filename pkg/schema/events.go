package schema

// Event type constants for the append-only session event log.
const (
	EventSessionCreated   = "session_created"
	EventSessionPaused    = "session_paused"
	EventSessionResumed   = "session_resumed"
	EventSessionCleaned   = "session_cleaned"
	EventSessionFailed    = "session_failed"
	EventStepExecuted     = "step_executed"
	EventStepCached       = "step_cached"
	EventStepRetried      = "step_retried"
	EventDecisionApplied  = "decision_applied"
	EventStageCompleted   = "stage_completed"
	EventWorkflowComplete = "workflow_completed"
	EventIntervention     = "intervention_required"
	EventCircuitOpen      = "circuit_breaker_open"
)
