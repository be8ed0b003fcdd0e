package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stagewise/stagewise/internal/executor"
	"github.com/stagewise/stagewise/internal/flow"
	"github.com/stagewise/stagewise/internal/goal"
	"github.com/stagewise/stagewise/internal/logging"
	"github.com/stagewise/stagewise/internal/planner"
	"github.com/stagewise/stagewise/internal/registry"
	"github.com/stagewise/stagewise/internal/store"
	"github.com/stagewise/stagewise/pkg/schema"
)

// transitionFunc applies one decision to a session's state. Transitions
// run on a clone; the clone only replaces the live state after the whole
// transition succeeded, so a cycle's state change is all-or-nothing.
type transitionFunc func(ctx context.Context, state *schema.WorkflowState, stepID string) error

// Orchestrator wires evaluation, planning, execution, and flow decisions
// into the per-session step loop, and is the sole mutator of WorkflowState.
// Collaborators are constructor-injected; there is no shared mutable state
// across sessions beyond the read-only registry and rule table.
type Orchestrator struct {
	policy   schema.Policy
	logger   *slog.Logger
	registry *registry.StepRegistry
	goals    *goal.Evaluator
	planner  *planner.RoutePlanner
	executor *executor.ActionExecutor
	decider  *flow.DecisionEngine
	store    store.Store

	transitions map[schema.Decision]transitionFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// New wires an orchestrator. st may be nil for a purely in-memory engine;
// when present, every applied decision persists a full state snapshot plus
// an event-log entry. The transition table is registered here, keyed by
// decision.
func New(policy schema.Policy, logger *slog.Logger, reg *registry.StepRegistry, goals *goal.Evaluator, pl *planner.RoutePlanner, exec *executor.ActionExecutor, decider *flow.DecisionEngine, st store.Store) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		policy:   policy,
		logger:   logger,
		registry: reg,
		goals:    goals,
		planner:  pl,
		executor: exec,
		decider:  decider,
		store:    st,
		sessions: make(map[string]*session),
	}
	o.transitions = map[schema.Decision]transitionFunc{
		schema.DecisionRepeatStep:       o.applyRepeat,
		schema.DecisionNextStep:         o.applyNextStep,
		schema.DecisionNextStage:        o.applyNextStage,
		schema.DecisionCompleteWorkflow: o.applyComplete,
		schema.DecisionIntervention:     o.applyIntervention,
	}
	return o
}

// CreateSession starts a new workflow session positioned at the catalog's
// first stage and step. Exactly one session exists per workflow ID;
// creating a duplicate is a conflict.
func (o *Orchestrator) CreateSession(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	firstStage, err := o.registry.FirstStage()
	if err != nil {
		return nil, err
	}
	firstStep, err := o.registry.FirstStep(firstStage.ID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if _, exists := o.sessions[workflowID]; exists {
		o.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %s already exists", workflowID)
	}
	state := schema.NewWorkflowState(workflowID, firstStage.ID, firstStep.ID)
	o.sessions[workflowID] = &session{state: state}
	o.mu.Unlock()

	if o.store != nil {
		sess := &store.Session{WorkflowID: workflowID}
		if err := sess.EncodeState(state); err != nil {
			return nil, err
		}
		if err := o.store.CreateSession(ctx, sess); err != nil {
			o.mu.Lock()
			delete(o.sessions, workflowID)
			o.mu.Unlock()
			return nil, err
		}
		o.appendEvent(ctx, workflowID, "", schema.EventSessionCreated, map[string]any{
			"stage_id": firstStage.ID,
			"step_id":  firstStep.ID,
		})
	}

	o.logger.Info("session created",
		"workflow_id", workflowID, "stage_id", firstStage.ID, "step_id", firstStep.ID)
	return state.Clone(), nil
}

// ExecuteStep runs one full cycle for the session: evaluate the stage
// goal, plan the route, execute the first actionable step, decide the
// transition, and apply it. Inputs, when present, are merged into the
// state's step results before planning so actions can see caller-supplied
// variables.
func (o *Orchestrator) ExecuteStep(ctx context.Context, workflowID string, inputs map[string]any) (*StepReport, error) {
	sess, err := o.getSession(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.paused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %s is paused", workflowID)
	}
	if sess.state.Phase.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %s is in terminal phase %s", workflowID, string(sess.state.Phase))
	}

	// Work on a clone; the live state is replaced only when the whole cycle
	// applied cleanly.
	state := sess.state.Clone()
	if len(inputs) > 0 {
		state.StepResults["session_inputs"] = inputs
	}

	ctx = logging.WithIDs(ctx, workflowID, state.CurrentStageID, state.CurrentStepID)
	log := logging.LogWith(ctx, o.logger)

	stage, err := o.registry.Stage(state.CurrentStageID)
	if err != nil {
		return nil, err
	}

	eval, err := o.goals.Evaluate(ctx, stage.Goal, state)
	if err != nil {
		return nil, err
	}

	plan, err := o.planner.Plan(stage.ID, stage.Goal, eval, stage.Steps, state)
	if err != nil {
		return nil, err
	}

	report := &StepReport{WorkflowID: workflowID, Evaluation: eval}

	actionable := plan.FirstActionable()
	if actionable == nil {
		// Nothing left to run in this stage: advance without executing.
		outcome := o.stageDrainedOutcome(stage.ID, eval)
		if err := o.applyDecision(ctx, sess, state, state.CurrentStepID, nil, outcome); err != nil {
			return nil, err
		}
		report.Decision = outcome.Decision
		report.Confidence = outcome.Confidence
		report.Trace = outcome.Trace
		report.State = sess.state.Clone()
		return report, nil
	}

	step := actionable.Step
	baseID := executedStepID(step)
	state.CurrentStepID = baseID
	state.Phase = schema.PhaseStepExecuting
	ctx = logging.WithStepID(ctx, baseID)

	result := o.executor.Execute(ctx, step, state)
	report.StepID = step.ID
	report.Result = &result

	// Failures record nothing; every other outcome lands in step_results.
	if result.Outcome != schema.OutcomeFailure {
		state.StepResults[baseID] = result.Payload
		state.QualityScores[baseID] = result.QualityScore
	}
	state.TotalExecutionMs += result.ExecutionTime.Milliseconds()

	outcome, err := o.decider.Decide(ctx, stage.ID, baseID, &result, state)
	if err != nil {
		return nil, err
	}

	if err := o.applyDecision(ctx, sess, state, baseID, &result, outcome); err != nil {
		return nil, err
	}

	log.Info("step cycle applied",
		"step_id", step.ID,
		"outcome", string(result.Outcome),
		"decision", string(outcome.Decision),
		"confidence", outcome.Confidence)

	report.Decision = outcome.Decision
	report.Confidence = outcome.Confidence
	report.Trace = outcome.Trace
	report.State = sess.state.Clone()
	return report, nil
}

// stageDrainedOutcome chooses the advancing decision when planning yields
// no actionable step: the next stage when one exists, otherwise workflow
// completion.
func (o *Orchestrator) stageDrainedOutcome(stageID string, eval schema.GoalEvaluation) flow.Outcome {
	trace := []string{
		"no actionable steps planned for stage " + stageID,
		"goal status " + string(eval.Status),
	}
	last, err := o.registry.IsLastStage(stageID)
	if err == nil && !last {
		return flow.Outcome{Decision: schema.DecisionNextStage, Confidence: 1.0, Trace: trace}
	}
	return flow.Outcome{Decision: schema.DecisionCompleteWorkflow, Confidence: 1.0, Trace: trace}
}

// applyDecision runs the registered transition for the decision on the
// cloned state, then atomically installs the clone as the live session
// state and persists it.
func (o *Orchestrator) applyDecision(ctx context.Context, sess *session, state *schema.WorkflowState, stepID string, result *schema.ActionResult, outcome flow.Outcome) error {
	decision := o.promote(state, outcome.Decision)

	apply, ok := o.transitions[decision]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "no transition registered for decision %q", string(decision))
	}
	if err := apply(ctx, state, stepID); err != nil {
		o.failSession(ctx, sess, state, stepID, err)
		return err
	}

	d := decision
	state.LastDecision = &d
	state.DecisionTrace = append(state.DecisionTrace, outcome.Trace...)

	sess.state = state
	if decision == schema.DecisionIntervention {
		sess.paused = true
	}

	o.persist(ctx, sess, state, stepID, result, decision)
	return nil
}

// failSession moves the session to the terminal error phase after a
// transition could not be applied. The errored state is installed and
// persisted so a restart sees the session as failed, not mid-step.
func (o *Orchestrator) failSession(ctx context.Context, sess *session, state *schema.WorkflowState, stepID string, cause error) {
	state.Phase = schema.PhaseError
	sess.state = state

	o.logger.Error("session moved to error phase",
		"workflow_id", state.WorkflowID, "step_id", stepID, "error", cause)

	if o.store == nil {
		return
	}
	row := &store.Session{WorkflowID: state.WorkflowID, Paused: sess.paused}
	if err := row.EncodeState(state); err != nil {
		o.logger.Error("errored state snapshot encoding failed", "workflow_id", state.WorkflowID, "error", err)
		return
	}
	if err := o.store.UpdateSession(ctx, row); err != nil {
		o.logger.Error("errored state snapshot persist failed", "workflow_id", state.WorkflowID, "error", err)
		return
	}
	o.appendEvent(ctx, state.WorkflowID, stepID, schema.EventSessionFailed, map[string]any{
		"error": cause.Error(),
	})
}

// promote upgrades advancing decisions at boundaries: NEXT_STEP past the
// last step of a stage becomes NEXT_STAGE, NEXT_STAGE past the last stage
// becomes COMPLETE_WORKFLOW.
func (o *Orchestrator) promote(state *schema.WorkflowState, decision schema.Decision) schema.Decision {
	if decision == schema.DecisionNextStep {
		if last, err := o.registry.IsLastStep(state.CurrentStageID, state.CurrentStepID); err == nil && last {
			decision = schema.DecisionNextStage
		}
	}
	if decision == schema.DecisionNextStage {
		if last, err := o.registry.IsLastStage(state.CurrentStageID); err == nil && last {
			decision = schema.DecisionCompleteWorkflow
		}
	}
	return decision
}

// --- Transition table entries ---

func (o *Orchestrator) applyRepeat(ctx context.Context, state *schema.WorkflowState, stepID string) error {
	if state.RetryCount >= o.policy.GlobalRetryCap {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s already repeated %d times", stepID, state.RetryCount).WithStep(stepID)
	}
	state.RetryCount++
	state.Phase = schema.PhaseStepExecuting
	return nil
}

func (o *Orchestrator) applyNextStep(ctx context.Context, state *schema.WorkflowState, stepID string) error {
	state.MarkStepCompleted(stepID)
	next, ok, err := o.registry.NextStep(state.CurrentStageID, state.CurrentStepID)
	if err != nil {
		return err
	}
	if !ok {
		// promote() keeps this from happening; guard anyway.
		return o.applyNextStage(ctx, state, stepID)
	}
	state.CurrentStepID = next.ID
	state.RetryCount = 0
	state.Phase = schema.PhaseStepExecuting
	return nil
}

func (o *Orchestrator) applyNextStage(ctx context.Context, state *schema.WorkflowState, stepID string) error {
	state.MarkStepCompleted(stepID)
	state.MarkStageCompleted(state.CurrentStageID)

	next, ok, err := o.registry.StageAfter(state.CurrentStageID)
	if err != nil {
		return err
	}
	if !ok {
		return o.applyComplete(ctx, state, stepID)
	}
	first, err := o.registry.FirstStep(next.ID)
	if err != nil {
		return err
	}
	state.CurrentStageID = next.ID
	state.CurrentStepID = first.ID
	state.RetryCount = 0
	state.Phase = schema.PhaseStepExecuting
	return nil
}

func (o *Orchestrator) applyComplete(ctx context.Context, state *schema.WorkflowState, stepID string) error {
	state.MarkStepCompleted(stepID)
	state.MarkStageCompleted(state.CurrentStageID)
	state.RetryCount = 0
	state.Phase = schema.PhaseWorkflowComplete
	return nil
}

// applyIntervention pauses the session for an operator. The phase stays
// step_executing so the session can resume exactly where it stopped; the
// error phase is reserved for unrecoverable failures.
func (o *Orchestrator) applyIntervention(ctx context.Context, state *schema.WorkflowState, stepID string) error {
	state.Phase = schema.PhaseStepExecuting
	return nil
}

// --- Session lifecycle ---

// Status returns a read-only view of the session.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*SessionStatus, error) {
	sess, err := o.getSession(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &SessionStatus{
		WorkflowID: workflowID,
		Phase:      sess.state.Phase,
		Paused:     sess.paused,
		State:      sess.state.Clone(),
	}, nil
}

// Pause suspends the session between steps. A step already in flight
// finishes its cycle; the pause takes effect before the next one.
func (o *Orchestrator) Pause(ctx context.Context, workflowID string) error {
	sess, err := o.getSession(ctx, workflowID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Phase.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause session %s in terminal phase %s", workflowID, string(sess.state.Phase))
	}
	sess.paused = true

	if o.store != nil {
		if err := o.store.SetPaused(ctx, workflowID, true); err != nil {
			return err
		}
		o.appendEvent(ctx, workflowID, "", schema.EventSessionPaused, nil)
	}
	o.logger.Info("session paused", "workflow_id", workflowID)
	return nil
}

// Resume lifts a pause.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) error {
	sess, err := o.getSession(ctx, workflowID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.paused {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %s is not paused", workflowID)
	}
	sess.paused = false

	if o.store != nil {
		if err := o.store.SetPaused(ctx, workflowID, false); err != nil {
			return err
		}
		o.appendEvent(ctx, workflowID, "", schema.EventSessionResumed, nil)
	}
	o.logger.Info("session resumed", "workflow_id", workflowID)
	return nil
}

// Cleanup removes the session from memory and, when a store is configured,
// deletes its row and event history.
func (o *Orchestrator) Cleanup(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	_, exists := o.sessions[workflowID]
	delete(o.sessions, workflowID)
	o.mu.Unlock()

	if o.store != nil {
		o.appendEvent(ctx, workflowID, "", schema.EventSessionCleaned, nil)
		if err := o.store.DeleteSession(ctx, workflowID); err != nil {
			if !exists {
				return err
			}
			o.logger.Warn("session row cleanup failed", "workflow_id", workflowID, "error", err)
		}
	} else if !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", workflowID)
	}

	o.logger.Info("session cleaned", "workflow_id", workflowID)
	return nil
}

// getSession fetches the in-memory session, hydrating it from the store's
// snapshot when the process restarted since the session was created.
func (o *Orchestrator) getSession(ctx context.Context, workflowID string) (*session, error) {
	o.mu.Lock()
	sess, ok := o.sessions[workflowID]
	o.mu.Unlock()
	if ok {
		return sess, nil
	}

	if o.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", workflowID)
	}

	row, err := o.store.GetSession(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	state, err := row.DecodeState()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.sessions[workflowID]; ok {
		return existing, nil
	}
	sess = &session{state: state, paused: row.Paused}
	o.sessions[workflowID] = sess
	o.logger.Info("session restored from snapshot",
		"workflow_id", workflowID, "phase", string(state.Phase))
	return sess, nil
}

// persist writes the state snapshot and the cycle's events. Persistence
// failures are logged, not fatal: the in-memory state already advanced and
// the next successful snapshot heals the row.
func (o *Orchestrator) persist(ctx context.Context, sess *session, state *schema.WorkflowState, stepID string, result *schema.ActionResult, decision schema.Decision) {
	if o.store == nil {
		return
	}

	row := &store.Session{WorkflowID: state.WorkflowID, Paused: sess.paused}
	if err := row.EncodeState(state); err != nil {
		o.logger.Error("state snapshot encoding failed", "workflow_id", state.WorkflowID, "error", err)
		return
	}
	if err := o.store.UpdateSession(ctx, row); err != nil {
		o.logger.Error("state snapshot persist failed", "workflow_id", state.WorkflowID, "error", err)
		return
	}

	if result != nil {
		eventType := schema.EventStepExecuted
		if result.Cached {
			eventType = schema.EventStepCached
		}
		o.appendEvent(ctx, state.WorkflowID, stepID, eventType, map[string]any{
			"outcome":       string(result.Outcome),
			"quality_score": result.QualityScore,
			"retry_count":   result.RetryCount,
			"duration_ms":   result.ExecutionTime.Milliseconds(),
		})
	}

	o.appendEvent(ctx, state.WorkflowID, stepID, schema.EventDecisionApplied, map[string]any{
		"decision":    string(decision),
		"retry_count": state.RetryCount,
	})

	switch decision {
	case schema.DecisionRepeatStep:
		o.appendEvent(ctx, state.WorkflowID, stepID, schema.EventStepRetried, map[string]any{
			"retry_count": state.RetryCount,
		})
	case schema.DecisionNextStage:
		o.appendEvent(ctx, state.WorkflowID, stepID, schema.EventStageCompleted, map[string]any{
			"completed_stages": state.CompletedStages,
		})
	case schema.DecisionCompleteWorkflow:
		o.appendEvent(ctx, state.WorkflowID, stepID, schema.EventWorkflowComplete, map[string]any{
			"completed_steps":      state.CompletedSteps,
			"total_execution_time": state.TotalExecutionMs,
		})
	case schema.DecisionIntervention:
		o.appendEvent(ctx, state.WorkflowID, stepID, schema.EventIntervention, map[string]any{
			"retry_count": state.RetryCount,
		})
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, workflowID, stepID, eventType string, payload map[string]any) {
	if o.store == nil {
		return
	}
	raw, err := store.MarshalEventPayload(payload)
	if err != nil {
		o.logger.Warn("event payload marshal failed", "workflow_id", workflowID, "type", eventType, "error", err)
		return
	}
	event := &store.Event{
		WorkflowID: workflowID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Warn("event append failed", "workflow_id", workflowID, "type", eventType, "error", err)
	}
}

// executedStepID maps a planner-derived custom variant back to its base
// step for state bookkeeping.
func executedStepID(step schema.StepDefinition) string {
	if !step.Custom {
		return step.ID
	}
	const suffix = "-custom"
	if len(step.ID) > len(suffix) && step.ID[len(step.ID)-len(suffix):] == suffix {
		return step.ID[:len(step.ID)-len(suffix)]
	}
	return step.ID
}
