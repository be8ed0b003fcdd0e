package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// RoutePlanner turns a goal evaluation plus registered steps into an
// execution plan. Planning is pure and deterministic: identical inputs
// always produce an identical plan. Plans are cached keyed by a state hash;
// the cache is shared across sessions with last-write-wins semantics.
type RoutePlanner struct {
	policy schema.Policy
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*schema.ExecutionPlan
}

// NewRoutePlanner creates a planner with the given policy.
func NewRoutePlanner(policy schema.Policy, logger *slog.Logger) *RoutePlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutePlanner{
		policy: policy,
		logger: logger,
		cache:  make(map[string]*schema.ExecutionPlan),
	}
}

// Plan builds an execution plan for the given stage. Steps are visited in
// index order and classified by the first matching rule:
//
//  1. Completed with quality at or above the bar: skip.
//  2. Completed with quality below the bar: customize.
//  3. Unmet prerequisite: skip for this cycle only; the step stays
//     eligible on later cycles once the prerequisite clears.
//  4. Contributes to no missing criterion and not mandatory: skip.
//  5. Goal partially achieved and any tracked quality below the bar:
//     customize.
//  6. Otherwise: execute.
func (p *RoutePlanner) Plan(stageID string, goal schema.StageGoal, eval schema.GoalEvaluation, steps []schema.StepDefinition, state *schema.WorkflowState) (*schema.ExecutionPlan, error) {
	if state == nil {
		return nil, schema.NewError(schema.ErrCodePlanning, "nil workflow state")
	}
	if len(steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodePlanning, "stage %q has no steps to plan", stageID)
	}

	key := planCacheKey(stageID, goal.ID, steps, state)
	p.mu.RLock()
	if cached, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	ordered := make([]schema.StepDefinition, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Index < ordered[b].Index })

	missing := make(map[schema.CriterionID]bool, len(eval.MissingCriteria))
	for _, c := range eval.MissingCriteria {
		missing[c] = true
	}
	anyLowQuality := false
	for _, score := range state.QualityScores {
		if score < p.policy.QualityBar {
			anyLowQuality = true
			break
		}
	}

	plan := &schema.ExecutionPlan{
		StageID: stageID,
		GoalID:  goal.ID,
	}

	for _, step := range ordered {
		switch {
		case state.HasCompletedStep(step.ID) && state.QualityScores[step.ID] >= p.policy.QualityBar:
			plan.SkippedSteps = append(plan.SkippedSteps, schema.SkippedStep{
				StepID: step.ID,
				Reason: fmt.Sprintf("already completed with quality %.2f", state.QualityScores[step.ID]),
			})

		case state.HasCompletedStep(step.ID):
			plan.PlannedSteps = append(plan.PlannedSteps, p.customize(step,
				fmt.Sprintf("completed with quality %.2f below bar %.2f", state.QualityScores[step.ID], p.policy.QualityBar)))

		case !prerequisitesMet(step, state):
			plan.SkippedSteps = append(plan.SkippedSteps, schema.SkippedStep{
				StepID: step.ID,
				Reason: "prerequisite unmet",
			})

		case !step.Mandatory && !contributesToMissing(step, missing):
			plan.SkippedSteps = append(plan.SkippedSteps, schema.SkippedStep{
				StepID: step.ID,
				Reason: "contributes to no missing criterion",
			})

		case eval.Status == schema.GoalPartiallyAchieved && anyLowQuality:
			plan.PlannedSteps = append(plan.PlannedSteps, p.customize(step,
				"goal partially achieved with low quality scores"))

		default:
			plan.PlannedSteps = append(plan.PlannedSteps, schema.PlannedStep{
				Step: step,
				Mode: schema.PlanExecute,
			})
		}
	}

	for _, ps := range plan.PlannedSteps {
		plan.EstimatedTotal += ps.Step.Duration()
	}
	plan.Confidence = p.confidence(len(eval.CompletedCriteria), len(eval.MissingCriteria), len(plan.PlannedSteps))

	p.mu.Lock()
	p.cache[key] = plan
	p.mu.Unlock()

	p.logger.Debug("plan built",
		"stage_id", stageID,
		"goal_id", goal.ID,
		"planned", len(plan.PlannedSteps),
		"skipped", len(plan.SkippedSteps),
		"confidence", plan.Confidence)

	return plan, nil
}

// customize synthesizes a derived step variant that replaces the base step
// in the plan: suffixed ID, annotated description, padded duration.
func (p *RoutePlanner) customize(step schema.StepDefinition, reason string) schema.PlannedStep {
	derived := step
	derived.ID = step.ID + "-custom"
	derived.Custom = true
	derived.Description = step.Description + " (customized re-execution)"
	if d := step.Duration(); d > 0 {
		derived.EstimatedDuration = time.Duration(float64(d) * p.policy.CustomizeDurationFactor).String()
	}
	return schema.PlannedStep{Step: derived, Mode: schema.PlanCustomize, Reason: reason}
}

// confidence scores the plan: a 0.8 base, raised by criteria progress and
// penalized when the plan is wide.
func (p *RoutePlanner) confidence(completed, missing, planned int) float64 {
	denom := missing
	if denom < 1 {
		denom = 1
	}
	c := 0.8 + 0.1*float64(completed)/float64(denom)
	if planned > p.policy.WidePlanPenaltyThreshold {
		c -= 0.1
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// prerequisitesMet reports whether every prerequisite of the step is
// satisfied either as a completed step or as an available output.
func prerequisitesMet(step schema.StepDefinition, state *schema.WorkflowState) bool {
	for _, prereq := range step.Prerequisites {
		if !state.HasCompletedStep(prereq) && !state.HasOutput(prereq) {
			return false
		}
	}
	return true
}

func contributesToMissing(step schema.StepDefinition, missing map[schema.CriterionID]bool) bool {
	for _, c := range step.ContributesTo {
		if missing[c] {
			return true
		}
	}
	return false
}

// planCacheKey hashes the planning inputs. State maps are serialized with
// sorted keys so identical states always hash identically.
func planCacheKey(stageID, goalID string, steps []schema.StepDefinition, state *schema.WorkflowState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", stageID, goalID)
	for _, s := range steps {
		fmt.Fprintf(h, "%s:%d;", s.ID, s.Index)
	}

	fmt.Fprintf(h, "|completed:%v", state.CompletedSteps)

	resultKeys := make([]string, 0, len(state.StepResults))
	for k := range state.StepResults {
		resultKeys = append(resultKeys, k)
	}
	sort.Strings(resultKeys)
	for _, k := range resultKeys {
		b, _ := json.Marshal(sortedPayload(state.StepResults[k]))
		fmt.Fprintf(h, "|result:%s=%s", k, b)
	}

	scoreKeys := make([]string, 0, len(state.QualityScores))
	for k := range state.QualityScores {
		scoreKeys = append(scoreKeys, k)
	}
	sort.Strings(scoreKeys)
	for _, k := range scoreKeys {
		fmt.Fprintf(h, "|score:%s=%.6f", k, state.QualityScores[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// sortedPayload returns key/value pairs in sorted key order so that map
// iteration order never leaks into the hash.
func sortedPayload(payload map[string]any) []any {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, payload[k])
	}
	return out
}
