package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/stagewise/stagewise/internal/logging"
	"github.com/stagewise/stagewise/pkg/schema"
)

// ActionExecutor runs one planned step through its action, enforcing the
// calling contract: caching, per-category retry with backoff, circuit
// breaking, and quality scoring. Failures never escape as errors; after
// exhausting retries the executor returns a FAILURE result.
type ActionExecutor struct {
	policy   schema.Policy
	logger   *slog.Logger
	resolver ActionResolver
	selector *PolicySelector
	cache    *ResultCache
	breakers *CircuitBreakerRegistry
	scorers  *ScorerRegistry
}

// NewActionExecutor wires an executor. cache, breakers, and scorers may be
// nil, in which case fresh defaults are created.
func NewActionExecutor(policy schema.Policy, logger *slog.Logger, resolver ActionResolver, selector *PolicySelector, cache *ResultCache, breakers *CircuitBreakerRegistry, scorers *ScorerRegistry) *ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if selector == nil {
		selector = NewPolicySelector(DefaultPolicyRules(), policy.DefaultRetry)
	}
	if cache == nil {
		cache = NewResultCache()
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if scorers == nil {
		scorers = NewScorerRegistry()
	}
	return &ActionExecutor{
		policy:   policy,
		logger:   logger,
		resolver: resolver,
		selector: selector,
		cache:    cache,
		breakers: breakers,
		scorers:  scorers,
	}
}

// Cache exposes the result cache so the janitor can sweep it.
func (e *ActionExecutor) Cache() *ResultCache {
	return e.cache
}

// Scorers exposes the quality scorer registry for per-step registration.
func (e *ActionExecutor) Scorers() *ScorerRegistry {
	return e.scorers
}

// Execute runs the step's action at most max_retries+1 times and returns a
// normalized result. The returned ActionResult.RetryCount is the number of
// retry attempts consumed within this call; the per-step repeat counter
// across decision cycles lives on WorkflowState.
func (e *ActionExecutor) Execute(ctx context.Context, step schema.StepDefinition, state *schema.WorkflowState) schema.ActionResult {
	log := logging.LogWith(ctx, e.logger)

	if err := e.breakers.AllowRequest(step.ID); err != nil {
		log.Warn("circuit open, rejecting step", "step_id", step.ID, "error", err)
		return schema.ActionResult{
			StepID:  step.ID,
			Outcome: schema.OutcomeFailure,
			Error:   err.Error(),
		}
	}

	cacheKey := e.cache.Key(step, state)
	if cached, ok := e.cache.Get(cacheKey); ok {
		if cached.Outcome == schema.OutcomeSuccess && cached.QualityScore >= e.policy.QualityBar {
			log.Debug("replaying cached result", "step_id", step.ID, "quality", cached.QualityScore)
			cached.Cached = true
			return cached
		}
	}

	action, err := e.resolver.Resolve(step)
	if err != nil {
		log.Error("action resolution failed", "step_id", step.ID, "error", err)
		return schema.ActionResult{
			StepID:  step.ID,
			Outcome: schema.OutcomeFailure,
			Error:   err.Error(),
		}
	}

	input := ActionInput{
		StepID:      step.ID,
		StepIndex:   step.Index,
		Name:        step.Name,
		Description: step.Description,
		Variables:   accumulatedVariables(state),
	}
	retryPolicy := e.selector.Select(step.ID)

	start := time.Now()
	var lastErr error
	invocations := 0
	for attempt := 0; attempt <= retryPolicy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(retryPolicy, attempt-1)
			log.Debug("retrying step", "step_id", step.ID, "attempt", attempt, "delay", delay)
			if err := waitForBackoff(ctx, delay); err != nil {
				lastErr = schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").
					WithStep(step.ID).WithCause(err)
				break
			}
		}

		invocations++
		output, err := invoke(ctx, action, input)
		if err == nil {
			err = validateOutput(output)
		}
		if err != nil {
			lastErr = err
			if schemaErrCode(err) == schema.ErrCodeCancelled {
				break
			}
			continue
		}

		quality := e.scorers.Score(step.ID, output)
		e.breakers.RecordSuccess(step.ID)

		result := schema.ActionResult{
			StepID:        step.ID,
			Outcome:       schema.OutcomeSuccess,
			Payload:       output,
			ExecutionTime: time.Since(start),
			QualityScore:  quality,
			RetryCount:    attempt,
		}
		if quality >= e.policy.QualityBar {
			e.cache.Put(cacheKey, result)
		}
		log.Info("step executed",
			"step_id", step.ID, "quality", quality, "retries", attempt,
			"duration", result.ExecutionTime)
		return result
	}

	e.breakers.RecordFailure(step.ID)
	errMsg := "action failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	// Cancellation can stop the loop before the budget is spent; report
	// the retries actually consumed, not the policy maximum.
	retries := invocations - 1
	if retries < 0 {
		retries = 0
	}
	log.Warn("step failed after retries",
		"step_id", step.ID, "retries", retries, "max_retries", retryPolicy.MaxRetries, "error", errMsg)

	return schema.ActionResult{
		StepID:        step.ID,
		Outcome:       schema.OutcomeFailure,
		ExecutionTime: time.Since(start),
		RetryCount:    retries,
		Error:         errMsg,
	}
}

// accumulatedVariables flattens recorded step results into the variable
// map handed to the action.
func accumulatedVariables(state *schema.WorkflowState) map[string]any {
	vars := make(map[string]any, len(state.StepResults))
	for stepID, payload := range state.StepResults {
		vars[stepID] = payload
	}
	return vars
}

func schemaErrCode(err error) string {
	if ee, ok := err.(*schema.EngineError); ok {
		return ee.Code
	}
	return ""
}
