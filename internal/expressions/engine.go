package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: Expr (business rules and predicates), CEL
// (sandboxed guards), GoJQ (payload queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope keys shared by all engines. Condition and predicate expressions see
// the same five top-level variables regardless of the engine evaluating them.
const (
	ScopePayload   = "payload"   // action result payload
	ScopeResults   = "results"   // step_results keyed by step ID
	ScopeScores    = "scores"    // quality_scores keyed by step ID
	ScopeCompleted = "completed" // completed step IDs
	ScopeWorkflow  = "workflow"  // workflow metadata (id, stage, step, retry_count)
)
