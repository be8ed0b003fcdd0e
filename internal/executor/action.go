package executor

import (
	"context"
	"fmt"

	"github.com/stagewise/stagewise/pkg/schema"
)

// ActionInput is what a step hands to its collaborating action.
type ActionInput struct {
	StepID      string         `json:"step_id"`
	StepIndex   int            `json:"step_index"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	// Variables carries the accumulated step results of the session.
	Variables map[string]any `json:"accumulated_variables"`
}

// Action is the collaborator that does the actual work of a step. The
// executor only enforces the calling contract: output must be a mapping
// whose "actions" key holds a sequence of opaque descriptors.
//
// Implementations may block; the executor runs them under the call context
// and normalizes synchronous and asynchronous behavior uniformly.
type Action interface {
	Execute(ctx context.Context, input ActionInput) (map[string]any, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, input ActionInput) (map[string]any, error)

func (f ActionFunc) Execute(ctx context.Context, input ActionInput) (map[string]any, error) {
	return f(ctx, input)
}

// ActionResolver selects the action that serves a given step.
type ActionResolver interface {
	Resolve(step schema.StepDefinition) (Action, error)
}

// StaticResolver resolves actions from a fixed map keyed by step ID, with
// an optional fallback for unmapped steps. Custom step variants resolve
// through their base step ID.
type StaticResolver struct {
	actions  map[string]Action
	fallback Action
}

// NewStaticResolver creates a resolver over the given map. fallback may be
// nil, in which case unmapped steps fail resolution.
func NewStaticResolver(actions map[string]Action, fallback Action) *StaticResolver {
	return &StaticResolver{actions: actions, fallback: fallback}
}

func (r *StaticResolver) Resolve(step schema.StepDefinition) (Action, error) {
	if a, ok := r.actions[step.ID]; ok {
		return a, nil
	}
	if step.Custom {
		if a, ok := r.actions[baseStepID(step.ID)]; ok {
			return a, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no action registered for step %q", step.ID).
		WithStep(step.ID)
}

// baseStepID strips the custom-variant suffix.
func baseStepID(id string) string {
	const suffix = "-custom"
	if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
		return id[:len(id)-len(suffix)]
	}
	return id
}

// validateOutput enforces the required output shape: a mapping holding an
// "actions" key with a sequence value.
func validateOutput(output map[string]any) error {
	if output == nil {
		return schema.NewError(schema.ErrCodeActionExecution, "action returned nil output")
	}
	raw, ok := output["actions"]
	if !ok {
		return schema.NewError(schema.ErrCodeActionExecution, `action output missing "actions" key`)
	}
	if _, ok := raw.([]any); !ok {
		return schema.NewError(schema.ErrCodeActionExecution,
			fmt.Sprintf(`action output "actions" must be a sequence, got %T`, raw))
	}
	return nil
}

// invoke runs the action in its own goroutine and waits for either the
// result or context cancellation, so a synchronous action and an
// asynchronous one look identical to the executor. A panic inside the
// action is recovered and surfaced as an execution error.
func invoke(ctx context.Context, action Action, input ActionInput) (map[string]any, error) {
	type outcome struct {
		output map[string]any
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: schema.NewErrorf(schema.ErrCodeActionExecution,
					"action panicked: %v", r).WithStep(input.StepID)}
			}
		}()
		out, err := action.Execute(ctx, input)
		ch <- outcome{output: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.output, res.err
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "action cancelled").
			WithStep(input.StepID).WithCause(ctx.Err())
	}
}
