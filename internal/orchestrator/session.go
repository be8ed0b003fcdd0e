package orchestrator

import (
	"sync"

	"github.com/stagewise/stagewise/pkg/schema"
)

// session is the in-memory handle for one workflow. The per-session mutex
// serializes step execution: step N+1 is never planned before step N's
// decision is applied. Independent sessions run concurrently.
type session struct {
	mu     sync.Mutex
	state  *schema.WorkflowState
	paused bool
}

// StepReport is what one execution cycle returns to the caller.
type StepReport struct {
	WorkflowID string                `json:"workflow_id"`
	StepID     string                `json:"step_id,omitempty"`
	Evaluation schema.GoalEvaluation `json:"evaluation"`
	Result     *schema.ActionResult  `json:"result,omitempty"`
	Decision   schema.Decision       `json:"decision"`
	Confidence float64               `json:"confidence"`
	Trace      []string              `json:"trace"`
	State      *schema.WorkflowState `json:"state"`
}

// SessionStatus is a read-only view of a session.
type SessionStatus struct {
	WorkflowID string                `json:"workflow_id"`
	Phase      schema.Phase          `json:"phase"`
	Paused     bool                  `json:"paused"`
	State      *schema.WorkflowState `json:"state"`
}
