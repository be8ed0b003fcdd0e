package store

import (
	"encoding/json"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// Session is the persisted row for one workflow session: the serialized
// state snapshot plus indexed lifecycle columns.
type Session struct {
	WorkflowID string
	Phase      schema.Phase
	Paused     bool
	// State is the full WorkflowState snapshot as JSON.
	State     json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionFilter narrows ListSessions results. Zero values match everything.
type SessionFilter struct {
	Phase schema.Phase
	// UpdatedBefore selects sessions last touched before the given time.
	UpdatedBefore time.Time
	// TerminalOnly selects only workflow_complete and error sessions.
	TerminalOnly bool
	Limit        int
}

// Event is one append-only entry of a session's event log. Sequence is
// monotonically increasing per workflow and assigned by the event log.
type Event struct {
	ID         int64
	WorkflowID string
	StepID     string
	Type       string
	Payload    json.RawMessage
	Timestamp  time.Time
	Sequence   int64
}

// EventFilter narrows GetEventsByType results.
type EventFilter struct {
	WorkflowID string
	Since      time.Time
	Limit      int
}

// DecodeState unmarshals the session's state snapshot.
func (s *Session) DecodeState() (*schema.WorkflowState, error) {
	var state schema.WorkflowState
	if err := json.Unmarshal(s.State, &state); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"decode state for session %s: %s", s.WorkflowID, err.Error()).WithCause(err)
	}
	return &state, nil
}

// EncodeState serializes a workflow state into the session row.
func (s *Session) EncodeState(state *schema.WorkflowState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"encode state for session %s: %s", s.WorkflowID, err.Error()).WithCause(err)
	}
	s.State = b
	s.Phase = state.Phase
	return nil
}
