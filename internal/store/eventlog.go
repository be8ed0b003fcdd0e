package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-workflow
// sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return appendEventTx(ctx, el.store.DB(), event)
}

// appendEventTx assigns the next sequence and inserts the event inside one
// transaction. A write-intent noop statement forces immediate lock
// acquisition so concurrent writers cannot interleave sequence reads.
func appendEventTx(ctx context.Context, db *sql.DB, event *Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	var stepID sql.NullString
	if event.StepID != "" {
		stepID = sql.NullString{String: event.StepID, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, stepID, event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered
// by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepTimeline is the per-step history reconstructed from the event log.
type StepTimeline struct {
	StepID     string `json:"step_id"`
	Executions int    `json:"executions"`
	Retries    int    `json:"retries"`
	CacheHits  int    `json:"cache_hits"`
	LastEvent  string `json:"last_event"`
}

// ReplayTimeline rebuilds per-step execution counters from a workflow's
// event history, validating sequence contiguity along the way.
func (el *EventLog) ReplayTimeline(ctx context.Context, workflowID string) (map[string]*StepTimeline, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	timelines := make(map[string]*StepTimeline)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		tl, ok := timelines[e.StepID]
		if !ok {
			tl = &StepTimeline{StepID: e.StepID}
			timelines[e.StepID] = tl
		}
		switch e.Type {
		case schema.EventStepExecuted:
			tl.Executions++
		case schema.EventStepRetried:
			tl.Retries++
		case schema.EventStepCached:
			tl.CacheHits++
		}
		tl.LastEvent = e.Type
	}
	return timelines, nil
}

// MarshalEventPayload encodes an arbitrary payload value for an event row.
func MarshalEventPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return b, nil
}
