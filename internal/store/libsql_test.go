package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagewise/stagewise/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testSession(workflowID string) *Session {
	state := schema.NewWorkflowState(workflowID, "ingest", "fetch")
	sess := &Session{WorkflowID: workflowID}
	if err := sess.EncodeState(state); err != nil {
		panic(err)
	}
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testSession("wf-1")))

	got, err := s.GetSession(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.False(t, got.Paused)
	assert.False(t, got.CreatedAt.IsZero())

	state, err := got.DecodeState()
	require.NoError(t, err)
	assert.Equal(t, "ingest", state.CurrentStageID)
	assert.Equal(t, "fetch", state.CurrentStepID)
	assert.Equal(t, schema.PhaseNotStarted, state.Phase)
}

func TestCreateSessionDuplicateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testSession("wf-1")))

	err := s.CreateSession(ctx, testSession("wf-1"))
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeConflict, ee.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "ghost")
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testSession("wf-1")))

	state := schema.NewWorkflowState("wf-1", "analyze", "scan")
	state.Phase = schema.PhaseStepExecuting
	state.MarkStepCompleted("fetch")

	updated := &Session{WorkflowID: "wf-1", Phase: state.Phase}
	require.NoError(t, updated.EncodeState(state))
	require.NoError(t, s.UpdateSession(ctx, updated))

	got, err := s.GetSession(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseStepExecuting, got.Phase)

	decoded, err := got.DecodeState()
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch"}, decoded.CompletedSteps)
}

func TestUpdateSessionMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateSession(context.Background(), testSession("ghost"))
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestSetPaused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testSession("wf-1")))
	require.NoError(t, s.SetPaused(ctx, "wf-1", true))

	got, err := s.GetSession(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, got.Paused)

	require.NoError(t, s.SetPaused(ctx, "wf-1", false))
	got, err = s.GetSession(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, got.Paused)

	err = s.SetPaused(ctx, "ghost", true)
	require.Error(t, err)
}

func TestListSessionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, phase schema.Phase) {
		sess := testSession(id)
		sess.Phase = phase
		require.NoError(t, s.CreateSession(ctx, sess))
	}
	mk("wf-running", schema.PhaseStepExecuting)
	mk("wf-done", schema.PhaseWorkflowComplete)
	mk("wf-failed", schema.PhaseError)

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	terminal, err := s.ListSessions(ctx, SessionFilter{TerminalOnly: true})
	require.NoError(t, err)
	require.Len(t, terminal, 2)
	for _, sess := range terminal {
		assert.True(t, sess.Phase.Terminal())
	}

	byPhase, err := s.ListSessions(ctx, SessionFilter{Phase: schema.PhaseStepExecuting})
	require.NoError(t, err)
	require.Len(t, byPhase, 1)
	assert.Equal(t, "wf-running", byPhase[0].WorkflowID)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListSessions(ctx, SessionFilter{UpdatedBefore: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)

	old, err := s.ListSessions(ctx, SessionFilter{UpdatedBefore: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, old, 3)
}

func TestDeleteSessionCascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testSession("wf-1")))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventSessionCreated}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", StepID: "fetch", Type: schema.EventStepExecuted}))

	require.NoError(t, s.DeleteSession(ctx, "wf-1"))

	_, err := s.GetSession(ctx, "wf-1")
	require.Error(t, err)

	events, err := s.GetEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	err = s.DeleteSession(ctx, "wf-1")
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestAppendEventSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &Event{WorkflowID: "wf-1", StepID: "fetch", Type: schema.EventStepExecuted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// Sequences are per workflow, not global.
	other := &Event{WorkflowID: "wf-2", Type: schema.EventSessionCreated}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.GetEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	since, err := s.GetEvents(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(3), since[0].Sequence)
}

func TestAppendEventPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, err := MarshalEventPayload(map[string]any{"outcome": "SUCCESS", "retry_count": 2})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, &Event{
		WorkflowID: "wf-1", StepID: "fetch", Type: schema.EventStepExecuted, Payload: payload,
	}))

	events, err := s.GetEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"outcome": "SUCCESS", "retry_count": 2}`, string(events[0].Payload))
	assert.Equal(t, "fetch", events[0].StepID)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", StepID: "fetch", Type: schema.EventStepExecuted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", StepID: "fetch", Type: schema.EventStepRetried}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-2", StepID: "scan", Type: schema.EventStepExecuted}))

	executed, err := s.GetEventsByType(ctx, schema.EventStepExecuted, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, executed, 2)

	scoped, err := s.GetEventsByType(ctx, schema.EventStepExecuted, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "fetch", scoped[0].StepID)
}

func TestReplayTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := NewEventLog(s)

	append := func(stepID, eventType string) {
		require.NoError(t, log.AppendEvent(ctx, &Event{WorkflowID: "wf-1", StepID: stepID, Type: eventType}))
	}
	append("", schema.EventSessionCreated)
	append("fetch", schema.EventStepExecuted)
	append("fetch", schema.EventStepRetried)
	append("fetch", schema.EventStepExecuted)
	append("verify", schema.EventStepCached)

	timelines, err := log.ReplayTimeline(ctx, "wf-1")
	require.NoError(t, err)

	fetch := timelines["fetch"]
	require.NotNil(t, fetch)
	assert.Equal(t, 2, fetch.Executions)
	assert.Equal(t, 1, fetch.Retries)
	assert.Equal(t, schema.EventStepExecuted, fetch.LastEvent)

	verify := timelines["verify"]
	require.NotNil(t, verify)
	assert.Equal(t, 1, verify.CacheHits)
}

func TestReplayTimelineSequenceGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := NewEventLog(s)

	require.NoError(t, log.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventSessionCreated}))

	// Forge a gap by inserting a row with a skipped sequence directly.
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, event_type, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?)`,
		"wf-1", "fetch", schema.EventStepExecuted, time.Now().UTC(), int64(5))
	require.NoError(t, err)

	_, err = log.ReplayTimeline(ctx, "wf-1")
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeStore, ee.Code)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestMarshalEventPayloadNil(t *testing.T) {
	raw, err := MarshalEventPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Running migrations again is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}
