package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stagewise/stagewise/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (workflow_id, phase, paused, state_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.WorkflowID, string(session.Phase), boolToInt(session.Paused),
		string(session.State), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"session %s already exists", session.WorkflowID)
	}
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, workflowID string) (*Session, error) {
	sess := &Session{}
	var phase string
	var paused int
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, phase, paused, state_json, created_at, updated_at
		 FROM sessions WHERE workflow_id = ?`, workflowID,
	).Scan(&sess.WorkflowID, &phase, &paused, &state, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", workflowID)
	}
	if err != nil {
		return nil, err
	}
	sess.Phase = schema.Phase(phase)
	sess.Paused = paused != 0
	sess.State = []byte(state)
	return sess, nil
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET phase = ?, paused = ?, state_json = ?, updated_at = ?
		 WHERE workflow_id = ?`,
		string(session.Phase), boolToInt(session.Paused), string(session.State),
		session.UpdatedAt, session.WorkflowID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "session", session.WorkflowID)
}

func (s *LibSQLStore) SetPaused(ctx context.Context, workflowID string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET paused = ?, updated_at = ? WHERE workflow_id = ?`,
		boolToInt(paused), time.Now().UTC(), workflowID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "session", workflowID)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT workflow_id, phase, paused, state_json, created_at, updated_at FROM sessions`
	var conds []string
	var args []any

	if filter.Phase != "" {
		conds = append(conds, "phase = ?")
		args = append(args, string(filter.Phase))
	}
	if filter.TerminalOnly {
		conds = append(conds, "phase IN (?, ?)")
		args = append(args, string(schema.PhaseWorkflowComplete), string(schema.PhaseError))
	}
	if !filter.UpdatedBefore.IsZero() {
		conds = append(conds, "updated_at < ?")
		args = append(args, filter.UpdatedBefore)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var phase, state string
		var paused int
		if err := rows.Scan(&sess.WorkflowID, &phase, &paused, &state,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Phase = schema.Phase(phase)
		sess.Paused = paused != 0
		sess.State = []byte(state)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *LibSQLStore) DeleteSession(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, workflowID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	if err := requireRow(res, "session", workflowID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Events ---

// AppendEvent delegates to the event log path so sequences stay monotonic.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return appendEventTx(ctx, s.db, event)
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, workflow_id, step_id, event_type, payload, timestamp, sequence
	          FROM events WHERE event_type = ?`
	args := []any{eventType}

	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepID, &e.Type, &payload,
			&e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
