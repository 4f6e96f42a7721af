// Package ledger implements the Session Ledger: the exclusive owner of
// session and turn rows, backed by modernc.org/sqlite at
// <workspace>/ledger.db — a separate file from the Card Repository's
// cards.db so the two stores never contend for a writer.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcelyea/orket/internal/clock"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	target_card_id TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	turn_count INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS turns (
	turn_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	card_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	prompt_digest TEXT NOT NULL DEFAULT '',
	response_digest TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '[]',
	transition_proposed TEXT NOT NULL DEFAULT '',
	transition_applied BOOLEAN NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	failure_code TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, started_at);
CREATE INDEX IF NOT EXISTS idx_turns_card ON turns(card_id, started_at);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
`

// Outcome is the user-visible summary of how a session ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "COMPLETED"
	OutcomeFailed      Outcome = "FAILED"
	OutcomeInterrupted Outcome = "INTERRUPTED"
)

// Session is the durable representation of one traction-loop run.
type Session struct {
	SessionID    string
	TargetCardID string
	StartedAt    time.Time
	EndedAt      time.Time
	TurnCount    int
	Outcome      Outcome
}

// Turn is the ledger's own copy of a turn record, enriched with the
// token/cost accounting the Model Provider reports.
type Turn struct {
	TurnID             string
	SessionID          string
	CardID             string
	Role               string
	PromptDigest       string
	ResponseDigest     string
	ToolCallsJSON      string
	TransitionProposed string
	TransitionApplied  bool
	StartedAt          time.Time
	EndedAt            time.Time
	FailureCode        string
	InputTokens        int
	OutputTokens       int
	CostUSD            float64
}

// Event is one append-only session-ledger event row: retries, checkpoints,
// gate-violation notes, session start/end markers.
type Event struct {
	ID        int64
	SessionID string
	EventType string
	Details   string
	CreatedAt time.Time
}

// SessionSnapshot is the full read view of one session: the session row,
// every turn in commit order, and the session's event trail.
type SessionSnapshot struct {
	Session Session
	Turns   []Turn
	Events  []Event
}

// Ledger is the sqlite-backed append-mostly store for sessions and turns.
type Ledger struct {
	db    *sql.DB
	clock clock.Clock
}

// Open creates or opens ledger.db and ensures its schema exists.
func Open(dbPath string, c clock.Clock) (*Ledger, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	if c == nil {
		c = clock.System{}
	}
	return &Ledger{db: db, clock: c}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// DB exposes the underlying handle for read-only collectors (the
// monitoring package's window metrics) that query the ledger schema
// directly rather than through the Ledger's own accessors.
func (l *Ledger) DB() *sql.DB { return l.db }

// StartSession creates a new session row. Only one active session may
// target a given root at a time: if an active (ended_at IS NULL) session
// already targets targetCardID, the call fails.
func (l *Ledger) StartSession(ctx context.Context, sessionID, targetCardID string) error {
	var existing string
	err := l.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE target_card_id = ? AND ended_at IS NULL`, targetCardID).Scan(&existing)
	if err == nil {
		return fmt.Errorf("ledger: target %q already has an active session %q", targetCardID, existing)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("ledger: start session: check existing: %w", err)
	}

	now := l.clock.Now()
	_, err = l.db.ExecContext(ctx, `INSERT INTO sessions (session_id, target_card_id, started_at, turn_count, outcome) VALUES (?, ?, ?, 0, '')`, sessionID, targetCardID, now)
	if err != nil {
		return fmt.Errorf("ledger: start session: %w", err)
	}
	return l.recordEvent(ctx, sessionID, "session_started", targetCardID)
}

// EndSession closes a session with a terminal outcome. Only the three
// recognized outcome values are accepted; anything else is a caller bug
// and must never reach the sessions table, where the HTTP surface would
// hand it straight to clients.
func (l *Ledger) EndSession(ctx context.Context, sessionID string, outcome Outcome) error {
	switch outcome {
	case OutcomeCompleted, OutcomeFailed, OutcomeInterrupted:
	default:
		return fmt.Errorf("ledger: end session %q: invalid outcome %q", sessionID, outcome)
	}
	now := l.clock.Now()
	res, err := l.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, outcome = ? WHERE session_id = ?`, now, string(outcome), sessionID)
	if err != nil {
		return fmt.Errorf("ledger: end session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("ledger: end session: %q not found", sessionID)
	}
	return l.recordEvent(ctx, sessionID, "session_ended", string(outcome))
}

// InterruptActiveSessions marks every still-open session Interrupted. Used
// at process teardown.
func (l *Ledger) InterruptActiveSessions(ctx context.Context) (int, error) {
	now := l.clock.Now()
	res, err := l.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, outcome = ? WHERE ended_at IS NULL`, now, string(OutcomeInterrupted))
	if err != nil {
		return 0, fmt.Errorf("ledger: interrupt active sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: interrupt active sessions: rows affected: %w", err)
	}
	return int(affected), nil
}

// GetSession loads one session row, without its turns or events (see
// Snapshot for those).
func (l *Ledger) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	var outcome string
	var endedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `SELECT session_id, target_card_id, started_at, ended_at, turn_count, outcome FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&s.SessionID, &s.TargetCardID, &s.StartedAt, &endedAt, &s.TurnCount, &outcome)
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, fmt.Errorf("ledger: session %q not found", sessionID)
		}
		return Session{}, fmt.Errorf("ledger: get session: %w", err)
	}
	s.Outcome = Outcome(outcome)
	if endedAt.Valid {
		s.EndedAt = endedAt.Time
	}
	return s, nil
}

// AppendTurn persists a Turn and increments the owning session's
// turn_count atomically; a turn is a single atomic unit in the ledger.
func (l *Ledger) AppendTurn(ctx context.Context, t Turn) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: append turn: begin tx: %w", err)
	}
	defer tx.Rollback()

	toolCallsJSON := t.ToolCallsJSON
	if toolCallsJSON == "" {
		toolCallsJSON = "[]"
	}
	var ended any
	if !t.EndedAt.IsZero() {
		ended = t.EndedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (turn_id, session_id, card_id, role, prompt_digest, response_digest, tool_calls, transition_proposed, transition_applied, started_at, ended_at, failure_code, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TurnID, t.SessionID, t.CardID, t.Role, t.PromptDigest, t.ResponseDigest, toolCallsJSON,
		t.TransitionProposed, t.TransitionApplied, t.StartedAt, ended, t.FailureCode, t.InputTokens, t.OutputTokens, t.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("ledger: append turn: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET turn_count = turn_count + 1 WHERE session_id = ?`, t.SessionID); err != nil {
		return fmt.Errorf("ledger: append turn: update session count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: append turn: commit: %w", err)
	}
	return nil
}

// TurnsForSession returns a session's turns in commit order — the Dialect
// Compiler's bounded context window reads from here.
func (l *Ledger) TurnsForSession(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `SELECT turn_id, session_id, card_id, role, prompt_digest, response_digest, tool_calls, transition_proposed, transition_applied, started_at, ended_at, failure_code, input_tokens, output_tokens, cost_usd FROM turns WHERE session_id = ? ORDER BY started_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: turns for session: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var endedAt sql.NullTime
		if err := rows.Scan(&t.TurnID, &t.SessionID, &t.CardID, &t.Role, &t.PromptDigest, &t.ResponseDigest, &t.ToolCallsJSON,
			&t.TransitionProposed, &t.TransitionApplied, &t.StartedAt, &endedAt, &t.FailureCode, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
			return nil, fmt.Errorf("ledger: scan turn: %w", err)
		}
		if endedAt.Valid {
			t.EndedAt = endedAt.Time
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// EventsForSession returns a session's events in commit order.
func (l *Ledger) EventsForSession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, session_id, event_type, details, created_at FROM session_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: events for session: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Snapshot assembles the session row, its turns, and its event trail into
// one SessionSnapshot. Each constituent read is row-consistent; the snapshot
// as a whole is not serializable against concurrent appends, which only ever
// add rows at the tail.
func (l *Ledger) Snapshot(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	sess, err := l.GetSession(ctx, sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	turns, err := l.TurnsForSession(ctx, sessionID, 0)
	if err != nil {
		return SessionSnapshot{}, err
	}
	events, err := l.EventsForSession(ctx, sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return SessionSnapshot{Session: sess, Turns: turns, Events: events}, nil
}

// TotalCost sums cost_usd across every turn in a session.
func (l *Ledger) TotalCost(ctx context.Context, sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM turns WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: total cost: %w", err)
	}
	return total.Float64, nil
}

func (l *Ledger) recordEvent(ctx context.Context, sessionID, eventType, details string) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO session_events (session_id, event_type, details, created_at) VALUES (?, ?, ?, ?)`, sessionID, eventType, details, l.clock.Now())
	if err != nil {
		return fmt.Errorf("ledger: record event: %w", err)
	}
	return nil
}

// RecordEvent appends an arbitrary session event — the Model Provider's
// per-retry audit events and the Turn Executor's gate
// violation/parse-failure notes all flow through here.
func (l *Ledger) RecordEvent(ctx context.Context, sessionID, eventType, details string) error {
	return l.recordEvent(ctx, sessionID, eventType, details)
}

// RecordCheckpoint appends a periodic session-state checkpoint event.
func (l *Ledger) RecordCheckpoint(ctx context.Context, sessionID, details string) error {
	return l.recordEvent(ctx, sessionID, "checkpoint", details)
}
