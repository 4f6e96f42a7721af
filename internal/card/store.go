package card

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/mcelyea/orket/internal/clock"
)

const schema = `
CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'task',
	parent_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'NEW',
	role TEXT NOT NULL DEFAULT '',
	priority REAL NOT NULL DEFAULT 2.0,
	wait_reason TEXT NOT NULL DEFAULT '',
	requirements_ref TEXT NOT NULL DEFAULT '',
	verification_ref TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS card_edges (
	from_card TEXT NOT NULL,
	to_card TEXT NOT NULL,
	PRIMARY KEY (from_card, to_card),
	FOREIGN KEY (from_card) REFERENCES cards(id) ON DELETE CASCADE,
	FOREIGN KEY (to_card) REFERENCES cards(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	card_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
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
	failure_code TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claim_leases (
	card_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	claimed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	heartbeat_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_cards_status ON cards(status);
CREATE INDEX IF NOT EXISTS idx_cards_parent ON cards(parent_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_card ON audit_events(card_id, id);
CREATE INDEX IF NOT EXISTS idx_turns_card ON turns(card_id, started_at);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
CREATE INDEX IF NOT EXISTS idx_claim_leases_heartbeat ON claim_leases(heartbeat_at);
`

const cardColumns = `id, kind, parent_id, title, status, role, priority, wait_reason, requirements_ref, verification_ref, metadata, created_at, updated_at`

// Store is the sqlite-backed Card Repository. All writes are serialized
// through a single *sql.DB connection pool with SetMaxOpenConns(1) so the
// embedded engine never sees concurrent writers; reads use a separate
// unlimited pool.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	clock   clock.Clock
}

// Open creates or opens the cards.db file at dbPath and ensures the
// schema exists.
func Open(dbPath string, c clock.Clock) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("card: open %s: %w", dbPath, err)
	}
	writeDB.SetMaxOpenConns(1) // single writer, many readers

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("card: open %s (read pool): %w", dbPath, err)
	}

	if _, err := writeDB.Exec(schema); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("card: create schema: %w", err)
	}

	if c == nil {
		c = clock.System{}
	}
	return &Store{writeDB: writeDB, readDB: readDB, clock: c}, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// GetCard loads a single card by ID, including its dependency edges.
func (s *Store) GetCard(ctx context.Context, id string) (Card, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Card{}, &NotFound{CardID: id}
		}
		return Card{}, fmt.Errorf("card: get %q: %w", id, err)
	}
	deps, err := s.dependenciesFor(ctx, []string{id})
	if err != nil {
		return Card{}, err
	}
	c.DependsOn = deps[id]
	return c, nil
}

// ListByParent returns all cards whose parent_id equals parentID, ordered by
// created_at ascending for deterministic iteration.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]Card, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("card: list by parent %q: %w", parentID, err)
	}
	defer rows.Close()
	return s.scanCardsWithDeps(ctx, rows)
}

// ListAll returns every card in the workspace, ordered by created_at
// ascending. The Critical Path Selector's fanout computation needs the full
// dependency graph, not just the READY frontier, to know which downstream
// cards are blocked solely on a given candidate.
func (s *Store) ListAll(ctx context.Context) ([]Card, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("card: list all: %w", err)
	}
	defer rows.Close()
	return s.scanCardsWithDeps(ctx, rows)
}

// FindByMetadata returns the first card (by created_at ascending) whose
// Metadata[key] equals value. Metadata is stored as an opaque JSON blob
//, so this filters in Go over a full scan rather than pushing
// the comparison into SQL — acceptable for the webhook intake's lookup
// volume, which is one query per incoming PR event, not a hot path.
func (s *Store) FindByMetadata(ctx context.Context, key, value string) (Card, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return Card{}, err
	}
	for _, c := range all {
		if v, ok := c.Metadata[key]; ok {
			if str, ok := v.(string); ok && str == value {
				return c, nil
			}
		}
	}
	return Card{}, &NotFound{CardID: fmt.Sprintf("metadata[%s]=%s", key, value)}
}

// ListReady returns cards with status READY whose dependencies are all
// terminal (DONE or ARCHIVED). Ordering here is insertion order only;
// weighting is the Critical Path Selector's job, not the Repository's.
func (s *Store) ListReady(ctx context.Context, filter ListFilter) ([]Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards AS c
		WHERE c.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM card_edges e
			JOIN cards dep ON dep.id = e.to_card
			WHERE e.from_card = c.id
			  AND dep.status NOT IN (?, ?)
		)
		ORDER BY c.created_at ASC`
	args := []any{string(StatusReady), string(StatusDone), string(StatusArchived)}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("card: list ready: %w", err)
	}
	defer rows.Close()
	return s.scanCardsWithDeps(ctx, rows)
}

// CreateCard inserts a new card, retrying ID generation a bounded number
// of times on collision.
func (s *Store) CreateCard(ctx context.Context, c Card, idPrefix string, genID func(string) (string, error)) (string, error) {
	const maxAttempts = 10
	now := s.clock.Now()
	if c.Status == "" {
		c.Status = StatusNew
	}
	metaJSON, err := c.MetadataJSON()
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := c.ID
		if id == "" {
			id, err = genID(idPrefix)
			if err != nil {
				return "", err
			}
		}

		_, err = s.writeDB.ExecContext(ctx, `
			INSERT INTO cards (id, kind, parent_id, title, status, role, priority, wait_reason, requirements_ref, verification_ref, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(c.Kind), c.ParentID, c.Title, string(c.Status), c.Role, c.Priority,
			string(c.WaitReason), c.RequirementsRef, c.VerificationRef, metaJSON, now, now,
		)
		if err == nil {
			if err := s.replaceDependencies(ctx, id, c.DependsOn); err != nil {
				return "", err
			}
			if err := s.insertAuditEvent(ctx, id, "created", ""); err != nil {
				return "", err
			}
			return id, nil
		}
		if !isUniqueConstraintErr(err) || c.ID != "" {
			return "", fmt.Errorf("card: create: %w", err)
		}
		// collision on a generated ID: try again with a fresh one.
	}
	return "", fmt.Errorf("card: create: exceeded %d id generation attempts", maxAttempts)
}

// ProposeTransition is the sole mutation path for card status: one
// transaction commits the status change, updated_at, wait_reason, and the
// audit row, or nothing at all.
//
// The caller-supplied fromStatus is enforced via "WHERE status = ?"; a zero
// RowsAffected means another writer already moved the card, and the call
// returns OutcomeStaleState without touching anything else — the
// compare-and-swap that keeps two racing loops from both claiming a card.
func (s *Store) ProposeTransition(ctx context.Context, cardID string, fromStatus, toStatus Status, role string, waitReason WaitReason, auditDetails string) (TransitionOutcome, error) {
	if toStatus.IsBlockedClass() && !ValidWaitReason(waitReason) {
		return OutcomeIllegalTransition, fmt.Errorf("card: transition to %s requires a valid wait_reason", toStatus)
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("card: propose transition: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE cards SET status = ?, wait_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(toStatus), string(waitReason), now, cardID, string(fromStatus),
	)
	if err != nil {
		return "", fmt.Errorf("card: propose transition: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("card: propose transition: rows affected: %w", err)
	}
	if affected == 0 {
		// Either the card doesn't exist, or (far more commonly under
		// concurrent dispatch) another writer already applied a different
		// from-state. Either way: no mutation, caller re-selects.
		return OutcomeStaleState, nil
	}

	details := auditDetails
	if details == "" {
		details = fmt.Sprintf("%s -> %s", fromStatus, toStatus)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (card_id, event_type, details, created_at) VALUES (?, ?, ?, ?)`,
		cardID, "transition", details, now,
	); err != nil {
		return "", fmt.Errorf("card: propose transition: audit insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("card: propose transition: commit: %w", err)
	}
	return OutcomeApplied, nil
}

// AppendTurn persists a TurnRecord to the card-side turns table (the
// session ledger keeps its own copy for session-scoped queries; this one
// lets card-centric callers — e.g. "show me T1's history" — avoid crossing
// packages).
func (s *Store) AppendTurn(ctx context.Context, t TurnRecord) error {
	toolCallsJSON := t.ToolCallsJSON
	if toolCallsJSON == "" {
		toolCallsJSON = "[]"
	}
	var ended any
	if !t.EndedAt.IsZero() {
		ended = t.EndedAt
	}
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO turns (turn_id, session_id, card_id, role, prompt_digest, response_digest, tool_calls, transition_proposed, transition_applied, started_at, ended_at, failure_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TurnID, t.SessionID, t.CardID, t.Role, t.PromptDigest, t.ResponseDigest, toolCallsJSON,
		t.TransitionProposed, t.TransitionApplied, t.StartedAt, ended, t.FailureCode,
	)
	if err != nil {
		return fmt.Errorf("card: append turn: %w", err)
	}
	return nil
}

// AuditEventsFor returns the per-card audit ledger in commit order.
func (s *Store) AuditEventsFor(ctx context.Context, cardID string) ([]AuditEvent, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT id, card_id, event_type, details, created_at FROM audit_events WHERE card_id = ? ORDER BY id ASC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("card: audit events for %q: %w", cardID, err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.CardID, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("card: scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertClaimLease records or refreshes an ownership lease for a card.
func (s *Store) UpsertClaimLease(ctx context.Context, cardID, sessionID, agentID string) error {
	now := s.clock.Now()
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO claim_leases (card_id, session_id, agent_id, claimed_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			session_id = excluded.session_id,
			agent_id = excluded.agent_id,
			heartbeat_at = excluded.heartbeat_at`,
		cardID, sessionID, agentID, now, now,
	)
	if err != nil {
		return fmt.Errorf("card: upsert claim lease: %w", err)
	}
	return nil
}

// DeleteClaimLease clears a lease (the turn completed or was superseded).
func (s *Store) DeleteClaimLease(ctx context.Context, cardID string) error {
	_, err := s.writeDB.ExecContext(ctx, `DELETE FROM claim_leases WHERE card_id = ?`, cardID)
	if err != nil {
		return fmt.Errorf("card: delete claim lease: %w", err)
	}
	return nil
}

// ExpiredClaimLeases returns leases whose heartbeat is older than now-ttl,
// candidates for the Orchestrator's stale-workflow janitor.
func (s *Store) ExpiredClaimLeases(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-ttl)
	rows, err := s.readDB.QueryContext(ctx, `SELECT card_id FROM claim_leases WHERE heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("card: expired claim leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("card: scan claim lease: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddDependency inserts a dependency edge, rejecting it if it would
// introduce a cycle; the dependency graph must stay a DAG. Reachability is
// checked with a recursive CTE.
func (s *Store) AddDependency(ctx context.Context, fromCardID, toCardID string) error {
	if fromCardID == toCardID {
		return fmt.Errorf("card: dependency: %q cannot depend on itself", fromCardID)
	}
	var exists int
	err := s.readDB.QueryRowContext(ctx, `
		WITH RECURSIVE reachable(card_id) AS (
			SELECT to_card FROM card_edges WHERE from_card = ?
			UNION ALL
			SELECT e.to_card FROM card_edges e JOIN reachable r ON e.from_card = r.card_id
		)
		SELECT 1 FROM reachable WHERE card_id = ? LIMIT 1`,
		toCardID, fromCardID,
	).Scan(&exists)
	if err == nil {
		return fmt.Errorf("card: dependency %s -> %s would create a cycle", fromCardID, toCardID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("card: cycle check: %w", err)
	}

	_, err = s.writeDB.ExecContext(ctx, `INSERT OR IGNORE INTO card_edges (from_card, to_card) VALUES (?, ?)`, fromCardID, toCardID)
	if err != nil {
		return fmt.Errorf("card: add dependency: %w", err)
	}
	return nil
}

func (s *Store) replaceDependencies(ctx context.Context, cardID string, deps []string) error {
	if _, err := s.writeDB.ExecContext(ctx, `DELETE FROM card_edges WHERE from_card = ?`, cardID); err != nil {
		return fmt.Errorf("card: replace dependencies: delete: %w", err)
	}
	for _, dep := range deps {
		if _, err := s.writeDB.ExecContext(ctx, `INSERT OR IGNORE INTO card_edges (from_card, to_card) VALUES (?, ?)`, cardID, dep); err != nil {
			return fmt.Errorf("card: replace dependencies: insert: %w", err)
		}
	}
	return nil
}

func (s *Store) insertAuditEvent(ctx context.Context, cardID, eventType, details string) error {
	_, err := s.writeDB.ExecContext(ctx, `INSERT INTO audit_events (card_id, event_type, details, created_at) VALUES (?, ?, ?, ?)`, cardID, eventType, details, s.clock.Now())
	if err != nil {
		return fmt.Errorf("card: insert audit event: %w", err)
	}
	return nil
}

func (s *Store) dependenciesFor(ctx context.Context, cardIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(cardIDs))
	if len(cardIDs) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(cardIDs))
	args := make([]any, len(cardIDs))
	for i, id := range cardIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT from_card, to_card FROM card_edges WHERE from_card IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("card: dependencies for: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("card: scan dependency edge: %w", err)
		}
		result[from] = append(result[from], to)
	}
	for _, deps := range result {
		sort.Strings(deps)
	}
	return result, rows.Err()
}

func (s *Store) scanCardsWithDeps(ctx context.Context, rows *sql.Rows) ([]Card, error) {
	var cards []Card
	var ids []string
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("card: scan: %w", err)
		}
		cards = append(cards, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	deps, err := s.dependenciesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range cards {
		cards[i].DependsOn = deps[cards[i].ID]
	}
	return cards, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (Card, error) {
	var c Card
	var kind, status, waitReason, metaJSON string
	if err := row.Scan(
		&c.ID, &kind, &c.ParentID, &c.Title, &status, &c.Role, &c.Priority,
		&waitReason, &c.RequirementsRef, &c.VerificationRef, &metaJSON, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return Card{}, err
	}
	c.Kind = Kind(kind)
	c.Status = Status(status)
	c.WaitReason = WaitReason(waitReason)
	if metaJSON != "" {
		meta := Metadata{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err == nil {
			c.Metadata = meta
		}
	}
	return c, nil
}

// isUniqueConstraintErr reports whether err is a sqlite UNIQUE/PRIMARY KEY
// constraint violation, used to retry ID generation on collision.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
