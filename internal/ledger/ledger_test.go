package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcelyea/orket/internal/clock"
)

func tempLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(dbPath, clock.Frozen{At: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStartSessionRejectsDuplicateActiveTarget(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.StartSession(ctx, "sess-2", "T1"); err == nil {
		t.Fatal("expected error for a second active session on the same target")
	}
}

func TestEndSessionThenNewSessionOnSameTargetAllowed(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()

	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatal(err)
	}
	if err := l.EndSession(ctx, "sess-1", OutcomeCompleted); err != nil {
		t.Fatal(err)
	}
	if err := l.StartSession(ctx, "sess-2", "T1"); err != nil {
		t.Fatalf("expected new session to be allowed after prior ended: %v", err)
	}

	s, err := l.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != OutcomeCompleted {
		t.Errorf("expected COMPLETED, got %s", s.Outcome)
	}
}

func TestAppendTurnIncrementsSessionCount(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatal(err)
	}

	if err := l.AppendTurn(ctx, Turn{TurnID: "turn-1", SessionID: "sess-1", CardID: "T1", StartedAt: time.Now(), InputTokens: 100, OutputTokens: 50, CostUSD: 0.01}); err != nil {
		t.Fatal(err)
	}

	s, err := l.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.TurnCount != 1 {
		t.Errorf("expected turn_count 1, got %d", s.TurnCount)
	}

	total, err := l.TotalCost(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 0.01 {
		t.Errorf("expected total cost 0.01, got %v", total)
	}
}

func TestInterruptActiveSessionsMarksOnlyOpenOnes(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatal(err)
	}
	if err := l.StartSession(ctx, "sess-2", "T2"); err != nil {
		t.Fatal(err)
	}
	if err := l.EndSession(ctx, "sess-2", OutcomeCompleted); err != nil {
		t.Fatal(err)
	}

	n, err := l.InterruptActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 session interrupted, got %d", n)
	}

	s1, _ := l.GetSession(ctx, "sess-1")
	if s1.Outcome != OutcomeInterrupted {
		t.Errorf("expected sess-1 INTERRUPTED, got %s", s1.Outcome)
	}
	s2, _ := l.GetSession(ctx, "sess-2")
	if s2.Outcome != OutcomeCompleted {
		t.Errorf("expected sess-2 to remain COMPLETED, got %s", s2.Outcome)
	}
}

func TestEndSessionRejectsInvalidOutcome(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatal(err)
	}

	if err := l.EndSession(ctx, "sess-1", Outcome("")); err == nil {
		t.Fatal("expected error for empty outcome")
	}
	if err := l.EndSession(ctx, "sess-1", Outcome("EXPLODED")); err == nil {
		t.Fatal("expected error for unrecognized outcome")
	}

	s, err := l.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.EndedAt.IsZero() || s.Outcome != "" {
		t.Fatalf("rejected EndSession must not mutate the row, got %+v", s)
	}
}

func TestSnapshotBundlesSessionTurnsAndEvents(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendTurn(ctx, Turn{TurnID: "turn-1", SessionID: "sess-1", CardID: "T1", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordCheckpoint(ctx, "sess-1", "turns=1"); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Session.SessionID != "sess-1" {
		t.Errorf("session id = %q", snap.Session.SessionID)
	}
	if len(snap.Turns) != 1 {
		t.Errorf("turns = %d, want 1", len(snap.Turns))
	}
	// session_started + checkpoint, in commit order.
	if len(snap.Events) != 2 || snap.Events[0].EventType != "session_started" || snap.Events[1].EventType != "checkpoint" {
		t.Errorf("events = %+v", snap.Events)
	}

	if _, err := l.Snapshot(ctx, "sess-missing"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestTurnsForSessionOrderedByStartedAt(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	if err := l.StartSession(ctx, "sess-1", "T1"); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	if err := l.AppendTurn(ctx, Turn{TurnID: "turn-2", SessionID: "sess-1", CardID: "T1", StartedAt: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendTurn(ctx, Turn{TurnID: "turn-1", SessionID: "sess-1", CardID: "T1", StartedAt: base}); err != nil {
		t.Fatal(err)
	}

	turns, err := l.TurnsForSession(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].TurnID != "turn-1" || turns[1].TurnID != "turn-2" {
		t.Fatalf("expected turns ordered by started_at, got %+v", turns)
	}
}
