package card

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcelyea/orket/internal/clock"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cards.db")
	s, err := Open(dbPath, clock.System{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, c Card) string {
	t.Helper()
	id, err := s.CreateCard(context.Background(), c, "task", clock.NewCardID)
	if err != nil {
		t.Fatalf("CreateCard failed: %v", err)
	}
	return id
}

func mustTransition(t *testing.T, s *Store, id string, from, to Status) {
	t.Helper()
	out, err := s.ProposeTransition(context.Background(), id, from, to, "test", "", "")
	if err != nil {
		t.Fatalf("ProposeTransition %s -> %s failed: %v", from, to, err)
	}
	if out != OutcomeApplied {
		t.Fatalf("ProposeTransition %s -> %s: got %s, want Applied", from, to, out)
	}
}

func TestCreateAndGetCard(t *testing.T) {
	s := tempStore(t)

	id := mustCreate(t, s, Card{
		Kind:     KindTask,
		Title:    "write the parser",
		Role:     "developer",
		Priority: PriorityMedium,
		Metadata: Metadata{"origin": "import"},
	})

	c, err := s.GetCard(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCard failed: %v", err)
	}
	if c.Status != StatusNew {
		t.Errorf("new card status = %s, want NEW", c.Status)
	}
	if c.Title != "write the parser" {
		t.Errorf("title = %q", c.Title)
	}
	if c.Metadata["origin"] != "import" {
		t.Errorf("metadata round-trip lost origin: %v", c.Metadata)
	}
	if !strings.HasPrefix(id, "task-") {
		t.Errorf("generated id %q should carry the kind prefix", id)
	}
}

func TestGetCardNotFound(t *testing.T) {
	s := tempStore(t)
	_, err := s.GetCard(context.Background(), "task-nope")
	var nf *NotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFound, got %T: %v", err, err)
	}
	if nf.CardID != "task-nope" {
		t.Errorf("NotFound.CardID = %q", nf.CardID)
	}
}

func TestProposeTransitionAppliesAndAudits(t *testing.T) {
	s := tempStore(t)
	id := mustCreate(t, s, Card{Kind: KindTask, Title: "t"})

	mustTransition(t, s, id, StatusNew, StatusReady)
	mustTransition(t, s, id, StatusReady, StatusInProgress)

	c, err := s.GetCard(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", c.Status)
	}

	events, err := s.AuditEventsFor(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	// created + two transitions, in commit order.
	if len(events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(events))
	}
	if events[0].EventType != "created" {
		t.Errorf("first event = %q, want created", events[0].EventType)
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("audit events out of commit order: %d after %d", events[i].ID, events[i-1].ID)
		}
	}
}

func TestProposeTransitionStaleState(t *testing.T) {
	s := tempStore(t)
	id := mustCreate(t, s, Card{Kind: KindTask, Title: "t"})
	mustTransition(t, s, id, StatusNew, StatusReady)

	// A second writer applies READY -> IN_PROGRESS first.
	mustTransition(t, s, id, StatusReady, StatusInProgress)

	out, err := s.ProposeTransition(context.Background(), id, StatusReady, StatusInProgress, "late", "", "")
	if err != nil {
		t.Fatalf("stale proposal errored: %v", err)
	}
	if out != OutcomeStaleState {
		t.Fatalf("got %s, want StaleState", out)
	}

	// The losing call must not have mutated anything, including the audit trail.
	events, err := s.AuditEventsFor(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("stale proposal left %d audit events, want 3 (no new row)", len(events))
	}
}

func TestProposeTransitionConcurrentRace(t *testing.T) {
	s := tempStore(t)
	id := mustCreate(t, s, Card{Kind: KindTask, Title: "t"})
	mustTransition(t, s, id, StatusNew, StatusReady)

	results := make([]TransitionOutcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.ProposeTransition(context.Background(), id, StatusReady, StatusInProgress, fmt.Sprintf("loop-%d", i), "", "")
			if err != nil {
				t.Errorf("loop %d errored: %v", i, err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	applied, stale := 0, 0
	for _, out := range results {
		switch out {
		case OutcomeApplied:
			applied++
		case OutcomeStaleState:
			stale++
		}
	}
	if applied != 1 || stale != 1 {
		t.Fatalf("race results = %v, want exactly one Applied and one StaleState", results)
	}

	c, err := s.GetCard(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusInProgress {
		t.Errorf("status after race = %s, want IN_PROGRESS", c.Status)
	}
}

func TestProposeTransitionBlockedRequiresWaitReason(t *testing.T) {
	s := tempStore(t)
	id := mustCreate(t, s, Card{Kind: KindTask, Title: "t"})
	mustTransition(t, s, id, StatusNew, StatusReady)
	mustTransition(t, s, id, StatusReady, StatusInProgress)

	out, err := s.ProposeTransition(context.Background(), id, StatusInProgress, StatusBlocked, "test", "", "")
	if err == nil {
		t.Fatal("expected an error for a blocked-class transition with no wait_reason")
	}
	if out != OutcomeIllegalTransition {
		t.Fatalf("got %s, want IllegalTransition", out)
	}

	out, err = s.ProposeTransition(context.Background(), id, StatusInProgress, StatusBlocked, "test", WaitResource, "")
	if err != nil {
		t.Fatalf("valid blocked transition errored: %v", err)
	}
	if out != OutcomeApplied {
		t.Fatalf("got %s, want Applied", out)
	}

	c, err := s.GetCard(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if c.WaitReason != WaitResource {
		t.Errorf("wait_reason = %q, want RESOURCE", c.WaitReason)
	}
}

func TestListReadyFiltersUnmetDependencies(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	t1 := mustCreate(t, s, Card{ID: "task-t1", Kind: KindTask, Title: "t1"})
	t2 := mustCreate(t, s, Card{ID: "task-t2", Kind: KindTask, Title: "t2", DependsOn: []string{"task-t1"}})
	mustTransition(t, s, t1, StatusNew, StatusReady)
	mustTransition(t, s, t2, StatusNew, StatusReady)

	ready, err := s.ListReady(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != t1 {
		t.Fatalf("ready = %v, want [t1] only while t1 is not terminal", cardIDs(ready))
	}

	// Drive t1 to DONE; t2 becomes ready.
	mustTransition(t, s, t1, StatusReady, StatusInProgress)
	mustTransition(t, s, t1, StatusInProgress, StatusCodeReview)
	mustTransition(t, s, t1, StatusCodeReview, StatusDone)

	ready, err = s.ListReady(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != t2 {
		t.Fatalf("ready after t1 done = %v, want [t2]", cardIDs(ready))
	}
	if len(ready[0].DependsOn) != 1 || ready[0].DependsOn[0] != t1 {
		t.Errorf("t2.DependsOn = %v, want [t1]", ready[0].DependsOn)
	}
}

func cardIDs(cards []Card) []string {
	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
	}
	return ids
}

func TestListByParent(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	parent := mustCreate(t, s, Card{ID: "proj-p1", Kind: KindProject, Title: "parent"})
	mustCreate(t, s, Card{ID: "task-c1", Kind: KindTask, Title: "c1", ParentID: parent})
	mustCreate(t, s, Card{ID: "task-c2", Kind: KindTask, Title: "c2", ParentID: parent})
	mustCreate(t, s, Card{ID: "task-other", Kind: KindTask, Title: "other"})

	children, err := s.ListByParent(ctx, parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %v, want 2", cardIDs(children))
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	mustCreate(t, s, Card{ID: "task-a", Kind: KindTask, Title: "a"})
	mustCreate(t, s, Card{ID: "task-b", Kind: KindTask, Title: "b"})
	mustCreate(t, s, Card{ID: "task-c", Kind: KindTask, Title: "c"})

	if err := s.AddDependency(ctx, "task-a", "task-b"); err != nil {
		t.Fatalf("a -> b: %v", err)
	}
	if err := s.AddDependency(ctx, "task-b", "task-c"); err != nil {
		t.Fatalf("b -> c: %v", err)
	}

	if err := s.AddDependency(ctx, "task-c", "task-a"); err == nil {
		t.Fatal("c -> a should be rejected: it closes the a -> b -> c chain into a cycle")
	}
	if err := s.AddDependency(ctx, "task-a", "task-a"); err == nil {
		t.Fatal("self-dependency should be rejected")
	}
}

func TestAppendTurnAndReload(t *testing.T) {
	s := tempStore(t)
	id := mustCreate(t, s, Card{Kind: KindTask, Title: "t"})

	err := s.AppendTurn(context.Background(), TurnRecord{
		TurnID:             "turn-1",
		SessionID:          "sess-1",
		CardID:             id,
		Role:               "developer",
		TransitionProposed: string(StatusCodeReview),
		TransitionApplied:  true,
		StartedAt:          time.Now().UTC(),
		EndedAt:            time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
}

func TestClaimLeaseLifecycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	id := mustCreate(t, s, Card{Kind: KindTask, Title: "t"})

	if err := s.UpsertClaimLease(ctx, id, "sess-1", "agent-1"); err != nil {
		t.Fatalf("UpsertClaimLease failed: %v", err)
	}

	// A fresh lease is not expired.
	expired, err := s.ExpiredClaimLeases(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("fresh lease reported expired: %v", expired)
	}

	// With a negative TTL the cutoff lies after now, so every lease is past
	// its heartbeat.
	expired, err = s.ExpiredClaimLeases(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("expired = %v, want [%s]", expired, id)
	}

	if err := s.DeleteClaimLease(ctx, id); err != nil {
		t.Fatal(err)
	}
	expired, err = s.ExpiredClaimLeases(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("lease survived delete: %v", expired)
	}
}

func TestFindByMetadata(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	mustCreate(t, s, Card{ID: "task-pr", Kind: KindTask, Title: "pr card", Metadata: Metadata{"webhook_pr_head_sha": "abc123"}})
	mustCreate(t, s, Card{ID: "task-plain", Kind: KindTask, Title: "plain"})

	c, err := s.FindByMetadata(ctx, "webhook_pr_head_sha", "abc123")
	if err != nil {
		t.Fatalf("FindByMetadata failed: %v", err)
	}
	if c.ID != "task-pr" {
		t.Errorf("found %q, want task-pr", c.ID)
	}

	if _, err := s.FindByMetadata(ctx, "webhook_pr_head_sha", "missing"); err == nil {
		t.Fatal("expected NotFound for an unmatched metadata value")
	}
}

func TestMigratePriority(t *testing.T) {
	cases := []struct {
		in      any
		want    float64
		wantErr bool
	}{
		{"High", 3.0, false},
		{"Medium", 2.0, false},
		{"Low", 1.0, false},
		{"low", 1.0, false},
		{2.0, 2.0, false}, // re-migrating a numeric value is a no-op
		{3, 3.0, false},
		{"Urgent", 0, true},
		{nil, 0, true},
	}
	for _, tc := range cases {
		got, err := MigratePriority(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("MigratePriority(%v): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("MigratePriority(%v): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("MigratePriority(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMigrateKind(t *testing.T) {
	cases := map[string]Kind{
		"rock":       KindInitiative,
		"epic":       KindProject,
		"issue":      KindTask,
		"task":       KindTask, // already-canonical values pass through
		"initiative": KindInitiative,
	}
	for in, want := range cases {
		if got := MigrateKind(in); got != want {
			t.Errorf("MigrateKind(%q) = %q, want %q", in, got, want)
		}
	}
}
