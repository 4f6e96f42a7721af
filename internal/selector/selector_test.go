package selector

import (
	"testing"
	"time"

	"github.com/mcelyea/orket/internal/card"
)

func TestSelectOrdersByWeightThenCreatedAt(t *testing.T) {
	t0 := time.Now()
	candidates := []Candidate{
		{Card: card.Card{ID: "b", Priority: 2.0, CreatedAt: t0.Add(time.Minute)}},
		{Card: card.Card{ID: "a", Priority: 2.0, CreatedAt: t0}},
		{Card: card.Card{ID: "c", Priority: 3.0, CreatedAt: t0.Add(2 * time.Minute)}},
	}
	got := Select(candidates, 0)
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s (full order: %v)", i, id, got[i].ID, cardIDs(got))
		}
	}
}

func TestSelectIsPureAndDeterministic(t *testing.T) {
	candidates := []Candidate{
		{Card: card.Card{ID: "a", Priority: 2.0}, DownstreamBlockedOnlyOnThis: 3},
		{Card: card.Card{ID: "b", Priority: 2.0}, DownstreamBlockedOnlyOnThis: 1},
	}
	first := Select(candidates, 0)
	second := Select(candidates, 0)
	if cardIDs(first)[0] != cardIDs(second)[0] {
		t.Error("Select is not deterministic across repeated calls on the same input")
	}
	if cardIDs(first)[0] != "a" {
		t.Errorf("expected higher fanout candidate 'a' to win, got %s", cardIDs(first)[0])
	}
}

func TestSelectRespectsLimit(t *testing.T) {
	candidates := []Candidate{
		{Card: card.Card{ID: "a", Priority: 3.0}},
		{Card: card.Card{ID: "b", Priority: 2.0}},
		{Card: card.Card{ID: "c", Priority: 1.0}},
	}
	got := Select(candidates, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
}

func TestBuildCandidatesDependencyOrdering(t *testing.T) {
	t1 := card.Card{ID: "T1", Status: card.StatusReady, Priority: 2.0}
	t2 := card.Card{ID: "T2", Status: card.StatusNew, Priority: 2.0, DependsOn: []string{"T1"}}
	all := []card.Card{t1, t2}

	candidates := BuildCandidates([]card.Card{t1}, all)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].DownstreamBlockedOnlyOnThis != 1 {
		t.Errorf("expected T1 to have fanout 1 from T2, got %d", candidates[0].DownstreamBlockedOnlyOnThis)
	}

	t1Done := t1
	t1Done.Status = card.StatusDone
	onlyT2Ready := BuildCandidates([]card.Card{{ID: "T2", Status: card.StatusReady, Priority: 2.0, DependsOn: []string{"T1"}}}, []card.Card{t1Done, t2})
	if onlyT2Ready[0].DownstreamBlockedOnlyOnThis != 0 {
		t.Errorf("expected fanout 0 once T1 is done and has no further dependents, got %d", onlyT2Ready[0].DownstreamBlockedOnlyOnThis)
	}
}

func cardIDs(cards []card.Card) []string {
	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
	}
	return ids
}
