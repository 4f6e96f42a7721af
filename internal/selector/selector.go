// Package selector implements the Critical Path Selector: a pure function
// over repository state that produces the priority- and dependency-fanout
// weighted ordering of READY cards. It is an in-memory pure function
// rather than a SQL-side sort so it can be unit tested without a
// database.
package selector

import (
	"sort"

	"github.com/mcelyea/orket/internal/card"
)

// DependencyFanoutFactor weights how much a card's downstream fan-out
// contributes to its selection weight.
const DependencyFanoutFactor = 0.5

// Candidate is a READY card plus the count of downstream cards that are
// blocked only on it — the fanout input to the weight formula.
type Candidate struct {
	Card                        card.Card
	DownstreamBlockedOnlyOnThis int
}

// Weight computes priority + dependency_fanout_factor * downstream
// fanout.
func (c Candidate) Weight() float64 {
	return c.Card.Priority + DependencyFanoutFactor*float64(c.DownstreamBlockedOnlyOnThis)
}

// Select sorts candidates by weight descending, then created_at ascending
// as a stable deterministic tie-break, and returns the top limit entries
// (limit <= 0 means return all). Select never mutates its input and is a
// pure function of its arguments.
func Select(candidates []Candidate, limit int) []card.Card {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)

	sort.SliceStable(sorted, func(i, j int) bool {
		wi, wj := sorted[i].Weight(), sorted[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return sorted[i].Card.CreatedAt.Before(sorted[j].Card.CreatedAt)
	})

	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}

	out := make([]card.Card, len(sorted))
	for i, c := range sorted {
		out[i] = c.Card
	}
	return out
}

// BuildCandidates computes the DownstreamBlockedOnlyOnThis fanout for each
// ready card given the full set of cards in the workspace and their
// depends_on edges. A downstream card D counts toward ready card R's fanout
// iff D depends on R and every other dependency of D is already terminal —
// i.e. R is the sole remaining blocker.
func BuildCandidates(ready []card.Card, all []card.Card) []Candidate {
	byID := make(map[string]card.Card, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}

	fanout := make(map[string]int, len(ready))
	for _, c := range all {
		if len(c.DependsOn) == 0 {
			continue
		}
		var soleBlocker string
		blockerCount := 0
		for _, depID := range c.DependsOn {
			dep, ok := byID[depID]
			if !ok || !dep.Status.IsTerminal() {
				blockerCount++
				soleBlocker = depID
			}
		}
		if blockerCount == 1 {
			fanout[soleBlocker]++
		}
	}

	candidates := make([]Candidate, len(ready))
	for i, c := range ready {
		candidates[i] = Candidate{Card: c, DownstreamBlockedOnlyOnThis: fanout[c.ID]}
	}
	return candidates
}
