// Package statemachine is the State Machine & Governance Gate: the single
// authority on which card status transitions are legal, for which roles,
// and under what wait-reason preconditions.
package statemachine

import (
	"fmt"

	"github.com/mcelyea/orket/internal/card"
)

// Action names the intent behind a requested transition. Several actions can
// target the same to_status (e.g. both "complete" and "verify_pass" land on
// DONE from different origins), which is why the table is keyed on
// (from, action), not (from, to).
type Action string

const (
	ActionClaim       Action = "claim"        // READY -> IN_PROGRESS
	ActionSubmit      Action = "submit"       // IN_PROGRESS -> CODE_REVIEW
	ActionVerifyPass  Action = "verify_pass"  // CODE_REVIEW -> DONE
	ActionVerifyFail  Action = "verify_fail"  // CODE_REVIEW -> IN_PROGRESS
	ActionBlock       Action = "block"        // IN_PROGRESS|CODE_REVIEW -> BLOCKED
	ActionWaitDev     Action = "wait_dev"     // IN_PROGRESS|CODE_REVIEW -> WAITING_FOR_DEVELOPER
	ActionUnblock     Action = "unblock"      // BLOCKED|WAITING_FOR_DEVELOPER -> READY
	ActionFail        Action = "fail"         // IN_PROGRESS|CODE_REVIEW -> FAILED
	ActionArchive     Action = "archive"      // DONE|FAILED -> ARCHIVED
	ActionUnarchive   Action = "unarchive"    // ARCHIVED -> NEW (operator-initiated only)
	ActionReadyNew    Action = "ready"        // NEW -> READY
	ActionReclaim     Action = "reclaim"      // IN_PROGRESS -> READY (stale claim lease janitor)
)

// transitionRule is one row of the (from_status, action,
// required_role_set) -> to_status table.
type transitionRule struct {
	from          card.Status
	action        Action
	to            card.Status
	requiredRoles []string // empty means any role may perform this action
	requiresWait  bool     // to is a blocked-class status, wait_reason mandatory
}

// table is the exhaustive set of legal transitions. Anything not listed here
// is illegal by default-deny.
var table = []transitionRule{
	{from: card.StatusNew, action: ActionReadyNew, to: card.StatusReady},
	{from: card.StatusReady, action: ActionClaim, to: card.StatusInProgress},
	{from: card.StatusInProgress, action: ActionReclaim, to: card.StatusReady},
	{from: card.StatusInProgress, action: ActionSubmit, to: card.StatusCodeReview, requiredRoles: []string{"developer", "lead_architect"}},
	{from: card.StatusCodeReview, action: ActionVerifyPass, to: card.StatusDone, requiredRoles: []string{"verifier", "lead_architect"}},
	{from: card.StatusCodeReview, action: ActionVerifyFail, to: card.StatusInProgress, requiredRoles: []string{"verifier", "lead_architect"}},
	{from: card.StatusInProgress, action: ActionBlock, to: card.StatusBlocked, requiresWait: true},
	{from: card.StatusCodeReview, action: ActionBlock, to: card.StatusBlocked, requiresWait: true},
	{from: card.StatusInProgress, action: ActionWaitDev, to: card.StatusWaitingForDeveloper, requiresWait: true},
	{from: card.StatusCodeReview, action: ActionWaitDev, to: card.StatusWaitingForDeveloper, requiresWait: true},
	{from: card.StatusBlocked, action: ActionUnblock, to: card.StatusReady},
	{from: card.StatusWaitingForDeveloper, action: ActionUnblock, to: card.StatusReady},
	{from: card.StatusInProgress, action: ActionFail, to: card.StatusFailed},
	{from: card.StatusCodeReview, action: ActionFail, to: card.StatusFailed},
	{from: card.StatusDone, action: ActionArchive, to: card.StatusArchived},
	{from: card.StatusFailed, action: ActionArchive, to: card.StatusArchived},
	{from: card.StatusArchived, action: ActionUnarchive, to: card.StatusNew, requiredRoles: []string{"operator"}},
}

// IllegalTransition is returned whenever no table row matches; it is never
// coerced into some nearby legal transition.
type IllegalTransition struct {
	From   card.Status
	To     card.Status
	Action Action
	Reason string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("statemachine: illegal transition %s -> %s via %q: %s", e.From, e.To, e.Action, e.Reason)
}

// RoleDenied is returned when the acting role set does not intersect the
// transition's required role set.
type RoleDenied struct {
	From          card.Status
	Action        Action
	ActingRoles   []string
	RequiredRoles []string
}

func (e *RoleDenied) Error() string {
	return fmt.Sprintf("statemachine: role denied for %s via %q: acting=%v required=%v", e.From, e.Action, e.ActingRoles, e.RequiredRoles)
}

// Request describes a proposed transition before it reaches the Repository.
type Request struct {
	From        card.Status
	Action      Action
	ActingRoles []string // the turn's role set; len==1 in the common case
	WaitReason  card.WaitReason
}

// Decision is the resolved outcome of Evaluate: the to_status to propose to
// the Repository, or a typed error explaining why the request is rejected.
type Decision struct {
	To         card.Status
	WaitReason card.WaitReason
}

// Evaluate resolves a Request against the transition table. It never
// mutates anything — mutation happens only via card.Store.ProposeTransition,
// which Evaluate's caller (the Turn Executor) calls next with the returned
// Decision.To as to_status. Terminal statuses are enforced here as pure
// sinks: no row in table targets a transition FROM a terminal status except
// the explicit archive/unarchive pair.
func Evaluate(req Request) (Decision, error) {
	if req.From.IsTerminal() && req.Action != ActionArchive && req.Action != ActionUnarchive {
		return Decision{}, &IllegalTransition{
			From: req.From, Action: req.Action,
			Reason: "terminal status accepts no outgoing transition except archive/unarchive",
		}
	}

	var matched *transitionRule
	for i := range table {
		r := &table[i]
		if r.from == req.From && r.action == req.Action {
			matched = r
			break
		}
	}
	if matched == nil {
		return Decision{}, &IllegalTransition{
			From: req.From, To: "", Action: req.Action,
			Reason: "no such (from_status, action) in the transition table",
		}
	}

	if len(matched.requiredRoles) > 0 && !rolesIntersect(req.ActingRoles, matched.requiredRoles) {
		return Decision{}, &RoleDenied{
			From: req.From, Action: req.Action,
			ActingRoles: req.ActingRoles, RequiredRoles: matched.requiredRoles,
		}
	}

	if matched.requiresWait && !card.ValidWaitReason(req.WaitReason) {
		return Decision{}, &IllegalTransition{
			From: req.From, To: matched.to, Action: req.Action,
			Reason: "wait_reason_required",
		}
	}
	if !matched.requiresWait && req.WaitReason != "" {
		// Only blocked-class destinations carry a wait_reason; anything
		// else must clear it.
		return Decision{To: matched.to, WaitReason: ""}, nil
	}

	return Decision{To: matched.to, WaitReason: req.WaitReason}, nil
}

func rolesIntersect(acting, required []string) bool {
	req := make(map[string]struct{}, len(required))
	for _, r := range required {
		req[r] = struct{}{}
	}
	for _, a := range acting {
		if _, ok := req[a]; ok {
			return true
		}
	}
	return false
}
