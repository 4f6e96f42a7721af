// Package orchestrator implements the Traction Loop, the top-level
// Orchestrator that drives one session toward completion of a target card.
// It owns no domain logic of its own: it scans the Card Repository, asks
// the Critical Path Selector which card to work next, optimistically claims
// it through the State Machine, and dispatches a Turn as a Temporal
// workflow execution, interpreting the typed Outcome the Turn Executor
// returns. One workflow is in flight at a time: the loop operates a single
// workspace, and scheduling decisions stay on one logical thread.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/mcelyea/orket/internal/bottleneck"
	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/clock"
	"github.com/mcelyea/orket/internal/config"
	"github.com/mcelyea/orket/internal/dialect"
	"github.com/mcelyea/orket/internal/ledger"
	"github.com/mcelyea/orket/internal/orketflow"
	"github.com/mcelyea/orket/internal/selector"
	"github.com/mcelyea/orket/internal/statemachine"
	"github.com/mcelyea/orket/internal/toolgate"
	"github.com/mcelyea/orket/internal/toolparser"
)

// temporalClient is the narrow slice of client.Client the Orchestrator
// needs, kept as an interface so tests can substitute a fake workflow
// run.
type temporalClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// State is the Traction Loop's own state, surfaced for observability and
// for the HTTP control surface's session status endpoint.
type State string

const (
	StateIdle       State = "Idle"
	StateScanning   State = "Scanning"
	StateDispatched State = "Dispatched"
	StateWaiting    State = "Waiting"
	StateQuiescent  State = "Quiescent"
	StateStopping   State = "Stopping"
)

// claimLeaseTTL bounds how long an IN_PROGRESS card may go without a
// heartbeat before the janitor reclaims it back to READY.
const claimLeaseTTL = 10 * time.Minute

// checkpointEvery is how many turns elapse between ledger checkpoints.
const checkpointEvery = 5

// Notifier pushes operator-facing messages to a chat surface. A nil
// Notifier disables notifications; send failures are logged and dropped,
// never allowed to disturb the loop.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// RoleCatalog resolves a card's declared role into the Dialect Compiler
// inputs a turn needs. The Orchestrator does not know how roles, dialects,
// or ethos documents are authored — it only looks them up.
type RoleCatalog interface {
	Role(roleID string) (dialect.Role, error)
	Dialect(roleID string) (dialect.Dialect, error)
	Ethos() dialect.Ethos
}

// Orchestrator runs the Traction Loop for one session at a time.
type Orchestrator struct {
	Cards      *card.Store
	Ledger     *ledger.Ledger
	Temporal   temporalClient
	TaskQueue  string
	Roles      RoleCatalog
	GateConfig toolgate.Config
	Tools      map[string]toolparser.ToolSpec

	Thresholds  bottleneck.Thresholds
	RetryPolicy RetryPolicyConfig
	MaxTurns    int
	TurnTimeout time.Duration
	Notify      Notifier // optional

	Clock  clock.Clock
	Logger *slog.Logger

	state State
}

// RetryPolicyConfig mirrors config.Retry's max_attempts field; the
// Orchestrator only needs the attempt ceiling, not the backoff math itself
// (that lives inside provider.CompleteWithRetry, one layer down).
type RetryPolicyConfig struct {
	MaxAttempts int
}

// New builds an Orchestrator from a loaded config and its collaborators.
// gateConfig is passed separately from cfg because only the composition
// root (cmd/orket) knows the workspace's AgentOutputRoot; it builds the
// gate config from that root plus cfg's gate options.
func New(cards *card.Store, ldg *ledger.Ledger, tc temporalClient, taskQueue string, roles RoleCatalog, gateConfig toolgate.Config, tools map[string]toolparser.ToolSpec, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Cards:       cards,
		Ledger:      ldg,
		Temporal:    tc,
		TaskQueue:   taskQueue,
		Roles:       roles,
		GateConfig:  gateConfig,
		Tools:       tools,
		Thresholds:  cfg.BottleneckThresholds.ToThresholds(),
		RetryPolicy: RetryPolicyConfig{MaxAttempts: cfg.Retry.MaxAttempts},
		MaxTurns:    0,
		TurnTimeout: 2 * time.Minute,
		Clock:       clock.System{},
		Logger:      logger,
		state:       StateIdle,
	}
}

func (o *Orchestrator) State() State { return o.state }

// notify sends a best-effort operator message on its own short-lived
// context, so a cancelled session can still announce how it ended.
func (o *Orchestrator) notify(message string) {
	if o.Notify == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Notify.Send(ctx, message); err != nil {
		o.Logger.Warn("notification failed", "error", err)
	}
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	o.Logger.Debug("orchestrator state", "state", s)
}

// RunSession drives the Traction Loop for one session until the target card
// is terminal, the session is cancelled via ctx, or MaxTurns is exhausted.
// Once the session row is open it always returns a ledger.Outcome (if
// opening the row fails, the outcome is empty and nothing else runs) — a
// non-nil error indicates an infrastructure fault the session could not recover from, not
// a domain-level turn failure (those are folded into the COMPLETED/FAILED
// outcome via the target card's own terminal status).
func (o *Orchestrator) RunSession(ctx context.Context, sessionID, targetCardID string) (ledger.Outcome, error) {
	if err := o.Ledger.StartSession(ctx, sessionID, targetCardID); err != nil {
		return "", fmt.Errorf("orchestrator: start session: %w", err)
	}

	outcome, err := o.runLoop(ctx, sessionID, targetCardID)
	if outcome == "" {
		// runLoop bailed on an infrastructure fault before reaching any
		// terminal outcome; the session row must still close with a valid
		// value.
		outcome = ledger.OutcomeFailed
	}

	// Close the session row on a fresh context: the loop's own ctx is
	// already dead on the cancellation path, and the whole point of the
	// INTERRUPTED outcome is that it still gets written.
	if endErr := o.Ledger.EndSession(context.Background(), sessionID, outcome); endErr != nil {
		o.Logger.Error("failed to close session", "session_id", sessionID, "error", endErr)
	}
	o.notify(fmt.Sprintf("orket session %s on %s ended: %s", sessionID, targetCardID, outcome))
	return outcome, err
}

func (o *Orchestrator) runLoop(ctx context.Context, sessionID, targetCardID string) (ledger.Outcome, error) {
	turns := 0
	for {
		if err := ctx.Err(); err != nil {
			o.setState(StateStopping)
			return ledger.OutcomeInterrupted, nil
		}
		if o.MaxTurns > 0 && turns >= o.MaxTurns {
			o.Logger.Info("session stopped: max turns reached", "session_id", sessionID, "turns", turns)
			return o.finalOutcome(ctx, targetCardID), nil
		}

		target, err := o.Cards.GetCard(ctx, targetCardID)
		if err != nil {
			return "", fmt.Errorf("orchestrator: load target: %w", err)
		}
		if target.Status.IsTerminal() {
			return o.outcomeForStatus(target.Status), nil
		}

		if err := o.reclaimStaleLeases(ctx); err != nil {
			o.Logger.Warn("stale lease reclaim failed", "error", err)
		}

		o.setState(StateScanning)
		picked, diag, err := o.selectNext(ctx, targetCardID)
		if err != nil {
			return "", fmt.Errorf("orchestrator: select: %w", err)
		}
		if picked == nil {
			o.setState(StateWaiting)
			o.Logger.Info("no dispatchable card", "session_id", sessionID, "bottleneck", diag.Severity, "reason", diag.DominantReason, "hint", diag.ActionHint)
			if diag.Severity == bottleneck.SeverityCritical {
				o.notify(fmt.Sprintf("orket: critical bottleneck on %s: %s (%s)", targetCardID, diag.DominantReason, diag.ActionHint))
			}
			// No READY card and nothing left in flight for this session:
			// the traction loop has nothing more it can do without an
			// external event (more input, a dependency resolving
			// elsewhere). Quiescent break, not a failure — even under a
			// CRITICAL bottleneck the diagnosis is advisory, never
			// authoritative over scheduling.
			o.setState(StateQuiescent)
			return o.outcomeForStatus(target.Status), nil
		}

		claimed, err := o.claim(ctx, *picked, sessionID)
		if err != nil {
			return "", fmt.Errorf("orchestrator: claim: %w", err)
		}
		if !claimed {
			// Lost the optimistic race: another writer moved this card
			// first. Re-scan rather than retry the same pick.
			continue
		}

		o.setState(StateDispatched)
		out, err := o.dispatchTurn(ctx, sessionID, *picked)
		if err != nil {
			return "", fmt.Errorf("orchestrator: dispatch turn: %w", err)
		}
		turns++
		// The turn is over either way; release its ownership lease so the
		// janitor never has to reclaim a cleanly finished card.
		_ = o.Cards.DeleteClaimLease(ctx, picked.ID)

		if turns%checkpointEvery == 0 {
			_ = o.Ledger.RecordCheckpoint(ctx, sessionID, fmt.Sprintf("turns=%d card=%s", turns, picked.ID))
		}

		switch o.interpret(ctx, sessionID, *picked, out) {
		case interpretFatal:
			return ledger.OutcomeFailed, nil
		case interpretCancelled:
			// Terminal for the turn, clean exit for the loop: the card
			// keeps whatever status it had, and the session closes as
			// INTERRUPTED rather than FAILED.
			o.setState(StateStopping)
			return ledger.OutcomeInterrupted, nil
		}
	}
}

type interpretResult int

const (
	interpretContinue interpretResult = iota
	interpretFatal
	interpretCancelled
)

// interpret applies the Traction Loop's outcome-handling rules:
// transient provider failures retry up to the
// configured attempt ceiling before the card is failed outright; tool gate
// violations, parse failures, and illegal transitions are never retried.
func (o *Orchestrator) interpret(ctx context.Context, sessionID string, picked card.Card, out orketflow.Outcome) interpretResult {
	switch out.Kind {
	case orketflow.KindApplied, orketflow.KindStaleState:
		return interpretContinue
	case orketflow.KindProviderTimeout:
		attempts := o.countRecentFailures(ctx, sessionID, picked.ID) + 1 // this timeout included
		if attempts >= o.RetryPolicy.MaxAttempts {
			o.failCard(ctx, picked.ID, "provider_timeout_retries_exhausted")
			return interpretFatal
		}
		return interpretContinue
	case orketflow.KindProviderRejected, orketflow.KindToolGateViolation, orketflow.KindParseFailure, orketflow.KindIllegalTransition:
		o.failCard(ctx, picked.ID, string(out.Kind)+": "+out.FailureDetail)
		return interpretContinue
	case orketflow.KindCancelled:
		return interpretCancelled
	default: // KindInternal
		o.Logger.Error("turn returned internal failure", "card_id", picked.ID, "detail", out.FailureDetail)
		return interpretContinue
	}
}

// countRecentFailures is a cheap proxy for "consecutive provider timeouts
// on this card": it counts audit events recorded since the card's last
// claim. A dedicated per-card attempt counter would be more precise, but
// the audit trail already gives an accurate enough signal for the
// configured retry ceiling.
func (o *Orchestrator) countRecentFailures(ctx context.Context, sessionID, cardID string) int {
	events, err := o.Cards.AuditEventsFor(ctx, cardID)
	if err != nil {
		return 0
	}
	n := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == "transition" {
			break
		}
		n++
	}
	return n
}

func (o *Orchestrator) failCard(ctx context.Context, cardID, detail string) {
	c, err := o.Cards.GetCard(ctx, cardID)
	if err != nil {
		return
	}
	_, _ = o.Cards.ProposeTransition(ctx, cardID, c.Status, card.StatusFailed, "orchestrator", "", detail)
	_ = o.Cards.DeleteClaimLease(ctx, cardID)
}

// PreviewNext reports which card the traction loop would dispatch next for
// targetCardID, plus the current bottleneck diagnosis, without claiming or
// dispatching anything. Backs the CLI's -dry-run mode.
func (o *Orchestrator) PreviewNext(ctx context.Context, targetCardID string) (*card.Card, bottleneck.Diagnosis, error) {
	return o.selectNext(ctx, targetCardID)
}

// selectNext runs the Bottleneck Diagnostician and then the Critical Path
// Selector over the current READY frontier restricted to
// the target's own descendant subtree.
func (o *Orchestrator) selectNext(ctx context.Context, targetCardID string) (*card.Card, bottleneck.Diagnosis, error) {
	all, err := o.Cards.ListAll(ctx)
	if err != nil {
		return nil, bottleneck.Diagnosis{}, err
	}

	counts := bottleneck.Counts{ByWaitReason: map[card.WaitReason]int{}}
	for _, c := range all {
		if c.Status.IsBlockedClass() {
			counts.ByWaitReason[c.WaitReason]++
		}
		if c.Status == card.StatusInProgress {
			counts.ActiveTurns++
		}
	}
	diag := bottleneck.Diagnose(counts, o.Thresholds)

	ready, err := o.Cards.ListReady(ctx, card.ListFilter{})
	if err != nil {
		return nil, diag, err
	}
	if len(ready) == 0 {
		return nil, diag, nil
	}

	inSubtree := descendantSet(all, targetCardID)
	var scoped []card.Card
	for _, c := range ready {
		if inSubtree[c.ID] {
			scoped = append(scoped, c)
		}
	}
	if len(scoped) == 0 {
		return nil, diag, nil
	}

	candidates := selector.BuildCandidates(scoped, all)
	picked := selector.Select(candidates, 1)
	if len(picked) == 0 {
		return nil, diag, nil
	}
	return &picked[0], diag, nil
}

// descendantSet returns the set of card IDs reachable from rootID by
// parent_id, rootID included, so the traction loop only ever dispatches
// work inside the initiative it was asked to advance.
func descendantSet(all []card.Card, rootID string) map[string]bool {
	children := map[string][]string{}
	for _, c := range all {
		if c.ParentID != "" {
			children[c.ParentID] = append(children[c.ParentID], c.ID)
		}
	}
	set := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if !set[child] {
				set[child] = true
				queue = append(queue, child)
			}
		}
	}
	return set
}

// claim optimistically moves a READY card to IN_PROGRESS and records a
// claim lease, returning false (no error) if another writer already moved
// it first — the normal, expected shape of two loops racing on one card.
func (o *Orchestrator) claim(ctx context.Context, c card.Card, sessionID string) (bool, error) {
	decision, err := statemachine.Evaluate(statemachine.Request{
		From:   c.Status,
		Action: statemachine.ActionClaim,
	})
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}

	out, err := o.Cards.ProposeTransition(ctx, c.ID, c.Status, decision.To, "orchestrator", decision.WaitReason, "")
	if err != nil {
		return false, err
	}
	if out != card.OutcomeApplied {
		return false, nil
	}
	if err := o.Cards.UpsertClaimLease(ctx, c.ID, sessionID, "orchestrator"); err != nil {
		return false, err
	}
	return true, nil
}

// reclaimStaleLeases runs the stale-claim-lease janitor: any
// IN_PROGRESS card whose heartbeat has
// expired is moved back to READY via the dedicated reclaim action so a
// crashed or orphaned workflow never permanently strands its card.
func (o *Orchestrator) reclaimStaleLeases(ctx context.Context) error {
	stale, err := o.Cards.ExpiredClaimLeases(ctx, claimLeaseTTL)
	if err != nil {
		return err
	}
	for _, cardID := range stale {
		c, err := o.Cards.GetCard(ctx, cardID)
		if err != nil {
			continue
		}
		if c.Status != card.StatusInProgress {
			_ = o.Cards.DeleteClaimLease(ctx, cardID)
			continue
		}
		decision, err := statemachine.Evaluate(statemachine.Request{From: c.Status, Action: statemachine.ActionReclaim})
		if err != nil {
			continue
		}
		if _, err := o.Cards.ProposeTransition(ctx, cardID, c.Status, decision.To, "janitor", decision.WaitReason, "claim_lease_expired"); err == nil {
			o.Logger.Info("reclaimed stale claim lease", "card_id", cardID)
		}
		_ = o.Cards.DeleteClaimLease(ctx, cardID)
	}
	return nil
}

// dispatchTurn starts a TurnWorkflow execution and blocks for its result.
func (o *Orchestrator) dispatchTurn(ctx context.Context, sessionID string, c card.Card) (orketflow.Outcome, error) {
	role, err := o.Roles.Role(c.Role)
	if err != nil {
		return orketflow.Outcome{}, fmt.Errorf("resolve role %q: %w", c.Role, err)
	}
	dlct, err := o.Roles.Dialect(c.Role)
	if err != nil {
		return orketflow.Outcome{}, fmt.Errorf("resolve dialect for role %q: %w", c.Role, err)
	}

	req := orketflow.TurnRequest{
		SessionID:    sessionID,
		CardID:       c.ID,
		Role:         role,
		Dialect:      dlct,
		Ethos:        o.Roles.Ethos(),
		GateConfig:   o.GateConfig,
		ToolRegistry: o.Tools,
		Timeout:      o.TurnTimeout,
	}

	run, err := o.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("turn-%s-%s", sessionID, clock.NewTurnID()),
		TaskQueue: o.TaskQueue,
	}, orketflow.TurnWorkflow, req)
	if err != nil {
		if ctx.Err() != nil {
			return orketflow.Outcome{Kind: orketflow.KindCancelled, FailureDetail: ctx.Err().Error()}, nil
		}
		return orketflow.Outcome{}, fmt.Errorf("execute workflow: %w", err)
	}

	var out orketflow.Outcome
	if err := run.Get(ctx, &out); err != nil {
		// A dead session ctx means this is the /cancel (or process
		// shutdown) path, not an infrastructure fault: surface the typed
		// Cancelled outcome so the loop exits cleanly instead of failing
		// the session.
		if ctx.Err() != nil {
			return orketflow.Outcome{Kind: orketflow.KindCancelled, FailureDetail: err.Error()}, nil
		}
		return orketflow.Outcome{}, fmt.Errorf("await workflow: %w", err)
	}
	return out, nil
}

func (o *Orchestrator) finalOutcome(ctx context.Context, targetCardID string) ledger.Outcome {
	c, err := o.Cards.GetCard(ctx, targetCardID)
	if err != nil {
		return ledger.OutcomeFailed
	}
	return o.outcomeForStatus(c.Status)
}

func (o *Orchestrator) outcomeForStatus(s card.Status) ledger.Outcome {
	switch s {
	case card.StatusDone, card.StatusArchived:
		return ledger.OutcomeCompleted
	case card.StatusFailed:
		return ledger.OutcomeFailed
	default:
		return ledger.OutcomeInterrupted
	}
}
