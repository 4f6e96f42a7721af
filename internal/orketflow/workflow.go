package orketflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/dialect"
	"github.com/mcelyea/orket/internal/ledger"
	"github.com/mcelyea/orket/internal/provider"
	"github.com/mcelyea/orket/internal/statemachine"
	"github.com/mcelyea/orket/internal/toolgate"
)

// windowCapChars bounds the Dialect Compiler's recent-context window by
// character count. Recent-turn count is capped separately via
// maxContextTurns.
const (
	windowCapChars  = 8000
	maxContextTurns = 20
)

// TurnWorkflow is the Turn Executor as a Temporal workflow: one execution
// is one atomic turn, phased LOAD/COMPILE/INVOKE/PARSE/GOVERN/TRANSITION/
// PERSIST with ExecuteActivity calls per phase (LOAD makes two). INVOKE
// runs under its own ActivityOptions; every other phase shares the fast
// bookkeeping options, so a slow provider call never starves their
// timeout budgets.
func TurnWorkflow(ctx workflow.Context, req TurnRequest) (Outcome, error) {
	logger := workflow.GetLogger(ctx)
	startedAt := workflow.Now(ctx)
	// Derived from workflow time, not a random source: workflow code must be
	// deterministic on replay.
	turnID := fmt.Sprintf("turn-%s-%d", req.CardID, startedAt.UnixNano())

	var a *Activities

	fastOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	invokeTimeout := req.Timeout
	if invokeTimeout <= 0 {
		invokeTimeout = 2 * time.Minute
	}
	invokeOpts := workflow.ActivityOptions{
		StartToCloseTimeout: invokeTimeout + 10*time.Second,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1}, // provider.CompleteWithRetry handles retries itself
	}

	fail := func(kind Kind, err error) (Outcome, error) {
		return Outcome{Kind: kind, TurnID: turnID, FailureDetail: err.Error()}, nil
	}

	// ===== LOAD =====
	loadCtx := workflow.WithActivityOptions(ctx, fastOpts)
	var s0 card.Card
	if err := workflow.ExecuteActivity(loadCtx, a.LoadCardSnapshotActivity, req.CardID).Get(ctx, &s0); err != nil {
		return fail(KindInternal, err)
	}

	var recentCtx []dialect.ContextEntry
	if err := workflow.ExecuteActivity(loadCtx, a.RecentContextActivity, req.SessionID, maxContextTurns).Get(ctx, &recentCtx); err != nil {
		return fail(KindInternal, err)
	}

	// ===== COMPILE =====
	var prompt string
	if err := workflow.ExecuteActivity(loadCtx, a.CompilePromptActivity, req.Role, req.Dialect, req.Ethos, s0, recentCtx, windowCapChars).Get(ctx, &prompt); err != nil {
		return fail(KindInternal, err)
	}

	// ===== INVOKE =====
	invokeCtx := workflow.WithActivityOptions(ctx, invokeOpts)
	var resp provider.Response
	if err := workflow.ExecuteActivity(invokeCtx, a.InvokeProviderActivity, req.SessionID, prompt, req.Params, req.Timeout).Get(ctx, &resp); err != nil {
		return classifyProviderError(turnID, err), nil
	}

	// ===== PARSE =====
	var pr ParseResult
	if err := workflow.ExecuteActivity(loadCtx, a.ParseOutputActivity, resp.Text, req.ToolRegistry).Get(ctx, &pr); err != nil {
		return fail(KindInternal, err)
	}
	if len(pr.Issues) > 0 {
		return Outcome{
			Kind:          KindParseFailure,
			TurnID:        turnID,
			ParseIssues:   pr.Issues,
			FailureDetail: "tool output failed to parse cleanly",
		}, nil
	}
	calls := pr.Calls

	// ===== GOVERN + APPLY =====
	gateRole := toolgate.Role{ID: req.Role.ID, ToolsAllowed: toSet(req.Role.ToolsAllowed), BoundaryPolicy: req.Role.BoundaryPolicy}
	var violations []toolgate.Violation
	if err := workflow.ExecuteActivity(loadCtx, a.GovernAndApplyActivity, req.GateConfig, gateRole, calls, s0.ParentID).Get(ctx, &violations); err != nil {
		return fail(KindInternal, err)
	}
	for _, v := range violations {
		if v.Severity == toolgate.SeverityError {
			return Outcome{Kind: KindToolGateViolation, TurnID: turnID, GateViolations: violations, FailureDetail: v.Message}, nil
		}
	}

	// ===== TRANSITION =====
	decision, smErr := statemachine.Evaluate(statemachine.Request{
		From:        s0.Status,
		Action:      actionForCard(s0),
		ActingRoles: []string{req.Role.ID},
	})
	if smErr != nil {
		return Outcome{Kind: KindIllegalTransition, TurnID: turnID, FailureDetail: smErr.Error()}, nil
	}

	var transitionOutcome card.TransitionOutcome
	if err := workflow.ExecuteActivity(loadCtx, a.ProposeTransitionActivity, req.CardID, s0.Status, decision.To, req.Role.ID, decision.WaitReason).Get(ctx, &transitionOutcome); err != nil {
		return fail(KindInternal, err)
	}

	outcomeKind := KindApplied
	switch transitionOutcome {
	case card.OutcomeStaleState:
		outcomeKind = KindStaleState
		logger.Info("turn superseded: card state changed concurrently", "CardID", req.CardID)
	case card.OutcomeIllegalTransition, card.OutcomeRoleDenied:
		outcomeKind = KindIllegalTransition
	}

	// ===== PERSIST =====
	endedAt := workflow.Now(ctx)
	turn := ledger.Turn{
		TurnID:             turnID,
		SessionID:          req.SessionID,
		CardID:             req.CardID,
		Role:               req.Role.ID,
		PromptDigest:       Digest(prompt),
		ResponseDigest:     Digest(resp.Text),
		ToolCallsJSON:      marshalToolCalls(calls),
		TransitionProposed: string(decision.To),
		TransitionApplied:  outcomeKind == KindApplied,
		StartedAt:          startedAt,
		EndedAt:            endedAt,
		InputTokens:        resp.InputTokens,
		OutputTokens:       resp.OutputTokens,
	}
	if outcomeKind != KindApplied {
		turn.FailureCode = string(outcomeKind)
	}
	if err := workflow.ExecuteActivity(loadCtx, a.AppendTurnActivity, turn).Get(ctx, nil); err != nil {
		return fail(KindInternal, err)
	}

	return Outcome{Kind: outcomeKind, TurnID: turnID, ToProposed: decision.To}, nil
}

// actionForCard derives the declared action from the card's current
// status, implementing the "claim on dispatch" convention: the Traction
// Loop always dispatches a turn right after an optimistic READY->IN_PROGRESS
// transition, so a turn's own status is always
// IN_PROGRESS or CODE_REVIEW by the time TurnWorkflow runs.
func actionForCard(c card.Card) statemachine.Action {
	switch c.Status {
	case card.StatusCodeReview:
		return statemachine.ActionVerifyPass
	default:
		return statemachine.ActionSubmit
	}
}

// classifyProviderError maps a provider failure onto the
// transient/permanent/cancelled split: a *provider.Rejected is a permanent
// 4xx-class failure; a cancellation (the workflow's own Temporal
// cancellation, or context.Canceled bubbling up through
// provider.CompleteWithRetry) is terminal for this turn but must never be
// retried or force-fail the card; anything else (including
// *provider.Timeout and a blown deadline) is a timeout-class outcome so
// the Traction Loop can decide whether to re-dispatch.
func classifyProviderError(turnID string, err error) Outcome {
	var rejected *provider.Rejected
	if errors.As(err, &rejected) {
		return Outcome{Kind: KindProviderRejected, TurnID: turnID, FailureDetail: err.Error()}
	}
	if temporal.IsCanceledError(err) || errors.Is(err, context.Canceled) {
		return Outcome{Kind: KindCancelled, TurnID: turnID, FailureDetail: err.Error()}
	}
	return Outcome{Kind: KindProviderTimeout, TurnID: turnID, FailureDetail: err.Error()}
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
