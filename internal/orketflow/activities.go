package orketflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/clock"
	"github.com/mcelyea/orket/internal/dialect"
	"github.com/mcelyea/orket/internal/ledger"
	"github.com/mcelyea/orket/internal/provider"
	"github.com/mcelyea/orket/internal/toolgate"
	"github.com/mcelyea/orket/internal/toolparser"
)

// Activities bundles the collaborators a turn needs. All side effects
// (repository reads/writes, provider calls, tool gate checks) happen here,
// never directly in TurnWorkflow — Temporal activities may call out to
// the world; workflow code must stay deterministic and replay-safe.
type Activities struct {
	Cards    *card.Store
	Ledger   *ledger.Ledger
	Provider provider.Provider
	Clock    clock.Clock
}

// LoadCardSnapshotActivity loads S0, the card snapshot the rest of the turn
// proceeds from.
func (a *Activities) LoadCardSnapshotActivity(ctx context.Context, cardID string) (card.Card, error) {
	return a.Cards.GetCard(ctx, cardID)
}

// RecentContextActivity returns the session's last-N turns as bounded
// dialect context entries.
func (a *Activities) RecentContextActivity(ctx context.Context, sessionID string, maxTurns int) ([]dialect.ContextEntry, error) {
	turns, err := a.Ledger.TurnsForSession(ctx, sessionID, maxTurns)
	if err != nil {
		return nil, fmt.Errorf("orketflow: recent context: %w", err)
	}
	entries := make([]dialect.ContextEntry, len(turns))
	for i, t := range turns {
		entries[i] = dialect.ContextEntry{TurnID: t.TurnID, Role: t.Role, Summary: t.ResponseDigest}
	}
	return entries, nil
}

// CompilePromptActivity runs the Dialect Compiler.
func (a *Activities) CompilePromptActivity(ctx context.Context, role dialect.Role, d dialect.Dialect, ethos dialect.Ethos, c card.Card, history []dialect.ContextEntry, windowCap int) (string, error) {
	return dialect.Compile(role, d, ethos, c, history, windowCap)
}

// InvokeProviderActivity calls the Model Provider under the retry
// policy, recording one audit event per retry to the session ledger.
func (a *Activities) InvokeProviderActivity(ctx context.Context, sessionID, prompt string, params provider.Params, timeout time.Duration) (provider.Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	policy := provider.DefaultRetryPolicy()
	resp, err := provider.CompleteWithRetry(callCtx, a.Provider, prompt, nil, params, policy, func(attempt int, delay time.Duration, retryErr error) {
		_ = a.Ledger.RecordEvent(ctx, sessionID, "provider_retry", fmt.Sprintf("attempt=%d delay=%s err=%v", attempt, delay, retryErr))
	})
	return resp, err
}

// ParseResult bundles the Tool Parser's two return values into the single
// serializable result an activity may return.
type ParseResult struct {
	Calls  []toolparser.ToolCall
	Issues []toolparser.ParseIssue
}

// ParseOutputActivity runs the Tool Parser.
func (a *Activities) ParseOutputActivity(ctx context.Context, raw string, registry map[string]toolparser.ToolSpec) (ParseResult, error) {
	calls, issues := toolparser.Parse(raw, registry)
	return ParseResult{Calls: calls, Issues: issues}, nil
}

// GovernAndApplyActivity checks every tool call against the Tool Gate in
// order and applies the side effect for each allowed call, short-circuiting
// on first blocking violation. Side effects are
// limited to the two tool kinds a turn may invoke against the sandbox:
// write_file (content written to the resolved path) and read_file (no
// write side effect, always permitted once gated). Any other tool name
// reaching this activity was already rejected as UNKNOWN_TOOL by the
// parser's registry check and cannot appear here.
func (a *Activities) GovernAndApplyActivity(ctx context.Context, cfg toolgate.Config, role toolgate.Role, calls []toolparser.ToolCall, initiativeID string) ([]toolgate.Violation, error) {
	childTaskCount := 0
	if cfg.IDesignEnabled && initiativeID != "" {
		children, err := a.Cards.ListByParent(ctx, initiativeID)
		if err != nil {
			return nil, fmt.Errorf("orketflow: govern: count children of %q: %w", initiativeID, err)
		}
		childTaskCount = len(children)
	}

	var violations []toolgate.Violation
	for _, tc := range calls {
		gateCall := toolgate.ToolCall{Name: tc.Name, Path: tc.Path}
		if v := toolgate.Check(cfg, role, gateCall, initiativeID, childTaskCount); v != nil {
			violations = append(violations, *v)
			if v.Severity == toolgate.SeverityError {
				return violations, nil // short-circuit this turn on first blocking violation
			}
			// WARNING severity is recorded but never blocks: the call's
			// side effect still applies below.
		}
		if tc.Name == "write_file" {
			resolved, err := toolgate.ResolvePath(cfg.AgentOutputRoot, tc.Path)
			if err != nil {
				return violations, fmt.Errorf("orketflow: resolve write path: %w", err)
			}
			if err := writeFileAtomic(resolved, tc.Args["content"]); err != nil {
				return violations, fmt.Errorf("orketflow: apply write_file: %w", err)
			}
		}
	}
	return violations, nil
}

// ProposeTransitionActivity commits the transition via the Card
// Repository.
func (a *Activities) ProposeTransitionActivity(ctx context.Context, cardID string, from, to card.Status, role string, waitReason card.WaitReason) (card.TransitionOutcome, error) {
	return a.Cards.ProposeTransition(ctx, cardID, from, to, role, waitReason, "")
}

// AppendTurnActivity persists the full Turn record to both the session
// ledger and the card repository's own turn copy.
func (a *Activities) AppendTurnActivity(ctx context.Context, t ledger.Turn) error {
	if err := a.Ledger.AppendTurn(ctx, t); err != nil {
		return err
	}
	return a.Cards.AppendTurn(ctx, card.TurnRecord{
		TurnID: t.TurnID, SessionID: t.SessionID, CardID: t.CardID, Role: t.Role,
		PromptDigest: t.PromptDigest, ResponseDigest: t.ResponseDigest, ToolCallsJSON: t.ToolCallsJSON,
		TransitionProposed: t.TransitionProposed, TransitionApplied: t.TransitionApplied,
		StartedAt: t.StartedAt, EndedAt: t.EndedAt, FailureCode: t.FailureCode,
	})
}

// Digest returns a stable SHA-256 hex digest of s, used for prompt_digest
// and response_digest so the ledger never stores full prompt
// or response bodies.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// marshalToolCalls serializes parsed tool calls for the ledger's
// tool_calls JSON column.
func marshalToolCalls(calls []toolparser.ToolCall) string {
	b, err := json.Marshal(calls)
	if err != nil {
		return "[]"
	}
	return string(b)
}
