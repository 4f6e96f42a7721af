// Package orketflow is the Turn Executor, implemented as a Temporal
// workflow (TurnWorkflow) plus its supporting activities. One workflow
// execution is one turn: compile -> invoke -> parse -> govern -> apply ->
// persist.
package orketflow

import (
	"time"

	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/dialect"
	"github.com/mcelyea/orket/internal/provider"
	"github.com/mcelyea/orket/internal/toolgate"
	"github.com/mcelyea/orket/internal/toolparser"
)

// TurnRequest is the workflow's sole input.
type TurnRequest struct {
	SessionID    string
	CardID       string
	Role         dialect.Role
	Dialect      dialect.Dialect
	Ethos        dialect.Ethos
	GateConfig   toolgate.Config
	ToolRegistry map[string]toolparser.ToolSpec
	Params       provider.Params
	Timeout      time.Duration
}

// Kind names the typed outcome variant a turn resolves to in place of
// exception-style control flow. Exactly one result field is meaningful
// per Kind.
type Kind string

const (
	KindApplied           Kind = "Applied"
	KindStaleState        Kind = "StaleState"
	KindToolGateViolation Kind = "ToolGateViolation"
	KindParseFailure      Kind = "ParseFailure"
	KindProviderTimeout   Kind = "ProviderTimeout"
	KindProviderRejected  Kind = "ProviderRejected"
	KindIllegalTransition Kind = "IllegalTransition"
	KindCancelled         Kind = "Cancelled"
	KindInternal          Kind = "Internal"
)

// Outcome is the workflow's result, always present even on a "failure" —
// the Turn Executor never returns a bare Go error for a domain-level
// failure mode; a Go error is reserved for activity infrastructure faults
//, which callers treat as KindInternal.
type Outcome struct {
	Kind           Kind
	TurnID         string
	ToProposed     card.Status
	GateViolations []toolgate.Violation
	ParseIssues    []toolparser.ParseIssue
	FailureDetail  string
}
