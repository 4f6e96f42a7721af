// Package dialect is the Dialect/Prompt Compiler: it merges a role
// persona, a model-specific dialect grammar, ethos/brand assets, a card
// snapshot, and a bounded window of recent session context into the
// provider wire format. Composition is deterministic and
// idempotent — the same inputs always produce identical bytes.
package dialect

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/mcelyea/orket/internal/card"
)

//go:embed templates/*.tmpl
var templateFiles embed.FS

var baseTemplate = template.Must(template.ParseFS(templateFiles, "templates/*.tmpl"))

// Role is the declarative persona asset: a system prompt plus the tool
// and boundary scoping the Tool Gate will later enforce.
type Role struct {
	ID             string
	SystemPrompt   string
	ToolsAllowed   []string
	BoundaryPolicy string
}

// Dialect is the model-specific grammar template.
type Dialect struct {
	ID             string
	SystemWrapper  string // wraps the composed role+ethos text for this model family
	ToolCallSyntax string // human-readable description of how the model must emit tool calls
}

// Ethos carries brand/guardrail assets injected identically regardless of
// role or dialect.
type Ethos struct {
	Boundaries []string // e.g. "Never fabricate file contents you have not read."
}

// ContextEntry is one bounded window entry — a prior turn's summary, never
// the full transcript.
type ContextEntry struct {
	TurnID  string
	Role    string
	Summary string
}

// PromptData is the composed input to the embedded templates.
type PromptData struct {
	Role       Role
	Dialect    Dialect
	Ethos      Ethos
	Card       card.Card
	Context    []ContextEntry
	Truncated  bool // true if oldest context entries were elided to satisfy the bound
}

// Compile merges inputs into the wire-format prompt. windowCap bounds the
// Context slice by character count (not entries), eliding the oldest
// entries first but preserving a boundary marker so the model can tell
// context was truncated.
func Compile(role Role, d Dialect, ethos Ethos, c card.Card, history []ContextEntry, windowCap int) (string, error) {
	windowed, truncated := boundContext(history, windowCap)

	data := PromptData{
		Role:      role,
		Dialect:   d,
		Ethos:     ethos,
		Card:      c,
		Context:   windowed,
		Truncated: truncated,
	}

	var buf bytes.Buffer
	if err := baseTemplate.ExecuteTemplate(&buf, "prompt.tmpl", data); err != nil {
		return "", fmt.Errorf("dialect: compile: %w", err)
	}
	return buf.String(), nil
}

// boundContext keeps the most recent entries whose combined Summary length
// stays within capChars, dropping the oldest first. A zero or negative
// capChars means unbounded.
func boundContext(history []ContextEntry, capChars int) ([]ContextEntry, bool) {
	if capChars <= 0 || len(history) == 0 {
		return history, false
	}

	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Summary)
		if total > capChars {
			cut = i + 1
			break
		}
		cut = i
	}
	if cut == 0 {
		return history, false
	}
	return history[cut:], true
}
