package orchestrator

import (
	"context"
	"sync"
)

// SessionRegistry is the process-wide registry of active sessions, kept
// so the HTTP control surface can cancel one,
// and so process teardown can mark every still-open session Interrupted
// instead of leaving it dangling. One process runs one registry; the CLI
// and HTTP surface share it.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]context.CancelFunc)}
}

// Start derives a cancellable context for sessionID from parent and
// registers it. The returned cancel must be deferred by the caller so the
// entry is removed once the session's RunSession call returns.
func (r *SessionRegistry) Start(parent context.Context, sessionID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.sessions[sessionID] = cancel
	r.mu.Unlock()

	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
	}
}

// Cancel requests cancellation of a running session. Reports false if no
// such session is currently active (already finished, or never started).
func (r *SessionRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active lists the session IDs currently registered.
func (r *SessionRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Teardown cancels every active session's context, the in-process half of
// marking all active sessions Interrupted at process exit —
// the ledger-side half is ledger.Ledger.InterruptActiveSessions, which the
// CLI composition root calls right after Teardown, without waiting for the
// cancelled RunSession calls to return.
func (r *SessionRegistry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.sessions {
		cancel()
	}
}
