// Package api is the HTTP control surface: minimal read/command
// endpoints over the Traction Loop and Card Repository.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/ledger"
	"github.com/mcelyea/orket/internal/monitoring"
	"github.com/mcelyea/orket/internal/orchestrator"
)

// SessionRunner starts a session in the background and returns immediately
// with its ID; the Server never blocks a request on a full traction-loop
// run. The real implementation lives in the CLI composition root, which
// owns the Orchestrator and the session registry.
type SessionRunner interface {
	StartSession(targetCardID string) (sessionID string, err error)
}

// Server is the HTTP API server.
type Server struct {
	Cards     *card.Store
	Ledger    *ledger.Ledger
	Sessions  SessionRunner
	Registry  *orchestrator.SessionRegistry
	Logger    *slog.Logger
	StartedAt time.Time

	audit *auditLog
}

// NewServer builds a Server. auditLogPath may be empty, in which case no
// audit log is written; an absent optional feature is not an error.
func NewServer(cards *card.Store, ldg *ledger.Ledger, sessions SessionRunner, registry *orchestrator.SessionRegistry, auditLogPath string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	al, err := newAuditLog(auditLogPath, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		Cards:     cards,
		Ledger:    ldg,
		Sessions:  sessions,
		Registry:  registry,
		Logger:    logger,
		StartedAt: time.Now(),
		audit:     al,
	}, nil
}

// Close releases the audit log file, if one is open.
func (s *Server) Close() error {
	return s.audit.Close()
}

// Handler builds the routed mux. Split from Start so tests can drive it
// with httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.withAudit(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.withAudit(s.handleCancelSession))
	mux.HandleFunc("GET /v1/cards/{id}", s.handleGetCard)
	mux.HandleFunc("GET /v1/cards", s.handleListCards)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)

	return mux
}

// Start blocks serving on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// GET /health — {status:"ok", active_sessions}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.Registry != nil {
		active = len(s.Registry.Active())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": active,
		"uptime_s":        time.Since(s.StartedAt).Seconds(),
	})
}

type createSessionRequest struct {
	TargetCardID string `json:"target_card_id"`
}

// POST /v1/sessions {target_card_id} -> 202 {session_id}. Any error the
// SessionRunner returns is answered with 409. The CLI's runner (cmd/orket)
// starts the session in the background and always returns a fresh
// session_id, so a retry against a target that already has an active
// session still gets 202; the Session Ledger refuses that second session
// inside the background run (ledger.Ledger.StartSession), so no duplicate
// session runs.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetCardID == "" {
		writeError(w, http.StatusBadRequest, "target_card_id is required")
		return
	}

	sessionID, err := s.Sessions.StartSession(req.TargetCardID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

// GET /v1/sessions/{id} -> session snapshot.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.Ledger.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	cost, _ := s.Ledger.TotalCost(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     snap.Session.SessionID,
		"target_card_id": snap.Session.TargetCardID,
		"started_at":     snap.Session.StartedAt,
		"ended_at":       snap.Session.EndedAt,
		"turn_count":     snap.Session.TurnCount,
		"outcome":        snap.Session.Outcome,
		"total_cost_usd": cost,
		"turns":          snap.Turns,
		"events":         snap.Events,
	})
}

// POST /v1/sessions/{id}/cancel. Idempotent: cancelling a session that has
// already finished is a no-op, not an error — the caller only cares that
// the session is not running afterward.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.Registry != nil {
		s.Registry.Cancel(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "cancel_requested"})
}

// GET /v1/cards/{id}.
func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.Cards.GetCard(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GET /v1/metrics?hours=N — ledger window metrics for the trailing N
// hours (default 24).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	end := time.Now()
	m, err := monitoring.CollectWindowMetrics(r.Context(), s.Ledger.DB(), end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GET /v1/cards?status=... — lists cards in the given status, or every
// card when status is omitted.
func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	status := card.Status(r.URL.Query().Get("status"))

	all, err := s.Cards.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cards")
		return
	}

	var out []card.Card
	for _, c := range all {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": out, "count": strconv.Itoa(len(out))})
}
