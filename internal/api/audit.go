package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// auditRecord is one line of the control-surface audit log: every write
// endpoint call, whether it succeeded or not. No bearer-token tracking —
// Orket has no auth layer of its own yet.
type auditRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
}

type auditLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// newAuditLog opens path for appending. An empty path disables the audit
// log entirely rather than erroring — it is an optional SUPPLEMENTED
// FEATURE, not a load-bearing one.
func newAuditLog(path string, logger *slog.Logger) (*auditLog, error) {
	if path == "" {
		return &auditLog{logger: logger}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &auditLog{file: f, logger: logger}, nil
}

func (a *auditLog) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}

func (a *auditLog) record(rec auditRecord) {
	if a == nil || a.file == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(line); err != nil && a.logger != nil {
		a.logger.Warn("failed to write audit log entry", "error", err)
	}
}

// statusCapturingWriter records the status code written through it so the
// audit wrapper can log what actually went out, not just what was asked
// for.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withAudit wraps a write-endpoint handler so every call to it — session
// create and session cancel — lands a line in the control-surface audit
// log regardless of outcome.
func (s *Server) withAudit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}

		next(sw, r)

		s.audit.record(auditRecord{
			Timestamp:  start,
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: sw.status,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}
}
