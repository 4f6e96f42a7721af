// Package monitoring extracts dispatch-quality metrics from the session
// ledger over a time window, for operator review and burn-in style
// "is the loop actually healthy" checks. It reads the ledger schema
// directly and owns no rows of its own.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Window is the inclusive start and exclusive end of a metrics window.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TurnMetrics aggregates the window's turns by how they resolved.
type TurnMetrics struct {
	Total          int            `json:"total"`
	Applied        int            `json:"applied"`
	Failed         int            `json:"failed"`
	FailuresByCode map[string]int `json:"failures_by_code,omitempty"`
	FailurePct     float64        `json:"failure_pct"`
}

// SessionMetrics aggregates the window's sessions by outcome.
type SessionMetrics struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
	Active      int `json:"active"`
}

// WindowMetrics is the collector output.
type WindowMetrics struct {
	Window   Window         `json:"window"`
	Turns    TurnMetrics    `json:"turns"`
	Sessions SessionMetrics `json:"sessions"`
}

// CollectWindowMetrics extracts turn and session metrics from the ledger
// database for [start, end). The db handle is the ledger's own (see
// ledger.Ledger.DB); only SELECTs are issued.
func CollectWindowMetrics(ctx context.Context, db *sql.DB, start, end time.Time) (WindowMetrics, error) {
	if db == nil {
		return WindowMetrics{}, fmt.Errorf("monitoring: collect window metrics: nil db")
	}
	startUTC := start.UTC()
	endUTC := end.UTC()
	if !endUTC.After(startUTC) {
		return WindowMetrics{}, fmt.Errorf("monitoring: collect window metrics: end must be after start")
	}

	out := WindowMetrics{
		Window: Window{
			Start: startUTC.Format(time.RFC3339),
			End:   endUTC.Format(time.RFC3339),
		},
	}

	turns, err := collectTurnMetrics(ctx, db, startUTC, endUTC)
	if err != nil {
		return WindowMetrics{}, err
	}
	out.Turns = turns

	sessions, err := collectSessionMetrics(ctx, db, startUTC, endUTC)
	if err != nil {
		return WindowMetrics{}, err
	}
	out.Sessions = sessions

	return out, nil
}

func collectTurnMetrics(ctx context.Context, db *sql.DB, start, end time.Time) (TurnMetrics, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT failure_code, COUNT(*)
		FROM turns
		WHERE started_at >= ? AND started_at < ?
		GROUP BY failure_code`,
		start, end,
	)
	if err != nil {
		return TurnMetrics{}, fmt.Errorf("monitoring: turn metrics: %w", err)
	}
	defer rows.Close()

	m := TurnMetrics{}
	for rows.Next() {
		var code string
		var count int
		if err := rows.Scan(&code, &count); err != nil {
			return TurnMetrics{}, fmt.Errorf("monitoring: scan turn metrics: %w", err)
		}
		m.Total += count
		if strings.TrimSpace(code) == "" {
			m.Applied += count
			continue
		}
		m.Failed += count
		if m.FailuresByCode == nil {
			m.FailuresByCode = make(map[string]int)
		}
		m.FailuresByCode[code] += count
	}
	if err := rows.Err(); err != nil {
		return TurnMetrics{}, fmt.Errorf("monitoring: turn metrics: %w", err)
	}

	if m.Total > 0 {
		m.FailurePct = 100 * float64(m.Failed) / float64(m.Total)
	}
	return m, nil
}

func collectSessionMetrics(ctx context.Context, db *sql.DB, start, end time.Time) (SessionMetrics, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT outcome, ended_at IS NULL, COUNT(*)
		FROM sessions
		WHERE started_at >= ? AND started_at < ?
		GROUP BY outcome, ended_at IS NULL`,
		start, end,
	)
	if err != nil {
		return SessionMetrics{}, fmt.Errorf("monitoring: session metrics: %w", err)
	}
	defer rows.Close()

	m := SessionMetrics{}
	for rows.Next() {
		var outcome string
		var open bool
		var count int
		if err := rows.Scan(&outcome, &open, &count); err != nil {
			return SessionMetrics{}, fmt.Errorf("monitoring: scan session metrics: %w", err)
		}
		m.Total += count
		switch {
		case open:
			m.Active += count
		case outcome == "COMPLETED":
			m.Completed += count
		case outcome == "FAILED":
			m.Failed += count
		case outcome == "INTERRUPTED":
			m.Interrupted += count
		}
	}
	if err := rows.Err(); err != nil {
		return SessionMetrics{}, fmt.Errorf("monitoring: session metrics: %w", err)
	}
	return m, nil
}
