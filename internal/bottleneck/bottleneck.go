// Package bottleneck implements the Bottleneck Diagnostician: a pure
// classification function over blocked-card counts, not authoritative over
// scheduling.
package bottleneck

import (
	"github.com/mcelyea/orket/internal/card"
)

// Severity is the diagnostic posture.
type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Thresholds configures the classification boundaries.
type Thresholds struct {
	ResourceNormal          int
	ResourceWarning         int
	ResourceCritical        int
	DependencyWarningPct    float64
	HumanAttentionThreshold int
}

// DefaultThresholds returns the built-in classification defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ResourceNormal:          3,
		ResourceWarning:         10,
		ResourceCritical:        11,
		DependencyWarningPct:    0.5,
		HumanAttentionThreshold: 1,
	}
}

// Counts is the per-wait-reason census the diagnostic is computed from.
type Counts struct {
	ByWaitReason map[card.WaitReason]int
	ActiveTurns  int
}

func (c Counts) total() int {
	total := 0
	for _, n := range c.ByWaitReason {
		total += n
	}
	return total
}

// Diagnosis is the operator-facing output tuple.
type Diagnosis struct {
	Severity       Severity
	DominantReason card.WaitReason
	ActionHint     string
}

// Diagnose classifies Counts against Thresholds. Rules are evaluated in a
// fixed order and severity only ever escalates, never downgrades, as
// later rules fire.
func Diagnose(c Counts, t Thresholds) Diagnosis {
	total := c.total()

	d := Diagnosis{Severity: SeverityOK}
	switch {
	case total <= t.ResourceNormal:
		d = Diagnosis{Severity: SeverityOK, ActionHint: "within normal capacity"}
	case total <= t.ResourceWarning:
		d = Diagnosis{Severity: SeverityWarning, DominantReason: card.WaitResource, ActionHint: "queue building"}
	default: // total > resource_warning
		d = Diagnosis{Severity: SeverityCritical, DominantReason: card.WaitResource, ActionHint: "chronic bottleneck"}
	}

	if total > 0 && c.ActiveTurns == 0 {
		d = escalateTo(d, SeverityCritical)
		d.ActionHint = "blocked but idle; add worker capacity or clear blockers"
	}

	if inputCount := c.ByWaitReason[card.WaitInput]; inputCount > 0 && total >= t.HumanAttentionThreshold {
		d = escalateTo(d, SeverityWarning)
		d.DominantReason = card.WaitInput
		if d.ActionHint == "" {
			d.ActionHint = "awaiting human input"
		}
	}

	if total > 0 {
		depFrac := float64(c.ByWaitReason[card.WaitDependency]) / float64(total)
		if depFrac > t.DependencyWarningPct {
			d = escalateTo(d, SeverityWarning)
			d.DominantReason = card.WaitDependency
			if d.ActionHint == "" {
				d.ActionHint = "dependency-heavy backlog"
			}
		}
	}

	return d
}

var severityRank = map[Severity]int{SeverityOK: 0, SeverityWarning: 1, SeverityCritical: 2}

// escalateTo raises d's severity to at least floor, never downgrading.
func escalateTo(d Diagnosis, floor Severity) Diagnosis {
	if severityRank[floor] > severityRank[d.Severity] {
		d.Severity = floor
	}
	return d
}
