// Package timing validates observed step durations against the schedule the
// server declared. It is pure: every input arrives as an argument and the
// verdict depends on nothing else, so concurrent sessions can share one
// tolerance configuration.
package timing

import "gemfall/server/internal/grid"

// Reason codes attached to failed audits.
const (
	ReasonTooFast = "timing_too_fast"
	ReasonTooSlow = "timing_too_slow"
)

// Tolerance configures the accepted millisecond band around a declared
// duration. The band widens with the number of rows the cascade moved, since
// taller drops legitimately animate longer.
type Tolerance struct {
	BaseMs   int64
	PerRowMs int64
	GraceMs  int64
}

// DefaultTolerance mirrors the presentation engine's scheduling jitter.
func DefaultTolerance() Tolerance {
	return Tolerance{BaseMs: 250, PerRowMs: 40, GraceMs: 2000}
}

// Band computes the symmetric tolerance band for a step that moved symbols
// across the given number of rows.
func (t Tolerance) Band(rows int) int64 {
	if rows < 0 {
		rows = 0
	}
	return t.BaseMs + t.PerRowMs*int64(rows)
}

// Verdict is the outcome of a single audit.
type Verdict struct {
	Valid           bool   `json:"valid"`
	DriftMs         int64  `json:"driftMs"`
	WithinTolerance bool   `json:"withinTolerance"`
	Reason          string `json:"reason,omitempty"`
}

// Audit compares an observed step duration against the declared timing.
// Too fast means the client skipped or automated the presentation; too slow
// past the grace window means a stall or a manipulated clock.
func Audit(observedMs int64, declared grid.Timing, tol Tolerance) Verdict {
	rows := int(declared.DropDuration / max64(declared.DropDelayPerRow, 1))
	band := tol.Band(rows)
	drift := observedMs - declared.TotalDuration

	v := Verdict{DriftMs: drift}
	switch {
	case drift < -band:
		v.Reason = ReasonTooFast
	case drift > band+tol.GraceMs:
		v.Reason = ReasonTooSlow
	default:
		v.Valid = true
		v.WithinTolerance = drift >= -band && drift <= band
	}
	return v
}

// AuditSteps audits a whole spin's observed durations in declared order.
// Inputs of unequal length fail closed on the missing entries.
func AuditSteps(observedMs []int64, steps []grid.Step, tol Tolerance) []Verdict {
	verdicts := make([]Verdict, len(steps))
	for i, step := range steps {
		if i >= len(observedMs) {
			verdicts[i] = Verdict{Reason: ReasonTooFast, DriftMs: -step.Timing.TotalDuration}
			continue
		}
		verdicts[i] = Audit(observedMs[i], step.Timing, tol)
	}
	return verdicts
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
