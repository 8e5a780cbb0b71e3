package journal

import (
	"fmt"
)

// EscalationReason records one desync that counted toward forcing a full
// resync.
type EscalationReason struct {
	Kind      string
	SessionID string
}

// EscalationSignal is emitted when the desync rate crosses the threshold and
// per-step repair should give way to a full resync.
type EscalationSignal struct {
	Desyncs   uint64
	TotalAcks uint64
	Reasons   []EscalationReason
}

// Policy watches the ratio of desyncs to processed acknowledgments and flags
// when a session's divergence is systemic rather than incidental.
type Policy struct {
	totalAcks uint64
	desyncs   uint64
	pending   bool
	reasons   []EscalationReason
}

const desyncThresholdPerThousand = 200
const escalationMinimumAcks = 20
const escalationReasonLimit = 8

// NewPolicy constructs an empty policy.
func NewPolicy() *Policy {
	return &Policy{reasons: make([]EscalationReason, 0, escalationReasonLimit)}
}

// NoteAck records one processed step acknowledgment.
func (p *Policy) NoteAck() {
	if p == nil {
		return
	}
	if p.totalAcks == ^uint64(0) {
		p.totalAcks = p.totalAcks / 2
		p.desyncs = p.desyncs / 2
	}
	p.totalAcks++
}

// NoteDesync records one detected desync and re-evaluates the threshold.
func (p *Policy) NoteDesync(kind, sessionID string) {
	if p == nil {
		return
	}
	p.desyncs++
	if len(p.reasons) < escalationReasonLimit {
		p.reasons = append(p.reasons, EscalationReason{Kind: kind, SessionID: sessionID})
	}
	p.evaluate()
}

func (p *Policy) evaluate() {
	if p == nil || p.pending || p.desyncs == 0 {
		return
	}
	// Ratios over a handful of acks are noise; a young session's first
	// mismatch is classified on its own merits, not escalated.
	if p.totalAcks < escalationMinimumAcks {
		return
	}
	if p.desyncs*1000 >= p.totalAcks*desyncThresholdPerThousand {
		p.pending = true
	}
}

// Consume returns the pending escalation signal, if any, and resets the
// counters.
func (p *Policy) Consume() (EscalationSignal, bool) {
	if p == nil || !p.pending {
		return EscalationSignal{}, false
	}
	signal := EscalationSignal{
		Desyncs:   p.desyncs,
		TotalAcks: p.totalAcks,
		Reasons:   append([]EscalationReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalAcks = 0
	p.desyncs = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

// Summary renders the signal for logs.
func (s EscalationSignal) Summary() string {
	if s.Desyncs == 0 && s.TotalAcks == 0 {
		return ""
	}
	return fmt.Sprintf("desyncs=%d total_acks=%d reasons=%v", s.Desyncs, s.TotalAcks, s.Reasons)
}
