// Package journal keeps a bounded, time-ordered record of synchronization
// incidents: desyncs, recovery round-trips, fraud flags and abandonments.
// It feeds the diagnostics endpoint; losing entries under pressure is
// acceptable and accounted for, blocking the session path is not.
package journal

import (
	"sync"
	"time"
)

// Telemetry captures the metrics adapter used by the journal to report drops.
type Telemetry interface {
	RecordJournalDrop(metric string)
}

// Kind identifies the type of journal entry.
type Kind string

const (
	KindDesync            Kind = "desync"
	KindRecoveryCreated   Kind = "recovery_created"
	KindRecoveryApplied   Kind = "recovery_applied"
	KindRecoveryFailed    Kind = "recovery_failed"
	KindRecoveryExhausted Kind = "recovery_exhausted"
	KindFraudFlag         Kind = "fraud_flag"
	KindSessionAbandoned  Kind = "session_abandoned"
)

// Entry is one recorded incident.
type Entry struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	SpinID    string    `json:"spinId,omitempty"`
	StepIndex int       `json:"stepIndex"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Journal accumulates entries up to a fixed capacity, evicting oldest-first.
type Journal struct {
	mu        sync.Mutex
	entries   []Entry
	capacity  int
	evicted   uint64
	telemetry Telemetry
	clock     func() time.Time
}

const defaultCapacity = 512

// New constructs a journal. Capacity values below 1 fall back to the default.
func New(capacity int, telemetry Telemetry) *Journal {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Journal{
		entries:   make([]Entry, 0, capacity),
		capacity:  capacity,
		telemetry: telemetry,
		clock:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (j *Journal) SetClock(clock func() time.Time) {
	if clock != nil {
		j.clock = clock
	}
}

// Record appends an entry, evicting the oldest when full.
func (j *Journal) Record(entry Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	if entry.Time.IsZero() {
		entry.Time = j.clock()
	}
	if len(j.entries) >= j.capacity {
		copy(j.entries, j.entries[1:])
		j.entries = j.entries[:len(j.entries)-1]
		j.evicted++
		if j.telemetry != nil {
			j.telemetry.RecordJournalDrop("journal_evicted")
		}
	}
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

// Snapshot copies the current entries, oldest first.
func (j *Journal) Snapshot() []Entry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// SessionEntries copies the entries recorded for one session.
func (j *Journal) SessionEntries(sessionID string) []Entry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Entry
	for _, entry := range j.entries {
		if entry.SessionID == sessionID {
			out = append(out, entry)
		}
	}
	return out
}

// Stats reports journal occupancy for diagnostics.
type Stats struct {
	Size    int    `json:"size"`
	Cap     int    `json:"cap"`
	Evicted uint64 `json:"evicted"`
}

// Stats returns the current occupancy counters.
func (j *Journal) Stats() Stats {
	if j == nil {
		return Stats{}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{Size: len(j.entries), Cap: j.capacity, Evicted: j.evicted}
}
