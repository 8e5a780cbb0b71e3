// Package recovery repairs desynchronized clients without restarting the
// spin. Strategies escalate through a closed, ordered set; recovery only
// re-transmits outcomes that were fixed at spin time, it never re-rolls them.
package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemfall/server/internal/grid"
	"gemfall/server/internal/timing"
)

// Type enumerates the recovery strategies in escalation order.
type Type string

const (
	TypeTimingAdjustment Type = "timing_adjustment"
	TypeStepReplay       Type = "step_replay"
	TypeStateResync      Type = "state_resync"
	TypeFullResync       Type = "full_resync"
)

// DesyncType classifies what diverged.
type DesyncType string

const (
	DesyncTimingDrift   DesyncType = "timing_drift"
	DesyncOutOfOrder    DesyncType = "out_of_order"
	DesyncHashMismatch  DesyncType = "hash_mismatch"
	DesyncStateDiverged DesyncType = "state_diverged"
	DesyncStepTimeout   DesyncType = "step_timeout"
	DesyncUnclassified  DesyncType = "unclassified"
)

// Status tracks a recovery record through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound reports a stale or unknown recovery id.
	ErrNotFound = errors.New("recovery record not found")
	// ErrExhausted reports that every strategy tier ran out of budget; the
	// session must be abandoned and the spin resolved server-side.
	ErrExhausted = errors.New("recovery budget exhausted")
)

// TimingAdjustmentData corrects the client's presentation schedule without
// touching state.
type TimingAdjustmentData struct {
	StepIndex int              `json:"stepIndex"`
	Timing    grid.Timing      `json:"timing"`
	Tolerance timing.Tolerance `json:"tolerance"`
}

// StepReplayData re-sends the authoritative payload for a single step.
type StepReplayData struct {
	Step grid.Step `json:"step"`
}

// StateResyncData snaps the client to the authoritative grid at the current
// step boundary.
type StateResyncData struct {
	StepIndex int       `json:"stepIndex"`
	Grid      grid.Grid `json:"grid"`
}

// FullResyncData re-sends the entire remaining step sequence.
type FullResyncData struct {
	FromStep int         `json:"fromStep"`
	Steps    []grid.Step `json:"steps"`
}

// Record tracks one recovery round-trip with the client.
type Record struct {
	ID        string     `json:"recoveryId"`
	SessionID string     `json:"sessionId"`
	Desync    DesyncType `json:"desyncType"`
	Type      Type       `json:"recoveryType"`
	Data      any        `json:"recoveryData"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// StatusReport is the polling view of a record.
type StatusReport struct {
	Status              Status    `json:"status"`
	Progress            float64   `json:"progress"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
}

// Source exposes the authoritative spin outcome a strategy payload is built
// from. The session owns the outcome; the manager only reads it.
type Source interface {
	CurrentStep() int
	StepAt(index int) (grid.Step, bool)
	StepsFrom(index int) []grid.Step
}

// Logger is the minimal logging surface the manager needs.
type Logger interface {
	Printf(format string, args ...any)
}

type tierState struct {
	tier     Type
	attempts int
}

// Manager owns every recovery record. It is the sole mutator of records;
// sessions reference them by id only.
type Manager struct {
	mu          sync.Mutex
	records     map[string]*Record
	bySession   map[string][]string
	tiers       map[string]*tierState
	maxAttempts int
	tolerance   timing.Tolerance
	clock       func() time.Time
	logger      Logger
}

// NewManager constructs a manager with the given per-tier retry budget.
func NewManager(maxAttempts int, tol timing.Tolerance, logger Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		records:     make(map[string]*Record),
		bySession:   make(map[string][]string),
		tiers:       make(map[string]*tierState),
		maxAttempts: maxAttempts,
		tolerance:   tol,
		clock:       time.Now,
		logger:      logger,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// classify maps a desync to the least invasive strategy able to repair it.
func classify(d DesyncType) Type {
	switch d {
	case DesyncTimingDrift, DesyncStepTimeout:
		return TypeTimingAdjustment
	case DesyncOutOfOrder, DesyncHashMismatch:
		return TypeStepReplay
	case DesyncStateDiverged:
		return TypeStateResync
	case DesyncUnclassified:
		return TypeFullResync
	default:
		return TypeFullResync
	}
}

// escalate returns the next strategy tier, or false past full_resync.
func escalate(t Type) (Type, bool) {
	switch t {
	case TypeTimingAdjustment:
		return TypeStepReplay, true
	case TypeStepReplay:
		return TypeStateResync, true
	case TypeStateResync:
		return TypeFullResync, true
	case TypeFullResync:
		return TypeFullResync, false
	default:
		return TypeFullResync, false
	}
}

func tierRank(t Type) int {
	switch t {
	case TypeTimingAdjustment:
		return 0
	case TypeStepReplay:
		return 1
	case TypeStateResync:
		return 2
	case TypeFullResync:
		return 3
	default:
		return 3
	}
}

// Request creates a recovery record for the session. Repeated requests at the
// same tier consume the retry budget and then escalate; past the last tier
// the manager reports ErrExhausted and the caller abandons the session.
func (m *Manager) Request(sessionID string, desync DesyncType, src Source) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier := classify(desync)
	state, ok := m.tiers[sessionID]
	if !ok {
		state = &tierState{tier: tier}
		m.tiers[sessionID] = state
	}
	if tierRank(state.tier) > tierRank(tier) {
		tier = state.tier
	}
	if tier != state.tier {
		state.tier = tier
		state.attempts = 0
	}
	if state.attempts >= m.maxAttempts {
		next, more := escalate(state.tier)
		if !more {
			return Record{}, ErrExhausted
		}
		state.tier = next
		state.attempts = 0
		tier = next
	}
	state.attempts++

	data, err := m.buildData(tier, src)
	if err != nil {
		return Record{}, err
	}

	now := m.clock()
	record := &Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Desync:    desync,
		Type:      tier,
		Data:      data,
		Status:    StatusPending,
		Attempts:  state.attempts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records[record.ID] = record
	m.bySession[sessionID] = append(m.bySession[sessionID], record.ID)
	if m.logger != nil {
		m.logger.Printf("recovery %s created for session %s: desync=%s type=%s attempt=%d", record.ID, sessionID, desync, tier, state.attempts)
	}
	return *record, nil
}

// buildData materializes the strategy payload from the authoritative outcome.
func (m *Manager) buildData(tier Type, src Source) (any, error) {
	current := src.CurrentStep()
	switch tier {
	case TypeTimingAdjustment:
		step, ok := src.StepAt(current)
		if !ok {
			return nil, fmt.Errorf("no authoritative step %d for timing adjustment", current)
		}
		return TimingAdjustmentData{StepIndex: current, Timing: step.Timing, Tolerance: m.tolerance}, nil
	case TypeStepReplay:
		step, ok := src.StepAt(current)
		if !ok {
			return nil, fmt.Errorf("no authoritative step %d to replay", current)
		}
		return StepReplayData{Step: step}, nil
	case TypeStateResync:
		step, ok := src.StepAt(current)
		if !ok {
			return nil, fmt.Errorf("no authoritative step %d for state resync", current)
		}
		return StateResyncData{StepIndex: current, Grid: step.After.Clone()}, nil
	case TypeFullResync:
		return FullResyncData{FromStep: current, Steps: src.StepsFrom(current)}, nil
	default:
		return nil, fmt.Errorf("unknown recovery type %q", tier)
	}
}

// Apply resolves a recovery round-trip. Without client confirmation the
// record stays pending; with it the record is applied and the session's
// escalation state resets.
func (m *Manager) Apply(recoveryID string, confirmed bool) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[recoveryID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Status == StatusApplied {
		return *record, nil
	}
	if !confirmed {
		record.UpdatedAt = m.clock()
		return *record, nil
	}
	record.Status = StatusApplied
	record.UpdatedAt = m.clock()
	delete(m.tiers, record.SessionID)
	if m.logger != nil {
		m.logger.Printf("recovery %s applied for session %s", record.ID, record.SessionID)
	}
	return *record, nil
}

// Fail marks a record failed, typically after a client timeout.
func (m *Manager) Fail(recoveryID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[recoveryID]
	if !ok {
		return Record{}, ErrNotFound
	}
	record.Status = StatusFailed
	record.UpdatedAt = m.clock()
	return *record, nil
}

// Status reports progress for UI polling.
func (m *Manager) Status(recoveryID string) (StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[recoveryID]
	if !ok {
		return StatusReport{}, ErrNotFound
	}
	report := StatusReport{Status: record.Status}
	switch record.Status {
	case StatusPending:
		report.Progress = 0
	case StatusInProgress:
		report.Progress = 0.5
	case StatusApplied, StatusFailed:
		report.Progress = 1
	}
	report.EstimatedCompletion = record.CreatedAt.Add(expectedDuration(record.Type))
	return report, nil
}

// Record returns a copy of the record for the given id.
func (m *Manager) Record(recoveryID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[recoveryID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// ReleaseSession destroys every record and the escalation state for a
// session. Idempotent; called when the session completes or is abandoned.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.bySession[sessionID] {
		delete(m.records, id)
	}
	delete(m.bySession, sessionID)
	delete(m.tiers, sessionID)
}

// ActiveRecords counts records currently held, for diagnostics.
func (m *Manager) ActiveRecords() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// expectedDuration estimates how long a client needs to apply a strategy.
func expectedDuration(t Type) time.Duration {
	switch t {
	case TypeTimingAdjustment:
		return 250 * time.Millisecond
	case TypeStepReplay:
		return time.Second
	case TypeStateResync:
		return 2 * time.Second
	case TypeFullResync:
		return 5 * time.Second
	default:
		return 5 * time.Second
	}
}
