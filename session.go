package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"gemfall/server/internal/digest"
	"gemfall/server/internal/engine"
	"gemfall/server/internal/grid"
	"gemfall/server/internal/journal"
)

type sessionState string

const (
	stateCreated    sessionState = "created"
	stateStepping   sessionState = "stepping"
	stateDesynced   sessionState = "desynced"
	stateRecovering sessionState = "recovering"
	stateCompleted  sessionState = "completed"
	stateAbandoned  sessionState = "abandoned"
)

// syncSession tracks one spin's cascade acknowledgment progress. All fields
// past the mutex are guarded by it; the outcome itself is read-only for the
// session's lifetime.
type syncSession struct {
	mu sync.Mutex

	id        string
	sessionID string
	playerID  string
	spinID    string

	salt string
	seed int64

	outcome engine.Outcome

	state       sessionState
	currentStep int
	desyncs     int

	createdAt   time.Time
	completedAt time.Time

	// stepStartedAt marks when the wait for the current acknowledgment
	// began; the maintenance sweep compares it against the step timeout.
	stepStartedAt time.Time
	stepMillis    []int64

	lastHeartbeat time.Time
	rtt           time.Duration

	// pendingRecovery is the open recovery record id, empty when none.
	pendingRecovery string

	// policy watches the desync-to-ack ratio and forces a full resync
	// when divergence is systemic.
	policy *journal.Policy

	// result is retained after completion so repeat calls return the
	// original summary.
	result *CompletionResult
}

func newSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; a time-derived salt keeps sessions distinct.
		now := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(now >> (uint(i%8) * 8))
		}
	}
	return hex.EncodeToString(buf)
}

func (s *syncSession) digestContext(stepIndex int) digest.Context {
	return digest.Context{
		SessionSalt: s.salt,
		StepIndex:   stepIndex,
		SyncSeed:    s.seed,
	}
}

func (s *syncSession) expectedStepCount() int {
	return len(s.outcome.Steps)
}

func (s *syncSession) active() bool {
	switch s.state {
	case stateCompleted, stateAbandoned:
		return false
	default:
		return true
	}
}

// CurrentStep implements recovery.Source.
func (s *syncSession) CurrentStep() int {
	return s.currentStep
}

// StepAt implements recovery.Source.
func (s *syncSession) StepAt(index int) (grid.Step, bool) {
	if index < 0 || index >= len(s.outcome.Steps) {
		return grid.Step{}, false
	}
	return s.outcome.Steps[index], true
}

// StepsFrom implements recovery.Source.
func (s *syncSession) StepsFrom(index int) []grid.Step {
	if index < 0 {
		index = 0
	}
	if index >= len(s.outcome.Steps) {
		return nil
	}
	return append([]grid.Step(nil), s.outcome.Steps[index:]...)
}
