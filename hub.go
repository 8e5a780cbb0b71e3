package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemfall/server/internal/digest"
	"gemfall/server/internal/engine"
	"gemfall/server/internal/fraud"
	"gemfall/server/internal/grid"
	"gemfall/server/internal/journal"
	"gemfall/server/internal/recovery"
	"gemfall/server/internal/timing"
	"gemfall/server/internal/validate"
	"gemfall/server/logging"
	logfraud "gemfall/server/logging/fraud"
	logrecovery "gemfall/server/logging/recovery"
	logsession "gemfall/server/logging/session"
	logsync "gemfall/server/logging/sync"
)

// SessionGrant is returned when a sync session opens.
type SessionGrant struct {
	SyncSessionID  string `json:"syncSessionId"`
	ValidationSalt string `json:"validationSalt"`
	SyncSeed       int64  `json:"syncSeed"`
	StepCount      int    `json:"expectedStepCount"`
	CatalogHash    string `json:"catalogHash,omitempty"`
}

// StepAckResult reports the verdict on one step acknowledgment.
type StepAckResult struct {
	Validated  bool   `json:"validated"`
	ServerHash string `json:"serverHash,omitempty"`
	NextStep   int    `json:"nextStep"`
	Reason     string `json:"reason,omitempty"`
	RecoveryID string `json:"recoveryId,omitempty"`
}

// Performance summarizes how cleanly a session synchronized.
type Performance struct {
	Score       float64 `json:"score"`
	AvgStepTime float64 `json:"avgStepTime"`
}

// CompletionResult is the terminal accounting for a session. It is stored so
// repeated completion calls return the original summary.
type CompletionResult struct {
	Validated   bool        `json:"validated"`
	Performance Performance `json:"performance"`
	TotalPayout int64       `json:"totalPayout"`
	Reason      string      `json:"reason,omitempty"`
}

// GridReport is the standalone grid validation verdict.
type GridReport struct {
	Valid          bool     `json:"valid"`
	ValidationHash string   `json:"validationHash,omitempty"`
	FraudScore     float64  `json:"fraudScore"`
	Errors         []string `json:"errors"`
}

// StepReport is the standalone step validation verdict.
type StepReport struct {
	Valid          bool     `json:"valid"`
	ValidationHash string   `json:"validationHash,omitempty"`
	Errors         []string `json:"errors"`
}

// SequenceReport is the standalone sequence validation verdict.
type SequenceReport struct {
	Valid       bool         `json:"valid"`
	StepResults []StepReport `json:"stepResults"`
	Errors      []string     `json:"errors"`
}

// TimingReport is the standalone timing audit verdict.
type TimingReport struct {
	Valid    bool           `json:"valid"`
	Analysis timing.Verdict `json:"analysis"`
	Errors   []string       `json:"errors"`
}

// Hub coordinates every in-flight sync session. It owns the session map;
// individual sessions serialize their own transitions behind per-session
// locks so unrelated spins never contend.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*syncSession
	bySpin   map[string]string

	cfg       HubConfig
	provider  engine.Provider
	validator *validate.Validator
	analyzer  *fraud.Analyzer
	recovery  *recovery.Manager
	journal   *journal.Journal
	catalog   *Catalog

	telemetry *telemetryCounters
	publisher logging.Publisher
	logger    Logger
	clock     func() time.Time
}

// NewHub constructs a hub with production defaults.
func NewHub(provider engine.Provider) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), provider, nil)
}

// NewHubWithConfig constructs a hub with explicit configuration. A nil
// publisher disables event logging but not telemetry.
func NewHubWithConfig(cfg HubConfig, provider engine.Provider, publisher logging.Publisher) *Hub {
	cfg = cfg.Normalized()
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	counters := newTelemetryCounters()

	fraudCfg := fraud.DefaultConfig()
	fraudCfg.BlockThreshold = cfg.FraudBlockThreshold
	fraudCfg.Tolerance = cfg.Tolerance

	catalog, err := NewCatalog(cfg.Game)
	if err != nil {
		logger.Printf("catalog schema unavailable: %v", err)
	}

	return &Hub{
		sessions: make(map[string]*syncSession),
		bySpin:   make(map[string]string),
		cfg:      cfg,
		provider: provider,
		validator: validate.New(validate.Config{
			Cols:                    cfg.Game.Cols,
			Rows:                    cfg.Game.Rows,
			MinClusterSize:          cfg.Game.MinClusterSize,
			AllowCompensatedPayouts: cfg.Game.AllowCompensatedPayouts,
		}),
		analyzer:  fraud.New(fraudCfg),
		recovery:  recovery.NewManager(cfg.RecoveryAttempts, cfg.Tolerance, logger),
		journal:   journal.New(cfg.JournalCapacity, counters),
		catalog:   catalog,
		telemetry: counters,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock swaps the time source for tests.
func (h *Hub) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	h.clock = clock
}

// CurrentConfig returns the normalized hub configuration.
func (h *Hub) CurrentConfig() HubConfig {
	return h.cfg
}

func (h *Hub) sessionRef(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindSession}
}

// CreateSyncSession opens a sync session for a spin. One active session per
// spin; a second open attempt fails with ErrDuplicateSession.
func (h *Hub) CreateSyncSession(sessionID, playerID, spinID string) (SessionGrant, error) {
	if sessionID == "" || playerID == "" || spinID == "" {
		return SessionGrant{}, fmt.Errorf("%w: sessionId, playerId and spinId are required", ErrInvalidRequest)
	}
	if h.provider == nil {
		return SessionGrant{}, fmt.Errorf("no outcome provider configured")
	}

	outcome, err := h.provider.Outcome(spinID)
	if err != nil {
		return SessionGrant{}, fmt.Errorf("resolve spin %s: %w", spinID, err)
	}

	now := h.clock()
	session := &syncSession{
		id:            uuid.NewString(),
		sessionID:     sessionID,
		playerID:      playerID,
		spinID:        spinID,
		salt:          newSalt(),
		seed:          now.UnixMilli(),
		outcome:       outcome,
		state:         stateCreated,
		createdAt:     now,
		stepStartedAt: now,
		stepMillis:    make([]int64, 0, len(outcome.Steps)),
		policy:        journal.NewPolicy(),
	}

	h.mu.Lock()
	if existing, ok := h.bySpin[spinID]; ok {
		if current, tracked := h.sessions[existing]; tracked && current.active() {
			h.mu.Unlock()
			return SessionGrant{}, fmt.Errorf("%w: spin %s", ErrDuplicateSession, spinID)
		}
	}
	h.sessions[session.id] = session
	h.bySpin[spinID] = session.id
	h.mu.Unlock()

	h.telemetry.RecordSessionStarted()
	logsession.Created(context.Background(), h.publisher, h.sessionRef(session.id), logsession.CreatedPayload{
		SpinID:    spinID,
		StepCount: len(outcome.Steps),
		GridCols:  h.cfg.Game.Cols,
		GridRows:  h.cfg.Game.Rows,
	}, nil)

	grant := SessionGrant{
		SyncSessionID:  session.id,
		ValidationSalt: session.salt,
		SyncSeed:       session.seed,
		StepCount:      len(outcome.Steps),
	}
	if h.catalog != nil {
		grant.CatalogHash = h.catalog.Hash()
	}
	return grant, nil
}

func (h *Hub) lookup(syncSessionID string) (*syncSession, error) {
	h.mu.RLock()
	session, ok := h.sessions[syncSessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, syncSessionID)
	}
	return session, nil
}

// ProcessStepAck validates one client acknowledgment against the
// authoritative outcome, strictly in step order. observedMs is the client's
// measured presentation duration for the step, never a wall-clock timestamp;
// zero falls back to the server-side wait.
func (h *Hub) ProcessStepAck(syncSessionID string, stepIndex int, clientHash string, observedMs int64) (StepAckResult, error) {
	if syncSessionID == "" || clientHash == "" {
		return StepAckResult{}, fmt.Errorf("%w: syncSessionId and clientHash are required", ErrInvalidRequest)
	}
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return StepAckResult{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.active() {
		return StepAckResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, syncSessionID)
	}
	if session.state == stateCreated {
		session.state = stateStepping
	}

	now := h.clock()

	if stepIndex != session.currentStep {
		result := h.desyncLocked(session, stepIndex, recovery.DesyncOutOfOrder, "", clientHash)
		result.Reason = "out_of_order_step"
		h.telemetry.RecordAck(now.Sub(session.stepStartedAt), false)
		logsync.StepOutOfOrder(context.Background(), h.publisher, h.sessionRef(session.id), logsync.OutOfOrderPayload{
			Expected: session.currentStep,
			Received: stepIndex,
		}, nil)
		return result, nil
	}

	step, ok := session.StepAt(stepIndex)
	if !ok {
		return StepAckResult{}, fmt.Errorf("%w: step %d out of range", ErrInvalidRequest, stepIndex)
	}

	serverHash, err := digest.Step(step, session.digestContext(stepIndex))
	if err != nil {
		// Hashing the authoritative step only fails if the outcome
		// itself is malformed; treat it as a desync and attempt repair.
		h.logger.Printf("hash failure session=%s step=%d: %v", session.id, stepIndex, err)
		result := h.desyncLocked(session, stepIndex, recovery.DesyncUnclassified, "", clientHash)
		result.Reason = "internal_validation_error"
		return result, nil
	}

	if clientHash != serverHash {
		result := h.desyncLocked(session, stepIndex, recovery.DesyncHashMismatch, serverHash, clientHash)
		h.telemetry.RecordAck(now.Sub(session.stepStartedAt), false)
		return result, nil
	}

	observed := observedMs
	if observed <= 0 {
		observed = now.Sub(session.stepStartedAt).Milliseconds()
	}
	score := h.analyzer.AuditTiming(session.id, observed, step.Timing)
	if score.Value > 0 {
		h.telemetry.RecordFraudFlag()
		logfraud.Flagged(context.Background(), h.publisher, h.sessionRef(session.id), logfraud.FlaggedPayload{
			Score:      score.Value,
			Detections: detectionNames(score.Detections),
			StepIndex:  stepIndex,
		}, nil)
	}

	h.telemetry.RecordAck(now.Sub(session.stepStartedAt), true)
	session.policy.NoteAck()
	session.state = stateStepping
	session.stepMillis = append(session.stepMillis, observed)
	session.currentStep++
	session.stepStartedAt = now

	logsync.StepAcked(context.Background(), h.publisher, h.sessionRef(session.id), logsync.AckPayload{
		StepIndex:  stepIndex,
		ClientMs:   observed,
		DriftMs:    observed - step.Timing.TotalDuration,
		HashedGrid: true,
	}, nil)

	return StepAckResult{
		Validated:  true,
		ServerHash: serverHash,
		NextStep:   session.currentStep,
	}, nil
}

// desyncLocked transitions a session to desynced, classifies the divergence
// and opens a recovery record. Caller holds the session lock.
func (h *Hub) desyncLocked(session *syncSession, stepIndex int, desync recovery.DesyncType, serverHash, clientHash string) StepAckResult {
	session.state = stateDesynced
	session.desyncs++
	h.telemetry.RecordDesync()

	session.policy.NoteDesync(string(desync), session.id)
	if signal, escalate := session.policy.Consume(); escalate {
		// Systemic divergence; skip per-step repair and go straight to
		// the strongest tier.
		h.logger.Printf("session %s desync rate escalation: %s", session.id, signal.Summary())
		desync = recovery.DesyncUnclassified
	}

	h.journal.Record(journal.Entry{
		Kind:      journal.KindDesync,
		SessionID: session.id,
		SpinID:    session.spinID,
		StepIndex: stepIndex,
		Detail:    string(desync),
	})

	logsync.DesyncDetected(context.Background(), h.publisher, h.sessionRef(session.id), logsync.DesyncPayload{
		StepIndex:  stepIndex,
		DesyncType: string(desync),
		ServerHash: serverHash,
		ClientHash: clientHash,
	}, nil)

	result := StepAckResult{Validated: false, NextStep: session.currentStep, Reason: string(desync)}

	record, err := h.recovery.Request(session.id, desync, session)
	if err != nil {
		h.handleRecoveryFailureLocked(session, stepIndex, err)
		return result
	}
	session.state = stateRecovering
	session.pendingRecovery = record.ID
	result.RecoveryID = record.ID
	h.telemetry.RecordRecoveryCreated()
	h.journal.Record(journal.Entry{
		Kind:      journal.KindRecoveryCreated,
		SessionID: session.id,
		SpinID:    session.spinID,
		StepIndex: stepIndex,
		Detail:    string(record.Type),
	})
	logrecovery.Created(context.Background(), h.publisher, h.sessionRef(session.id), logrecovery.Payload{
		RecoveryID: record.ID,
		DesyncType: string(desync),
		Strategy:   string(record.Type),
		StepIndex:  stepIndex,
	}, nil)
	return result
}

func (h *Hub) handleRecoveryFailureLocked(session *syncSession, stepIndex int, err error) {
	h.logger.Printf("recovery unavailable session=%s step=%d: %v", session.id, stepIndex, err)
	h.telemetry.RecordRecoveryExhausted()
	h.journal.Record(journal.Entry{
		Kind:      journal.KindRecoveryExhausted,
		SessionID: session.id,
		SpinID:    session.spinID,
		StepIndex: stepIndex,
		Detail:    err.Error(),
	})
	logrecovery.Exhausted(context.Background(), h.publisher, h.sessionRef(session.id), logrecovery.Payload{
		DesyncType: "exhausted",
		StepIndex:  stepIndex,
	}, nil)
	h.abandonLocked(session, "recovery_exhausted")
}

// CompleteSyncSession validates the aggregate hash and closes the session.
// Repeat calls on a completed session return the original result.
func (h *Hub) CompleteSyncSession(syncSessionID, finalHash string, totalTimeMs int64) (CompletionResult, error) {
	if syncSessionID == "" || finalHash == "" {
		return CompletionResult{}, fmt.Errorf("%w: syncSessionId and finalHash are required", ErrInvalidRequest)
	}
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return CompletionResult{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state == stateCompleted && session.result != nil {
		return *session.result, nil
	}
	if session.state == stateAbandoned {
		return CompletionResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, syncSessionID)
	}
	// A spin whose initial board has no clusters produces zero steps; such
	// a session completes straight from created without ever stepping.
	ready := session.state == stateStepping ||
		(session.state == stateCreated && session.expectedStepCount() == 0)
	if !ready || session.currentStep != session.expectedStepCount() {
		return CompletionResult{}, fmt.Errorf("%w: %d of %d steps acknowledged", ErrIncompleteSession, session.currentStep, session.expectedStepCount())
	}

	aggregate, err := digest.Sequence(session.outcome.Steps, session.digestContext(0))
	if err != nil {
		return CompletionResult{}, fmt.Errorf("aggregate hash: %w", err)
	}

	result := CompletionResult{
		Validated:   aggregate == finalHash,
		TotalPayout: session.outcome.TotalPayout,
	}
	if !result.Validated {
		result.Reason = "final_hash_mismatch"
	}

	stepCount := session.expectedStepCount()
	score := 1.0
	if stepCount > 0 {
		score = 1.0 - float64(session.desyncs)/float64(stepCount)
	}
	if score < 0 {
		score = 0
	}
	avg := 0.0
	if stepCount > 0 && totalTimeMs > 0 {
		avg = float64(totalTimeMs) / float64(stepCount)
	} else if len(session.stepMillis) > 0 {
		var sum int64
		for _, ms := range session.stepMillis {
			sum += ms
		}
		avg = float64(sum) / float64(len(session.stepMillis))
	}
	result.Performance = Performance{Score: score, AvgStepTime: avg}

	session.state = stateCompleted
	session.completedAt = h.clock()
	session.result = &result
	h.releaseLocked(session)

	h.telemetry.RecordSessionCompleted()
	logsession.Completed(context.Background(), h.publisher, h.sessionRef(session.id), logsession.CompletedPayload{
		TotalSteps:  stepCount,
		SyncScore:   score,
		AvgStepMs:   avg,
		TotalPayout: session.outcome.TotalPayout,
	}, nil)

	return result, nil
}

// RequestRecovery opens a recovery record for a client-reported desync. The
// optional clientState snapshot is recorded for the incident trail; the
// server never applies it, recovery only re-transmits authoritative state.
func (h *Hub) RequestRecovery(syncSessionID, desyncType string, clientState json.RawMessage) (recovery.Record, error) {
	if syncSessionID == "" || desyncType == "" {
		return recovery.Record{}, fmt.Errorf("%w: syncSessionId and desyncType are required", ErrInvalidRequest)
	}
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return recovery.Record{}, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.active() {
		return recovery.Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, syncSessionID)
	}

	desync := parseDesyncType(desyncType)
	session.state = stateDesynced
	record, err := h.recovery.Request(session.id, desync, session)
	if err != nil {
		h.handleRecoveryFailureLocked(session, session.currentStep, err)
		return recovery.Record{}, fmt.Errorf("%w: %s", ErrRecoveryExhausted, syncSessionID)
	}
	session.state = stateRecovering
	session.pendingRecovery = record.ID
	h.telemetry.RecordRecoveryCreated()
	var extra map[string]any
	if len(clientState) > 0 {
		extra = map[string]any{"clientState": clientState}
	}
	logrecovery.Created(context.Background(), h.publisher, h.sessionRef(session.id), logrecovery.Payload{
		RecoveryID: record.ID,
		DesyncType: string(desync),
		Strategy:   string(record.Type),
		StepIndex:  session.currentStep,
	}, extra)
	return record, nil
}

// ApplyRecovery marks a recovery record applied once the client confirms. An
// unconfirmed call leaves the record pending.
func (h *Hub) ApplyRecovery(recoveryID string, confirmed bool) (recovery.Record, error) {
	if recoveryID == "" {
		return recovery.Record{}, fmt.Errorf("%w: recoveryId is required", ErrInvalidRequest)
	}
	record, err := h.recovery.Apply(recoveryID, confirmed)
	if err != nil {
		return recovery.Record{}, err
	}
	if record.Status != recovery.StatusApplied {
		return record, nil
	}

	h.telemetry.RecordRecoveryApplied()

	session, lookupErr := h.lookup(record.SessionID)
	if lookupErr == nil {
		session.mu.Lock()
		if session.state == stateRecovering || session.state == stateDesynced {
			session.state = stateStepping
			session.stepStartedAt = h.clock()
		}
		if session.pendingRecovery == record.ID {
			session.pendingRecovery = ""
		}
		h.journal.Record(journal.Entry{
			Kind:      journal.KindRecoveryApplied,
			SessionID: session.id,
			SpinID:    session.spinID,
			StepIndex: session.currentStep,
			Detail:    string(record.Type),
		})
		logrecovery.Applied(context.Background(), h.publisher, h.sessionRef(session.id), logrecovery.Payload{
			RecoveryID: record.ID,
			DesyncType: string(record.Desync),
			Strategy:   string(record.Type),
			StepIndex:  session.currentStep,
			Attempts:   record.Attempts,
		}, nil)
		session.mu.Unlock()
	}
	return record, nil
}

// RecoveryStatus reports a record's progress for client polling.
func (h *Hub) RecoveryStatus(recoveryID string) (recovery.StatusReport, error) {
	return h.recovery.Status(recoveryID)
}

// RecoveryRecord fetches a record by id.
func (h *Hub) RecoveryRecord(recoveryID string) (recovery.Record, bool) {
	return h.recovery.Record(recoveryID)
}

// FailRecovery records a client-reported strategy failure so the next
// request escalates.
func (h *Hub) FailRecovery(recoveryID string) (recovery.Record, error) {
	if recoveryID == "" {
		return recovery.Record{}, fmt.Errorf("%w: recoveryId is required", ErrInvalidRequest)
	}
	record, err := h.recovery.Fail(recoveryID)
	if err != nil {
		return recovery.Record{}, err
	}
	h.journal.Record(journal.Entry{
		Kind:      journal.KindRecoveryFailed,
		SessionID: record.SessionID,
		Detail:    string(record.Type),
	})
	return record, nil
}

// AbandonSession releases a session's resources. Safe to call repeatedly and
// for unknown ids.
func (h *Hub) AbandonSession(syncSessionID, reason string) {
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.active() {
		return
	}
	h.abandonLocked(session, reason)
}

// abandonLocked finalizes an abandonment. Caller holds the session lock.
func (h *Hub) abandonLocked(session *syncSession, reason string) {
	session.state = stateAbandoned
	session.completedAt = h.clock()
	h.releaseLocked(session)

	h.telemetry.RecordSessionAbandoned()
	h.journal.Record(journal.Entry{
		Kind:      journal.KindSessionAbandoned,
		SessionID: session.id,
		SpinID:    session.spinID,
		StepIndex: session.currentStep,
		Detail:    reason,
	})
	logsession.Abandoned(context.Background(), h.publisher, h.sessionRef(session.id), logsession.AbandonedPayload{
		Reason:        reason,
		CompletedStep: session.currentStep,
	}, nil)
}

// releaseLocked frees per-session collaborator state. Aggregate fraud
// counters survive; only the per-session view is dropped.
func (h *Hub) releaseLocked(session *syncSession) {
	h.recovery.ReleaseSession(session.id)
	h.analyzer.ReleaseSession(session.id)
	h.mu.Lock()
	if h.bySpin[session.spinID] == session.id {
		delete(h.bySpin, session.spinID)
	}
	h.mu.Unlock()
}

// UpdateHeartbeat records a heartbeat round trip for a session.
func (h *Hub) UpdateHeartbeat(syncSessionID string, now time.Time, clientSentMs int64) (time.Duration, bool) {
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return 0, false
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.active() {
		return 0, false
	}
	session.lastHeartbeat = now
	if clientSentMs > 0 {
		rtt := now.UnixMilli() - clientSentMs
		if rtt < 0 {
			rtt = 0
		}
		session.rtt = time.Duration(rtt) * time.Millisecond
	}
	return session.rtt, true
}

// SessionInfo re-issues the grant for an open session so a reconnecting
// websocket client can re-verify its salt, seed and catalog pin.
func (h *Hub) SessionInfo(syncSessionID string) (SessionGrant, error) {
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return SessionGrant{}, err
	}
	grant := SessionGrant{
		SyncSessionID:  session.id,
		ValidationSalt: session.salt,
		SyncSeed:       session.seed,
		StepCount:      session.expectedStepCount(),
	}
	if h.catalog != nil {
		grant.CatalogHash = h.catalog.Hash()
	}
	return grant, nil
}

// SessionOutcome exposes the authoritative outcome for streaming to the
// client. The returned steps are the session's read-only view.
func (h *Hub) SessionOutcome(syncSessionID string) (engine.Outcome, error) {
	session, err := h.lookup(syncSessionID)
	if err != nil {
		return engine.Outcome{}, err
	}
	return session.outcome, nil
}

// RunMaintenance sweeps sessions for step timeouts until stop closes.
func (h *Hub) RunMaintenance(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := h.clock()

	h.mu.RLock()
	stale := make([]*syncSession, 0)
	for _, session := range h.sessions {
		stale = append(stale, session)
	}
	h.mu.RUnlock()

	var expired []*syncSession
	for _, session := range stale {
		session.mu.Lock()
		switch {
		case !session.active():
			if now.Sub(session.completedAt) > h.cfg.SessionRetention {
				expired = append(expired, session)
			}
		case !session.lastHeartbeat.IsZero() && now.Sub(session.lastHeartbeat) > h.cfg.DisconnectAfter:
			h.abandonLocked(session, "heartbeat_timeout")
		case session.state == stateStepping && now.Sub(session.stepStartedAt) > h.cfg.StepTimeout:
			h.desyncLocked(session, session.currentStep, recovery.DesyncStepTimeout, "", "")
		}
		session.mu.Unlock()
	}

	if len(expired) == 0 {
		return
	}
	h.mu.Lock()
	for _, session := range expired {
		delete(h.sessions, session.id)
		if h.bySpin[session.spinID] == session.id {
			delete(h.bySpin, session.spinID)
		}
	}
	h.mu.Unlock()
}

// ValidateGrid checks a standalone grid and scores it for anomalies.
func (h *Hub) ValidateGrid(g grid.Grid, sessionID string) GridReport {
	report := GridReport{Errors: []string{}}
	if res := h.validator.Grid(g); !res.Valid {
		report.Errors = append(report.Errors, res.Reason)
		return report
	}
	report.Valid = true
	if hash, err := digest.Grid(g, h.contextFor(sessionID, 0)); err == nil {
		report.ValidationHash = hash
	}
	score := h.analyzer.AnalyzeGrid(h.scoreKey(sessionID), g)
	report.FraudScore = score.Value
	return report
}

// ValidateStep checks a standalone cascade step.
func (h *Hub) ValidateStep(s grid.Step, sessionID string) StepReport {
	report := StepReport{Errors: []string{}}
	if res := h.validator.Step(s); !res.Valid {
		report.Errors = append(report.Errors, res.Reason)
		return report
	}
	report.Valid = true
	if hash, err := digest.Step(s, h.contextFor(sessionID, s.Index)); err == nil {
		report.ValidationHash = hash
	}
	return report
}

// ValidateSequence checks an ordered run of cascade steps.
func (h *Hub) ValidateSequence(steps []grid.Step, sessionID string) SequenceReport {
	report := SequenceReport{Errors: []string{}, StepResults: make([]StepReport, 0, len(steps))}
	if len(steps) == 0 {
		report.Errors = append(report.Errors, "empty sequence")
		return report
	}
	results, overall := h.validator.Sequence(steps)
	for i, res := range results {
		stepReport := StepReport{Valid: res.Valid, Errors: []string{}}
		if !res.Valid {
			stepReport.Errors = append(stepReport.Errors, res.Reason)
		} else if hash, err := digest.Step(steps[i], h.contextFor(sessionID, steps[i].Index)); err == nil {
			stepReport.ValidationHash = hash
		}
		report.StepResults = append(report.StepResults, stepReport)
	}
	report.Valid = overall.Valid
	if !overall.Valid {
		report.Errors = append(report.Errors, overall.Reason)
	}
	return report
}

// AuditTiming audits one observed step duration.
func (h *Hub) AuditTiming(observedMs int64, declared grid.Timing) TimingReport {
	verdict := timing.Audit(observedMs, declared, h.cfg.Tolerance)
	report := TimingReport{Valid: verdict.Valid, Analysis: verdict, Errors: []string{}}
	if !verdict.Valid {
		report.Errors = append(report.Errors, verdict.Reason)
	}
	return report
}

// FraudGrid scores a standalone grid.
func (h *Hub) FraudGrid(g grid.Grid, sessionID string) fraud.Score {
	return h.analyzer.AnalyzeGrid(h.scoreKey(sessionID), g)
}

// FraudStep scores a standalone step.
func (h *Hub) FraudStep(s grid.Step, sessionID string) fraud.Score {
	return h.analyzer.AnalyzeStep(h.scoreKey(sessionID), s)
}

// FraudSpin scores a whole spin's steps.
func (h *Hub) FraudSpin(steps []grid.Step, sessionID string) fraud.Score {
	return h.analyzer.AnalyzeSpin(h.scoreKey(sessionID), steps)
}

// FraudStatistics reports global analyzer aggregates.
func (h *Hub) FraudStatistics() fraud.Statistics {
	return h.analyzer.Statistics()
}

// SessionFraudStatistics reports one session's aggregates. Unknown sessions
// report empty statistics rather than an error.
func (h *Hub) SessionFraudStatistics(sessionID string) fraud.Statistics {
	return h.analyzer.SessionStatistics(sessionID)
}

// JournalSnapshot exposes recent desync incidents for diagnostics.
func (h *Hub) JournalSnapshot() []journal.Entry {
	return h.journal.Snapshot()
}

// Catalog exposes the game catalog document, nil when schema reflection
// failed at startup.
func (h *Hub) Catalog() *Catalog {
	return h.catalog
}

type sessionDiagnostics struct {
	SyncSessionID string `json:"syncSessionId"`
	SpinID        string `json:"spinId"`
	State         string `json:"state"`
	CurrentStep   int    `json:"currentStep"`
	StepCount     int    `json:"expectedStepCount"`
	Desyncs       int    `json:"desyncs"`
	RTTMillis     int64  `json:"rttMillis"`
}

// DiagnosticsSnapshot lists every tracked session's progress.
func (h *Hub) DiagnosticsSnapshot() []sessionDiagnostics {
	h.mu.RLock()
	sessions := make([]*syncSession, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.RUnlock()

	out := make([]sessionDiagnostics, 0, len(sessions))
	for _, session := range sessions {
		session.mu.Lock()
		out = append(out, sessionDiagnostics{
			SyncSessionID: session.id,
			SpinID:        session.spinID,
			State:         string(session.state),
			CurrentStep:   session.currentStep,
			StepCount:     session.expectedStepCount(),
			Desyncs:       session.desyncs,
			RTTMillis:     session.rtt.Milliseconds(),
		})
		session.mu.Unlock()
	}
	return out
}

// TelemetrySnapshot exposes the hub counters.
func (h *Hub) TelemetrySnapshot() telemetrySnapshot {
	return h.telemetry.Snapshot()
}

func (h *Hub) contextFor(sessionID string, stepIndex int) digest.Context {
	if sessionID != "" {
		h.mu.RLock()
		session, ok := h.sessions[sessionID]
		h.mu.RUnlock()
		if ok {
			return session.digestContext(stepIndex)
		}
	}
	return digest.Context{StepIndex: stepIndex}
}

func (h *Hub) scoreKey(sessionID string) string {
	if sessionID == "" {
		return "anonymous"
	}
	return sessionID
}

func parseDesyncType(raw string) recovery.DesyncType {
	switch recovery.DesyncType(raw) {
	case recovery.DesyncTimingDrift, recovery.DesyncOutOfOrder, recovery.DesyncHashMismatch,
		recovery.DesyncStateDiverged, recovery.DesyncStepTimeout:
		return recovery.DesyncType(raw)
	default:
		return recovery.DesyncUnclassified
	}
}

func detectionNames(detections []fraud.Detection) []string {
	names := make([]string, 0, len(detections))
	for _, d := range detections {
		names = append(names, string(d))
	}
	return names
}
