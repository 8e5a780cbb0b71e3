package server

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

type telemetryCounters struct {
	sessionsStarted     atomic.Uint64
	sessionsCompleted   atomic.Uint64
	sessionsAbandoned   atomic.Uint64
	acksProcessed       atomic.Uint64
	acksRejected        atomic.Uint64
	desyncs             atomic.Uint64
	recoveriesCreated   atomic.Uint64
	recoveriesApplied   atomic.Uint64
	recoveriesExhausted atomic.Uint64
	fraudFlags          atomic.Uint64
	journalDropped      atomic.Uint64
	lastAckMillis       atomic.Int64
	debug               bool
}

type telemetrySnapshot struct {
	SessionsStarted     uint64 `json:"sessionsStarted"`
	SessionsCompleted   uint64 `json:"sessionsCompleted"`
	SessionsAbandoned   uint64 `json:"sessionsAbandoned"`
	AcksProcessed       uint64 `json:"acksProcessed"`
	AcksRejected        uint64 `json:"acksRejected"`
	Desyncs             uint64 `json:"desyncs"`
	RecoveriesCreated   uint64 `json:"recoveriesCreated"`
	RecoveriesApplied   uint64 `json:"recoveriesApplied"`
	RecoveriesExhausted uint64 `json:"recoveriesExhausted"`
	FraudFlags          uint64 `json:"fraudFlags"`
	JournalDropped      uint64 `json:"journalDropped"`
	LastAckMillis       int64  `json:"lastAckMillis"`
}

func newTelemetryCounters() *telemetryCounters {
	t := &telemetryCounters{}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

func (t *telemetryCounters) RecordSessionStarted() {
	t.sessionsStarted.Add(1)
}

func (t *telemetryCounters) RecordSessionCompleted() {
	t.sessionsCompleted.Add(1)
}

func (t *telemetryCounters) RecordSessionAbandoned() {
	t.sessionsAbandoned.Add(1)
}

func (t *telemetryCounters) RecordAck(latency time.Duration, accepted bool) {
	if accepted {
		t.acksProcessed.Add(1)
	} else {
		t.acksRejected.Add(1)
	}
	millis := latency.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.lastAckMillis.Store(millis)
	if t.debug {
		fmt.Printf(
			"[telemetry] ack accepted=%t latency=%dms processed=%d rejected=%d\n",
			accepted,
			millis,
			t.acksProcessed.Load(),
			t.acksRejected.Load(),
		)
	}
}

func (t *telemetryCounters) RecordDesync() {
	t.desyncs.Add(1)
}

func (t *telemetryCounters) RecordRecoveryCreated() {
	t.recoveriesCreated.Add(1)
}

func (t *telemetryCounters) RecordRecoveryApplied() {
	t.recoveriesApplied.Add(1)
}

func (t *telemetryCounters) RecordRecoveryExhausted() {
	t.recoveriesExhausted.Add(1)
}

func (t *telemetryCounters) RecordFraudFlag() {
	t.fraudFlags.Add(1)
}

// RecordJournalDrop implements journal.Telemetry.
func (t *telemetryCounters) RecordJournalDrop(metric string) {
	t.journalDropped.Add(1)
	if t.debug {
		fmt.Printf("[telemetry] journal drop metric=%s total=%d\n", metric, t.journalDropped.Load())
	}
}

func (t *telemetryCounters) DebugEnabled() bool {
	return t.debug
}

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		SessionsStarted:     t.sessionsStarted.Load(),
		SessionsCompleted:   t.sessionsCompleted.Load(),
		SessionsAbandoned:   t.sessionsAbandoned.Load(),
		AcksProcessed:       t.acksProcessed.Load(),
		AcksRejected:        t.acksRejected.Load(),
		Desyncs:             t.desyncs.Load(),
		RecoveriesCreated:   t.recoveriesCreated.Load(),
		RecoveriesApplied:   t.recoveriesApplied.Load(),
		RecoveriesExhausted: t.recoveriesExhausted.Load(),
		FraudFlags:          t.fraudFlags.Load(),
		JournalDropped:      t.journalDropped.Load(),
		LastAckMillis:       t.lastAckMillis.Load(),
	}
}
