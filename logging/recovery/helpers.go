package recovery

import (
	"context"

	"gemfall/server/logging"
)

const (
	// EventRecoveryCreated is emitted when a recovery record is opened for a desync.
	EventRecoveryCreated logging.EventType = "recovery.created"
	// EventRecoveryApplied is emitted when a client confirms a recovery payload.
	EventRecoveryApplied logging.EventType = "recovery.applied"
	// EventRecoveryEscalated is emitted when a strategy fails and a stronger one takes over.
	EventRecoveryEscalated logging.EventType = "recovery.escalated"
	// EventRecoveryExhausted is emitted when no stronger strategy remains.
	EventRecoveryExhausted logging.EventType = "recovery.exhausted"
)

// Payload captures the identity and strategy of a recovery record.
type Payload struct {
	RecoveryID string `json:"recoveryId"`
	DesyncType string `json:"desyncType"`
	Strategy   string `json:"strategy"`
	StepIndex  int    `json:"stepIndex"`
	Attempts   int    `json:"attempts,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, sev logging.Severity, actor logging.EntityRef, payload Payload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     typ,
		Step:     uint64(payload.StepIndex),
		Actor:    actor,
		Severity: sev,
		Category: logging.CategoryRecovery,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Created publishes a recovery open event.
func Created(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload Payload, extra map[string]any) {
	publish(ctx, pub, EventRecoveryCreated, logging.SeverityInfo, actor, payload, extra)
}

// Applied publishes a recovery confirmation event.
func Applied(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload Payload, extra map[string]any) {
	publish(ctx, pub, EventRecoveryApplied, logging.SeverityInfo, actor, payload, extra)
}

// Escalated publishes a strategy escalation event.
func Escalated(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload Payload, extra map[string]any) {
	publish(ctx, pub, EventRecoveryEscalated, logging.SeverityWarn, actor, payload, extra)
}

// Exhausted publishes an event when recovery options run out.
func Exhausted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload Payload, extra map[string]any) {
	publish(ctx, pub, EventRecoveryExhausted, logging.SeverityError, actor, payload, extra)
}
