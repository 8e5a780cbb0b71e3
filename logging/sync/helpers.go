package sync

import (
	"context"

	"gemfall/server/logging"
)

const (
	// EventStepAcked is emitted when a client acknowledgment matches the server hash.
	EventStepAcked logging.EventType = "sync.step_acked"
	// EventStepOutOfOrder is emitted when an acknowledgment skips ahead of the expected step.
	EventStepOutOfOrder logging.EventType = "sync.step_out_of_order"
	// EventDesyncDetected is emitted when server and client state diverge.
	EventDesyncDetected logging.EventType = "sync.desync_detected"
)

// AckPayload captures acknowledgment progression details.
type AckPayload struct {
	StepIndex  int   `json:"stepIndex"`
	ClientMs   int64 `json:"clientMs"`
	DriftMs    int64 `json:"driftMs"`
	HashedGrid bool  `json:"hashedGrid"`
}

// OutOfOrderPayload captures a step ordering violation.
type OutOfOrderPayload struct {
	Expected int `json:"expected"`
	Received int `json:"received"`
}

// DesyncPayload captures the classification of a divergence.
type DesyncPayload struct {
	StepIndex  int    `json:"stepIndex"`
	DesyncType string `json:"desyncType"`
	ServerHash string `json:"serverHash,omitempty"`
	ClientHash string `json:"clientHash,omitempty"`
}

// StepAcked publishes a debug event for a clean acknowledgment.
func StepAcked(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventStepAcked,
		Step:     uint64(payload.StepIndex),
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryProtocol,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// StepOutOfOrder publishes a warning for an out-of-sequence acknowledgment.
func StepOutOfOrder(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload OutOfOrderPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventStepOutOfOrder,
		Step:     uint64(payload.Received),
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryProtocol,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// DesyncDetected publishes a warning when client state diverges from the server.
func DesyncDetected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DesyncPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDesyncDetected,
		Step:     uint64(payload.StepIndex),
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryValidation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
