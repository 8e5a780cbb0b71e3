package session

import (
	"context"

	"gemfall/server/logging"
)

const (
	// EventSessionCreated is emitted when a sync session is opened for a spin.
	EventSessionCreated logging.EventType = "session.created"
	// EventSessionCompleted is emitted when a sync session finishes all steps.
	EventSessionCompleted logging.EventType = "session.completed"
	// EventSessionAbandoned is emitted when a sync session is released before completion.
	EventSessionAbandoned logging.EventType = "session.abandoned"
)

// CreatedPayload captures the shape of a newly opened session.
type CreatedPayload struct {
	SpinID    string `json:"spinId"`
	StepCount int    `json:"stepCount"`
	GridCols  int    `json:"gridCols"`
	GridRows  int    `json:"gridRows"`
}

// CompletedPayload captures the terminal accounting for a session.
type CompletedPayload struct {
	TotalSteps  int     `json:"totalSteps"`
	SyncScore   float64 `json:"syncScore"`
	AvgStepMs   float64 `json:"avgStepMs"`
	TotalPayout int64   `json:"totalPayout"`
}

// AbandonedPayload captures why a session was released early.
type AbandonedPayload struct {
	Reason        string `json:"reason"`
	CompletedStep int    `json:"completedStep"`
}

// Created publishes a session open event.
func Created(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload CreatedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionCreated,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryProtocol,
		Payload:  payload,
		Extra:    extra,
		SpinID:   payload.SpinID,
	}
	pub.Publish(ctx, event)
}

// Completed publishes a session completion event.
func Completed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload CompletedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionCompleted,
		Step:     uint64(payload.TotalSteps),
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryProtocol,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Abandoned publishes a session release event.
func Abandoned(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload AbandonedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionAbandoned,
		Step:     uint64(payload.CompletedStep),
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryProtocol,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
