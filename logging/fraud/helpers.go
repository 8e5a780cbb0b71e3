package fraud

import (
	"context"

	"gemfall/server/logging"
)

const (
	// EventFlagged is emitted when a submission scores above zero.
	EventFlagged logging.EventType = "fraud.flagged"
	// EventSessionBlocked is emitted when a session crosses the block threshold.
	EventSessionBlocked logging.EventType = "fraud.session_blocked"
)

// FlaggedPayload captures a scored submission.
type FlaggedPayload struct {
	Score      float64  `json:"score"`
	Detections []string `json:"detections"`
	StepIndex  int      `json:"stepIndex"`
}

// BlockedPayload captures the running score that triggered a block.
type BlockedPayload struct {
	AverageScore float64 `json:"averageScore"`
	Analyzed     uint64  `json:"analyzed"`
}

// Flagged publishes a warning for a suspicious submission.
func Flagged(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FlaggedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventFlagged,
		Step:     uint64(payload.StepIndex),
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryFraud,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SessionBlocked publishes an error when a session is blocked.
func SessionBlocked(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload BlockedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionBlocked,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryFraud,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
