package ws

import (
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	server "gemfall/server"
	"gemfall/server/internal/net/proto"
	"gemfall/server/internal/recovery"
)

// Handler drives the cascade sync protocol over one websocket connection per
// sync session.
type Handler struct {
	hub    *server.Hub
	logger *log.Logger
}

// NewHandler constructs a websocket session handler for the given hub.
func NewHandler(hub *server.Hub, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{hub: hub, logger: logger}
}

// Serve streams the authoritative cascade steps for the session and processes
// acknowledgments until the session finishes or the connection drops.
func (h *Handler) Serve(syncSessionID string, conn *websocket.Conn) {
	if h == nil || h.hub == nil || conn == nil {
		return
	}

	sub := newSubscriber(conn)

	outcome, err := h.hub.SessionOutcome(syncSessionID)
	if err != nil {
		sub.close(websocket.ClosePolicyViolation, "unknown session")
		return
	}

	if grant, err := h.hub.SessionInfo(syncSessionID); err == nil {
		data, err := proto.EncodeSessionOpen(proto.SessionOpen{
			SyncSessionID:  grant.SyncSessionID,
			ValidationSalt: grant.ValidationSalt,
			SyncSeed:       grant.SyncSeed,
			StepCount:      grant.StepCount,
			CatalogHash:    grant.CatalogHash,
		})
		if err != nil {
			h.logger.Printf("failed to marshal session announcement for %s: %v", syncSessionID, err)
		} else if err := sub.write(data); err != nil {
			h.disconnect(syncSessionID, sub)
			return
		}
	}

	for i, step := range outcome.Steps {
		data, err := proto.EncodeCascadeStep(proto.CascadeStep{
			SyncSessionID: syncSessionID,
			Step:          step,
			Final:         i == len(outcome.Steps)-1,
		})
		if err != nil {
			h.logger.Printf("failed to marshal step %d for %s: %v", i, syncSessionID, err)
			h.disconnect(syncSessionID, sub)
			return
		}
		if err := sub.write(data); err != nil {
			h.disconnect(syncSessionID, sub)
			return
		}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.disconnect(syncSessionID, sub)
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", syncSessionID, err)
			continue
		}

		switch msg.Type {
		case proto.TypeStepAck:
			if msg.StepIndex == nil || msg.ClientHash == "" {
				if !h.sendError(sub, syncSessionID, "invalid_request", "stepAck requires stepIndex and clientHash") {
					return
				}
				continue
			}
			result, err := h.hub.ProcessStepAck(syncSessionID, *msg.StepIndex, msg.ClientHash, msg.ObservedMs)
			if err != nil {
				if !h.sendError(sub, syncSessionID, errorCode(err), err.Error()) {
					return
				}
				continue
			}
			data, err := proto.EncodeStepResult(proto.StepResult{
				StepIndex:  *msg.StepIndex,
				Validated:  result.Validated,
				ServerHash: result.ServerHash,
				NextStep:   result.NextStep,
				Reason:     result.Reason,
				RecoveryID: result.RecoveryID,
			})
			if err != nil {
				h.logger.Printf("failed to marshal step result for %s: %v", syncSessionID, err)
				continue
			}
			if err := sub.write(data); err != nil {
				h.disconnect(syncSessionID, sub)
				return
			}
			if !result.Validated && result.RecoveryID != "" {
				if !h.pushRecovery(sub, syncSessionID, result.RecoveryID, *msg.StepIndex, result.Reason) {
					return
				}
			}

		case proto.TypeComplete:
			if msg.FinalHash == "" {
				if !h.sendError(sub, syncSessionID, "invalid_request", "complete requires finalHash") {
					return
				}
				continue
			}
			result, err := h.hub.CompleteSyncSession(syncSessionID, msg.FinalHash, msg.TotalTime)
			if err != nil {
				if !h.sendError(sub, syncSessionID, errorCode(err), err.Error()) {
					return
				}
				continue
			}
			data, err := proto.EncodeComplete(proto.Complete{
				Validated:   result.Validated,
				Score:       result.Performance.Score,
				AvgStepTime: result.Performance.AvgStepTime,
				TotalPayout: result.TotalPayout,
				Reason:      result.Reason,
			})
			if err != nil {
				h.logger.Printf("failed to marshal completion for %s: %v", syncSessionID, err)
				continue
			}
			if err := sub.write(data); err != nil {
				h.disconnect(syncSessionID, sub)
				return
			}

		case proto.TypeHeartbeat:
			now := time.Now()
			rtt, ok := h.hub.UpdateHeartbeat(syncSessionID, now, msg.SentAt)
			if !ok {
				continue
			}
			data, err := proto.EncodeHeartbeat(proto.Heartbeat{
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			})
			if err != nil {
				h.logger.Printf("failed to marshal heartbeat ack for %s: %v", syncSessionID, err)
				continue
			}
			if err := sub.write(data); err != nil {
				h.disconnect(syncSessionID, sub)
				return
			}

		case proto.TypeRecoveryAck:
			if msg.RecoveryID == "" || msg.Confirmation == nil {
				if !h.sendError(sub, syncSessionID, "invalid_request", "recoveryAck requires recoveryId and clientConfirmation") {
					return
				}
				continue
			}
			record, err := h.hub.ApplyRecovery(msg.RecoveryID, *msg.Confirmation)
			if err != nil {
				if !h.sendError(sub, syncSessionID, errorCode(err), err.Error()) {
					return
				}
				continue
			}
			if !h.sendRecovery(sub, syncSessionID, record) {
				return
			}

		case proto.TypeResyncRequest:
			desyncType := msg.DesyncType
			if desyncType == "" {
				desyncType = string(recovery.DesyncStateDiverged)
			}
			record, err := h.hub.RequestRecovery(syncSessionID, desyncType, msg.ClientState)
			if err != nil {
				if !h.sendError(sub, syncSessionID, errorCode(err), err.Error()) {
					return
				}
				continue
			}
			if !h.sendRecovery(sub, syncSessionID, record) {
				return
			}

		case proto.TypeRecoveryStatus:
			if msg.RecoveryID == "" {
				if !h.sendError(sub, syncSessionID, "invalid_request", "recoveryStatus requires recoveryId") {
					return
				}
				continue
			}
			report, err := h.hub.RecoveryStatus(msg.RecoveryID)
			if err != nil {
				if !h.sendError(sub, syncSessionID, errorCode(err), err.Error()) {
					return
				}
				continue
			}
			data, err := proto.EncodeRecoveryStatus(proto.RecoveryStatus{
				RecoveryID:          msg.RecoveryID,
				Status:              string(report.Status),
				Progress:            report.Progress,
				EstimatedCompletion: report.EstimatedCompletion.UnixMilli(),
			})
			if err != nil {
				h.logger.Printf("failed to marshal recovery status for %s: %v", syncSessionID, err)
				continue
			}
			if err := sub.write(data); err != nil {
				h.disconnect(syncSessionID, sub)
				return
			}

		default:
			h.logger.Printf("unknown message type %q from %s", msg.Type, syncSessionID)
		}
	}
}

func (h *Handler) pushRecovery(sub *subscriber, syncSessionID, recoveryID string, stepIndex int, reason string) bool {
	record, ok := h.hub.RecoveryRecord(recoveryID)
	if !ok {
		return true
	}
	data, err := proto.EncodeDesync(proto.Desync{
		StepIndex:    stepIndex,
		DesyncType:   reason,
		RecoveryID:   record.ID,
		RecoveryType: string(record.Type),
	})
	if err != nil {
		h.logger.Printf("failed to marshal desync notice for %s: %v", syncSessionID, err)
		return true
	}
	if err := sub.write(data); err != nil {
		h.disconnect(syncSessionID, sub)
		return false
	}
	return h.sendRecovery(sub, syncSessionID, record)
}

func (h *Handler) sendRecovery(sub *subscriber, syncSessionID string, record recovery.Record) bool {
	data, err := proto.EncodeRecovery(proto.Recovery{
		RecoveryID:   record.ID,
		RecoveryType: string(record.Type),
		RecoveryData: record.Data,
		Status:       string(record.Status),
		Attempts:     record.Attempts,
	})
	if err != nil {
		h.logger.Printf("failed to marshal recovery payload for %s: %v", syncSessionID, err)
		return true
	}
	if err := sub.write(data); err != nil {
		h.disconnect(syncSessionID, sub)
		return false
	}
	return true
}

func (h *Handler) sendError(sub *subscriber, syncSessionID, code, detail string) bool {
	data, err := proto.EncodeError(proto.Error{Code: code, Detail: detail})
	if err != nil {
		h.logger.Printf("failed to marshal error for %s: %v", syncSessionID, err)
		return true
	}
	if err := sub.write(data); err != nil {
		h.disconnect(syncSessionID, sub)
		return false
	}
	return true
}

func (h *Handler) disconnect(syncSessionID string, sub *subscriber) {
	h.hub.AbandonSession(syncSessionID, "disconnected")
	sub.conn.Close()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, server.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, server.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, server.ErrIncompleteSession):
		return "incomplete_session"
	case errors.Is(err, server.ErrRecoveryExhausted):
		return "recovery_exhausted"
	case errors.Is(err, recovery.ErrNotFound):
		return "recovery_not_found"
	case errors.Is(err, recovery.ErrExhausted):
		return "recovery_exhausted"
	default:
		return "internal_error"
	}
}
