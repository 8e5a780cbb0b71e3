package proto

import (
	"encoding/json"
	"fmt"

	"gemfall/server/internal/grid"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	// Type identifiers for outbound websocket payloads.
	typeSession        = "session"
	typeCascadeStep    = "cascade_step"
	typeStepResult     = "stepResult"
	typeDesync         = "desync"
	typeRecovery       = "recovery"
	typeRecoveryStatus = "recoveryStatus"
	typeHeartbeat      = "heartbeat"
	typeComplete       = "complete"
	typeError          = "error"
)

// Client message type identifiers.
const (
	TypeStepAck        = "stepAck"
	TypeHeartbeat      = "heartbeat"
	TypeComplete       = "complete"
	TypeRecoveryAck    = "recoveryAck"
	TypeResyncRequest  = "resyncRequest"
	TypeRecoveryStatus = "recoveryStatus"
)

// ClientMessage captures an inbound websocket message from the client.
// SentAt is always the client wall clock in unix milliseconds; ObservedMs is
// the measured presentation duration of the acknowledged step. The two are
// never interchangeable.
type ClientMessage struct {
	Ver          int             `json:"ver,omitempty"`
	Type         string          `json:"type"`
	StepIndex    *int            `json:"stepIndex,omitempty"`
	ClientHash   string          `json:"clientHash,omitempty"`
	FinalHash    string          `json:"finalHash,omitempty"`
	SentAt       int64           `json:"sentAt,omitempty"`
	ObservedMs   int64           `json:"observedMs,omitempty"`
	TotalTime    int64           `json:"totalTime,omitempty"`
	RecoveryID   string          `json:"recoveryId,omitempty"`
	Confirmation *bool           `json:"clientConfirmation,omitempty"`
	DesyncType   string          `json:"desyncType,omitempty"`
	ClientState  json.RawMessage `json:"clientState,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// SessionOpen announces a freshly opened sync session.
type SessionOpen struct {
	SyncSessionID  string `json:"syncSessionId"`
	ValidationSalt string `json:"validationSalt"`
	SyncSeed       int64  `json:"syncSeed"`
	StepCount      int    `json:"expectedStepCount"`
	CatalogHash    string `json:"catalogHash,omitempty"`
}

// EncodeSessionOpen renders a session announcement payload.
func EncodeSessionOpen(msg SessionOpen) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		SessionOpen
	}{
		Ver:         Version,
		Type:        typeSession,
		SessionOpen: msg,
	}
	return json.Marshal(frame)
}

// CascadeStep pushes one authoritative step to the client.
type CascadeStep struct {
	SyncSessionID string    `json:"syncSessionId"`
	Step          grid.Step `json:"step"`
	Final         bool      `json:"final,omitempty"`
}

// EncodeCascadeStep renders a cascade step push payload.
func EncodeCascadeStep(msg CascadeStep) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		CascadeStep
	}{
		Ver:         Version,
		Type:        typeCascadeStep,
		CascadeStep: msg,
	}
	return json.Marshal(frame)
}

// StepResult reports the verdict on one step acknowledgment.
type StepResult struct {
	StepIndex  int    `json:"stepIndex"`
	Validated  bool   `json:"validated"`
	ServerHash string `json:"serverHash,omitempty"`
	NextStep   int    `json:"nextStep"`
	Reason     string `json:"reason,omitempty"`
	RecoveryID string `json:"recoveryId,omitempty"`
}

// EncodeStepResult renders a step verdict payload.
func EncodeStepResult(msg StepResult) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		StepResult
	}{
		Ver:        Version,
		Type:       typeStepResult,
		StepResult: msg,
	}
	return json.Marshal(frame)
}

// Desync notifies the client of a detected divergence and the remedy.
type Desync struct {
	StepIndex    int    `json:"stepIndex"`
	DesyncType   string `json:"desyncType"`
	RecoveryID   string `json:"recoveryId,omitempty"`
	RecoveryType string `json:"recoveryType,omitempty"`
}

// EncodeDesync renders a desync notification payload.
func EncodeDesync(msg Desync) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Desync
	}{
		Ver:    Version,
		Type:   typeDesync,
		Desync: msg,
	}
	return json.Marshal(frame)
}

// Recovery carries a recovery payload to the client.
type Recovery struct {
	RecoveryID   string `json:"recoveryId"`
	RecoveryType string `json:"recoveryType"`
	RecoveryData any    `json:"recoveryData"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts,omitempty"`
}

// EncodeRecovery renders a recovery payload.
func EncodeRecovery(msg Recovery) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Recovery
	}{
		Ver:      Version,
		Type:     typeRecovery,
		Recovery: msg,
	}
	return json.Marshal(frame)
}

// RecoveryStatus answers a client status poll.
type RecoveryStatus struct {
	RecoveryID          string  `json:"recoveryId"`
	Status              string  `json:"status"`
	Progress            float64 `json:"progress"`
	EstimatedCompletion int64   `json:"estimatedCompletion"`
}

// EncodeRecoveryStatus renders a recovery status payload.
func EncodeRecoveryStatus(msg RecoveryStatus) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		RecoveryStatus
	}{
		Ver:            Version,
		Type:           typeRecoveryStatus,
		RecoveryStatus: msg,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the client.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}

// Complete reports the terminal session summary.
type Complete struct {
	Validated   bool    `json:"validated"`
	Score       float64 `json:"score"`
	AvgStepTime float64 `json:"avgStepTime"`
	TotalPayout int64   `json:"totalPayout"`
	Reason      string  `json:"reason,omitempty"`
}

// EncodeComplete renders a completion payload.
func EncodeComplete(msg Complete) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Complete
	}{
		Ver:      Version,
		Type:     typeComplete,
		Complete: msg,
	}
	return json.Marshal(frame)
}

// Error carries a structured failure the client can render.
type Error struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// EncodeError renders an error payload.
func EncodeError(msg Error) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Error
	}{
		Ver:   Version,
		Type:  typeError,
		Error: msg,
	}
	return json.Marshal(frame)
}
