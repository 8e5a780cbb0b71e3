package proto

import (
	"encoding/json"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	payload := []byte(`{"ver":1,"type":"stepAck","stepIndex":2,"clientHash":"abc","sentAt":1234,"observedMs":950}`)
	msg, err := DecodeClientMessage(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != TypeStepAck {
		t.Fatalf("unexpected type %q", msg.Type)
	}
	if msg.StepIndex == nil || *msg.StepIndex != 2 {
		t.Fatalf("unexpected step index %v", msg.StepIndex)
	}
	if msg.ClientHash != "abc" || msg.SentAt != 1234 || msg.ObservedMs != 950 {
		t.Fatalf("unexpected fields: %+v", msg)
	}
}

func TestDecodeClientMessageDefaultsVersion(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Ver != Version {
		t.Fatalf("expected version default %d, got %d", Version, msg.Ver)
	}
}

func TestDecodeClientMessageRejectsUnknownVersion(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{"ver":9,"type":"stepAck"}`)); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestDecodeClientMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestDecodeClientMessageZeroStepIndex(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"ver":1,"type":"stepAck","stepIndex":0,"clientHash":"h"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.StepIndex == nil || *msg.StepIndex != 0 {
		t.Fatalf("step index 0 must survive decoding, got %v", msg.StepIndex)
	}
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	return frame
}

func TestOutboundFramesCarryVersionAndType(t *testing.T) {
	cases := []struct {
		name     string
		encode   func() ([]byte, error)
		wantType string
	}{
		{"session", func() ([]byte, error) {
			return EncodeSessionOpen(SessionOpen{SyncSessionID: "s", ValidationSalt: "salt", SyncSeed: 7, StepCount: 3})
		}, "session"},
		{"step result", func() ([]byte, error) {
			return EncodeStepResult(StepResult{StepIndex: 1, Validated: true, NextStep: 2})
		}, "stepResult"},
		{"desync", func() ([]byte, error) {
			return EncodeDesync(Desync{StepIndex: 1, DesyncType: "hash_mismatch"})
		}, "desync"},
		{"recovery", func() ([]byte, error) {
			return EncodeRecovery(Recovery{RecoveryID: "r", RecoveryType: "step_replay", Status: "pending"})
		}, "recovery"},
		{"recovery status", func() ([]byte, error) {
			return EncodeRecoveryStatus(RecoveryStatus{RecoveryID: "r", Status: "applied", Progress: 1})
		}, "recoveryStatus"},
		{"heartbeat", func() ([]byte, error) {
			return EncodeHeartbeat(Heartbeat{ServerTime: 5, ClientTime: 4, RTTMillis: 1})
		}, "heartbeat"},
		{"complete", func() ([]byte, error) {
			return EncodeComplete(Complete{Validated: true, Score: 1, TotalPayout: 120})
		}, "complete"},
		{"error", func() ([]byte, error) {
			return EncodeError(Error{Code: "invalid_request"})
		}, "error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.encode()
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			frame := decodeFrame(t, data)
			if frame["ver"] != float64(Version) {
				t.Fatalf("frame missing version: %v", frame)
			}
			if frame["type"] != tc.wantType {
				t.Fatalf("frame type %v, want %s", frame["type"], tc.wantType)
			}
		})
	}
}

func TestEncodeStepResultFields(t *testing.T) {
	data, err := EncodeStepResult(StepResult{
		StepIndex:  3,
		Validated:  false,
		NextStep:   3,
		Reason:     "hash_mismatch",
		RecoveryID: "rec-1",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frame := decodeFrame(t, data)
	if frame["validated"] != false || frame["reason"] != "hash_mismatch" || frame["recoveryId"] != "rec-1" {
		t.Fatalf("unexpected frame: %v", frame)
	}
}
