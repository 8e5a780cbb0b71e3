package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	server "gemfall/server"
	"gemfall/server/internal/digest"
	"gemfall/server/internal/engine"
)

func newTestHub(t *testing.T) *server.Hub {
	t.Helper()
	provider, err := engine.NewDeterministic(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	return server.NewHub(provider)
}

func cascadingSpin(t *testing.T) string {
	t.Helper()
	provider, err := engine.NewDeterministic(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	for i := 0; i < 2000; i++ {
		spinID := fmt.Sprintf("spin-%d", i)
		outcome, err := provider.Outcome(spinID)
		if err != nil {
			t.Fatalf("outcome %s: %v", spinID, err)
		}
		if len(outcome.Steps) > 0 {
			return spinID
		}
	}
	t.Fatalf("no cascading spin among candidates")
	return ""
}

func dialSession(t *testing.T, hub *server.Hub, syncSessionID string) *websocket.Conn {
	t.Helper()
	handler := NewHandler(hub, nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler.Serve(r.URL.Query().Get("session"), conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session=" + syncSessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is the loose shape of every server payload, decoded field by field as
// each test needs.
type frame struct {
	Ver            int             `json:"ver"`
	Type           string          `json:"type"`
	SyncSessionID  string          `json:"syncSessionId"`
	ValidationSalt string          `json:"validationSalt"`
	SyncSeed       int64           `json:"syncSeed"`
	StepCount      int             `json:"expectedStepCount"`
	CatalogHash    string          `json:"catalogHash"`
	StepIndex      int             `json:"stepIndex"`
	Validated      bool            `json:"validated"`
	NextStep       int             `json:"nextStep"`
	Reason         string          `json:"reason"`
	RecoveryID     string          `json:"recoveryId"`
	RecoveryType   string          `json:"recoveryType"`
	Status         string          `json:"status"`
	Progress       float64         `json:"progress"`
	Step           json.RawMessage `json:"step"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.Fatalf("decode frame %q: %v", payload, err)
	}
	return f
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func TestServeAnnouncesSessionAndStreamsSteps(t *testing.T) {
	hub := newTestHub(t)
	grant, err := hub.CreateSyncSession("game-1", "player-1", cascadingSpin(t))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	conn := dialSession(t, hub, grant.SyncSessionID)

	open := readFrame(t, conn)
	if open.Type != "session" || open.Ver != 1 {
		t.Fatalf("expected session announcement first, got %+v", open)
	}
	if open.ValidationSalt != grant.ValidationSalt || open.SyncSeed != grant.SyncSeed {
		t.Fatalf("announcement does not match grant: %+v", open)
	}
	if open.StepCount != grant.StepCount || open.CatalogHash != grant.CatalogHash {
		t.Fatalf("announcement does not match grant: %+v", open)
	}

	for i := 0; i < grant.StepCount; i++ {
		step := readFrame(t, conn)
		if step.Type != "cascade_step" {
			t.Fatalf("expected cascade_step %d, got %+v", i, step)
		}
	}
}

func TestStepAckOverWebsocketDoesNotFlagWallClock(t *testing.T) {
	hub := newTestHub(t)
	grant, err := hub.CreateSyncSession("game-1", "player-1", cascadingSpin(t))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	outcome, err := hub.SessionOutcome(grant.SyncSessionID)
	if err != nil {
		t.Fatalf("session outcome: %v", err)
	}
	conn := dialSession(t, hub, grant.SyncSessionID)

	for i := 0; i <= grant.StepCount; i++ {
		readFrame(t, conn)
	}

	step := outcome.Steps[0]
	hash, err := digest.Step(step, digest.Context{
		SessionSalt: grant.ValidationSalt,
		StepIndex:   0,
		SyncSeed:    grant.SyncSeed,
	})
	if err != nil {
		t.Fatalf("hash step: %v", err)
	}
	sendJSON(t, conn, map[string]any{
		"type":       "stepAck",
		"stepIndex":  0,
		"clientHash": hash,
		"sentAt":     time.Now().UnixMilli(),
		"observedMs": step.Timing.TotalDuration,
	})

	result := readFrame(t, conn)
	if result.Type != "stepResult" || !result.Validated || result.NextStep != 1 {
		t.Fatalf("expected validated step result, got %+v", result)
	}

	snap := hub.TelemetrySnapshot()
	if snap.FraudFlags != 0 {
		t.Fatalf("honest acknowledgment must not flag fraud: %+v", snap)
	}
}

func TestRecoveryStatusPollOverWebsocket(t *testing.T) {
	hub := newTestHub(t)
	grant, err := hub.CreateSyncSession("game-1", "player-1", cascadingSpin(t))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	conn := dialSession(t, hub, grant.SyncSessionID)

	for i := 0; i <= grant.StepCount; i++ {
		readFrame(t, conn)
	}

	sendJSON(t, conn, map[string]any{
		"type":       "stepAck",
		"stepIndex":  0,
		"clientHash": "deadbeef",
		"observedMs": 500,
	})

	result := readFrame(t, conn)
	if result.Type != "stepResult" || result.Validated || result.RecoveryID == "" {
		t.Fatalf("expected rejected step result with recovery, got %+v", result)
	}
	desync := readFrame(t, conn)
	if desync.Type != "desync" {
		t.Fatalf("expected desync notice, got %+v", desync)
	}
	pushed := readFrame(t, conn)
	if pushed.Type != "recovery" || pushed.RecoveryID != result.RecoveryID {
		t.Fatalf("expected recovery payload, got %+v", pushed)
	}

	sendJSON(t, conn, map[string]any{
		"type":       "recoveryStatus",
		"recoveryId": result.RecoveryID,
	})
	status := readFrame(t, conn)
	if status.Type != "recoveryStatus" || status.RecoveryID != result.RecoveryID {
		t.Fatalf("expected recovery status, got %+v", status)
	}
	if status.Status != "pending" {
		t.Fatalf("unconfirmed recovery must report pending, got %+v", status)
	}
}
