package net

import (
	"encoding/json"
	"errors"
	"log"
	nethttp "net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	server "gemfall/server"
	"gemfall/server/internal/grid"
	"gemfall/server/internal/net/ws"
	"gemfall/server/internal/observability"
	"gemfall/server/internal/recovery"
)

// HTTPHandlerConfig tunes the HTTP surface.
type HTTPHandlerConfig struct {
	ClientDir     string
	Logger        *log.Logger
	Observability observability.Config
}

type startSyncRequest struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
	SpinID    string `json:"spinId"`
}

type stepAckRequest struct {
	SyncSessionID string `json:"syncSessionId"`
	StepIndex     *int   `json:"stepIndex"`
	ClientHash    string `json:"clientHash"`
	Timestamp     int64  `json:"timestamp"`
}

type completeSyncRequest struct {
	SyncSessionID string `json:"syncSessionId"`
	FinalHash     string `json:"finalHash"`
	TotalTime     int64  `json:"totalTime"`
}

type abandonRequest struct {
	SyncSessionID string `json:"syncSessionId"`
	Reason        string `json:"reason"`
}

type validateGridRequest struct {
	GridState grid.Grid `json:"gridState"`
	SessionID string    `json:"sessionId"`
}

type validateStepRequest struct {
	CascadeStep grid.Step `json:"cascadeStep"`
	SessionID   string    `json:"sessionId"`
}

type validateSequenceRequest struct {
	CascadeSteps []grid.Step `json:"cascadeSteps"`
	SessionID    string      `json:"sessionId"`
}

type validateTimingRequest struct {
	StepTiming *grid.Timing `json:"stepTiming"`
	ObservedMs int64        `json:"observedMs"`
}

type fraudSpinRequest struct {
	Steps     []grid.Step `json:"cascadeSteps"`
	SessionID string      `json:"sessionId"`
}

type recoveryRequest struct {
	SyncSessionID string          `json:"syncSessionId"`
	DesyncType    string          `json:"desyncType"`
	ClientState   json.RawMessage `json:"clientState"`
}

type applyRecoveryRequest struct {
	RecoveryID   string `json:"recoveryId"`
	Confirmation bool   `json:"clientConfirmation"`
}

// NewHTTPHandler builds the full HTTP surface of the sync server.
func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string `json:"status"`
			ServerTime int64  `json:"serverTime"`
			Sessions   any    `json:"sessions"`
			Heartbeat  int64  `json:"heartbeatMillis"`
			Telemetry  any    `json:"telemetry"`
			Journal    any    `json:"journal"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Sessions:   hub.DiagnosticsSnapshot(),
			Heartbeat:  server.HeartbeatInterval().Milliseconds(),
			Telemetry:  hub.TelemetrySnapshot(),
			Journal:    hub.JournalSnapshot(),
		}
		writeJSON(w, payload)
	})

	mux.HandleFunc("/catalog", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		catalog := hub.Catalog()
		if catalog == nil {
			httpError(w, "catalog unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		payload := struct {
			Catalog any    `json:"catalog"`
			Schema  any    `json:"schema"`
			Hash    string `json:"catalogHash"`
		}{
			Catalog: catalog.Document(),
			Schema:  catalog.Schema(),
			Hash:    catalog.Hash(),
		}
		writeJSON(w, payload)
	})

	mux.HandleFunc("/sync/start", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req startSyncRequest
		if !decodeBody(w, r, &req) {
			return
		}
		grant, err := hub.CreateSyncSession(req.SessionID, req.PlayerID, req.SpinID)
		if err != nil {
			writeHubError(w, err)
			return
		}
		writeJSON(w, grant)
	})

	mux.HandleFunc("/sync/ack", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req stepAckRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.StepIndex == nil {
			httpError(w, "stepIndex is required", nethttp.StatusBadRequest)
			return
		}
		result, err := hub.ProcessStepAck(req.SyncSessionID, *req.StepIndex, req.ClientHash, req.Timestamp)
		if err != nil {
			writeHubError(w, err)
			return
		}
		writeJSON(w, result)
	})

	mux.HandleFunc("/sync/complete", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req completeSyncRequest
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := hub.CompleteSyncSession(req.SyncSessionID, req.FinalHash, req.TotalTime)
		if err != nil {
			writeHubError(w, err)
			return
		}
		writeJSON(w, result)
	})

	mux.HandleFunc("/sync/abandon", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req abandonRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SyncSessionID == "" {
			httpError(w, "syncSessionId is required", nethttp.StatusBadRequest)
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "client_abandoned"
		}
		hub.AbandonSession(req.SyncSessionID, reason)
		writeJSON(w, struct {
			Status string `json:"status"`
		}{Status: "ok"})
	})

	mux.HandleFunc("/validate/grid", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req validateGridRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, hub.ValidateGrid(req.GridState, req.SessionID))
	})

	mux.HandleFunc("/validate/step", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req validateStepRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, hub.ValidateStep(req.CascadeStep, req.SessionID))
	})

	mux.HandleFunc("/validate/sequence", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req validateSequenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, hub.ValidateSequence(req.CascadeSteps, req.SessionID))
	})

	mux.HandleFunc("/validate/timing", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req validateTimingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.StepTiming == nil {
			httpError(w, "stepTiming is required", nethttp.StatusBadRequest)
			return
		}
		writeJSON(w, hub.AuditTiming(req.ObservedMs, *req.StepTiming))
	})

	mux.HandleFunc("/fraud/grid", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req validateGridRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, hub.FraudGrid(req.GridState, req.SessionID))
	})

	mux.HandleFunc("/fraud/step", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req validateStepRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, hub.FraudStep(req.CascadeStep, req.SessionID))
	})

	mux.HandleFunc("/fraud/spin", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req fraudSpinRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, hub.FraudSpin(req.Steps, req.SessionID))
	})

	mux.HandleFunc("/fraud/stats", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, hub.FraudStatistics())
	})

	mux.HandleFunc("/fraud/stats/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		sessionID := strings.TrimPrefix(r.URL.Path, "/fraud/stats/")
		if sessionID == "" {
			httpError(w, "missing session id", nethttp.StatusBadRequest)
			return
		}
		writeJSON(w, hub.SessionFraudStatistics(sessionID))
	})

	mux.HandleFunc("/recovery/request", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req recoveryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		record, err := hub.RequestRecovery(req.SyncSessionID, req.DesyncType, req.ClientState)
		if err != nil {
			writeHubError(w, err)
			return
		}
		writeJSON(w, record)
	})

	mux.HandleFunc("/recovery/apply", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req applyRecoveryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		record, err := hub.ApplyRecovery(req.RecoveryID, req.Confirmation)
		if err != nil {
			writeHubError(w, err)
			return
		}
		payload := struct {
			Applied  bool   `json:"applied"`
			Status   string `json:"status"`
			NewState any    `json:"newState,omitempty"`
		}{
			Applied: record.Status == recovery.StatusApplied,
			Status:  string(record.Status),
		}
		if payload.Applied {
			payload.NewState = record.Data
		}
		writeJSON(w, payload)
	})

	mux.HandleFunc("/recovery/status/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		recoveryID := strings.TrimPrefix(r.URL.Path, "/recovery/status/")
		if recoveryID == "" {
			httpError(w, "missing recovery id", nethttp.StatusBadRequest)
			return
		}
		report, err := hub.RecoveryStatus(recoveryID)
		if err != nil {
			writeHubError(w, err)
			return
		}
		writeJSON(w, report)
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	wsHandler := ws.NewHandler(hub, logger)
	mux.HandleFunc("/ws", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		syncSessionID := r.URL.Query().Get("session")
		if syncSessionID == "" {
			httpError(w, "missing session", nethttp.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("upgrade failed for %s: %v", syncSessionID, err)
			return
		}
		wsHandler.Serve(syncSessionID, conn)
	})

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if cfg.ClientDir != "" {
		fs := nethttp.FileServer(nethttp.Dir(cfg.ClientDir))
		mux.Handle("/", fs)
	}

	return mux
}

func decodeBody(w nethttp.ResponseWriter, r *nethttp.Request, dst any) bool {
	if r.Method != nethttp.MethodPost {
		httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
		return false
	}
	if r.Body == nil {
		httpError(w, "missing body", nethttp.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w nethttp.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writeHubError(w nethttp.ResponseWriter, err error) {
	switch {
	case errors.Is(err, server.ErrInvalidRequest):
		httpError(w, err.Error(), nethttp.StatusBadRequest)
	case errors.Is(err, server.ErrDuplicateSession):
		httpError(w, err.Error(), nethttp.StatusConflict)
	case errors.Is(err, server.ErrSessionNotFound), errors.Is(err, recovery.ErrNotFound):
		httpError(w, err.Error(), nethttp.StatusNotFound)
	case errors.Is(err, server.ErrIncompleteSession):
		httpError(w, err.Error(), nethttp.StatusConflict)
	case errors.Is(err, server.ErrRecoveryExhausted), errors.Is(err, recovery.ErrExhausted):
		httpError(w, err.Error(), nethttp.StatusGone)
	default:
		httpError(w, err.Error(), nethttp.StatusInternalServerError)
	}
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
