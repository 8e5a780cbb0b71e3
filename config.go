package server

import (
	"time"

	"gemfall/server/internal/timing"
)

// ProtocolVersion tags every websocket envelope so clients can reject
// payloads from a newer server.
const ProtocolVersion = 1

const defaultStepTimeout = 15 * time.Second
const defaultMaintenanceInterval = time.Second
const defaultHeartbeatInterval = 5 * time.Second
const defaultDisconnectAfter = 45 * time.Second
const defaultSessionRetention = time.Minute

// GameConfig fixes the board shape the validators check submissions against.
type GameConfig struct {
	Cols           int `json:"cols"`
	Rows           int `json:"rows"`
	MinClusterSize int `json:"minClusterSize"`

	// AllowCompensatedPayouts accepts step submissions whose per-cluster
	// payouts differ from the authoritative outcome as long as the step
	// total matches. Off unless a jurisdiction explicitly wants it.
	AllowCompensatedPayouts bool `json:"allowCompensatedPayouts"`
}

// HubConfig carries everything the hub needs beyond its collaborators.
type HubConfig struct {
	Game GameConfig

	// StepTimeout bounds how long a session may sit waiting for one step
	// acknowledgment before the wait is treated as a timing desync.
	StepTimeout time.Duration

	// MaintenanceInterval is how often the hub sweeps sessions for step
	// timeouts and expired recovery records.
	MaintenanceInterval time.Duration

	// DisconnectAfter abandons a session once its heartbeats go silent for
	// this long. Only sessions that have heartbeated at least once are
	// subject to it; plain HTTP clients never ping.
	DisconnectAfter time.Duration

	// SessionRetention is how long completed and abandoned sessions stay
	// queryable before the sweep drops them.
	SessionRetention time.Duration

	// RecoveryAttempts is the per-tier retry budget before escalation.
	RecoveryAttempts int

	// JournalCapacity bounds the desync incident journal.
	JournalCapacity int

	Tolerance timing.Tolerance

	// FraudBlockThreshold gates session blocking; zero keeps scoring
	// advisory only.
	FraudBlockThreshold float64

	Logger Logger
}

// Logger is the minimal logging surface hub components need.
type Logger interface {
	Printf(format string, args ...any)
}

// DefaultGameConfig matches the reference engine board.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		Cols:           6,
		Rows:           5,
		MinClusterSize: 4,
	}
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Game:                DefaultGameConfig(),
		StepTimeout:         defaultStepTimeout,
		MaintenanceInterval: defaultMaintenanceInterval,
		DisconnectAfter:     defaultDisconnectAfter,
		SessionRetention:    defaultSessionRetention,
		RecoveryAttempts:    3,
		JournalCapacity:     512,
		Tolerance:           timing.DefaultTolerance(),
	}
}

// Normalized clamps nonsense values back to the defaults.
func (c HubConfig) Normalized() HubConfig {
	defaults := DefaultHubConfig()
	if c.Game.Cols <= 0 {
		c.Game.Cols = defaults.Game.Cols
	}
	if c.Game.Rows <= 0 {
		c.Game.Rows = defaults.Game.Rows
	}
	if c.Game.MinClusterSize <= 1 {
		c.Game.MinClusterSize = defaults.Game.MinClusterSize
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaults.StepTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaults.MaintenanceInterval
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = defaults.DisconnectAfter
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = defaults.SessionRetention
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = defaults.RecoveryAttempts
	}
	if c.JournalCapacity <= 0 {
		c.JournalCapacity = defaults.JournalCapacity
	}
	if c.Tolerance.BaseMs <= 0 {
		c.Tolerance = defaults.Tolerance
	}
	return c
}

// HeartbeatInterval is the cadence clients are expected to ping at.
func HeartbeatInterval() time.Duration {
	return defaultHeartbeatInterval
}
