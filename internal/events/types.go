// Package events defines the lifecycle events published by the game and
// master servers and the bus that carries them to telemetry and history.
package events

import "github.com/energizer-project/fragnet/internal/protocol"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Game server session events
	EventPlayerConnected    EventType = "player_connected"
	EventPlayerDisconnected EventType = "player_disconnected"

	// Game server -> master link events
	EventMasterRegistered EventType = "master_registered"
	EventMasterFailure    EventType = "master_failure"

	// Master registry events
	EventServerRegistered   EventType = "server_registered"
	EventServerUnregistered EventType = "server_unregistered"
	EventServerExpired      EventType = "server_expired"
	EventServerRejected     EventType = "server_rejected"

	// System events
	EventLongTick       EventType = "long_tick"
	EventHealthDegraded EventType = "health_degraded"
	EventShutdown       EventType = "shutdown"
)

// RegistryEvents lists every event the master registry emits.
var RegistryEvents = []EventType{
	EventServerRegistered,
	EventServerUnregistered,
	EventServerExpired,
	EventServerRejected,
}

// GameServerEvents lists every event a game server emits.
var GameServerEvents = []EventType{
	EventPlayerConnected,
	EventPlayerDisconnected,
	EventMasterRegistered,
	EventMasterFailure,
}

// SystemEvents lists the process-level events published by the tick loop
// and health checks.
var SystemEvents = []EventType{
	EventLongTick,
	EventHealthDegraded,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// PlayerPayload is carried by player connect/disconnect events.
type PlayerPayload struct {
	Server     string `json:"server"`
	PeerID     int    `json:"peer_id"`
	Name       string `json:"name,omitempty"`
	Address    string `json:"address"`
	Players    int    `json:"players"`
	MaxClients int    `json:"max_clients"`
}

// MasterLinkPayload is carried by master link events of a game server.
type MasterLinkPayload struct {
	Master   string `json:"master"`
	Failures int    `json:"failures"`
	Error    string `json:"error,omitempty"`
}

// RegistryPayload is carried by master registry events.
type RegistryPayload struct {
	Entry  protocol.MasterServerEntry `json:"entry"`
	Source string                     `json:"source"`
	Reason string                     `json:"reason,omitempty"`
}

// LagPayload is carried by EventLongTick.
type LagPayload struct {
	Loop       string  `json:"loop"`
	DurationMs float64 `json:"duration_ms"`
	LimitMs    float64 `json:"limit_ms"`
}

// HealthPayload is carried by EventHealthDegraded.
type HealthPayload struct {
	Check   string `json:"check"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
