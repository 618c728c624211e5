package server

import (
	"sync"
	"time"
)

// Stats holds the game server counters.
type Stats struct {
	Name             string    `json:"name"`
	Port             int       `json:"port"`
	ConnectedClients int       `json:"connected_clients"`
	MaxClients       int       `json:"max_clients"`
	Advertise        bool      `json:"advertise"`
	Registered       bool      `json:"registered"`
	MasterFailures   int       `json:"master_failures"`
	Registrations    uint64    `json:"registrations"`
	Heartbeats       uint64    `json:"heartbeats"`
	Snapshots        uint64    `json:"snapshots"`
	WeaponRelays     uint64    `json:"weapon_relays"`
	VoiceRelays      uint64    `json:"voice_relays"`
	VoiceDropped     uint64    `json:"voice_dropped"`
	VoiceMode        VoiceMode `json:"voice_mode"`
	InvalidPackets   uint64    `json:"invalid_packets"`
}

// PlayerInfo describes one connected peer.
type PlayerInfo struct {
	ID          byte      `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Greeted     bool      `json:"greeted"`
	X           float32   `json:"x"`
	Y           float32   `json:"y"`
	Z           float32   `json:"z"`
	Yaw         float32   `json:"yaw"`
	ConnectedAt time.Time `json:"connected_at"`
}

// StatusSnapshot is an immutable copy of the server state taken at the
// end of an Update.
type StatusSnapshot struct {
	Stats     Stats        `json:"stats"`
	Players   []PlayerInfo `json:"players"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ServerState is the thread-safe status published by the update loop for
// readers on other goroutines (HTTP API, telemetry).
type ServerState struct {
	mu       sync.RWMutex
	snapshot StatusSnapshot
}

// NewServerState creates an empty state.
func NewServerState() *ServerState {
	return &ServerState{
		snapshot: StatusSnapshot{Players: make([]PlayerInfo, 0)},
	}
}

// Publish replaces the current snapshot.
func (s *ServerState) Publish(stats Stats, players []PlayerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = StatusSnapshot{
		Stats:     stats,
		Players:   players,
		UpdatedAt: time.Now(),
	}
}

// Snapshot returns a copy of the last published status.
func (s *ServerState) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]PlayerInfo, len(s.snapshot.Players))
	copy(players, s.snapshot.Players)

	snap := s.snapshot
	snap.Players = players
	return snap
}
