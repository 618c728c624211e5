// Package server implements the game network server: it accepts clients
// over the transport, answers HELLO with WELCOME, keeps every client
// informed of the population, relays player state, weapon events and
// voice, and optionally keeps a registration alive on a master server.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/events"
	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/protocol"
)

const (
	// DefaultPort is the game server UDP port.
	DefaultPort = 26015
	// DefaultMaxClients is the default peer capacity.
	DefaultMaxClients = 8
	// DefaultSnapshotInterval is how often snapshots are sent.
	DefaultSnapshotInterval = 50 * time.Millisecond
	// DefaultHeartbeatInterval is the master heartbeat period.
	DefaultHeartbeatInterval = 10 * time.Second
)

// Config holds everything needed to run a game server.
type Config struct {
	BindIP string
	Port   int // 0 binds an ephemeral port

	MaxClients int
	Name       string
	Mode       byte

	// Advertise enables master registration. PublicAddress is the address
	// announced to the master; empty lets the master use the source IP.
	Advertise         bool
	PublicAddress     string
	MasterHost        string
	MasterPort        int
	HeartbeatInterval time.Duration

	SnapshotInterval time.Duration
	VoiceMode        VoiceMode
	VoiceRange       float32
}

func (c *Config) applyDefaults() {
	if c.BindIP == "" {
		c.BindIP = "0.0.0.0"
	}
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.MaxClients > 255 {
		c.MaxClients = 255
	}
	if c.Name == "" {
		c.Name = "fragnet server"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.VoiceRange <= 0 {
		c.VoiceRange = DefaultVoiceRange
	}
}

// player is the per-peer session state, indexed by peer id.
type player struct {
	active      bool
	greeted     bool
	hasState    bool
	name        string
	state       protocol.ClientState
	connectedAt time.Time
}

// Server is a game network server driven by Update from a single loop.
// Only Status may be called from other goroutines.
type Server struct {
	cfg    Config
	ctx    context.Context
	host   *network.Host
	bus    *events.EventBus
	state  *ServerState
	logger zerolog.Logger

	players   []player
	connected int
	stats     Stats

	snapshotTimer time.Duration
	master        *masterLink
}

// New binds the server socket and, when advertising, prepares the master
// link. bus may be nil.
func New(ctx context.Context, stack *network.Stack, cfg Config, bus *events.EventBus) (*Server, error) {
	cfg.applyDefaults()

	bind, err := network.ResolveUDP(cfg.BindIP, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("create game server: %w", err)
	}
	host, err := stack.CreateHost(ctx, network.HostConfig{Bind: bind, PeerCount: cfg.MaxClients})
	if err != nil {
		return nil, fmt.Errorf("create game server: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		ctx:     ctx,
		host:    host,
		bus:     bus,
		state:   NewServerState(),
		players: make([]player, cfg.MaxClients),
		logger: log.With().
			Str("component", "game_server").
			Int("port", host.LocalAddr().Port).
			Logger(),
	}
	s.cfg.Port = host.LocalAddr().Port

	if cfg.Advertise {
		link, err := newMasterLink(ctx, s.cfg, s.logger)
		if err != nil {
			host.Destroy()
			return nil, fmt.Errorf("create game server: %w", err)
		}
		s.master = link
	}

	s.logger.Info().
		Str("name", cfg.Name).
		Int("max_clients", cfg.MaxClients).
		Bool("advertise", cfg.Advertise).
		Stringer("voice_mode", cfg.VoiceMode).
		Msg("Game server listening")
	s.publishStatus()
	return s, nil
}

// LocalAddr returns the bound game socket address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.host.LocalAddr()
}

// Update drains every pending transport event, then runs the snapshot and
// master timers.
func (s *Server) Update(dt time.Duration) {
	for {
		ev, err := s.host.Service(0)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Transport service failed")
			break
		}
		if ev.Type == network.EventNone {
			break
		}
		s.handleEvent(ev)
	}

	s.snapshotTimer += dt
	if s.snapshotTimer >= s.cfg.SnapshotInterval {
		s.snapshotTimer = 0
		s.sendSnapshots()
	}

	if s.master != nil && s.master.tick(dt) {
		s.pushMaster()
	}

	s.publishStatus()
}

func (s *Server) handleEvent(ev network.Event) {
	switch ev.Type {
	case network.EventConnect:
		s.onConnect(ev.Peer)
	case network.EventDisconnect:
		s.onDisconnect(ev.Peer)
	case network.EventReceive:
		s.onReceive(ev.Peer, ev.Packet.Data)
		ev.Packet.Destroy()
	}
}

func (s *Server) onConnect(peer *network.Peer) {
	if s.connected < s.cfg.MaxClients {
		s.connected++
	}
	s.players[peer.ID()] = player{active: true, connectedAt: time.Now()}

	s.logger.Info().
		Stringer("peer", peer).
		Int("players", s.connected).
		Msg("Client connected")

	s.broadcastPlayerCount()
	s.pushMaster()
	s.emitPlayer(events.EventPlayerConnected, peer)
}

func (s *Server) onDisconnect(peer *network.Peer) {
	if !s.players[peer.ID()].active {
		return
	}
	if s.connected > 0 {
		s.connected--
	}
	s.emitPlayer(events.EventPlayerDisconnected, peer)
	s.players[peer.ID()] = player{}

	s.logger.Info().
		Stringer("peer", peer).
		Int("players", s.connected).
		Msg("Client disconnected")

	s.broadcastPlayerCount()
	s.pushMaster()
}

func (s *Server) onReceive(peer *network.Peer, data []byte) {
	p := &s.players[peer.ID()]
	if !p.active {
		return
	}
	msgType := protocol.MessageType(data)
	s.logger.Trace().Stringer("peer", peer).Uint8("type", msgType).Int("size", len(data)).Msg("packet received")

	switch msgType {
	case protocol.MsgHello:
		s.onHello(peer, p, data)
	case protocol.MsgClientState:
		st, err := protocol.ParseClientState(data)
		if err != nil {
			s.dropInvalid(peer, err)
			return
		}
		p.state = st
		p.hasState = true
	case protocol.MsgClientWeaponEvent:
		s.relayWeaponEvent(peer, p, data)
	case protocol.MsgClientVoiceData:
		s.relayVoice(peer, p, data)
	default:
		s.dropInvalid(peer, fmt.Errorf("type 0x%02X: %w", msgType, protocol.ErrUnknownMessage))
	}
}

func (s *Server) dropInvalid(peer *network.Peer, err error) {
	s.stats.InvalidPackets++
	s.logger.Debug().Err(err).Stringer("peer", peer).Msg("Dropping packet")
}

func (s *Server) onHello(peer *network.Peer, p *player, data []byte) {
	name, err := protocol.ParseHello(data)
	if err != nil {
		s.dropInvalid(peer, err)
		return
	}
	if name == "" {
		name = fmt.Sprintf("player%d", peer.ID())
	}
	p.name = name
	p.greeted = true

	welcome := protocol.BuildWelcome(protocol.Welcome{
		PlayerCount: byte(s.connected),
		MaxClients:  byte(s.cfg.MaxClients),
		SelfID:      byte(peer.ID()),
		HasSelfID:   true,
	})
	if err := peer.Send(0, network.NewPacket(welcome, network.FlagReliable)); err != nil {
		s.logger.Warn().Err(err).Stringer("peer", peer).Msg("Failed to send welcome")
	}
	s.logger.Info().Stringer("peer", peer).Str("name", name).Msg("Client greeted")

	s.broadcastPlayerCount()
	s.pushMaster()
}

func (s *Server) broadcastPlayerCount() {
	pkt := network.NewPacket(protocol.BuildPlayerCount(byte(s.connected)), network.FlagReliable)
	s.host.Broadcast(0, pkt)
}

// sendSnapshots sends every greeted peer the state of every other greeted
// peer. A lone peer still gets an empty snapshot so departed players drop
// out of its table.
func (s *Server) sendSnapshots() {
	var records []protocol.PlayerRecord
	for id := range s.players {
		p := &s.players[id]
		if !p.active || !p.greeted {
			continue
		}
		records = append(records, protocol.PlayerRecord{
			ID:       byte(id),
			Position: p.state.Position,
			Yaw:      p.state.Yaw,
			Name:     p.name,
		})
	}
	if len(records) == 0 {
		return
	}

	others := make([]protocol.PlayerRecord, 0, len(records)-1)
	for _, target := range records {
		others = others[:0]
		for _, rec := range records {
			if rec.ID != target.ID {
				others = append(others, rec)
			}
		}
		peer := s.host.Peer(network.PeerID(target.ID))
		pkt := network.NewPacket(protocol.BuildSnapshot(others), network.FlagUnsequenced)
		if err := peer.Send(0, pkt); err != nil {
			s.logger.Debug().Err(err).Stringer("peer", peer).Msg("Snapshot send failed")
			continue
		}
		s.stats.Snapshots++
	}
}

func (s *Server) relayWeaponEvent(from *network.Peer, p *player, data []byte) {
	if !p.greeted {
		s.dropInvalid(from, fmt.Errorf("weapon event before hello"))
		return
	}
	ev, err := protocol.ParseWeaponEvent(data)
	if err != nil {
		s.dropInvalid(from, err)
		return
	}
	ev.ActorID = byte(from.ID())

	pkt := network.NewPacket(protocol.BuildWeaponEvent(protocol.MsgWeaponEvent, ev), network.FlagReliable)
	n := s.sendToOthers(from, pkt, nil)
	s.stats.WeaponRelays += uint64(n)

	s.logger.Debug().
		Stringer("peer", from).
		Stringer("event", ev.Type).
		Uint16("weapon", ev.WeaponID).
		Int("receivers", n).
		Msg("Weapon event relayed")
}

func (s *Server) relayVoice(from *network.Peer, p *player, data []byte) {
	if s.cfg.VoiceMode == VoiceOff || !p.greeted {
		s.stats.VoiceDropped++
		return
	}
	v, err := protocol.ParseVoice(data)
	if err != nil {
		s.stats.VoiceDropped++
		s.dropInvalid(from, err)
		return
	}
	v.SpeakerID = byte(from.ID())

	out, err := protocol.BuildVoice(protocol.MsgVoiceData, v)
	if err != nil {
		s.stats.VoiceDropped++
		return
	}

	var inRange func(id network.PeerID) bool
	if s.cfg.VoiceMode == VoiceProximity {
		if !p.hasState {
			s.stats.VoiceDropped++
			return
		}
		origin := p.state.Position
		inRange = func(id network.PeerID) bool {
			other := &s.players[id]
			return other.hasState && other.state.Position.DistanceTo(origin) <= s.cfg.VoiceRange
		}
	}

	n := s.sendToOthers(from, network.NewPacket(out, network.FlagUnsequenced), inRange)
	s.stats.VoiceRelays += uint64(n)
}

// sendToOthers sends pkt to every greeted peer except from that passes
// filter, returning how many sends succeeded.
func (s *Server) sendToOthers(from *network.Peer, pkt *network.Packet, filter func(network.PeerID) bool) int {
	sent := 0
	for _, peer := range s.host.ConnectedPeers() {
		if peer.ID() == from.ID() || !s.players[peer.ID()].greeted {
			continue
		}
		if filter != nil && !filter(peer.ID()) {
			continue
		}
		if err := peer.Send(0, pkt); err != nil {
			s.logger.Debug().Err(err).Stringer("peer", peer).Msg("Relay send failed")
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) emitPlayer(t events.EventType, peer *network.Peer) {
	s.bus.Emit(s.ctx, events.Event{
		Type:   t,
		Source: "game_server",
		Payload: events.PlayerPayload{
			Server:     s.cfg.Name,
			PeerID:     int(peer.ID()),
			Name:       s.players[peer.ID()].name,
			Address:    peer.Addr().String(),
			Players:    s.connected,
			MaxClients: s.cfg.MaxClients,
		},
	})
}

// entry returns the master entry describing this server right now.
func (s *Server) entry() protocol.MasterServerEntry {
	return protocol.MasterServerEntry{
		Name:       s.cfg.Name,
		Address:    s.cfg.PublicAddress,
		Port:       uint16(s.cfg.Port),
		Mode:       s.cfg.Mode,
		Players:    byte(s.connected),
		MaxPlayers: byte(s.cfg.MaxClients),
	}.Normalize()
}

// pushMaster sends a register or heartbeat right away.
func (s *Server) pushMaster() {
	if s.master == nil {
		return
	}
	wasRegistered := s.master.registered
	if err := s.master.push(s.entry()); err != nil {
		s.bus.Emit(s.ctx, events.Event{
			Type:   events.EventMasterFailure,
			Source: "game_server",
			Payload: events.MasterLinkPayload{
				Master:   s.master.addr.String(),
				Failures: s.master.failures,
				Error:    err.Error(),
			},
		})
		return
	}
	if !wasRegistered {
		s.bus.Emit(s.ctx, events.Event{
			Type:    events.EventMasterRegistered,
			Source:  "game_server",
			Payload: events.MasterLinkPayload{Master: s.master.addr.String(), Failures: s.master.failures},
		})
	}
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	st := s.stats
	st.Name = s.cfg.Name
	st.Port = s.cfg.Port
	st.ConnectedClients = s.connected
	st.MaxClients = s.cfg.MaxClients
	st.VoiceMode = s.cfg.VoiceMode
	if s.master != nil {
		st.Advertise = true
		st.Registered = s.master.registered
		st.MasterFailures = s.master.failures
		st.Registrations = s.master.registrations
		st.Heartbeats = s.master.heartbeats
	}
	return st
}

// Status returns the snapshot published at the end of the last Update. It
// is safe to call from any goroutine.
func (s *Server) Status() StatusSnapshot {
	return s.state.Snapshot()
}

func (s *Server) publishStatus() {
	players := make([]PlayerInfo, 0, s.connected)
	for _, peer := range s.host.ConnectedPeers() {
		p := &s.players[peer.ID()]
		if !p.active {
			continue
		}
		players = append(players, PlayerInfo{
			ID:          byte(peer.ID()),
			Name:        p.name,
			Address:     peer.Addr().String(),
			Greeted:     p.greeted,
			X:           p.state.Position.X,
			Y:           p.state.Position.Y,
			Z:           p.state.Position.Z,
			Yaw:         p.state.Yaw,
			ConnectedAt: p.connectedAt,
		})
	}
	s.state.Publish(s.Stats(), players)
}

// Destroy unregisters from the master (best effort), tells connected
// clients the session is over and closes the socket.
func (s *Server) Destroy() {
	if s.master != nil {
		s.master.unregister(s.entry())
		s.master.close()
	}
	for _, peer := range s.host.ConnectedPeers() {
		peer.Disconnect()
	}
	s.host.Destroy()
	s.logger.Info().Msg("Game server stopped")
}
