// Package client implements the game network client: the handshake with a
// game server, snapshot decoding into the remote player table, and the
// bounded weapon-event and voice queues consumed by the game layer once
// per frame.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/protocol"
)

const (
	// WeaponQueueSize is the capacity of the inbound weapon event queue.
	WeaponQueueSize = 64
	// VoiceQueueSize is the capacity of the inbound voice queue.
	VoiceQueueSize = 64
)

// ErrNotConnected is returned by sends before the server has assigned an id.
var ErrNotConnected = errors.New("client: not connected")

// State is the client session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the server the client talks to.
type Config struct {
	Host string
	Port int
	// Name is sent in HELLO. Empty sends the bare HELLO and the server
	// picks a name.
	Name string
}

// Stats is a read-only view of the session, refreshed by Update.
type Stats struct {
	Connected           bool          `json:"connected"`
	State               State         `json:"state"`
	TimeSinceLastPacket time.Duration `json:"time_since_last_packet"`
	Ping                time.Duration `json:"ping"`
	RemotePlayerCount   int           `json:"remote_player_count"`
	MaxClients          int           `json:"max_clients"`
	SelfID              byte          `json:"self_id"`
	WeaponEventsDropped uint64        `json:"weapon_events_dropped"`
	VoiceDropped        uint64        `json:"voice_dropped"`
}

// RemotePlayer is one slot of the remote player table.
type RemotePlayer struct {
	ID       byte
	Active   bool
	Name     string
	Position protocol.Vec3
	Yaw      float32
}

// Client is a game network client. It is driven by Update from the game
// loop and is not safe for concurrent use.
type Client struct {
	cfg    Config
	host   *network.Host
	peer   *network.Peer
	logger zerolog.Logger

	state          State
	selfID         byte
	remoteCount    int
	maxClients     int
	handshakeStart time.Time
	ping           time.Duration
	sinceLast      time.Duration

	players [protocol.MaxRemotePlayer]RemotePlayer
	weapons *Ring[protocol.WeaponEvent]
	voice   *Ring[protocol.VoicePacket]
}

// New creates a disconnected client with its own transport host.
func New(ctx context.Context, stack *network.Stack, cfg Config) (*Client, error) {
	host, err := stack.CreateHost(ctx, network.HostConfig{PeerCount: 1})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Client{
		cfg:  cfg,
		host: host,
		logger: log.With().
			Str("component", "net_client").
			Str("server", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).
			Logger(),
		selfID:  protocol.NoPlayerID,
		weapons: NewRing[protocol.WeaponEvent](WeaponQueueSize),
		voice:   NewRing[protocol.VoicePacket](VoiceQueueSize),
	}, nil
}

// State returns the current session state.
func (c *Client) State() State {
	return c.state
}

// Connect starts the handshake and moves to Connecting. The session
// reaches Connected when the server's WELCOME arrives during Update;
// there is no handshake timeout.
func (c *Client) Connect() error {
	if c.state != StateDisconnected {
		c.Disconnect()
	}

	addr, err := network.ResolveUDP(c.cfg.Host, c.cfg.Port)
	if err != nil {
		return err
	}
	peer, err := c.host.Connect(addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// events left over from a previous session are not replayed
	c.weapons.Clear()
	c.voice.Clear()
	c.peer = peer
	c.state = StateConnecting
	c.handshakeStart = time.Now()
	c.sinceLast = 0
	c.logger.Info().Msg("Connecting to game server")
	return nil
}

// Disconnect notifies the server and returns to Disconnected without
// waiting for confirmation.
func (c *Client) Disconnect() {
	if c.peer != nil {
		c.peer.Disconnect()
		c.peer.Reset()
		c.peer = nil
	}
	if c.state != StateDisconnected {
		c.logger.Info().Msg("Disconnected from game server")
	}
	c.resetSession()
}

func (c *Client) resetSession() {
	c.state = StateDisconnected
	c.selfID = protocol.NoPlayerID
	c.remoteCount = 0
	c.players = [protocol.MaxRemotePlayer]RemotePlayer{}
}

// Update drains every pending transport event and advances the idle timer
// by dt.
func (c *Client) Update(dt time.Duration) {
	c.sinceLast += dt

	for {
		ev, err := c.host.Service(0)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Transport service failed")
			return
		}
		if ev.Type == network.EventNone {
			return
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev network.Event) {
	if c.peer == nil || ev.Peer != c.peer {
		return
	}

	switch ev.Type {
	case network.EventConnect:
		// Transport handshake done; identify ourselves to the game layer.
		c.sinceLast = 0
		if err := c.send(protocol.BuildHello(c.cfg.Name), network.FlagReliable); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send hello")
		}

	case network.EventDisconnect:
		c.logger.Info().Msg("Server closed the session")
		c.peer = nil
		c.resetSession()

	case network.EventReceive:
		c.sinceLast = 0
		c.handlePacket(ev.Packet.Data)
		ev.Packet.Destroy()
	}
}

func (c *Client) handlePacket(data []byte) {
	msgType := protocol.MessageType(data)
	c.logger.Trace().Uint8("type", msgType).Int("size", len(data)).Msg("packet received")

	switch msgType {
	case protocol.MsgWelcome:
		if c.state != StateConnecting {
			c.logger.Debug().Stringer("state", c.state).Msg("Unexpected welcome ignored")
			return
		}
		w, err := protocol.ParseWelcome(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping welcome")
			return
		}
		c.state = StateConnected
		c.ping = time.Since(c.handshakeStart)
		c.selfID = w.SelfID
		c.remoteCount = int(w.PlayerCount)
		c.maxClients = int(w.MaxClients)
		c.logger.Info().
			Uint8("self_id", c.selfID).
			Int("players", c.remoteCount).
			Int("max_clients", c.maxClients).
			Dur("ping", c.ping).
			Msg("Connected to game server")

	case protocol.MsgPlayerCount:
		count, err := protocol.ParsePlayerCount(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping player count")
			return
		}
		c.remoteCount = int(count)

	case protocol.MsgServerSnapshot:
		records, err := protocol.ParseSnapshot(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping snapshot")
			return
		}
		c.applySnapshot(records)

	case protocol.MsgWeaponEvent:
		ev, err := protocol.ParseWeaponEvent(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping weapon event")
			return
		}
		c.weapons.Push(ev)

	case protocol.MsgVoiceData:
		v, err := protocol.ParseVoice(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping voice packet")
			return
		}
		c.voice.Push(v)

	default:
		c.logger.Debug().Uint8("type", msgType).Msg("Unknown message type")
	}
}

// applySnapshot overwrites the whole remote player table.
func (c *Client) applySnapshot(records []protocol.PlayerRecord) {
	c.players = [protocol.MaxRemotePlayer]RemotePlayer{}
	for i, rec := range records {
		c.players[i] = RemotePlayer{
			ID:       rec.ID,
			Active:   true,
			Name:     rec.Name,
			Position: rec.Position,
			Yaw:      rec.Yaw,
		}
	}
}

// Stats returns the current session statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:           c.state == StateConnected,
		State:               c.state,
		TimeSinceLastPacket: c.sinceLast,
		Ping:                c.ping,
		RemotePlayerCount:   c.remoteCount,
		MaxClients:          c.maxClients,
		SelfID:              c.selfID,
		WeaponEventsDropped: c.weapons.Dropped(),
		VoiceDropped:        c.voice.Dropped(),
	}
}

// RemotePlayers returns a copy of the remote player table. Inactive slots
// are zero.
func (c *Client) RemotePlayers() [protocol.MaxRemotePlayer]RemotePlayer {
	return c.players
}

// ready reports whether the server has acknowledged our identity.
func (c *Client) ready() bool {
	return c.state == StateConnected && c.selfID != protocol.NoPlayerID && c.peer != nil
}

func (c *Client) send(data []byte, flags network.PacketFlag) error {
	if c.peer == nil {
		return ErrNotConnected
	}
	return c.peer.Send(0, network.NewPacket(data, flags))
}

// SendPlayerState sends the local player's transform.
func (c *Client) SendPlayerState(pos protocol.Vec3, yaw float32) error {
	if !c.ready() {
		return ErrNotConnected
	}
	return c.send(protocol.BuildClientState(protocol.ClientState{Position: pos, Yaw: yaw}), network.FlagReliable)
}

// SendWeaponEvent sends a local drop or pickup. The actor id is set to our
// own id.
func (c *Client) SendWeaponEvent(ev protocol.WeaponEvent) error {
	if !c.ready() {
		return ErrNotConnected
	}
	ev.ActorID = c.selfID
	return c.send(protocol.BuildWeaponEvent(protocol.MsgClientWeaponEvent, ev), network.FlagReliable)
}

// SendVoicePacket sends one block of captured samples, unsequenced.
func (c *Client) SendVoicePacket(v protocol.VoicePacket) error {
	if !c.ready() {
		return ErrNotConnected
	}
	v.SpeakerID = c.selfID
	data, err := protocol.BuildVoice(protocol.MsgClientVoiceData, v)
	if err != nil {
		return err
	}
	return c.send(data, network.FlagUnsequenced)
}

// DequeueWeaponEvents pops up to n queued weapon events, oldest first.
func (c *Client) DequeueWeaponEvents(n int) []protocol.WeaponEvent {
	return c.weapons.Pop(n)
}

// DequeueVoicePackets pops up to n queued voice packets, oldest first.
func (c *Client) DequeueVoicePackets(n int) []protocol.VoicePacket {
	return c.voice.Pop(n)
}

// Close disconnects and releases the transport host.
func (c *Client) Close() {
	c.Disconnect()
	c.host.Destroy()
}
