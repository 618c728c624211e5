package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/protocol"
)

// masterLink is the Unregistered -> Registered sub-state machine that keeps
// this server listed on a master server. Every push is one fire-and-forget
// datagram; a failed send drops back to Unregistered and the next attempt
// happens one heartbeat interval later.
type masterLink struct {
	sock     network.Socket
	addr     *net.UDPAddr
	interval time.Duration
	logger   zerolog.Logger

	registered    bool
	sinceLastPush time.Duration
	pending       bool

	failures      int
	registrations uint64
	heartbeats    uint64
}

func newMasterLink(ctx context.Context, cfg Config, logger zerolog.Logger) (*masterLink, error) {
	addr, err := network.ResolveUDP(cfg.MasterHost, cfg.MasterPort)
	if err != nil {
		return nil, fmt.Errorf("master link: %w", err)
	}
	sock, err := network.ListenUDP(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("master link: %w", err)
	}
	return &masterLink{
		sock:     sock,
		addr:     addr,
		interval: cfg.HeartbeatInterval,
		logger:   logger.With().Str("master", addr.String()).Logger(),
		pending:  true,
	}, nil
}

// tick advances the heartbeat timer and reports whether a push is due.
func (m *masterLink) tick(dt time.Duration) bool {
	m.sinceLastPush += dt
	return m.pending || m.sinceLastPush >= m.interval
}

// push sends REGISTER while unregistered and HEARTBEAT otherwise.
func (m *masterLink) push(entry protocol.MasterServerEntry) error {
	msgType := protocol.MasterHeartbeat
	if !m.registered {
		msgType = protocol.MasterRegister
	}
	m.pending = false
	m.sinceLastPush = 0

	if _, err := m.sock.WriteTo(protocol.BuildMasterMessage(msgType, entry), m.addr); err != nil {
		m.registered = false
		m.failures++
		m.logger.Warn().
			Err(err).
			Int("failures", m.failures).
			Dur("retry_in", m.interval).
			Msg("Master update failed")
		return err
	}

	if m.registered {
		m.heartbeats++
		m.logger.Trace().Uint8("players", entry.Players).Msg("Heartbeat sent")
		return nil
	}
	m.registered = true
	m.registrations++
	m.logger.Info().Str("entry", entry.String()).Msg("Registered with master server")
	return nil
}

// unregister sends a final UNREGISTER without waiting or retrying.
func (m *masterLink) unregister(entry protocol.MasterServerEntry) {
	if _, err := m.sock.WriteTo(protocol.BuildMasterMessage(protocol.MasterUnregister, entry), m.addr); err != nil {
		m.logger.Debug().Err(err).Msg("Unregister not sent")
		return
	}
	m.registered = false
	m.logger.Info().Msg("Unregistered from master server")
}

func (m *masterLink) close() {
	if err := m.sock.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("Master socket close failed")
	}
}
