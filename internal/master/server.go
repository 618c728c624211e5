package master

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/energizer-project/fragnet/internal/events"
	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/protocol"
)

const (
	// DefaultPort is the master server UDP port.
	DefaultPort = 26000
	// DefaultHeartbeatTimeout evicts servers silent for this long.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultCleanupInterval is the period of the expiry sweep.
	DefaultCleanupInterval = 5 * time.Second
	// DefaultRateLimit is the per-source datagram rate.
	DefaultRateLimit = 20
	// DefaultRateBurst is the per-source burst allowance.
	DefaultRateBurst = 40

	limiterIdleTTL = 10 * time.Minute

	// recvBufferSize fits any datagram the protocol produces.
	recvBufferSize = 2 + protocol.MaxListEntries*protocol.EntrySize
)

// ServerConfig configures the master server.
type ServerConfig struct {
	BindIP string
	Port   int // 0 binds an ephemeral port

	MaxServers       int
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration

	// RateLimit is datagrams per second per source IP; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

func (c *ServerConfig) applyDefaults() {
	if c.BindIP == "" {
		c.BindIP = "0.0.0.0"
	}
	if c.MaxServers <= 0 {
		c.MaxServers = DefaultMaxServers
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit * 2)
	}
}

// Stats holds the master server counters.
type Stats struct {
	ActiveServers  int    `json:"active_servers"`
	MaxServers     int    `json:"max_servers"`
	Registers      uint64 `json:"registers"`
	Heartbeats     uint64 `json:"heartbeats"`
	Unregisters    uint64 `json:"unregisters"`
	ListRequests   uint64 `json:"list_requests"`
	DroppedServers uint64 `json:"dropped_servers"`
	Expired        uint64 `json:"expired"`
	Rejected       uint64 `json:"rejected"`
	RateLimited    uint64 `json:"rate_limited"`
	InvalidPackets uint64 `json:"invalid_packets"`
}

// Status is the snapshot published at the end of every Update.
type Status struct {
	Stats     Stats     `json:"stats"`
	Servers   []Record  `json:"servers"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server is the master server. Update drives it from a single loop; only
// Status may be called from other goroutines.
type Server struct {
	cfg      ServerConfig
	ctx      context.Context
	sock     network.Socket
	registry *Registry
	bus      *events.EventBus
	logger   zerolog.Logger

	limiters     map[netip.Addr]*sourceLimiter
	cleanupTimer time.Duration
	stats        Stats
	buf          []byte

	statusMu sync.RWMutex
	status   Status
}

// NewServer binds the master socket. bus may be nil.
func NewServer(ctx context.Context, cfg ServerConfig, bus *events.EventBus) (*Server, error) {
	cfg.applyDefaults()

	bind, err := network.ResolveUDP(cfg.BindIP, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("create master server: %w", err)
	}
	sock, err := network.ListenUDP(ctx, bind)
	if err != nil {
		return nil, fmt.Errorf("create master server: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		ctx:      ctx,
		sock:     sock,
		registry: NewRegistry(cfg.MaxServers),
		bus:      bus,
		limiters: make(map[netip.Addr]*sourceLimiter),
		buf:      make([]byte, recvBufferSize),
		logger: log.With().
			Str("component", "master_server").
			Int("port", sock.LocalAddr().Port).
			Logger(),
	}

	s.logger.Info().
		Int("max_servers", cfg.MaxServers).
		Dur("heartbeat_timeout", cfg.HeartbeatTimeout).
		Dur("cleanup_interval", cfg.CleanupInterval).
		Float64("rate_limit", cfg.RateLimit).
		Msg("Master server listening")
	s.publishStatus()
	return s, nil
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.sock.LocalAddr()
}

// Update ages every entry by dt, handles every queued datagram and runs
// the expiry sweep when the cleanup interval has elapsed.
func (s *Server) Update(dt time.Duration) {
	s.registry.Advance(dt)

	for {
		n, from, err := s.sock.ReadFrom(s.buf, 0)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Master socket read failed")
			break
		}
		if n == 0 {
			break
		}
		if !s.allow(from) {
			s.stats.RateLimited++
			s.logger.Debug().Str("from", from.String()).Msg("Rate limit exceeded")
			continue
		}
		s.handleDatagram(s.buf[:n], from)
	}

	s.cleanupTimer += dt
	if s.cleanupTimer >= s.cfg.CleanupInterval {
		s.cleanupTimer = 0
		s.sweep()
	}

	s.publishStatus()
}

func (s *Server) allow(from *net.UDPAddr) bool {
	if s.cfg.RateLimit <= 0 {
		return true
	}
	ip := from.AddrPort().Addr().Unmap()
	entry, ok := s.limiters[ip]
	if !ok {
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)}
		s.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (s *Server) handleDatagram(data []byte, from *net.UDPAddr) {
	msgType := protocol.MessageType(data)
	s.logger.Trace().Str("from", from.String()).Uint8("type", msgType).Int("size", len(data)).Msg("datagram received")

	if msgType == protocol.MasterListRequest {
		s.handleListRequest(from)
		return
	}

	msgType, entry, err := protocol.ParseMasterMessage(data)
	if err != nil {
		s.stats.InvalidPackets++
		s.logger.Debug().Err(err).Str("from", from.String()).Msg("Dropping datagram")
		return
	}
	if entry.Address == "" {
		entry.Address = from.AddrPort().Addr().Unmap().String()
	}

	switch msgType {
	case protocol.MasterRegister:
		s.stats.Registers++
		s.upsert(entry, from, "register")

	case protocol.MasterHeartbeat:
		// A heartbeat for an unknown server registers it without counting
		// as a REGISTER.
		s.stats.Heartbeats++
		s.upsert(entry, from, "heartbeat")

	case protocol.MasterUnregister:
		s.stats.Unregisters++
		if s.registry.Remove(entry) {
			s.logger.Info().Str("server", entry.String()).Msg("Server unregistered")
			s.emit(events.EventServerUnregistered, entry, from, "")
		}
	}
}

func (s *Server) upsert(entry protocol.MasterServerEntry, from *net.UDPAddr, via string) {
	created, ok := s.registry.Upsert(entry, from)
	if !ok {
		s.stats.DroppedServers++
		s.stats.Rejected++
		s.logger.Warn().
			Str("server", entry.String()).
			Int("capacity", s.registry.Cap()).
			Msg("Registry full, server rejected")
		s.emit(events.EventServerRejected, entry, from, "registry full")
		return
	}
	if created {
		s.logger.Info().Str("server", entry.String()).Str("via", via).Msg("Server registered")
		s.emit(events.EventServerRegistered, entry, from, via)
	}
}

func (s *Server) handleListRequest(from *net.UDPAddr) {
	s.stats.ListRequests++
	entries := s.registry.Entries()
	if _, err := s.sock.WriteTo(protocol.BuildListResponse(entries), from); err != nil {
		s.logger.Warn().Err(err).Str("to", from.String()).Msg("List response failed")
		return
	}
	s.logger.Debug().Str("to", from.String()).Int("servers", len(entries)).Msg("List sent")
}

// sweep evicts servers that missed their heartbeats and forgets idle rate
// limiters.
func (s *Server) sweep() {
	for _, e := range s.registry.Expire(s.cfg.HeartbeatTimeout) {
		s.stats.DroppedServers++
		s.stats.Expired++
		s.logger.Info().Str("server", e.String()).Msg("Server expired")
		s.emit(events.EventServerExpired, e, nil, "heartbeat timeout")
	}

	now := time.Now()
	for ip, l := range s.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(s.limiters, ip)
		}
	}
}

func (s *Server) emit(t events.EventType, e protocol.MasterServerEntry, from *net.UDPAddr, reason string) {
	payload := events.RegistryPayload{Entry: e, Reason: reason}
	if from != nil {
		payload.Source = from.String()
	}
	s.bus.Emit(s.ctx, events.Event{Type: t, Source: "master_server", Payload: payload})
}

// Entries returns the active servers in slot order.
func (s *Server) Entries() []protocol.MasterServerEntry {
	return s.registry.Entries()
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	st := s.stats
	st.ActiveServers = s.registry.Len()
	st.MaxServers = s.registry.Cap()
	return st
}

func (s *Server) publishStatus() {
	status := Status{
		Stats:     s.Stats(),
		Servers:   s.registry.Records(),
		UpdatedAt: time.Now(),
	}
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
}

// Status returns the snapshot published by the last Update. It is safe to
// call from any goroutine.
func (s *Server) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	st.Servers = append([]Record(nil), s.status.Servers...)
	return st
}

// Close releases the socket.
func (s *Server) Close() error {
	s.logger.Info().Msg("Master server stopped")
	return s.sock.Close()
}
