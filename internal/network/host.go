package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPacketTooLarge is returned when a datagram would exceed MaxDatagramSize.
	ErrPacketTooLarge = errors.New("network: packet too large")
	// ErrPeerNotConnected is returned when sending through a freed peer slot.
	ErrPeerNotConnected = errors.New("network: peer not connected")
	// ErrHostFull is returned when no peer slot is free.
	ErrHostFull = errors.New("network: no free peer slot")
	// ErrNotClient is returned by Connect on a server host.
	ErrNotClient = errors.New("network: connect requires a client host")
	// ErrHostDestroyed is returned by operations on a destroyed host.
	ErrHostDestroyed = errors.New("network: host destroyed")
)

// maxDropsPerService bounds how many unusable datagrams one Service call
// skips before reporting no event.
const maxDropsPerService = 16

// HostConfig configures CreateHost.
type HostConfig struct {
	// Bind is the local address for a server host. Nil creates a client host
	// on an ephemeral port.
	Bind      *net.UDPAddr
	// PeerCount is the fixed size of the peer table.
	PeerCount int
}

// Host is one end of the transport: a socket plus a fixed peer table.
// A Host is not safe for concurrent use; drive it from one loop.
type Host struct {
	stack  *Stack
	sock   Socket
	server bool
	logger zerolog.Logger

	peers    []Peer
	freeList []PeerID
	index    map[netip.AddrPort]PeerID

	buf       []byte
	destroyed bool
}

// CreateHost opens the socket and allocates the peer table. Server hosts
// bind to cfg.Bind; client hosts use an ephemeral port.
func (s *Stack) CreateHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	if cfg.PeerCount < 1 {
		return nil, fmt.Errorf("create host: peer count %d must be positive", cfg.PeerCount)
	}

	sock, err := ListenUDP(ctx, cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	return s.newHost(sock, cfg.Bind != nil, cfg.PeerCount), nil
}

func (s *Stack) newHost(sock Socket, server bool, peerCount int) *Host {
	role := "client"
	if server {
		role = "server"
	}

	h := &Host{
		stack:    s,
		sock:     sock,
		server:   server,
		peers:    make([]Peer, peerCount),
		freeList: make([]PeerID, 0, peerCount),
		index:    make(map[netip.AddrPort]PeerID, peerCount),
		buf:      make([]byte, 2048),
		logger: log.With().
			Str("component", "net_host").
			Str("role", role).
			Str("local", sock.LocalAddr().String()).
			Logger(),
	}
	for i := peerCount - 1; i >= 0; i-- {
		h.peers[i] = Peer{id: PeerID(i), host: h}
		h.freeList = append(h.freeList, PeerID(i))
	}

	s.acquire()
	h.logger.Debug().Int("peers", peerCount).Msg("host created")
	return h
}

// IsServer reports whether the host was created with a bind address.
func (h *Host) IsServer() bool {
	return h.server
}

// LocalAddr returns the bound socket address.
func (h *Host) LocalAddr() *net.UDPAddr {
	return h.sock.LocalAddr()
}

// PeerCapacity returns the size of the peer table.
func (h *Host) PeerCapacity() int {
	return len(h.peers)
}

// Peer returns the slot for id, or nil when id is out of range.
func (h *Host) Peer(id PeerID) *Peer {
	if id < 0 || int(id) >= len(h.peers) {
		return nil
	}
	return &h.peers[id]
}

// ConnectedPeers returns the in-use, connected peers in slot order.
func (h *Host) ConnectedPeers() []*Peer {
	var out []*Peer
	for i := range h.peers {
		if h.peers[i].Connected() {
			out = append(out, &h.peers[i])
		}
	}
	return out
}

// Connect allocates a peer for addr and sends HELLO. The handshake
// completes asynchronously with an EventConnect from Service.
func (h *Host) Connect(addr *net.UDPAddr) (*Peer, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}
	if h.server {
		return nil, ErrNotClient
	}
	p, err := h.allocate(addr)
	if err != nil {
		return nil, err
	}
	if err := h.sendRaw(p, []byte{CtrlHello}); err != nil {
		h.free(p)
		return nil, fmt.Errorf("send hello to %s: %w", addr, err)
	}
	h.logger.Debug().Stringer("peer", p).Msg("hello sent")
	return p, nil
}

// Broadcast sends pkt to every connected peer and returns how many sends
// succeeded.
func (h *Host) Broadcast(channelID uint8, pkt *Packet) int {
	sent := 0
	for i := range h.peers {
		p := &h.peers[i]
		if !p.Connected() {
			continue
		}
		if err := p.Send(channelID, pkt); err != nil {
			h.logger.Debug().Err(err).Stringer("peer", p).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// Service waits up to timeout for a datagram and decodes it into at most
// one event. EventNone means nothing usable arrived; callers drain a tick
// by calling Service until it reports EventNone.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	if h.destroyed {
		return Event{}, ErrHostDestroyed
	}

	deadline := time.Now().Add(timeout)
	for drops := 0; drops < maxDropsPerService; drops++ {
		n, from, err := h.sock.ReadFrom(h.buf, time.Until(deadline))
		if err != nil {
			return Event{}, fmt.Errorf("service: %w", err)
		}
		if n == 0 {
			return Event{}, nil
		}
		if n > MaxDatagramSize {
			h.logger.Debug().Int("size", n).Str("from", from.String()).Msg("oversized datagram dropped")
			continue
		}
		if ev, ok := h.decode(h.buf[:n], from); ok {
			return ev, nil
		}
	}
	return Event{}, nil
}

func (h *Host) decode(data []byte, from *net.UDPAddr) (Event, bool) {
	if len(data) == 0 {
		return Event{}, false
	}
	p := h.lookup(from)

	switch data[0] {
	case CtrlHello:
		if !h.server {
			return Event{}, false
		}
		fresh := p == nil
		if fresh {
			var err error
			if p, err = h.allocate(from); err != nil {
				h.logger.Warn().Err(err).Str("from", from.String()).Msg("hello refused")
				return Event{}, false
			}
		}
		p.connected = true
		if err := h.sendRaw(p, []byte{CtrlHelloAck}); err != nil {
			h.logger.Warn().Err(err).Stringer("peer", p).Msg("hello-ack failed")
		}
		if !fresh {
			h.logger.Trace().Stringer("peer", p).Msg("re-hello acknowledged")
			return Event{}, false
		}
		h.logger.Debug().Stringer("peer", p).Msg("peer connected")
		return Event{Type: EventConnect, Peer: p}, true

	case CtrlHelloAck:
		if h.server || p == nil || p.connected {
			return Event{}, false
		}
		p.connected = true
		h.logger.Debug().Stringer("peer", p).Msg("handshake complete")
		return Event{Type: EventConnect, Peer: p}, true

	case CtrlPayload:
		if p == nil || !p.connected {
			h.logger.Trace().Str("from", from.String()).Msg("payload from unknown peer dropped")
			return Event{}, false
		}
		return Event{
			Type:   EventReceive,
			Peer:   p,
			Packet: NewPacket(data[1:], 0),
		}, true

	case CtrlDisconnect:
		if p == nil {
			return Event{}, false
		}
		h.free(p)
		h.logger.Debug().Stringer("peer", p).Msg("peer disconnected")
		return Event{Type: EventDisconnect, Peer: p}, true

	default:
		h.logger.Trace().Uint8("control", data[0]).Str("from", from.String()).Msg("unknown control byte")
		return Event{}, false
	}
}

// Destroy closes the socket and releases the stack reference. Peers are
// not notified.
func (h *Host) Destroy() {
	if h.destroyed {
		return
	}
	h.destroyed = true
	if err := h.sock.Close(); err != nil {
		h.logger.Debug().Err(err).Msg("socket close failed")
	}
	h.stack.release()
	h.logger.Debug().Msg("host destroyed")
}

func (h *Host) sendRaw(p *Peer, data []byte) error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	if len(data) > MaxDatagramSize {
		return ErrPacketTooLarge
	}
	if _, err := h.sock.WriteTo(data, p.addr); err != nil {
		return fmt.Errorf("send to %s: %w", p.addr, err)
	}
	return nil
}

func (h *Host) allocate(addr *net.UDPAddr) (*Peer, error) {
	if len(h.freeList) == 0 {
		return nil, ErrHostFull
	}
	id := h.freeList[len(h.freeList)-1]
	h.freeList = h.freeList[:len(h.freeList)-1]

	p := &h.peers[id]
	p.inUse = true
	p.connected = false
	p.addr = addr
	p.key = addrKey(addr)
	h.index[p.key] = id
	return p, nil
}

// free returns the slot to the free list. The peer keeps its id and
// address so a just-delivered disconnect event stays readable.
func (h *Host) free(p *Peer) {
	if !p.inUse {
		return
	}
	p.inUse = false
	p.connected = false
	if id, ok := h.index[p.key]; ok && id == p.id {
		delete(h.index, p.key)
	}
	h.freeList = append(h.freeList, p.id)
}

func (h *Host) lookup(addr *net.UDPAddr) *Peer {
	id, ok := h.index[addrKey(addr)]
	if !ok {
		return nil
	}
	return &h.peers[id]
}

func addrKey(addr *net.UDPAddr) netip.AddrPort {
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
