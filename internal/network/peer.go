package network

import (
	"fmt"
	"net"
	"net/netip"
)

// PeerID is a stable handle into a host's peer table.
type PeerID int

// Peer is one slot of a host's peer table.
type Peer struct {
	id        PeerID
	host      *Host
	inUse     bool
	connected bool
	addr      *net.UDPAddr
	key       netip.AddrPort
}

// ID returns the peer's slot handle.
func (p *Peer) ID() PeerID {
	return p.id
}

// Addr returns the remote socket address.
func (p *Peer) Addr() *net.UDPAddr {
	return p.addr
}

// Connected reports whether the handshake completed and the peer has not
// been disconnected.
func (p *Peer) Connected() bool {
	return p.inUse && p.connected
}

// InUse reports whether the slot is allocated.
func (p *Peer) InUse() bool {
	return p.inUse
}

// Host returns the owning host.
func (p *Peer) Host() *Host {
	return p.host
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer#%d(%s)", p.id, p.addr)
}

// Send transmits pkt on the single channel; channelID is ignored. The
// payload is copied onto the wire and the packet is not retained. Only
// connected peers accept payloads.
func (p *Peer) Send(channelID uint8, pkt *Packet) error {
	if !p.Connected() {
		return ErrPeerNotConnected
	}
	if pkt.Len() > MaxPayloadSize {
		return fmt.Errorf("%d byte payload: %w", pkt.Len(), ErrPacketTooLarge)
	}
	buf := make([]byte, 1+pkt.Len())
	buf[0] = CtrlPayload
	copy(buf[1:], pkt.Data)
	return p.host.sendRaw(p, buf)
}

// Disconnect tells the remote side the session is over and clears the
// local connected flag without waiting for an acknowledgment. The slot
// stays allocated until Reset.
func (p *Peer) Disconnect() {
	if !p.inUse {
		return
	}
	if err := p.host.sendRaw(p, []byte{CtrlDisconnect}); err != nil {
		p.host.logger.Debug().Err(err).Stringer("peer", p).Msg("disconnect notice not sent")
	}
	p.connected = false
}

// Reset frees the slot without notifying the remote side.
func (p *Peer) Reset() {
	p.host.free(p)
}
