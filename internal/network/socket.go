package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// minPoll is the shortest read wait. A deadline already in the past makes
// the runtime fail reads without looking at the socket, so a zero timeout
// still polls for this long.
const minPoll = time.Millisecond

// Socket is the platform UDP socket used by hosts and the master protocol.
type Socket interface {
	// ReadFrom waits up to timeout for one datagram. It returns n == 0 and
	// a nil error when nothing arrived in time.
	ReadFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error)
	WriteTo(data []byte, addr *net.UDPAddr) (int, error)
	LocalAddr() *net.UDPAddr
	Close() error
}

type udpSocket struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP socket. A nil bind address opens an unbound client
// socket on an ephemeral port. Bound sockets are exclusive: binding a port
// another socket holds fails.
func ListenUDP(ctx context.Context, bind *net.UDPAddr) (Socket, error) {
	if bind == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
		if err != nil {
			return nil, fmt.Errorf("open udp socket: %w", err)
		}
		return &udpSocket{conn: conn}, nil
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", bind.String())
	if err != nil {
		return nil, fmt.Errorf("bind udp %s: %w", bind, err)
	}
	return &udpSocket{conn: pc.(*net.UDPConn)}, nil
}

func (s *udpSocket) ReadFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if timeout < minPoll {
		timeout = minPoll
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func (s *udpSocket) WriteTo(data []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(data, addr)
}

func (s *udpSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// ResolveUDP resolves host:port to an IPv4 UDP address.
func ResolveUDP(host string, port int) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}
	return addr, nil
}
