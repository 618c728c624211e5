package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func loopback() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func newServerHost(t *testing.T, stack *Stack, peers int) *Host {
	t.Helper()
	h, err := stack.CreateHost(context.Background(), HostConfig{Bind: loopback(), PeerCount: peers})
	if err != nil {
		t.Fatalf("create server host: %v", err)
	}
	return h
}

func newClientHost(t *testing.T, stack *Stack) *Host {
	t.Helper()
	h, err := stack.CreateHost(context.Background(), HostConfig{PeerCount: 1})
	if err != nil {
		t.Fatalf("create client host: %v", err)
	}
	return h
}

// serverAddr returns the server's loopback address; the socket is bound to
// 127.0.0.1 so LocalAddr is directly dialable.
func serverAddr(h *Host) *net.UDPAddr {
	return h.LocalAddr()
}

// waitEvent services h until an event of the wanted type arrives.
func waitEvent(t *testing.T, h *Host, want EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := h.Service(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("service: %v", err)
		}
		if ev.Type == want {
			return ev
		}
	}
	t.Fatalf("timed out waiting for %s event", want)
	return Event{}
}

func TestHandshakeAndPayload(t *testing.T) {
	stack := NewStack()
	srv := newServerHost(t, stack, 4)
	defer srv.Destroy()
	cli := newClientHost(t, stack)
	defer cli.Destroy()

	if !srv.IsServer() || cli.IsServer() {
		t.Fatal("server/client roles not derived from the bind address")
	}
	if srv.PeerCapacity() != 4 {
		t.Errorf("peer capacity = %d, want 4", srv.PeerCapacity())
	}

	peer, err := cli.Connect(serverAddr(srv))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if peer.Connected() {
		t.Fatal("peer connected before hello-ack")
	}

	accepted := waitEvent(t, srv, EventConnect)
	if accepted.Peer.ID() != 0 {
		t.Errorf("first server peer id = %d, want 0", accepted.Peer.ID())
	}
	waitEvent(t, cli, EventConnect)
	if !peer.Connected() {
		t.Fatal("client peer not connected after hello-ack")
	}

	payload := []byte{0x04, 1, 2, 3}
	if err := peer.Send(0, NewPacket(payload, FlagReliable)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := waitEvent(t, srv, EventReceive)
	if !bytes.Equal(ev.Packet.Data, payload) {
		t.Errorf("received %v, want %v", ev.Packet.Data, payload)
	}

	if n := srv.Broadcast(0, NewPacket([]byte{0x03, 1}, FlagReliable)); n != 1 {
		t.Errorf("broadcast reached %d peers, want 1", n)
	}
	ev = waitEvent(t, cli, EventReceive)
	if !bytes.Equal(ev.Packet.Data, []byte{0x03, 1}) {
		t.Errorf("client received %v", ev.Packet.Data)
	}
}

func TestRehelloDoesNotReconnect(t *testing.T) {
	stack := NewStack()
	srv := newServerHost(t, stack, 2)
	defer srv.Destroy()

	raw, err := net.DialUDP("udp4", nil, serverAddr(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	for i := 0; i < 2; i++ {
		if _, err := raw.Write([]byte{CtrlHello}); err != nil {
			t.Fatalf("write hello: %v", err)
		}
	}

	waitEvent(t, srv, EventConnect)
	ev, err := srv.Service(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if ev.Type != EventNone {
		t.Fatalf("re-hello produced %s event", ev.Type)
	}
	if got := len(srv.ConnectedPeers()); got != 1 {
		t.Errorf("connected peers = %d, want 1", got)
	}

	// Both hellos are acknowledged.
	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		raw.SetReadDeadline(time.Now().Add(time.Second))
		n, err := raw.Read(buf)
		if err != nil {
			t.Fatalf("read ack %d: %v", i, err)
		}
		if n != 1 || buf[0] != CtrlHelloAck {
			t.Fatalf("ack %d = %v", i, buf[:n])
		}
	}
}

func TestDisconnectFreesSlot(t *testing.T) {
	stack := NewStack()
	srv := newServerHost(t, stack, 1)
	defer srv.Destroy()
	cli := newClientHost(t, stack)
	defer cli.Destroy()

	peer, err := cli.Connect(serverAddr(srv))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, srv, EventConnect)
	waitEvent(t, cli, EventConnect)

	peer.Disconnect()
	if peer.Connected() {
		t.Error("client peer still connected after Disconnect")
	}
	if err := peer.Send(0, NewPacket([]byte{1}, 0)); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("send after disconnect err = %v, want ErrPeerNotConnected", err)
	}
	ev := waitEvent(t, srv, EventDisconnect)
	if ev.Peer.InUse() {
		t.Error("server slot still in use after disconnect")
	}
	peer.Reset()

	// The single slot can be taken again.
	if _, err := cli.Connect(serverAddr(srv)); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitEvent(t, srv, EventConnect)
}

func TestHostFull(t *testing.T) {
	stack := NewStack()
	cli := newClientHost(t, stack)
	defer cli.Destroy()

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	if _, err := cli.Connect(target); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := cli.Connect(target); !errors.Is(err, ErrHostFull) {
		t.Errorf("second connect err = %v, want ErrHostFull", err)
	}
}

func TestServerCannotConnect(t *testing.T) {
	stack := NewStack()
	srv := newServerHost(t, stack, 1)
	defer srv.Destroy()

	if _, err := srv.Connect(loopback()); !errors.Is(err, ErrNotClient) {
		t.Errorf("err = %v, want ErrNotClient", err)
	}
}

func TestSendLimits(t *testing.T) {
	stack := NewStack()
	srv := newServerHost(t, stack, 1)
	defer srv.Destroy()
	cli := newClientHost(t, stack)
	defer cli.Destroy()

	peer, err := cli.Connect(serverAddr(srv))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := peer.Send(0, NewPacket([]byte{1}, 0)); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("send before hello-ack err = %v, want ErrPeerNotConnected", err)
	}
	waitEvent(t, srv, EventConnect)
	waitEvent(t, cli, EventConnect)

	if err := peer.Send(0, NewPacket(make([]byte, MaxPayloadSize), 0)); err != nil {
		t.Errorf("max-size send: %v", err)
	}
	if err := peer.Send(0, NewPacket(make([]byte, MaxPayloadSize+1), 0)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("oversize send err = %v, want ErrPacketTooLarge", err)
	}

	peer.Reset()
	if err := peer.Send(0, NewPacket([]byte{1}, 0)); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("send after reset err = %v, want ErrPeerNotConnected", err)
	}
}

func TestServiceTimeoutReturnsNoEvent(t *testing.T) {
	stack := NewStack()
	srv := newServerHost(t, stack, 1)
	defer srv.Destroy()

	ev, err := srv.Service(0)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if ev.Type != EventNone {
		t.Errorf("event = %s, want none", ev.Type)
	}
}

func TestStackRefcount(t *testing.T) {
	stack := NewStack()
	if stack.Active() {
		t.Fatal("new stack should be idle")
	}

	a := newClientHost(t, stack)
	b := newClientHost(t, stack)
	if got := stack.Refs(); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}

	a.Destroy()
	a.Destroy()
	if got := stack.Refs(); got != 1 {
		t.Fatalf("refs after double destroy = %d, want 1", got)
	}
	b.Destroy()
	if stack.Active() {
		t.Error("stack still active after last destroy")
	}

	c := newClientHost(t, stack)
	defer c.Destroy()
	if !stack.Active() {
		t.Error("stack not re-initialized by a later host")
	}
}

func TestCreateHostRejectsZeroPeers(t *testing.T) {
	if _, err := NewStack().CreateHost(context.Background(), HostConfig{}); err == nil {
		t.Fatal("expected error for zero peer count")
	}
}

func TestCreateHostRejectsBusyPort(t *testing.T) {
	stack := NewStack()
	first := newServerHost(t, stack, 1)
	defer first.Destroy()

	busy := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: first.LocalAddr().Port}
	second, err := stack.CreateHost(context.Background(), HostConfig{Bind: busy, PeerCount: 1})
	if err == nil {
		second.Destroy()
		t.Fatalf("second host bound busy port %d", busy.Port)
	}
}
