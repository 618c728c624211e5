package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/energizer-project/fragnet/internal/client"
	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/protocol"
)

const tick = 16 * time.Millisecond

func newTestServer(t *testing.T, stack *network.Stack, cfg Config) *Server {
	t.Helper()
	cfg.BindIP = "127.0.0.1"
	srv, err := New(context.Background(), stack, cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func newTestClient(t *testing.T, stack *network.Stack, srv *Server, name string) *client.Client {
	t.Helper()
	c, err := client.New(context.Background(), stack, client.Config{
		Host: "127.0.0.1",
		Port: srv.LocalAddr().Port,
		Name: name,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

// pump drives the server and clients until cond holds.
func pump(t *testing.T, srv *Server, clients []*client.Client, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		srv.Update(tick)
		for _, c := range clients {
			c.Update(tick)
		}
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached before deadline")
}

func connected(c *client.Client) func() bool {
	return func() bool { return c.State() == client.StateConnected }
}

func TestBasicSession(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{MaxClients: 2})
	defer srv.Destroy()

	a := newTestClient(t, stack, srv, "alpha")
	pump(t, srv, []*client.Client{a}, connected(a))
	if got := srv.Stats().ConnectedClients; got != 1 {
		t.Fatalf("connected clients = %d, want 1", got)
	}
	if a.Stats().SelfID == protocol.NoPlayerID {
		t.Fatal("client a has no self id")
	}

	b := newTestClient(t, stack, srv, "bravo")
	both := []*client.Client{a, b}
	pump(t, srv, both, connected(b))
	if got := srv.Stats().ConnectedClients; got != 2 {
		t.Fatalf("connected clients = %d, want 2", got)
	}
	if a.Stats().SelfID == b.Stats().SelfID {
		t.Errorf("clients share self id %d", a.Stats().SelfID)
	}

	a.Disconnect()
	pump(t, srv, []*client.Client{b}, func() bool {
		return srv.Stats().ConnectedClients == 1 && b.Stats().RemotePlayerCount == 1
	})

	if got := srv.Status().Stats.ConnectedClients; got != 1 {
		t.Errorf("published status connected = %d, want 1", got)
	}
}

func TestSnapshotsCarryOtherPlayers(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{MaxClients: 4, SnapshotInterval: tick})
	defer srv.Destroy()

	a := newTestClient(t, stack, srv, "alpha")
	b := newTestClient(t, stack, srv, "bravo")
	both := []*client.Client{a, b}
	pump(t, srv, both, func() bool { return connected(a)() && connected(b)() })

	pos := protocol.Vec3{X: 4, Y: 5, Z: 6}
	if err := a.SendPlayerState(pos, 45); err != nil {
		t.Fatalf("send state: %v", err)
	}

	pump(t, srv, both, func() bool {
		p := b.RemotePlayers()[0]
		return p.Active && p.Position == pos
	})
	p := b.RemotePlayers()[0]
	if p.Name != "alpha" || p.ID != a.Stats().SelfID || p.Yaw != 45 {
		t.Errorf("remote player = %+v", p)
	}
	if b.RemotePlayers()[1].Active {
		t.Error("snapshot to b contains more than one player")
	}
}

func TestDepartedPlayerLeavesSnapshot(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{MaxClients: 4, SnapshotInterval: tick})
	defer srv.Destroy()

	a := newTestClient(t, stack, srv, "alpha")
	b := newTestClient(t, stack, srv, "bravo")
	both := []*client.Client{a, b}
	pump(t, srv, both, func() bool { return connected(a)() && connected(b)() })

	if err := a.SendPlayerState(protocol.Vec3{X: 1}, 0); err != nil {
		t.Fatalf("send state: %v", err)
	}
	pump(t, srv, both, func() bool { return b.RemotePlayers()[0].Active })

	a.Disconnect()
	pump(t, srv, []*client.Client{b}, func() bool {
		return srv.Stats().ConnectedClients == 1 && !b.RemotePlayers()[0].Active
	})
	for i, p := range b.RemotePlayers() {
		if p.Active {
			t.Errorf("remote player %d still active after leaving: %+v", i, p)
		}
	}
}

func TestWeaponEventRelay(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{MaxClients: 2})
	defer srv.Destroy()

	a := newTestClient(t, stack, srv, "alpha")
	b := newTestClient(t, stack, srv, "bravo")
	both := []*client.Client{a, b}
	pump(t, srv, both, func() bool { return connected(a)() && connected(b)() })

	if err := a.SendWeaponEvent(protocol.WeaponEvent{Type: protocol.WeaponPickup, PickupID: 77, WeaponID: 2}); err != nil {
		t.Fatalf("send weapon event: %v", err)
	}

	var got []protocol.WeaponEvent
	pump(t, srv, both, func() bool {
		got = append(got, b.DequeueWeaponEvents(client.WeaponQueueSize)...)
		return len(got) > 0
	})
	if got[0].ActorID != a.Stats().SelfID || got[0].PickupID != 77 {
		t.Errorf("relayed event = %+v", got[0])
	}
	if evs := a.DequeueWeaponEvents(client.WeaponQueueSize); len(evs) != 0 {
		t.Errorf("sender received its own event: %+v", evs)
	}
}

func voiceBlock() protocol.VoicePacket {
	return protocol.VoicePacket{
		Codec:      protocol.CodecPCM16,
		Channels:   1,
		SampleRate: 16000,
		FrameCount: 8,
		Volume:     200,
		Data:       make([]byte, 16),
	}
}

func TestProximityVoice(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{MaxClients: 3, VoiceMode: VoiceProximity, VoiceRange: 30})
	defer srv.Destroy()

	speaker := newTestClient(t, stack, srv, "speaker")
	near := newTestClient(t, stack, srv, "near")
	far := newTestClient(t, stack, srv, "far")
	all := []*client.Client{speaker, near, far}
	pump(t, srv, all, func() bool { return connected(speaker)() && connected(near)() && connected(far)() })

	speaker.SendPlayerState(protocol.Vec3{}, 0)
	near.SendPlayerState(protocol.Vec3{X: 10}, 0)
	far.SendPlayerState(protocol.Vec3{X: 100}, 0)
	pump(t, srv, all, func() bool {
		placed := 0
		for _, p := range srv.Status().Players {
			if (p.Name == "near" && p.X == 10) || (p.Name == "far" && p.X == 100) {
				placed++
			}
		}
		return placed == 2
	})

	if err := speaker.SendVoicePacket(voiceBlock()); err != nil {
		t.Fatalf("send voice: %v", err)
	}

	var got []protocol.VoicePacket
	pump(t, srv, all, func() bool {
		got = append(got, near.DequeueVoicePackets(client.VoiceQueueSize)...)
		return len(got) > 0
	})
	if got[0].SpeakerID != speaker.Stats().SelfID {
		t.Errorf("speaker id = %d, want %d", got[0].SpeakerID, speaker.Stats().SelfID)
	}
	if got := far.DequeueVoicePackets(client.VoiceQueueSize); len(got) != 0 {
		t.Errorf("far client received %d voice packets", len(got))
	}
	if srv.Stats().VoiceRelays != 1 {
		t.Errorf("voice relays = %d, want 1", srv.Stats().VoiceRelays)
	}
}

func TestVoiceOffDropsEverything(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{MaxClients: 2, VoiceMode: VoiceOff})
	defer srv.Destroy()

	a := newTestClient(t, stack, srv, "alpha")
	b := newTestClient(t, stack, srv, "bravo")
	both := []*client.Client{a, b}
	pump(t, srv, both, func() bool { return connected(a)() && connected(b)() })

	if err := a.SendVoicePacket(voiceBlock()); err != nil {
		t.Fatalf("send voice: %v", err)
	}
	pump(t, srv, both, func() bool { return srv.Stats().VoiceDropped == 1 })
	if srv.Stats().VoiceRelays != 0 {
		t.Errorf("voice relays = %d with voice off", srv.Stats().VoiceRelays)
	}
}

// fakeMaster collects master datagrams on a loopback socket.
type fakeMaster struct {
	conn *net.UDPConn
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeMaster{conn: conn}
}

func (m *fakeMaster) port() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

func (m *fakeMaster) next(t *testing.T) (byte, protocol.MasterServerEntry) {
	t.Helper()
	buf := make([]byte, 512)
	m.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("master read: %v", err)
	}
	msgType, entry, err := protocol.ParseMasterMessage(buf[:n])
	if err != nil {
		t.Fatalf("parse master message: %v", err)
	}
	return msgType, entry
}

func TestMasterRegistration(t *testing.T) {
	master := newFakeMaster(t)
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{
		MaxClients:        4,
		Name:              "Test",
		Mode:              1,
		Advertise:         true,
		PublicAddress:     "127.0.0.1",
		MasterHost:        "127.0.0.1",
		MasterPort:        master.port(),
		HeartbeatInterval: time.Hour,
	})

	srv.Update(tick)
	msgType, entry := master.next(t)
	if msgType != protocol.MasterRegister {
		t.Fatalf("first message = 0x%02X, want REGISTER", msgType)
	}
	if entry.Name != "Test" || entry.Port != uint16(srv.LocalAddr().Port) || entry.MaxPlayers != 4 || entry.Mode != 1 {
		t.Errorf("registered entry = %+v", entry)
	}
	if !srv.Stats().Registered {
		t.Error("server not registered after successful push")
	}

	// A connecting client is an interesting event: heartbeat right away.
	c := newTestClient(t, stack, srv, "alpha")
	pump(t, srv, []*client.Client{c}, connected(c))
	msgType, entry = master.next(t)
	if msgType != protocol.MasterHeartbeat {
		t.Fatalf("second message = 0x%02X, want HEARTBEAT", msgType)
	}
	if entry.Players != 1 {
		t.Errorf("heartbeat players = %d, want 1", entry.Players)
	}

	srv.Destroy()
	for {
		msgType, _ = master.next(t)
		if msgType == protocol.MasterUnregister {
			break
		}
	}
}

type failingSocket struct {
	network.Socket
	sends int
}

func (f *failingSocket) WriteTo(data []byte, addr *net.UDPAddr) (int, error) {
	f.sends++
	return 0, errors.New("network unreachable")
}

func (f *failingSocket) Close() error { return nil }

func TestMasterFailureRetriesAfterInterval(t *testing.T) {
	stack := network.NewStack()
	srv := newTestServer(t, stack, Config{
		MaxClients:        2,
		Advertise:         true,
		MasterHost:        "127.0.0.1",
		MasterPort:        9,
		HeartbeatInterval: 100 * time.Millisecond,
	})
	defer srv.Destroy()

	orig := srv.master.sock
	defer orig.Close()
	sock := &failingSocket{}
	srv.master.sock = sock

	srv.Update(10 * time.Millisecond)
	st := srv.Stats()
	if st.Registered || st.MasterFailures != 1 {
		t.Fatalf("after failed push: registered=%v failures=%d", st.Registered, st.MasterFailures)
	}

	srv.Update(50 * time.Millisecond)
	if sock.sends != 1 {
		t.Fatalf("retried before the interval elapsed (%d sends)", sock.sends)
	}

	srv.Update(60 * time.Millisecond)
	if sock.sends != 2 || srv.Stats().MasterFailures != 2 {
		t.Errorf("sends=%d failures=%d after interval, want 2/2", sock.sends, srv.Stats().MasterFailures)
	}
}

func TestParseVoiceMode(t *testing.T) {
	tests := []struct {
		in      string
		want    VoiceMode
		wantErr bool
	}{
		{"global", VoiceGlobal, false},
		{"", VoiceGlobal, false},
		{"Proximity", VoiceProximity, false},
		{"off", VoiceOff, false},
		{"loud", VoiceGlobal, true},
	}
	for _, tt := range tests {
		got, err := ParseVoiceMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseVoiceMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
