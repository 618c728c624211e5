package master

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/energizer-project/fragnet/internal/protocol"
)

var testEntry = protocol.MasterServerEntry{
	Name:       "Test",
	Address:    "127.0.0.1",
	Port:       26015,
	Mode:       1,
	Players:    2,
	MaxPlayers: 8,
}

func TestRegistryUpsertIsIdempotent(t *testing.T) {
	r := NewRegistry(4)
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

	created, ok := r.Upsert(testEntry, src)
	if !created || !ok {
		t.Fatalf("first upsert created=%v ok=%v", created, ok)
	}
	updated := testEntry
	updated.Players = 5
	created, ok = r.Upsert(updated, src)
	if created || !ok {
		t.Fatalf("second upsert created=%v ok=%v", created, ok)
	}

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Players != 5 {
		t.Errorf("players = %d, want overwritten value 5", entries[0].Players)
	}
}

func TestRegistryCapacityAndReuse(t *testing.T) {
	r := NewRegistry(2)
	a, b, c := testEntry, testEntry, testEntry
	b.Port = 26016
	c.Port = 26017

	r.Upsert(a, nil)
	r.Upsert(b, nil)
	if _, ok := r.Upsert(c, nil); ok {
		t.Fatal("upsert into full registry succeeded")
	}

	if !r.Remove(a) {
		t.Fatal("remove existing entry failed")
	}
	if r.Remove(a) {
		t.Fatal("second remove reported success")
	}
	if created, ok := r.Upsert(c, nil); !created || !ok {
		t.Fatalf("upsert after remove created=%v ok=%v", created, ok)
	}
	if r.Len() != 2 {
		t.Errorf("len = %d, want 2", r.Len())
	}
	// The freed first slot is reused, so c lists before b.
	entries := r.Entries()
	if entries[0].Port != 26017 || entries[1].Port != 26016 {
		t.Errorf("slot order = %d, %d", entries[0].Port, entries[1].Port)
	}
}

func TestRegistryNormalizesPlayers(t *testing.T) {
	r := NewRegistry(1)
	e := testEntry
	e.Players = 20
	r.Upsert(e, nil)
	if got := r.Entries()[0].Players; got != e.MaxPlayers {
		t.Errorf("players = %d, want clamp to %d", got, e.MaxPlayers)
	}
}

func newTestMaster(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.BindIP = "127.0.0.1"
	s, err := NewServer(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dialMaster(t *testing.T, s *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, s.LocalAddr())
	if err != nil {
		t.Fatalf("dial master: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *net.UDPConn, data []byte) {
	t.Helper()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// updateUntil calls Update(dt) until cond holds.
func updateUntil(t *testing.T, s *Server, dt time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Update(dt)
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached before deadline")
}

func TestDuplicateRegisterKeepsOneSlot(t *testing.T) {
	s := newTestMaster(t, ServerConfig{MaxServers: 4})
	conn := dialMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	updateUntil(t, s, 0, func() bool { return s.Stats().Registers == 2 })

	if got := len(s.Entries()); got != 1 {
		t.Errorf("active slots = %d, want 1", got)
	}
}

func TestExpiryAfterSweep(t *testing.T) {
	s := newTestMaster(t, ServerConfig{
		MaxServers:       4,
		HeartbeatTimeout: 100 * time.Millisecond,
		CleanupInterval:  50 * time.Millisecond,
	})
	conn := dialMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 1 })

	s.Update(60 * time.Millisecond)
	if len(s.Entries()) != 1 {
		t.Fatal("entry expired before the heartbeat timeout")
	}

	s.Update(60 * time.Millisecond)
	if got := len(s.Entries()); got != 0 {
		t.Fatalf("entries after timeout and sweep = %d, want 0", got)
	}
	st := s.Stats()
	if st.DroppedServers != 1 || st.Expired != 1 {
		t.Errorf("dropped=%d expired=%d, want 1/1", st.DroppedServers, st.Expired)
	}
}

func TestExpiryWaitsForSweepBoundary(t *testing.T) {
	s := newTestMaster(t, ServerConfig{
		HeartbeatTimeout: 50 * time.Millisecond,
		CleanupInterval:  time.Second,
	})
	conn := dialMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 1 })

	s.Update(200 * time.Millisecond)
	if len(s.Entries()) != 1 {
		t.Fatal("entry removed between sweeps")
	}
	s.Update(time.Second)
	if len(s.Entries()) != 0 {
		t.Fatal("entry survived the sweep")
	}
}

func TestHeartbeatKeepsEntryAlive(t *testing.T) {
	s := newTestMaster(t, ServerConfig{
		HeartbeatTimeout: 100 * time.Millisecond,
		CleanupInterval:  50 * time.Millisecond,
	})
	conn := dialMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 1 })

	for i := 0; i < 5; i++ {
		send(t, conn, protocol.BuildMasterMessage(protocol.MasterHeartbeat, testEntry))
		want := uint64(i + 1)
		updateUntil(t, s, 0, func() bool { return s.Stats().Heartbeats == want })
		s.Update(60 * time.Millisecond)
	}
	if len(s.Entries()) != 1 {
		t.Fatal("heartbeating server expired")
	}
}

func TestOrphanHeartbeatRegistersImplicitly(t *testing.T) {
	s := newTestMaster(t, ServerConfig{})
	conn := dialMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterHeartbeat, testEntry))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 1 })

	st := s.Stats()
	if st.Registers != 0 || st.Heartbeats != 1 {
		t.Errorf("registers=%d heartbeats=%d, want 0/1", st.Registers, st.Heartbeats)
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	s := newTestMaster(t, ServerConfig{})
	conn := dialMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 1 })
	send(t, conn, protocol.BuildMasterMessage(protocol.MasterUnregister, testEntry))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 0 })

	if s.Stats().DroppedServers != 0 {
		t.Error("unregister counted as a dropped server")
	}
}

func TestFullRegistryRejects(t *testing.T) {
	s := newTestMaster(t, ServerConfig{MaxServers: 1})
	conn := dialMaster(t, s)

	other := testEntry
	other.Port = 27000
	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, other))
	updateUntil(t, s, 0, func() bool { return s.Stats().Registers == 2 })

	st := s.Stats()
	if st.DroppedServers != 1 || st.Rejected != 1 || st.ActiveServers != 1 {
		t.Errorf("dropped=%d rejected=%d active=%d", st.DroppedServers, st.Rejected, st.ActiveServers)
	}
}

func TestEmptyAddressUsesSourceIP(t *testing.T) {
	s := newTestMaster(t, ServerConfig{})
	conn := dialMaster(t, s)

	anon := testEntry
	anon.Address = ""
	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, anon))
	updateUntil(t, s, 0, func() bool { return len(s.Entries()) == 1 })

	if got := s.Entries()[0].Address; got != "127.0.0.1" {
		t.Errorf("address = %q, want source ip", got)
	}
}

func TestRateLimitPerSource(t *testing.T) {
	s := newTestMaster(t, ServerConfig{RateLimit: 1, RateBurst: 2})
	conn := dialMaster(t, s)

	for i := 0; i < 5; i++ {
		send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	}
	updateUntil(t, s, 0, func() bool {
		st := s.Stats()
		return st.Registers+st.RateLimited == 5
	})
	if got := s.Stats().RateLimited; got < 2 {
		t.Errorf("rate limited = %d, want at least 2", got)
	}
}

func TestInvalidDatagramCounted(t *testing.T) {
	s := newTestMaster(t, ServerConfig{})
	conn := dialMaster(t, s)

	send(t, conn, []byte{protocol.MasterRegister, 'x'})
	send(t, conn, []byte{0x7F})
	updateUntil(t, s, 0, func() bool { return s.Stats().InvalidPackets == 2 })
}

// runMaster drives s from a background goroutine until the test ends.
func runMaster(t *testing.T, s *Server) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				s.Update(5 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func TestListRoundTrip(t *testing.T) {
	s := newTestMaster(t, ServerConfig{MaxServers: 4})
	conn := dialMaster(t, s)
	runMaster(t, s)

	send(t, conn, protocol.BuildMasterMessage(protocol.MasterRegister, testEntry))
	deadline := time.Now().Add(2 * time.Second)
	for s.Status().Stats.ActiveServers != 1 {
		if time.Now().After(deadline) {
			t.Fatal("register not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	lc := NewListClient("127.0.0.1", s.LocalAddr().Port)
	entries, ok := lc.RequestList(context.Background(), 16)
	if !ok {
		t.Fatal("request list fell back")
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0] != testEntry {
		t.Errorf("entry = %+v, want %+v", entries[0], testEntry)
	}
	if s.Status().Stats.ListRequests == 0 {
		t.Error("list request not counted")
	}
}

func TestFallbackOnUnreachableMaster(t *testing.T) {
	// Reserve a port and free it so nothing is listening there.
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	lc := NewListClient("127.0.0.1", port)
	lc.Timeout = 200 * time.Millisecond

	entries, ok := lc.RequestList(context.Background(), 64)
	if ok {
		t.Fatal("request to a dead master reported success")
	}
	if len(entries) != len(FallbackServers()) {
		t.Errorf("fallback entries = %d, want %d", len(entries), len(FallbackServers()))
	}

	entries, _ = lc.RequestList(context.Background(), 1)
	if len(entries) != 1 {
		t.Errorf("fallback not truncated to max entries: %d", len(entries))
	}
}
