package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/fragnet/internal/events"
	"github.com/energizer-project/fragnet/internal/protocol"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	hs, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { hs.Close() })
	return hs
}

func TestRecordAndRecent(t *testing.T) {
	hs := newTestStore(t)
	ctx := context.Background()

	for i, ev := range []string{"server_registered", "server_expired", "server_registered"} {
		err := hs.Record(ctx, HistoryEntry{Event: ev, Name: "Arena", Address: "10.0.0.1", Port: 26015 + i})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recent, err := hs.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d rows, want 2", len(recent))
	}
	if recent[0].Port != 26017 || recent[1].Port != 26016 {
		t.Errorf("not newest first: %d, %d", recent[0].Port, recent[1].Port)
	}
	if recent[0].CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	counts, err := hs.CountByEvent(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["server_registered"] != 2 || counts["server_expired"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestPrune(t *testing.T) {
	hs := newTestStore(t)
	ctx := context.Background()

	old := HistoryEntry{Event: "server_expired", Address: "10.0.0.1", Port: 1, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := HistoryEntry{Event: "server_registered", Address: "10.0.0.2", Port: 2}
	if err := hs.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := hs.Record(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := hs.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	recent, _ := hs.Recent(ctx, 10)
	if len(recent) != 1 || recent[0].Address != "10.0.0.2" {
		t.Errorf("remaining = %+v", recent)
	}
}

func TestSubscribeRecordsRegistryEvents(t *testing.T) {
	hs := newTestStore(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	hs.Subscribe(bus)

	entry := protocol.MasterServerEntry{Name: "Test", Address: "127.0.0.1", Port: 26015, Mode: 1, Players: 2, MaxPlayers: 8}
	err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventServerRejected,
		Source:  "master_server",
		Payload: events.RegistryPayload{Entry: entry, Source: "127.0.0.1:5000", Reason: "registry full"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	recent, err := hs.Recent(context.Background(), 1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent = %v, %v", recent, err)
	}
	got := recent[0]
	if got.Event != "server_rejected" || got.Reason != "registry full" || got.Players != 2 || got.Port != 26015 {
		t.Errorf("recorded = %+v", got)
	}
}

func TestHandleEventRejectsForeignPayload(t *testing.T) {
	hs := newTestStore(t)
	err := hs.handleEvent(context.Background(), events.Event{Type: events.EventServerExpired, Payload: "nope"})
	if err == nil {
		t.Fatal("expected error for unexpected payload")
	}
}
