package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/energizer-project/fragnet/internal/config"
	"github.com/energizer-project/fragnet/internal/db"
	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/master"
	"github.com/energizer-project/fragnet/internal/protocol"
	"github.com/energizer-project/fragnet/internal/scheduler"
	"github.com/energizer-project/fragnet/internal/server"
)

type fakeMaster struct{ status master.Status }

func (f fakeMaster) Status() master.Status { return f.status }

type fakeGame struct{ status server.StatusSnapshot }

func (f fakeGame) Status() server.StatusSnapshot { return f.status }

type fakeHistory struct {
	entries []db.HistoryEntry
	err     error
	limit   int
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]db.HistoryEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

func (f *fakeHistory) CountByEvent(ctx context.Context) (map[string]int, error) {
	return map[string]int{"server_registered": len(f.entries)}, f.err
}

type fakeHealth struct{ overall health.Status }

func (f fakeHealth) Results() []health.Result {
	return []health.Result{{Name: "host", Status: f.overall}}
}

func (f fakeHealth) Overall() health.Status { return f.overall }

type fakeLag struct{}

func (fakeLag) GetAllLoopData() map[string]scheduler.LoopLagData {
	return map[string]scheduler.LoopLagData{"master": {Loop: "master", TotalEvents: 2}}
}

func testConfig() config.APIConfig {
	return config.APIConfig{Enabled: true, BindIP: "127.0.0.1", RateLimitRPS: 0}
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: decode %q: %v", path, rec.Body.String(), err)
	}
	return rec, body
}

func masterProviders() Providers {
	entry := protocol.MasterServerEntry{Name: "alpha", Address: "10.0.0.1", Port: 26015, Players: 3, MaxPlayers: 8}
	return Providers{
		Role: "masterserver",
		Master: fakeMaster{status: master.Status{
			Stats:   master.Stats{ActiveServers: 1, MaxServers: 128, Registers: 1},
			Servers: []master.Record{{MasterServerEntry: entry, Source: "10.0.0.1:5555"}},
		}},
		History: &fakeHistory{entries: []db.HistoryEntry{{ID: 1, Event: "server_registered", Name: "alpha"}}},
		Health:  fakeHealth{overall: health.StatusOK},
		Lag:     fakeLag{},
	}
}

func TestPing(t *testing.T) {
	s := NewServer(testConfig(), "info", Providers{Role: "gameserver"})
	rec, body := get(t, s, "/api/public/ping")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["role"] != "gameserver" {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestServersEndpoint(t *testing.T) {
	s := NewServer(testConfig(), "info", masterProviders())
	rec, body := get(t, s, "/api/servers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["total"] != float64(1) || body["capacity"] != float64(128) {
		t.Errorf("body = %v", body)
	}
	servers := body["servers"].([]interface{})
	first := servers[0].(map[string]interface{})
	if first["name"] != "alpha" || first["source"] != "10.0.0.1:5555" {
		t.Errorf("server = %v", first)
	}
}

func TestEndpointsWithoutProvider(t *testing.T) {
	s := NewServer(testConfig(), "info", Providers{Role: "gameserver"})
	for _, path := range []string{"/api/servers", "/api/players", "/api/history", "/api/health", "/api/lag"} {
		rec, _ := get(t, s, path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestPlayersEndpoint(t *testing.T) {
	s := NewServer(testConfig(), "info", Providers{
		Role: "gameserver",
		Game: fakeGame{status: server.StatusSnapshot{
			Stats:   server.Stats{ConnectedClients: 1, MaxClients: 8},
			Players: []server.PlayerInfo{{ID: 0, Name: "ana", Greeted: true}},
		}},
	})
	rec, body := get(t, s, "/api/players")
	if rec.Code != http.StatusOK || body["total"] != float64(1) || body["max_clients"] != float64(8) {
		t.Errorf("status = %d, body = %v", rec.Code, body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := NewServer(testConfig(), "info", masterProviders())
	rec, body := get(t, s, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, key := range []string{"master", "health", "lag", "history"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q in %v", key, body)
		}
	}
	if _, ok := body["game"]; ok {
		t.Error("game stats reported by master process")
	}
}

func TestHistoryLimit(t *testing.T) {
	p := masterProviders()
	hist := p.History.(*fakeHistory)
	s := NewServer(testConfig(), "info", p)

	tests := []struct {
		query string
		code  int
		limit int
	}{
		{"", http.StatusOK, defaultHistoryLimit},
		{"?limit=5", http.StatusOK, 5},
		{"?limit=100000", http.StatusOK, maxHistoryLimit},
		{"?limit=0", http.StatusBadRequest, -1},
		{"?limit=abc", http.StatusBadRequest, -1},
	}
	for _, tt := range tests {
		hist.limit = -1
		rec, _ := get(t, s, "/api/history"+tt.query)
		if rec.Code != tt.code {
			t.Errorf("%q: status = %d, want %d", tt.query, rec.Code, tt.code)
		}
		if hist.limit != tt.limit {
			t.Errorf("%q: limit = %d, want %d", tt.query, hist.limit, tt.limit)
		}
	}

	hist.err = errors.New("disk I/O error")
	if rec, _ := get(t, s, "/api/history"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing store status = %d", rec.Code)
	}
}

func TestHealthCriticalIs503(t *testing.T) {
	s := NewServer(testConfig(), "info", Providers{Health: fakeHealth{overall: health.StatusCritical}})
	rec, body := get(t, s, "/api/health")
	if rec.Code != http.StatusServiceUnavailable || body["overall"] != "critical" {
		t.Errorf("status = %d, body = %v", rec.Code, body)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := NewServer(testConfig(), "info", Providers{})
	rec, body := get(t, s, "/api/nope")
	if rec.Code != http.StatusNotFound || body["error"] == nil {
		t.Errorf("status = %d, body = %v", rec.Code, body)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	allowed := 0
	for i := 0; i < 5; i++ {
		if rl.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want burst of 2", allowed)
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("limit shared across clients")
	}
	if n := rl.Prune(-time.Second); n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if !NewRateLimiter(0).Allow("10.0.0.1") {
		t.Error("zero rate should disable limiting")
	}
}

func TestIPWhitelist(t *testing.T) {
	cfg := testConfig()
	cfg.IPWhitelist = []string{"10.1.0.0/16", "192.168.1.7"}
	s := NewServer(cfg, "info", Providers{})

	tests := []struct {
		remote string
		code   int
	}{
		{"10.1.2.3:1000", http.StatusOK},
		{"192.168.1.7:1000", http.StatusOK},
		{"192.168.1.8:1000", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/public/ping", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s: status = %d, want %d", tt.remote, rec.Code, tt.code)
		}
	}
}

func TestStartServesUntilCancelled(t *testing.T) {
	s := NewServer(testConfig(), "info", Providers{Role: "masterserver"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/public/ping", s.Addr()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
