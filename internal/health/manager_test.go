package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/fragnet/internal/events"
	"github.com/energizer-project/fragnet/internal/scheduler"
)

type staticLag []scheduler.LagAlert

func (s staticLag) CheckThresholds() []scheduler.LagAlert { return s }

type fakePruner struct {
	removed int64
	err     error
	maxAge  time.Duration
}

func (f *fakePruner) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	f.maxAge = maxAge
	return f.removed, f.err
}

func TestRunAllRecordsResults(t *testing.T) {
	m := NewManager(nil)
	m.Register("b", time.Minute, func(context.Context) Result {
		return Result{Message: "fine"}
	})
	m.Register("a", time.Minute, func(context.Context) Result {
		return Result{Status: StatusWarning, Message: "meh"}
	})
	m.Register("disabled", 0, func(context.Context) Result {
		t.Error("disabled check ran")
		return Result{}
	})

	m.RunAll(context.Background())

	results := m.Results()
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	if results[0].Name != "a" || results[1].Name != "b" {
		t.Errorf("not sorted: %s, %s", results[0].Name, results[1].Name)
	}
	if results[1].Status != StatusOK || results[1].CheckedAt.IsZero() {
		t.Errorf("defaults not filled: %+v", results[1])
	}
	if m.Overall() != StatusWarning {
		t.Errorf("overall = %s", m.Overall())
	}
}

func TestDegradationEmitsOnce(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	got := make(chan events.HealthPayload, 8)
	bus.Subscribe(events.EventHealthDegraded, "test", func(ctx context.Context, ev events.Event) error {
		got <- ev.Payload.(events.HealthPayload)
		return nil
	})

	status := StatusWarning
	m := NewManager(bus)
	m.Register("disk", time.Minute, func(context.Context) Result {
		return Result{Status: status, Message: "disk"}
	})

	ctx := context.Background()
	m.RunAll(ctx) // ok -> warning: emits
	m.RunAll(ctx) // still warning: silent
	status = StatusCritical
	m.RunAll(ctx) // escalation: emits

	want := []string{"warning", "critical"}
	for _, w := range want {
		select {
		case p := <-got:
			if p.Status != w || p.Check != "disk" {
				t.Errorf("payload = %+v, want status %s", p, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", w)
		}
	}
	select {
	case p := <-got:
		t.Errorf("unexpected event %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartRunsImmediately(t *testing.T) {
	m := NewManager(nil)
	ran := make(chan struct{}, 1)
	m.Register("ping", time.Hour, func(context.Context) Result {
		select {
		case ran <- struct{}{}:
		default:
		}
		return Result{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("check did not run on start")
	}
	cancel()
	<-done
}

func TestLagCheck(t *testing.T) {
	ok := LagCheck(staticLag(nil))(context.Background())
	if ok.Status != StatusOK {
		t.Errorf("no alerts status = %s", ok.Status)
	}

	res := LagCheck(staticLag{
		{Loop: "a", Level: "warning", Message: "a lagging"},
		{Loop: "b", Level: "critical", Message: "b lagging"},
	})(context.Background())
	if res.Status != StatusCritical || res.Message != "b lagging" {
		t.Errorf("result = %+v", res)
	}
}

func TestRetentionCheck(t *testing.T) {
	p := &fakePruner{removed: 3}
	res := RetentionCheck(p, 48*time.Hour)(context.Background())
	if res.Status != StatusOK || p.maxAge != 48*time.Hour {
		t.Errorf("result = %+v, max age = %s", res, p.maxAge)
	}

	p.err = errors.New("locked")
	if res := RetentionCheck(p, time.Hour)(context.Background()); res.Status != StatusWarning {
		t.Errorf("failed prune status = %s", res.Status)
	}
}
