// Package health runs periodic named checks for a server process (host
// resources, tick lag, history retention) and keeps their latest results
// for the status API.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/events"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	}
	return 0
}

// Result is the latest outcome of a named check.
type Result struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// CheckFunc runs one check. The manager fills in Name and CheckedAt.
type CheckFunc func(ctx context.Context) Result

type check struct {
	name     string
	interval time.Duration
	fn       CheckFunc
}

// Manager runs registered checks on their own tickers.
type Manager struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	logger   zerolog.Logger

	checks  []check
	results map[string]Result
}

// NewManager creates a health check manager. eventBus may be nil.
func NewManager(eventBus *events.EventBus) *Manager {
	return &Manager{
		eventBus: eventBus,
		logger:   log.With().Str("component", "health").Logger(),
		results:  make(map[string]Result),
	}
}

// Register adds a check. Checks with a non-positive interval are skipped.
// Register must be called before Start.
func (m *Manager) Register(name string, interval time.Duration, fn CheckFunc) {
	if interval <= 0 {
		m.logger.Debug().Str("check", name).Msg("check disabled")
		return
	}
	m.checks = append(m.checks, check{name: name, interval: interval, fn: fn})
}

// Start launches every check and blocks until ctx is cancelled. Each check
// runs once immediately, then on its interval.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.checks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()

			m.run(ctx, c)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.run(ctx, c)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", len(m.checks)).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// RunAll runs every registered check once, synchronously.
func (m *Manager) RunAll(ctx context.Context) {
	for _, c := range m.checks {
		m.run(ctx, c)
	}
}

func (m *Manager) run(ctx context.Context, c check) {
	res := c.fn(ctx)
	res.Name = c.name
	res.CheckedAt = time.Now()
	if res.Status == "" {
		res.Status = StatusOK
	}

	m.mu.Lock()
	prev, seen := m.results[c.name]
	m.results[c.name] = res
	m.mu.Unlock()

	ev := m.logger.Debug()
	if res.Status != StatusOK {
		ev = m.logger.Warn()
	}
	ev.Str("check", c.name).Str("status", string(res.Status)).Msg(res.Message)

	if res.Status.rank() > 0 && (!seen || res.Status.rank() > prev.Status.rank()) {
		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventHealthDegraded,
			Source: "health",
			Payload: events.HealthPayload{
				Check:   c.name,
				Status:  string(res.Status),
				Message: res.Message,
			},
		})
	}
}

// Results returns the latest result of every check, sorted by name.
func (m *Manager) Results() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst status among the latest results.
func (m *Manager) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worst := StatusOK
	for _, r := range m.results {
		if r.Status.rank() > worst.rank() {
			worst = r.Status
		}
	}
	return worst
}
