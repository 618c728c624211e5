package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/events"
)

// Lag thresholds, in long ticks per hour.
const (
	LagWarningThreshold  = 10
	LagCriticalThreshold = 60

	maxLagHistory = 1000
)

// LagMonitor aggregates long ticks per loop and evaluates them against
// hourly thresholds.
type LagMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	logger   zerolog.Logger

	loops map[string]*LoopLagData

	warningThreshold  int
	criticalThreshold int
}

// LoopLagData holds lag tracking data for a single loop.
type LoopLagData struct {
	Loop           string      `json:"loop"`
	TotalEvents    int         `json:"total_events"`
	EventsThisHour int         `json:"events_this_hour"`
	LastEventTime  time.Time   `json:"last_event_time"`
	MaxDurationMs  float64     `json:"max_duration_ms"`
	AvgDurationMs  float64     `json:"avg_duration_ms"`
	History        []LagEvent  `json:"-"`
	HourlyBuckets  map[int]int `json:"hourly_buckets"`

	totalMs float64
}

// LagEvent is one overrun tick.
type LagEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// LagAlert represents a lag threshold alert.
type LagAlert struct {
	Loop    string `json:"loop"`
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// NewLagMonitor creates a lag monitor. eventBus may be nil.
func NewLagMonitor(eventBus *events.EventBus) *LagMonitor {
	return &LagMonitor{
		eventBus:          eventBus,
		logger:            log.With().Str("component", "lag_monitor").Logger(),
		loops:             make(map[string]*LoopLagData),
		warningThreshold:  LagWarningThreshold,
		criticalThreshold: LagCriticalThreshold,
	}
}

// SetThresholds overrides the hourly warning and critical counts.
func (lm *LagMonitor) SetThresholds(warning, critical int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.warningThreshold = warning
	lm.criticalThreshold = critical
}

// Record notes one tick of loop that took d against a budget of limit.
func (lm *LagMonitor) Record(ctx context.Context, loop string, d, limit time.Duration) {
	now := time.Now()
	ms := float64(d) / float64(time.Millisecond)

	lm.mu.Lock()
	data, ok := lm.loops[loop]
	if !ok {
		data = &LoopLagData{
			Loop:          loop,
			History:       make([]LagEvent, 0, 64),
			HourlyBuckets: make(map[int]int),
		}
		lm.loops[loop] = data
	}

	data.TotalEvents++
	data.LastEventTime = now
	data.History = append(data.History, LagEvent{Timestamp: now, Duration: d})
	if len(data.History) > maxLagHistory {
		data.History = data.History[len(data.History)-maxLagHistory:]
	}
	if ms > data.MaxDurationMs {
		data.MaxDurationMs = ms
	}
	data.totalMs += ms
	data.AvgDurationMs = data.totalMs / float64(data.TotalEvents)
	data.HourlyBuckets[now.Hour()]++
	data.EventsThisHour = countSince(data.History, now.Add(-time.Hour))
	lm.mu.Unlock()

	lm.logger.Warn().
		Str("loop", loop).
		Dur("took", d).
		Dur("limit", limit).
		Msg("long tick")

	lm.eventBus.Emit(ctx, events.Event{
		Type:   events.EventLongTick,
		Source: loop,
		Payload: events.LagPayload{
			Loop:       loop,
			DurationMs: ms,
			LimitMs:    float64(limit) / float64(time.Millisecond),
		},
	})
}

func countSince(history []LagEvent, cutoff time.Time) int {
	// History is in time order.
	i := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp.After(cutoff)
	})
	return len(history) - i
}

// GetLoopData returns a copy of the lag data for one loop.
func (lm *LagMonitor) GetLoopData(loop string) (LoopLagData, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	data, ok := lm.loops[loop]
	if !ok {
		return LoopLagData{}, false
	}
	return data.snapshot(), true
}

// GetAllLoopData returns copies of the lag data of every loop.
func (lm *LagMonitor) GetAllLoopData() map[string]LoopLagData {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	result := make(map[string]LoopLagData, len(lm.loops))
	for k, v := range lm.loops {
		result[k] = v.snapshot()
	}
	return result
}

func (d *LoopLagData) snapshot() LoopLagData {
	c := *d
	c.History = append([]LagEvent(nil), d.History...)
	c.HourlyBuckets = make(map[int]int, len(d.HourlyBuckets))
	for h, n := range d.HourlyBuckets {
		c.HourlyBuckets[h] = n
	}
	return c
}

// CheckThresholds evaluates every loop's long ticks over the last hour.
func (lm *LagMonitor) CheckThresholds() []LagAlert {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	var alerts []LagAlert
	for name, data := range lm.loops {
		data.EventsThisHour = countSince(data.History, cutoff)

		level := ""
		switch {
		case data.EventsThisHour >= lm.criticalThreshold:
			level = "critical"
		case data.EventsThisHour >= lm.warningThreshold:
			level = "warning"
		default:
			continue
		}
		alerts = append(alerts, LagAlert{
			Loop:    name,
			Level:   level,
			Events:  data.EventsThisHour,
			Message: fmt.Sprintf("loop %s: %d long ticks in the last hour", name, data.EventsThisHour),
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Loop < alerts[j].Loop })
	return alerts
}
