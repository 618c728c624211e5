// Package scheduler drives the fixed-rate update loops of the game and
// master server processes and tracks ticks that overrun their budget.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTickRate is the update frequency of server loops.
const DefaultTickRate = 60

// UpdateFunc advances a simulation by dt.
type UpdateFunc func(dt time.Duration)

// Loop calls an UpdateFunc at a fixed rate from a single goroutine.
type Loop struct {
	name     string
	interval time.Duration
	lagLimit time.Duration
	lag      *LagMonitor
	logger   zerolog.Logger

	ticks atomic.Uint64
}

// NewLoop creates a loop ticking every interval. Updates taking longer than
// lagLimit are reported to lag; a nil monitor or zero limit disables that.
func NewLoop(name string, interval, lagLimit time.Duration, lag *LagMonitor) *Loop {
	if interval <= 0 {
		interval = time.Second / DefaultTickRate
	}
	return &Loop{
		name:     name,
		interval: interval,
		lagLimit: lagLimit,
		lag:      lag,
		logger:   log.With().Str("component", "loop").Str("loop", name).Logger(),
	}
}

// Run blocks, calling update once per tick with the real time elapsed since
// the previous call, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, update UpdateFunc) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("loop started")
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Uint64("ticks", l.ticks.Load()).Msg("loop stopped")
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			start := time.Now()
			update(dt)
			took := time.Since(start)
			l.ticks.Add(1)

			if l.lag != nil && l.lagLimit > 0 && took > l.lagLimit {
				l.lag.Record(ctx, l.name, took, l.lagLimit)
			}
		}
	}
}

// Ticks returns how many updates have run.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Interval returns the tick period.
func (l *Loop) Interval() time.Duration {
	return l.interval
}
