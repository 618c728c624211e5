// Package app holds the process scaffolding shared by the server binaries:
// logging setup, background tasks, the status API, telemetry and graceful
// shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/api"
	"github.com/energizer-project/fragnet/internal/config"
	"github.com/energizer-project/fragnet/internal/events"
	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/scheduler"
	"github.com/energizer-project/fragnet/internal/telemetry"
	"github.com/energizer-project/fragnet/internal/util"
)

// ShutdownTimeout bounds how long Run waits for tasks after cancellation.
const ShutdownTimeout = 30 * time.Second

// TaskFunc is a long-running task. It must return once ctx is cancelled.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	fn       TaskFunc
	critical bool
}

// Runtime owns the components every server process carries.
type Runtime struct {
	Role   string
	Config *config.Config
	Bus    *events.EventBus
	Lag    *scheduler.LagMonitor
	Health *health.Manager

	logger zerolog.Logger
	tasks  []task
}

// InitLogging configures the global logger from cfg. A non-empty
// levelOverride replaces the configured level.
func InitLogging(app string, cfg *config.Config, levelOverride string) error {
	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if levelOverride != "" {
		logCfg.Level = levelOverride
		cfg.Logging.Level = levelOverride
	}
	return util.InitLogger(app, logCfg)
}

// LogSystemInfo logs the host description at startup.
func LogSystemInfo() {
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")
}

// New creates the runtime of a process with the given role. The health
// manager starts out with the host and tick lag checks.
func New(role string, cfg *config.Config) *Runtime {
	bus := events.NewEventBus()
	lag := scheduler.NewLagMonitor(bus)
	hm := health.NewManager(bus)

	interval := time.Duration(cfg.Timers.GeneralHealthInterval) * time.Second
	hm.Register("host", interval, health.HostCheck(cfg.Dir()))
	hm.Register("tick_lag", interval, health.LagCheck(lag))

	return &Runtime{
		Role:   role,
		Config: cfg,
		Bus:    bus,
		Lag:    lag,
		Health: hm,
		logger: util.ComponentLogger("runtime").With().Str("role", role).Logger(),
	}
}

// Go registers a background task. A critical task that fails triggers a
// shutdown; other failures are only logged.
func (r *Runtime) Go(name string, critical bool, fn TaskFunc) {
	r.tasks = append(r.tasks, task{name: name, fn: fn, critical: critical})
}

// Loop registers the fixed-rate tick loop driving update.
func (r *Runtime) Loop(name string, update scheduler.UpdateFunc) *scheduler.Loop {
	loop := scheduler.NewLoop(name, r.Config.Timers.TickInterval(), r.Config.Timers.LagWarn(), r.Lag)
	r.logger.Debug().Str("loop", name).Dur("interval", loop.Interval()).Msg("tick loop registered")
	r.Go(name+" loop", true, func(ctx context.Context) error {
		loop.Run(ctx, update)
		return nil
	})
	return loop
}

// EnableAPI registers the status API task when the API is enabled.
func (r *Runtime) EnableAPI(p api.Providers) {
	apiCfg := r.Config.API
	if !apiCfg.Enabled {
		r.logger.Info().Msg("status API disabled")
		return
	}
	p.Role = r.Role
	p.Health = r.Health
	p.Lag = r.Lag
	srv := api.NewServer(apiCfg, r.Config.Logging.Level, p)
	r.Go("status API", false, func(ctx context.Context) error {
		return startWithRetry(ctx, "status API", srv.Start, 5)
	})
}

// EnableMQTT registers the telemetry publisher when MQTT is enabled.
func (r *Runtime) EnableMQTT() {
	if !r.Config.MQTT.Enabled {
		return
	}
	handler, err := telemetry.NewMQTTHandler(r.Config.MQTT, r.Role, r.Bus)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		return
	}
	r.Go("MQTT telemetry", false, handler.Start)
}

// Run starts every task and blocks until a signal, a shutdown event, a
// critical task failure or cancellation of ctx. It then cancels the tasks
// and waits up to ShutdownTimeout for them.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownCh := make(chan struct{}, 1)
	r.Bus.Subscribe(events.EventShutdown, "runtime", func(context.Context, events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})
	defer r.Bus.Unsubscribe(events.EventShutdown, "runtime")

	var wg sync.WaitGroup
	errCh := make(chan error, len(r.tasks)+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Health.Start(ctx)
	}()

	for _, t := range r.tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.logger.Info().Str("task", t.name).Msg("starting task")
			err := t.fn(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			if t.critical {
				errCh <- fmt.Errorf("%s: %w", t.name, err)
				return
			}
			r.logger.Warn().Err(err).Str("task", t.name).Msg("task failed (non-fatal)")
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		r.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		r.logger.Info().Msg("shutdown requested")
	case err := <-errCh:
		r.logger.Error().Err(err).Msg("critical error, initiating shutdown")
		runErr = err
	case <-ctx.Done():
	}

	r.logger.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("all tasks stopped gracefully")
	case <-time.After(ShutdownTimeout):
		r.logger.Warn().Msg("shutdown timed out, forcing exit")
	}

	r.Bus.Stop()
	return runErr
}

// startWithRetry retries startFn up to maxRetries times, 3s apart.
func startWithRetry(ctx context.Context, name string, startFn TaskFunc, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
