// fragnet master server.
//
// Keeps the registry of advertised game servers, expires the silent ones
// and answers list requests. Registry changes are recorded in a SQLite
// history when enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/api"
	"github.com/energizer-project/fragnet/internal/app"
	"github.com/energizer-project/fragnet/internal/cli"
	"github.com/energizer-project/fragnet/internal/config"
	"github.com/energizer-project/fragnet/internal/db"
	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/master"
	"github.com/energizer-project/fragnet/internal/util"
)

const appName = "fragnet-masterserver"

type options struct {
	configDir  string
	port       int
	maxServers int
	apiPort    int
	history    string
	logLevel   string
	console    bool
}

func parseFlags() (options, map[string]bool) {
	var o options
	flag.StringVar(&o.configDir, "config-dir", config.DefaultConfigDir, "configuration directory")
	flag.IntVar(&o.port, "port", config.DefaultMasterPort, "UDP port to listen on")
	flag.IntVar(&o.maxServers, "max-servers", master.DefaultMaxServers, "registry capacity")
	flag.IntVar(&o.apiPort, "api-port", config.DefaultAPIPort, "status API port (0 disables)")
	flag.StringVar(&o.history, "history", "", "registry history database path (\"off\" disables)")
	flag.StringVar(&o.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	flag.BoolVar(&o.console, "console", true, "read operator commands from stdin")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set
}

func applyFlags(cfg *config.Config, o options, set map[string]bool) {
	if set["port"] {
		cfg.MasterServer.Port = o.port
	}
	if set["max-servers"] {
		cfg.MasterServer.MaxServers = o.maxServers
	}
	if set["history"] {
		if o.history == "off" {
			cfg.MasterServer.HistoryEnabled = false
		} else {
			cfg.MasterServer.HistoryEnabled = true
			cfg.MasterServer.HistoryPath = o.history
		}
	}
	if set["api-port"] {
		cfg.API.Port = o.apiPort
		cfg.API.Enabled = o.apiPort != 0
	}
}

func main() {
	o, set := parseFlags()

	if err := util.InitLogger(appName, util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(o.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := app.InitLogging(appName, cfg, o.logLevel); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting fragnet master server")

	applyFlags(cfg, o, set)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	app.LogSystemInfo()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := app.New("masterserver", cfg)
	ms := cfg.GetMasterServer()

	if ms.Port != 0 && !config.IsPortAvailable(ms.Port) {
		log.Fatal().Int("port", ms.Port).Msg("UDP port is already in use")
	}

	srv, err := master.NewServer(ctx, master.ServerConfig{
		BindIP:           ms.BindIP,
		Port:             ms.Port,
		MaxServers:       ms.MaxServers,
		HeartbeatTimeout: ms.HeartbeatTimeout(),
		CleanupInterval:  ms.CleanupInterval(),
		RateLimit:        ms.RateLimit,
		RateBurst:        ms.RateBurst,
	}, rt.Bus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start master server")
	}

	providers := api.Providers{Master: srv}
	sources := cli.Sources{Master: srv, Health: rt.Health, Lag: rt.Lag}

	var history *db.HistoryStore
	if ms.HistoryEnabled {
		history, err = db.NewHistoryStore(ms.HistoryPath)
		if err != nil {
			log.Warn().Err(err).Str("path", ms.HistoryPath).Msg("failed to open registry history, history disabled")
		} else {
			history.Subscribe(rt.Bus)
			providers.History = history
			sources.History = history
			rt.Health.Register("history_retention",
				time.Duration(cfg.Timers.HistoryPruneInterval)*time.Second,
				health.RetentionCheck(history, ms.HistoryRetention()))
		}
	}

	rt.Loop("masterserver", srv.Update)
	rt.EnableAPI(providers)
	rt.EnableMQTT()
	if o.console {
		console := cli.NewCLI("masterserver", sources, rt.Bus, os.Stdin, os.Stdout)
		rt.Go("console", false, func(ctx context.Context) error {
			console.Start(ctx)
			return nil
		})
	}

	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("master server stopped with error")
	}

	srv.Close()
	if history != nil {
		if err := history.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close registry history")
		}
	}
	log.Info().Msg("fragnet master server stopped")
}
