// fragnet game server.
//
// Hosts one game session over the UDP transport, relays player state,
// weapon events and voice between peers, and advertises itself on a
// master server when asked to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/api"
	"github.com/energizer-project/fragnet/internal/app"
	"github.com/energizer-project/fragnet/internal/cli"
	"github.com/energizer-project/fragnet/internal/config"
	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/server"
	"github.com/energizer-project/fragnet/internal/util"
)

const appName = "fragnet-gameserver"

type options struct {
	configDir  string
	port       int
	maxClients int
	name       string
	mode       int
	public     string
	advertise  bool
	masterHost string
	masterPort int
	apiPort    int
	logLevel   string
	setup      bool
	console    bool
}

func parseFlags() (options, map[string]bool) {
	var o options
	flag.StringVar(&o.configDir, "config-dir", config.DefaultConfigDir, "configuration directory")
	flag.IntVar(&o.port, "port", config.DefaultGamePort, "UDP port to listen on")
	flag.IntVar(&o.maxClients, "max", server.DefaultMaxClients, "maximum connected clients")
	flag.StringVar(&o.name, "name", "", "server name shown in the master list")
	flag.IntVar(&o.mode, "mode", 0, "game mode id advertised to the master")
	flag.StringVar(&o.public, "public", "", "address announced to the master (\"auto\" detects it)")
	flag.BoolVar(&o.advertise, "advertise", false, "register with the master server")
	flag.StringVar(&o.masterHost, "master-host", config.DefaultMasterHost, "master server host")
	flag.IntVar(&o.masterPort, "master-port", config.DefaultMasterPort, "master server port")
	flag.IntVar(&o.apiPort, "api-port", config.DefaultAPIPort, "status API port (0 disables)")
	flag.StringVar(&o.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	flag.BoolVar(&o.setup, "setup", false, "run the interactive setup wizard")
	flag.BoolVar(&o.console, "console", true, "read operator commands from stdin")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set
}

// applyFlags overrides configuration values with the flags given on the
// command line.
func applyFlags(cfg *config.Config, o options, set map[string]bool) {
	gs := cfg.GetGameServer()
	if set["port"] {
		gs.Port = o.port
	}
	if set["max"] {
		gs.MaxClients = o.maxClients
	}
	if set["name"] {
		gs.Name = o.name
	}
	if set["mode"] {
		gs.Mode = o.mode
	}
	if set["public"] {
		gs.PublicAddress = o.public
	}
	if set["advertise"] {
		gs.Advertise = o.advertise
	}
	if set["master-host"] {
		gs.MasterHost = o.masterHost
	}
	if set["master-port"] {
		gs.MasterPort = o.masterPort
	}
	cfg.SetGameServer(gs)

	if set["api-port"] {
		cfg.API.Port = o.apiPort
		cfg.API.Enabled = o.apiPort != 0
	}
}

func resolvePublicAddress(public string) string {
	if public != "auto" {
		return public
	}
	ip, err := util.GetOutboundIP()
	if err != nil {
		log.Warn().Err(err).Msg("public address auto-detection failed; the master will use the source IP")
		return ""
	}
	log.Info().Str("public", ip).Msg("auto-detected public address")
	return ip
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
		Msg("starting fragnet game server")

	if o.setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	} else if cfg.IsFirstRun() && !set["name"] {
		log.Info().Msg("using default server identity; run with --setup to configure it")
	}

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

	rules, err := config.LoadServerCfg(filepath.Join(cfg.Dir(), config.DefaultServerCfgFile))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read server.cfg, using defaults")
	}

	app.LogSystemInfo()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := app.New("gameserver", cfg)
	gs := cfg.GetGameServer()

	if gs.Port != 0 && !config.IsPortAvailable(gs.Port) {
		log.Fatal().Int("port", gs.Port).Msg("UDP port is already in use")
	}

	stack := network.NewStack()
	srv, err := server.New(ctx, stack, server.Config{
		BindIP:            gs.BindIP,
		Port:              gs.Port,
		MaxClients:        gs.MaxClients,
		Name:              gs.Name,
		Mode:              byte(gs.Mode),
		Advertise:         gs.Advertise,
		PublicAddress:     resolvePublicAddress(gs.PublicAddress),
		MasterHost:        gs.MasterHost,
		MasterPort:        gs.MasterPort,
		HeartbeatInterval: gs.HeartbeatInterval(),
		SnapshotInterval:  gs.SnapshotInterval(),
		VoiceMode:         rules.VoiceMode,
		VoiceRange:        rules.VoiceRange,
	}, rt.Bus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start game server")
	}

	rt.Loop("gameserver", srv.Update)
	rt.EnableAPI(api.Providers{Game: srv})
	rt.EnableMQTT()
	if o.console {
		console := cli.NewCLI("gameserver", cli.Sources{Game: srv, Health: rt.Health, Lag: rt.Lag}, rt.Bus, os.Stdin, os.Stdout)
		rt.Go("console", false, func(ctx context.Context) error {
			console.Start(ctx)
			return nil
		})
	}

	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("game server stopped with error")
	}
	srv.Destroy()
	log.Info().Msg("fragnet game server stopped")
}
