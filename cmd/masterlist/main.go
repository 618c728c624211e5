// masterlist asks a fragnet master server for its game servers and prints
// them. When the master does not answer, the built-in fallback list is
// printed instead and the exit status is 2.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/cli"
	"github.com/energizer-project/fragnet/internal/config"
	"github.com/energizer-project/fragnet/internal/master"
)

func main() {
	defaults := config.DefaultConfig().GetMasterClient()

	host := flag.String("host", defaults.Host, "master server host")
	port := flag.Int("port", defaults.Port, "master server port")
	maxEntries := flag.Int("max", defaults.MaxEntries, "maximum entries to print")
	timeout := flag.Duration("timeout", defaults.Timeout(), "request timeout")
	asJSON := flag.Bool("json", false, "print JSON instead of a table")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()

	client := master.NewListClient(*host, *port)
	client.Timeout = *timeout

	entries, ok := client.RequestList(context.Background(), *maxEntries)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]interface{}{
			"master":   fmt.Sprintf("%s:%d", *host, *port),
			"fallback": !ok,
			"servers":  entries,
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to encode list")
		}
	} else {
		if !ok {
			fmt.Printf("master %s:%d unreachable, showing fallback servers\n", *host, *port)
		}
		cli.RenderServerList(os.Stdout, entries)
		fmt.Printf("%d server(s)\n", len(entries))
	}

	if !ok {
		os.Exit(2)
	}
}
