// Package cli implements the operator console of the server processes and
// the table rendering shared with the masterlist tool.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/db"
	"github.com/energizer-project/fragnet/internal/events"
	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/master"
	"github.com/energizer-project/fragnet/internal/scheduler"
	"github.com/energizer-project/fragnet/internal/server"
)

// Sources are the state readers behind the console commands. Nil sources
// disable their commands.
type Sources struct {
	Master  interface{ Status() master.Status }
	Game    interface{ Status() server.StatusSnapshot }
	History interface {
		Recent(ctx context.Context, limit int) ([]db.HistoryEntry, error)
	}
	Health interface{ Results() []health.Result }
	Lag    interface {
		GetAllLoopData() map[string]scheduler.LoopLagData
	}
}

// CLI reads operator commands line by line.
type CLI struct {
	name     string
	sources  Sources
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console for the process called name.
func NewCLI(name string, sources Sources, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		name:     name,
		sources:  sources,
		eventBus: eventBus,
		in:       in,
		out:      out,
	}
}

// Start reads commands until EOF, quit or ctx cancellation.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintf(c.out, "\n%s console ready. Type 'help' for available commands.\n", c.name)

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		fmt.Fprintf(c.out, "%s> ", c.name)
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if quit := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); quit {
			return
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) bool {
	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "servers", "list":
		err = c.printServers()
	case "players", "p":
		err = c.printPlayers()
	case "history":
		err = c.printHistory(ctx, args)
	case "health":
		err = c.printHealth()
	case "lag":
		err = c.printLag()
	case "quit", "exit", "q":
		fmt.Fprintf(c.out, "Shutting down %s...\n", c.name)
		c.eventBus.EmitSync(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  status         counters of this process")
	if c.sources.Master != nil {
		fmt.Fprintln(c.out, "  servers        registered game servers")
	}
	if c.sources.Game != nil {
		fmt.Fprintln(c.out, "  players        connected players")
	}
	if c.sources.History != nil {
		fmt.Fprintln(c.out, "  history [n]    last n registry events (default 20)")
	}
	fmt.Fprintln(c.out, "  health         latest health check results")
	fmt.Fprintln(c.out, "  lag            long tick statistics")
	fmt.Fprintln(c.out, "  quit           shut down")
}

func (c *CLI) printStatus() {
	if c.sources.Master != nil {
		st := c.sources.Master.Status().Stats
		fmt.Fprintf(c.out, "  Servers:     %d/%d\n", st.ActiveServers, st.MaxServers)
		fmt.Fprintf(c.out, "  Registers:   %d  Heartbeats: %d  Unregisters: %d\n", st.Registers, st.Heartbeats, st.Unregisters)
		fmt.Fprintf(c.out, "  Expired:     %d  Rejected: %d  Rate limited: %d\n", st.Expired, st.Rejected, st.RateLimited)
		fmt.Fprintf(c.out, "  List reqs:   %d  Invalid: %d\n", st.ListRequests, st.InvalidPackets)
	}
	if c.sources.Game != nil {
		st := c.sources.Game.Status().Stats
		fmt.Fprintf(c.out, "  Name:        %s (port %d)\n", st.Name, st.Port)
		fmt.Fprintf(c.out, "  Players:     %d/%d\n", st.ConnectedClients, st.MaxClients)
		fmt.Fprintf(c.out, "  Registered:  %v  Master failures: %d\n", st.Registered, st.MasterFailures)
		fmt.Fprintf(c.out, "  Snapshots:   %d  Weapon relays: %d  Voice relays: %d\n", st.Snapshots, st.WeaponRelays, st.VoiceRelays)
	}
}

func (c *CLI) printServers() error {
	if c.sources.Master == nil {
		return fmt.Errorf("not a master server")
	}
	RenderRegistry(c.out, c.sources.Master.Status().Servers)
	return nil
}

func (c *CLI) printPlayers() error {
	if c.sources.Game == nil {
		return fmt.Errorf("not a game server")
	}
	RenderPlayers(c.out, c.sources.Game.Status().Players)
	return nil
}

func (c *CLI) printHistory(ctx context.Context, args []string) error {
	if c.sources.History == nil {
		return fmt.Errorf("history is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	entries, err := c.sources.History.Recent(ctx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("CLI: history query failed")
		return err
	}
	RenderHistory(c.out, entries)
	return nil
}

func (c *CLI) printHealth() error {
	if c.sources.Health == nil {
		return fmt.Errorf("health checks are not running")
	}
	RenderHealth(c.out, c.sources.Health.Results())
	return nil
}

func (c *CLI) printLag() error {
	if c.sources.Lag == nil {
		return fmt.Errorf("lag monitor is not running")
	}
	data := c.sources.Lag.GetAllLoopData()
	loops := make([]string, 0, len(data))
	for name := range data {
		loops = append(loops, name)
	}
	sort.Strings(loops)

	tw := newTable(c.out, []string{"Loop", "Total", "Last hour", "Max ms", "Avg ms"})
	for _, name := range loops {
		d := data[name]
		tw.Append([]string{
			name,
			strconv.Itoa(d.TotalEvents),
			strconv.Itoa(d.EventsThisHour),
			fmt.Sprintf("%.1f", d.MaxDurationMs),
			fmt.Sprintf("%.1f", d.AvgDurationMs),
		})
	}
	tw.Render()
	return nil
}
