package master

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/protocol"
)

// DefaultRequestTimeout bounds the wait for a LIST_RESPONSE.
const DefaultRequestTimeout = 1500 * time.Millisecond

// fallbackServers is returned whenever the master cannot be reached.
var fallbackServers = []protocol.MasterServerEntry{
	{Name: "Local Test Server", Address: "127.0.0.1", Port: 26015, Mode: 0, Players: 0, MaxPlayers: 8},
	{Name: "Fragnet EU Deathmatch", Address: "eu.fragnet.example", Port: 26015, Mode: 1, Players: 6, MaxPlayers: 16},
	{Name: "Fragnet US Team Arena", Address: "us.fragnet.example", Port: 26016, Mode: 2, Players: 3, MaxPlayers: 12},
}

// FallbackServers returns a copy of the canned server list.
func FallbackServers() []protocol.MasterServerEntry {
	return append([]protocol.MasterServerEntry(nil), fallbackServers...)
}

// ListClient fetches the server list from a master server with a single
// request/response exchange.
type ListClient struct {
	Host    string
	Port    int
	Timeout time.Duration

	logger zerolog.Logger
}

// NewListClient creates a list client with the default timeout.
func NewListClient(host string, port int) *ListClient {
	return &ListClient{
		Host:    host,
		Port:    port,
		Timeout: DefaultRequestTimeout,
		logger: log.With().
			Str("component", "master_client").
			Str("master", fmt.Sprintf("%s:%d", host, port)).
			Logger(),
	}
}

// RequestList asks the master for its active servers and returns at most
// maxEntries of them. On any failure it returns the fallback list and
// false; callers should present that as stale data, not abort.
func (c *ListClient) RequestList(ctx context.Context, maxEntries int) ([]protocol.MasterServerEntry, bool) {
	entries, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Master list unavailable, using fallback servers")
		return truncate(FallbackServers(), maxEntries), false
	}
	c.logger.Debug().Int("servers", len(entries)).Msg("Master list received")
	return truncate(entries, maxEntries), true
}

func (c *ListClient) fetch(ctx context.Context) ([]protocol.MasterServerEntry, error) {
	addr, err := network.ResolveUDP(c.Host, c.Port)
	if err != nil {
		return nil, err
	}
	sock, err := network.ListenUDP(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	if _, err := sock.WriteTo(protocol.BuildListRequest(), addr); err != nil {
		return nil, fmt.Errorf("send list request: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, recvBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no list response within %s", timeout)
		}
		n, from, err := sock.ReadFrom(buf, remaining)
		if err != nil {
			return nil, fmt.Errorf("receive list response: %w", err)
		}
		if n == 0 {
			continue
		}
		if !sameEndpoint(from, addr) {
			c.logger.Debug().Str("from", from.String()).Msg("Ignoring datagram from unexpected source")
			continue
		}
		return protocol.ParseListResponse(buf[:n])
	}
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func truncate(entries []protocol.MasterServerEntry, n int) []protocol.MasterServerEntry {
	if n >= 0 && len(entries) > n {
		return entries[:n]
	}
	return entries
}
