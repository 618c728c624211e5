package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/fragnet/internal/db"
	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/master"
	"github.com/energizer-project/fragnet/internal/protocol"
	"github.com/energizer-project/fragnet/internal/server"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// RenderServerList writes a master list response as a table.
func RenderServerList(w io.Writer, entries []protocol.MasterServerEntry) {
	tw := newTable(w, []string{"#", "Name", "Address", "Mode", "Players"})
	for i, e := range entries {
		tw.Append([]string{
			strconv.Itoa(i + 1),
			e.Name,
			fmt.Sprintf("%s:%d", e.Address, e.Port),
			strconv.Itoa(int(e.Mode)),
			fmt.Sprintf("%d/%d", e.Players, e.MaxPlayers),
		})
	}
	tw.Render()
}

// RenderRegistry writes the master registry with per-entry bookkeeping.
func RenderRegistry(w io.Writer, records []master.Record) {
	tw := newTable(w, []string{"Name", "Address", "Mode", "Players", "Source", "Idle", "Registered"})
	for _, r := range records {
		tw.Append([]string{
			r.Name,
			fmt.Sprintf("%s:%d", r.Address, r.Port),
			strconv.Itoa(int(r.Mode)),
			fmt.Sprintf("%d/%d", r.Players, r.MaxPlayers),
			r.Source,
			fmt.Sprintf("%.1fs", r.IdleSeconds),
			r.RegisteredAt.Format(time.RFC3339),
		})
	}
	tw.Render()
}

// RenderPlayers writes the peers of a game server.
func RenderPlayers(w io.Writer, players []server.PlayerInfo) {
	tw := newTable(w, []string{"ID", "Name", "Address", "Greeted", "Position", "Connected"})
	for _, p := range players {
		tw.Append([]string{
			strconv.Itoa(int(p.ID)),
			p.Name,
			p.Address,
			strconv.FormatBool(p.Greeted),
			fmt.Sprintf("%.1f, %.1f, %.1f", p.X, p.Y, p.Z),
			time.Since(p.ConnectedAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

// RenderHistory writes registry history rows.
func RenderHistory(w io.Writer, entries []db.HistoryEntry) {
	tw := newTable(w, []string{"ID", "Time", "Event", "Name", "Address", "Players", "Reason"})
	for _, e := range entries {
		tw.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Event,
			e.Name,
			fmt.Sprintf("%s:%d", e.Address, e.Port),
			fmt.Sprintf("%d/%d", e.Players, e.MaxPlayers),
			e.Reason,
		})
	}
	tw.Render()
}

// RenderHealth writes the latest health check results.
func RenderHealth(w io.Writer, results []health.Result) {
	tw := newTable(w, []string{"Check", "Status", "Message", "Checked"})
	for _, r := range results {
		tw.Append([]string{
			r.Name,
			string(r.Status),
			r.Message,
			r.CheckedAt.Format("15:04:05"),
		})
	}
	tw.Render()
}
