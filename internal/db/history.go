package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/energizer-project/fragnet/internal/events"
)

// HistoryEntry is one registry lifecycle record.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	Event      string    `json:"event"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Port       int       `json:"port"`
	Mode       int       `json:"mode"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`
	Source     string    `json:"source,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryStore appends master registry events to SQLite and serves them
// back for the status API.
type HistoryStore struct {
	db *Database
}

// NewHistoryStore opens the history database and migrates its schema.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hs := &HistoryStore{db: database}
	if err := hs.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

func (hs *HistoryStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS registry_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			mode INTEGER NOT NULL DEFAULT 0,
			players INTEGER NOT NULL DEFAULT 0,
			max_players INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_created ON registry_history(created_at);
		CREATE INDEX IF NOT EXISTS idx_history_server ON registry_history(address, port);
	`
	if _, err := hs.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	hs.db.logger.Debug().Msg("history schema migrated")
	return nil
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}

// Record appends one entry. A zero CreatedAt is stamped with the current
// time.
func (hs *HistoryStore) Record(ctx context.Context, e HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := hs.db.ExecContext(ctx,
		`INSERT INTO registry_history
			(event, name, address, port, mode, players, max_players, source, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Event, e.Name, e.Address, e.Port, e.Mode, e.Players, e.MaxPlayers,
		e.Source, e.Reason, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record %s for %s:%d: %w", e.Event, e.Address, e.Port, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (hs *HistoryStore) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := hs.db.QueryContext(ctx,
		`SELECT id, event, name, address, port, mode, players, max_players, source, reason, created_at
		 FROM registry_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &e.Name, &e.Address, &e.Port, &e.Mode,
			&e.Players, &e.MaxPlayers, &e.Source, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByEvent returns how many entries of each event type are stored.
func (hs *HistoryStore) CountByEvent(ctx context.Context) (map[string]int, error) {
	rows, err := hs.db.QueryContext(ctx,
		`SELECT event, COUNT(*) FROM registry_history GROUP BY event`)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		counts[event] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than maxAge and returns how many were removed.
func (hs *HistoryStore) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	var removed int64
	err := hs.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM registry_history WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		hs.db.logger.Info().Int64("removed", removed).Dur("max_age", maxAge).Msg("history pruned")
	}
	return removed, nil
}

// Subscribe records every registry event published on bus.
func (hs *HistoryStore) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(events.RegistryEvents, "history", hs.handleEvent)
}

func (hs *HistoryStore) handleEvent(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.RegistryPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
	}
	return hs.Record(ctx, HistoryEntry{
		Event:      string(ev.Type),
		Name:       p.Entry.Name,
		Address:    p.Entry.Address,
		Port:       int(p.Entry.Port),
		Mode:       int(p.Entry.Mode),
		Players:    int(p.Entry.Players),
		MaxPlayers: int(p.Entry.MaxPlayers),
		Source:     p.Source,
		Reason:     p.Reason,
	})
}
