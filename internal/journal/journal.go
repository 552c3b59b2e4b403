// Package journal persists lifecycle events to sqlite so an operator can see
// what the fleet did after the orchestrator is gone.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mattjoyce/drover/internal/events"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one persisted lifecycle event.
type Entry struct {
	ID      string    `json:"id"`
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	Address string    `json:"address,omitempty"`
	At      time.Time `json:"at"`
	Data    string    `json:"data"`
}

// Journal is an append-only lifecycle log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates if needed) the journal at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; concurrent Record calls queue on the pool instead of
	// fighting over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_event (
  id       TEXT PRIMARY KEY,
  seq      INTEGER NOT NULL,
  type     TEXT NOT NULL,
  address  TEXT,
  at       TEXT NOT NULL,
  data     JSON NOT NULL DEFAULT '{}'
);`,
		`CREATE INDEX IF NOT EXISTS lifecycle_event_at_idx ON lifecycle_event(at);`,
		`CREATE INDEX IF NOT EXISTS lifecycle_event_address_idx ON lifecycle_event(address);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record persists one hub event.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	var address sql.NullString
	if l, err := ev.Decode(); err == nil && l.Address != "" {
		address = sql.NullString{String: l.Address, Valid: true}
	}
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO lifecycle_event (id, seq, type, address, at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.ID, ev.Type, address, ev.At.UTC().Format(timeLayout), data,
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", ev.Type, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, seq, type, address, at, data FROM lifecycle_event ORDER BY at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			address sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.Type, &address, &at, &e.Data); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Address = address.String
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse time of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Attach persists every event published on hub until ctx is done or the
// returned stop func is called. stop waits for already-delivered events to
// be written.
func (j *Journal) Attach(ctx context.Context, hub *events.Hub) (stop func()) {
	ch, unsubscribe := hub.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			// Writes outlive ctx so the final teardown events still land.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := j.Record(wctx, ev); err != nil {
				j.logger.Warn("journal write failed", "type", ev.Type, "error", err)
			}
			cancel()
		}
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop
}
