// ABOUTME: SQLite primary tier using modernc.org/sqlite
// ABOUTME: Persists the envelope as a single keyed row with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// envelopeKey is the row holding the envelope. Every scope shares it, which is
// why writes are serialized store-wide rather than per scope.
const envelopeKey = "tabsync"

// SQLiteTier implements Tier on a SQLite database file.
type SQLiteTier struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteTier opens (or creates) the database at path. ":memory:" is accepted
// for tests. Parent directories are created if needed.
func NewSQLiteTier(path string) (*SQLiteTier, error) {
	logger := slog.Default().With("component", "store", "tier", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	t := &SQLiteTier{db: db, path: path, logger: logger}
	if err := t.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite tier initialized", "path", path)
	return t, nil
}

func (t *SQLiteTier) createSchema() error {
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS envelopes (
			state_key  TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`)
	return err
}

func (t *SQLiteTier) Name() string { return "sqlite" }

func (t *SQLiteTier) Read(ctx context.Context) ([]byte, error) {
	var payload string
	err := t.db.QueryRowContext(ctx,
		`SELECT payload FROM envelopes WHERE state_key = ?`, envelopeKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	return []byte(payload), nil
}

func (t *SQLiteTier) Write(ctx context.Context, data []byte) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO envelopes (state_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		envelopeKey, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

func (t *SQLiteTier) Close() error {
	return t.db.Close()
}
