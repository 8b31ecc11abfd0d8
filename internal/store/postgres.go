// ABOUTME: Postgres primary tier using lib/pq
// ABOUTME: Lazily creates its table and upserts the envelope row on every write

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

const postgresTableName = "tabsync_envelopes"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTier implements Tier on a Postgres table.
type PostgresTier struct {
	dsn    string
	table  string
	openDB sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresTier returns a tier for dsn. The connection is opened on first use.
func NewPostgresTier(dsn string) (*PostgresTier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrUnsupportedDSN)
	}
	return &PostgresTier{
		dsn:    dsn,
		table:  postgresTableName,
		openDB: sql.Open,
	}, nil
}

func (t *PostgresTier) Name() string { return "postgres" }

func (t *PostgresTier) Read(ctx context.Context) ([]byte, error) {
	db, err := t.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT payload FROM %s WHERE state_key = $1", quoteIdentifier(t.table))
	var payload string
	err = db.QueryRowContext(ctx, query, envelopeKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	return []byte(payload), nil
}

func (t *PostgresTier) Write(ctx context.Context, data []byte) error {
	db, err := t.ensureReady(ctx)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, quoteIdentifier(t.table))
	if _, err := db.ExecContext(ctx, query, envelopeKey, string(data)); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

func (t *PostgresTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// ensureReady connects and creates the table on first use. A failed attempt
// is not remembered, so the next call tries again.
func (t *PostgresTier) ensureReady(ctx context.Context) (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		return t.db, nil
	}

	db, err := t.openDB("postgres", t.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key  TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, quoteIdentifier(t.table))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating envelope table: %w", err)
	}
	t.db = db
	return db, nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
