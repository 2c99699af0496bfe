// Package store provides the SQLite-backed calendar store holding notebooks
// and their entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notebooks (
	uid          TEXT PRIMARY KEY,
	plugin_name  TEXT NOT NULL DEFAULT '',
	sync_profile TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	etag         TEXT NOT NULL DEFAULT '',
	account      TEXT NOT NULL DEFAULT '',
	read_only    INTEGER NOT NULL DEFAULT 0,
	master       INTEGER NOT NULL DEFAULT 0,
	sync_date    DATETIME,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_notebooks_identity
	ON notebooks(plugin_name, sync_profile);

CREATE TABLE IF NOT EXISTS entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	notebook_uid  TEXT NOT NULL REFERENCES notebooks(uid) ON DELETE CASCADE,
	uid           TEXT NOT NULL,
	recurrence_id TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	all_day       INTEGER NOT NULL DEFAULT 0,
	dtstart       DATETIME,
	dtend         DATETIME,
	tzid          TEXT NOT NULL DEFAULT '',
	rrule         TEXT NOT NULL DEFAULT '',
	exdates       TEXT NOT NULL DEFAULT '[]',
	raw           TEXT NOT NULL DEFAULT '',
	deleted_at    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_key
	ON entries(notebook_uid, uid, recurrence_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entries_notebook ON entries(notebook_uid);
`

var (
	// ErrNotFound is returned when a notebook does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrReadOnly is returned when entries of a read-only notebook are
	// mutated.
	ErrReadOnly = errors.New("store: notebook is read-only")
)

// DB wraps a sql.DB with calendar operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// A single connection keeps foreign_keys and the transaction in use on
	// the same SQLite handle. Transactions take the write lock at BEGIN.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Begin starts a transaction for entry mutations.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
