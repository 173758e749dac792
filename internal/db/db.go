package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// SQLite is the default workspace backend.
type SQLite struct {
	conn *sql.DB
	path string
}

var _ workspace.Backend = (*SQLite)(nil)

// DefaultPath returns ~/.rdloop/rdloop.db, creating the directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".rdloop")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "rdloop.db"), nil
}

// OpenSQLite opens or creates the database at path. It does not migrate.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &SQLite{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *SQLite) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB.
func (d *SQLite) Conn() *sql.DB {
	return d.conn
}

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT    NOT NULL,
    generation  INTEGER NOT NULL CHECK(generation >= 0),
    kind        TEXT    NOT NULL CHECK(kind IN ('run','hypothesis','implementation','execution','feedback','state')),
    revision    INTEGER NOT NULL CHECK(revision >= 0),
    payload     TEXT    NOT NULL,
    created_at  TEXT    NOT NULL,
    UNIQUE(run_id, generation, kind, revision)
);
CREATE INDEX IF NOT EXISTS idx_records_run_seq ON records(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_records_run_kind ON records(run_id, kind, seq DESC);
`

// Migrate applies the database schema.
func (d *SQLite) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sqliteSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *SQLite) Reset() error {
	for _, t := range []string{"records", "schema_version"} {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
