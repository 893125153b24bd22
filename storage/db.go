package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// OpenDB opens the embedded SQLite database at path with the isolation
// settings the bus relies on: immediate transactions (writers take the lock
// up front) and a 30 second busy timeout. The returned handle is limited to
// a single connection so statements never interleave across connections.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_busy_timeout": {"30000"},
		"_txlock":       {"immediate"},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
	}.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One connection per process. SQLite serializes writers anyway; a single
	// connection keeps transaction semantics predictable under concurrent
	// callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return db, nil
}
