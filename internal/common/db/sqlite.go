package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the embedded single-box database.
type SQLiteConfig struct {
	// Path is a file path or ":memory:".
	Path string `yaml:"path"`

	// BusyTimeoutMs bounds how long a writer waits for the file lock.
	// Default: 5000
	BusyTimeoutMs int `yaml:"busyTimeoutMs"`
}

// SQLite implements Database on top of modernc.org/sqlite.
// The pool is pinned to one connection: SQLite has a single writer and an
// in-memory database only lives as long as its connection.
type SQLite struct {
	*sqlDB
	path string
}

// NewSQLite opens the database and applies the connection pragmas.
func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}

	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	database.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := database.ExecContext(ctx, pragma); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("apply %q failed: %w", pragma, err)
		}
	}

	return &SQLite{sqlDB: newSQLDB(database, DialectSQLite), path: path}, nil
}

// Path returns the database location.
func (s *SQLite) Path() string {
	return s.path
}
