// Package db provides database connection management and schema migrations.
//
// The same schema serves both sides of the sync protocol: the device agent's
// local durable store and the server's system of record. Tenant scoping is
// only meaningful server-side; the agent stores a single tenant.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with FieldSync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens a SQLite database at dataDir/fieldsync.db with:
// - WAL mode for concurrent reads during writes
// - foreign key constraints enabled
// - a busy timeout so writers queue instead of failing
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return open(filepath.Join(dataDir, "fieldsync.db"))
}

// OpenMemory opens a private in-memory database. Used in tests.
func OpenMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; serialize access through one
	// connection so concurrent callers queue instead of contending.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
