// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Checksum returns the SHA-256 of the migration SQL.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))
	return hex.EncodeToString(sum[:])
}

// Migrator applies embedded schema migrations in version order.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a Migrator over the standard migration set.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db, migrations: migrations}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations. A previously applied migration whose
// checksum no longer matches the embedded SQL aborts the run.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied := make(map[int]string)
	rows, err := m.db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return err
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if checksum, ok := applied[mig.Version]; ok {
			if checksum != mig.Checksum() {
				return fmt.Errorf("migration V%d checksum mismatch: schema drift", mig.Version)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration V%d: %w", mig.Version, err)
		}
		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration V%d (%s) failed: %w", mig.Version, mig.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description, mig.Checksum(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration V%d: %w", mig.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration V%d: %w", mig.Version, err)
		}
	}

	return nil
}

// Migrate opens nothing and applies the standard migration set to db.
func Migrate(db *DB) error {
	return NewMigrator(db.DB).Up()
}
