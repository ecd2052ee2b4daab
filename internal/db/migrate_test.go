package db

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrateCreatesSchema(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	tables := []string{
		"audits", "actions", "templates", "users",
		"sync_queue", "sync_quarantine", "sync_state",
	}
	for _, table := range tables {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %q missing after migration: %v", table, err)
		}
	}

	migrator := NewMigrator(database.DB)
	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected version %d, got %d", len(migrations), version)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("First migration failed: %v", err)
	}
	if err := Migrate(database); err != nil {
		t.Errorf("Reapplying migrations should be a no-op, got: %v", err)
	}
}

func TestMigrateDetectsChecksumDrift(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	// Tamper with a recorded checksum to simulate edited migration SQL.
	if _, err := database.Exec(
		"UPDATE schema_migrations SET checksum = ? WHERE version = 1",
		"0000000000000000000000000000000000000000000000000000000000000000",
	); err != nil {
		t.Fatalf("Failed to tamper with checksum: %v", err)
	}

	if err := Migrate(database); err == nil {
		t.Error("Expected checksum drift to abort the migration run")
	}
}

func TestEntityTablesEnforceSyncStatus(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	_, err := database.Exec(`
		INSERT INTO audits (id, sync_id, tenant_id, owner_id, sync_status, created_at, updated_at, fields)
		VALUES ('id-1', 'sync-1', 't1', 'u1', 'bogus', 1, 1, '{}')`)
	if err == nil {
		t.Error("Expected CHECK constraint to reject an unknown sync status")
	}
}
