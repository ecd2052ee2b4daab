package db

// entityTable emits the shared shape of a syncable entity table.
// sync_id is client-assigned and stable for the entity's life; id is
// server-assigned. Both identify the row because a record can exist
// locally before the server has ever seen it.
func entityTable(name string) string {
	return `
	CREATE TABLE IF NOT EXISTS ` + name + ` (
		id TEXT PRIMARY KEY,
		sync_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		sync_status TEXT NOT NULL DEFAULT 'synced'
			CHECK(sync_status IN ('synced', 'pending_sync', 'conflict')),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_` + name + `_sync_id
		ON ` + name + `(tenant_id, sync_id);
	CREATE INDEX IF NOT EXISTS idx_` + name + `_updated
		ON ` + name + `(tenant_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_` + name + `_status
		ON ` + name + `(tenant_id, sync_status);
	`
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "entity collections",
		SQL: entityTable("audits") +
			entityTable("actions") +
			entityTable("templates") +
			entityTable("users"),
	},
	{
		Version:     2,
		Description: "durable sync queue, quarantine and watermark",
		SQL: `
		CREATE TABLE IF NOT EXISTS sync_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK(kind IN ('create', 'update', 'delete')),
			entity_type TEXT NOT NULL,
			sync_id TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'in_flight')),
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_entity
			ON sync_queue(entity_type, sync_id);

		CREATE TABLE IF NOT EXISTS sync_quarantine (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			sync_id TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			quarantined_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		`,
	},
}
