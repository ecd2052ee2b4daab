package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quickaudit/fieldsync/internal/models"
)

// entityStore implements Store for one entity table. All entity tables
// share the same column set, so one implementation serves every type.
type entityStore struct {
	db    DBTX
	table string
}

const entityColumns = "id, sync_id, tenant_id, owner_id, sync_status, created_at, updated_at, fields"

func (s *entityStore) scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var rec models.Record
	var createdAt, updatedAt int64
	var fields string
	err := row.Scan(&rec.ID, &rec.SyncID, &rec.TenantID, &rec.OwnerID,
		&rec.SyncStatus, &createdAt, &updatedAt, &fields)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan %s record: %w", s.table, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.Fields = json.RawMessage(fields)
	return &rec, nil
}

// Get retrieves a record by server-assigned id.
func (s *entityStore) Get(ctx context.Context, tenantID, id string) (*models.Record, error) {
	query := "SELECT " + entityColumns + " FROM " + s.table + " WHERE tenant_id = ? AND id = ?"
	return s.scanRecord(s.db.QueryRowContext(ctx, query, tenantID, id))
}

// GetBySyncID retrieves a record by its client-assigned sync id.
func (s *entityStore) GetBySyncID(ctx context.Context, tenantID, syncID string) (*models.Record, error) {
	query := "SELECT " + entityColumns + " FROM " + s.table + " WHERE tenant_id = ? AND sync_id = ?"
	return s.scanRecord(s.db.QueryRowContext(ctx, query, tenantID, syncID))
}

// Create inserts a new record. CreatedAt/UpdatedAt must already be set by
// the caller (the server stamps them, the agent copies server values).
func (s *entityStore) Create(ctx context.Context, rec *models.Record) error {
	query := "INSERT INTO " + s.table + " (" + entityColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SyncID, rec.TenantID, rec.OwnerID, rec.SyncStatus,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), string(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to create %s record: %w", s.table, err)
	}
	return nil
}

// Update replaces the mutable columns of an existing record.
func (s *entityStore) Update(ctx context.Context, rec *models.Record) error {
	query := "UPDATE " + s.table + " SET sync_status = ?, updated_at = ?, fields = ? WHERE tenant_id = ? AND id = ?"
	res, err := s.db.ExecContext(ctx, query,
		rec.SyncStatus, rec.UpdatedAt.UnixMilli(), string(rec.Fields), rec.TenantID, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s record: %w", s.table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert writes a record whether or not it exists. Used when absorbing
// server deltas and realtime pushes on the agent; the single statement
// keeps the per-entity write atomic.
func (s *entityStore) Upsert(ctx context.Context, rec *models.Record) error {
	query := "INSERT INTO " + s.table + " (" + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_id = excluded.sync_id,
			owner_id = excluded.owner_id,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			fields = excluded.fields`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SyncID, rec.TenantID, rec.OwnerID, rec.SyncStatus,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), string(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", s.table, err)
	}
	return nil
}

// SetSyncStatus persists only the conflict-ledger column. The stored fields
// and updated_at stay untouched, which is what keeps a flagged conflict
// from looking like fresh server data.
func (s *entityStore) SetSyncStatus(ctx context.Context, tenantID, id string, status models.SyncStatus) error {
	query := "UPDATE " + s.table + " SET sync_status = ? WHERE tenant_id = ? AND id = ?"
	res, err := s.db.ExecContext(ctx, query, status, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to set %s sync status: %w", s.table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record by server-assigned id.
func (s *entityStore) Delete(ctx context.Context, tenantID, id string) error {
	query := "DELETE FROM " + s.table + " WHERE tenant_id = ? AND id = ?"
	res, err := s.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s record: %w", s.table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChangedSince returns records with updated_at strictly after since
// (unix milliseconds). With excludeConflicts set it withholds entities
// whose conflict is still unresolved, which is how the clean delta is
// computed.
func (s *entityStore) ChangedSince(ctx context.Context, tenantID string, since int64, excludeConflicts bool) ([]models.Record, error) {
	query := "SELECT " + entityColumns + " FROM " + s.table + " WHERE tenant_id = ? AND updated_at > ?"
	args := []interface{}{tenantID, since}
	if excludeConflicts {
		query += " AND sync_status != ?"
		args = append(args, models.SyncStatusConflict)
	}
	query += " ORDER BY updated_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", s.table, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// CountByStatus counts records in one conflict-ledger state.
func (s *entityStore) CountByStatus(ctx context.Context, tenantID string, status models.SyncStatus) (int, error) {
	query := "SELECT COUNT(*) FROM " + s.table + " WHERE tenant_id = ? AND sync_status = ?"
	var count int
	if err := s.db.QueryRowContext(ctx, query, tenantID, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", s.table, err)
	}
	return count, nil
}
