// Package queue provides the durable sync operation queue.
//
// Every mutation made while offline lands here before the enqueue call
// returns, so an app kill between enqueue and flush loses nothing. The
// queue is ordered by enqueue sequence; operations that exhaust their
// delivery retries move to a separate quarantine table instead of being
// dropped.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/uuid"
)

// Item status within the live queue.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
)

const watermarkKey = "last_sync_timestamp"

// Item is one durable queue entry.
type Item struct {
	Seq        int64
	Op         models.SyncOperation
	RetryCount int
	Status     string
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Stats summarizes queue state for the status endpoint and metrics.
type Stats struct {
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	Quarantined int `json:"quarantined"`
}

// Store is the sqlite-backed durable queue plus quarantine and watermark.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened, migrated database. Operations found in_flight
// from a previous process (crash mid-flush) are returned to pending.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if _, err := db.Exec(
		"UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?",
		StatusPending, time.Now().UnixMilli(), StatusInFlight,
	); err != nil {
		return nil, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	return s, nil
}

// Enqueue persists an operation. Earlier pending operations against the
// same entity are replaced: the last enqueued operation per entity wins,
// so a stale update can never clobber a newer one from the same device.
// Assigns op.ID when empty. Durable before return.
func (s *Store) Enqueue(ctx context.Context, op models.SyncOperation) (models.SyncOperation, error) {
	if err := op.Validate(); err != nil {
		return op, fmt.Errorf("refusing to enqueue invalid operation: %w", err)
	}
	if op.ID == "" {
		op.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return op, fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	// Coalesce: drop superseded pending operations for the same entity.
	// In-flight rows belong to the current round snapshot and stay put.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE entity_type = ? AND sync_id = ? AND status = ?",
		op.EntityType, op.SyncID, StatusPending,
	); err != nil {
		return op, fmt.Errorf("failed to coalesce queue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue
			(id, kind, entity_type, sync_id, entity_id, sync_status, payload, retry_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		op.ID, op.Kind, op.EntityType, op.SyncID, op.EntityID, op.SyncStatus,
		string(op.Payload), StatusPending, now, now,
	); err != nil {
		return op, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return op, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return op, nil
}

// Snapshot atomically claims every pending operation for one flush round,
// in enqueue order. New enqueues after the snapshot go into a fresh round.
func (s *Store) Snapshot(ctx context.Context) ([]Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, kind, entity_type, sync_id, entity_id, sync_status, payload,
		       retry_count, status, last_error, created_at, updated_at
		FROM sync_queue WHERE status = ? ORDER BY seq`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operations: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UnixMilli()
	for i := range items {
		items[i].Status = StatusInFlight
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?",
			StatusInFlight, now, items[i].Op.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to claim operation %s: %w", items[i].Op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return items, nil
}

// Complete removes a delivered operation.
func (s *Store) Complete(ctx context.Context, opID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", opID)
	if err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s not found", opID)
	}
	return nil
}

// Requeue returns an in-flight operation to pending for a later round,
// recording the failure that sent it back.
func (s *Store) Requeue(ctx context.Context, opID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		StatusPending, lastError, time.Now().UnixMilli(), opID)
	if err != nil {
		return fmt.Errorf("failed to requeue operation: %w", err)
	}
	return nil
}

// Quarantine moves an operation that exhausted its retries into the
// quarantine table. Never discards: the row survives for inspection and
// manual resolution.
func (s *Store) Quarantine(ctx context.Context, item Item, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quarantine: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_quarantine
			(id, kind, entity_type, sync_id, entity_id, sync_status, payload, retry_count, last_error, created_at, quarantined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Op.ID, item.Op.Kind, item.Op.EntityType, item.Op.SyncID, item.Op.EntityID,
		item.Op.SyncStatus, string(item.Op.Payload), item.RetryCount, lastError,
		item.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to quarantine operation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", item.Op.ID); err != nil {
		return fmt.Errorf("failed to remove quarantined operation from queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantine: %w", err)
	}
	return nil
}

// Quarantined lists quarantined operations in quarantine order.
func (s *Store) Quarantined(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, entity_type, sync_id, entity_id, sync_status, payload,
		       retry_count, '' AS status, last_error, created_at, quarantined_at
		FROM sync_quarantine ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantine: %w", err)
	}
	return scanItems(rows)
}

// RequeueQuarantined moves every quarantined operation back into the live
// queue with its retry budget reset.
func (s *Store) RequeueQuarantined(ctx context.Context) (int, error) {
	items, err := s.Quarantined(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range items {
		if _, err := s.Enqueue(ctx, item.Op); err != nil {
			return count, err
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_quarantine WHERE id = ?", item.Op.ID); err != nil {
			return count, fmt.Errorf("failed to clear quarantine row: %w", err)
		}
		count++
	}
	return count, nil
}

// Watermark returns the persisted lastSyncTimestamp, zero when no round
// has ever completed.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = ?", watermarkKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt watermark %q: %w", value, err)
	}
	return t, nil
}

// SetWatermark persists the lastSyncTimestamp after a completed round.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		watermarkKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}
	return nil
}

// Stats counts queue and quarantine occupancy.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE status = ?", StatusPending).Scan(&st.Pending)
	if err != nil {
		return st, fmt.Errorf("failed to count pending: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE status = ?", StatusInFlight).Scan(&st.InFlight)
	if err != nil {
		return st, fmt.Errorf("failed to count in-flight: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_quarantine").Scan(&st.Quarantined)
	if err != nil {
		return st, fmt.Errorf("failed to count quarantine: %w", err)
	}
	return st, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var payload string
		var createdAt, updatedAt int64
		if err := rows.Scan(&item.Seq, &item.Op.ID, &item.Op.Kind, &item.Op.EntityType,
			&item.Op.SyncID, &item.Op.EntityID, &item.Op.SyncStatus, &payload,
			&item.RetryCount, &item.Status, &item.LastError, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if payload != "" {
			item.Op.Payload = json.RawMessage(payload)
		}
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}
