package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/realtime"
	"github.com/quickaudit/fieldsync/internal/uuid"
)

// Optimistic local mutations: write the local store first so the UI sees
// the change immediately, then enqueue the operation for delivery. Local
// records carry pending_sync until the server confirms them through a
// round's delta.

// CreateLocal inserts a new record with a provisional id and a fresh sync
// id, then queues a create operation.
func (m *Manager) CreateLocal(ctx context.Context, t models.EntityType, ownerID string, fields json.RawMessage) (*models.Record, error) {
	store, err := m.adapters.For(t)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &models.Record{
		ID:         uuid.New(),
		SyncID:     uuid.New(),
		TenantID:   m.cfg.TenantID,
		OwnerID:    ownerID,
		SyncStatus: models.SyncStatusPendingSync,
		CreatedAt:  now,
		UpdatedAt:  now,
		Fields:     fields,
	}
	if err := store.Create(ctx, rec); err != nil {
		return nil, err
	}

	if _, err := m.Enqueue(ctx, models.SyncOperation{
		Kind:       models.OpCreate,
		EntityType: t,
		SyncID:     rec.SyncID,
		Payload:    fields,
	}); err != nil {
		return nil, err
	}

	m.emitChange(t, rec)
	return rec, nil
}

// UpdateLocal overwrites a record's fields and queues an update operation.
func (m *Manager) UpdateLocal(ctx context.Context, t models.EntityType, id string, fields json.RawMessage) (*models.Record, error) {
	store, err := m.adapters.For(t)
	if err != nil {
		return nil, err
	}
	rec, err := store.Get(ctx, m.cfg.TenantID, id)
	if err != nil {
		return nil, err
	}

	rec.Fields = fields
	rec.SyncStatus = models.SyncStatusPendingSync
	rec.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, rec); err != nil {
		return nil, err
	}

	if _, err := m.Enqueue(ctx, models.SyncOperation{
		Kind:       models.OpUpdate,
		EntityType: t,
		SyncID:     rec.SyncID,
		EntityID:   rec.ID,
		Payload:    fields,
	}); err != nil {
		return nil, err
	}

	m.emitChange(t, rec)
	return rec, nil
}

// DeleteLocal removes the record locally and queues a delete operation.
func (m *Manager) DeleteLocal(ctx context.Context, t models.EntityType, id string) error {
	store, err := m.adapters.For(t)
	if err != nil {
		return err
	}
	rec, err := store.Get(ctx, m.cfg.TenantID, id)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, m.cfg.TenantID, id); err != nil {
		return err
	}

	if _, err := m.Enqueue(ctx, models.SyncOperation{
		Kind:       models.OpDelete,
		EntityType: t,
		SyncID:     rec.SyncID,
		EntityID:   rec.ID,
	}); err != nil {
		return err
	}

	rec.Deleted = true
	m.emitChange(t, rec)
	return nil
}

func (m *Manager) emitChange(t models.EntityType, rec *models.Record) {
	if m.emit == nil {
		return
	}
	if err := m.emit(realtime.EventType(t), rec); err != nil {
		m.logger.Debug("realtime emit skipped", "entity", t, "error", err)
	}
}

// EntityListener builds a realtime listener that applies inbound entity
// payloads from peers straight into the local store.
func (m *Manager) EntityListener(t models.EntityType) realtime.Listener {
	return func(payload json.RawMessage) {
		var rec models.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			m.logger.Warn("discarding malformed realtime payload", "entity", t, "error", err)
			return
		}
		if rec.ID == "" {
			return
		}
		store, err := m.adapters.For(t)
		if err != nil {
			return
		}
		rec.SyncStatus = models.SyncStatusSynced
		if err := m.applyRecord(context.Background(), store, rec); err != nil {
			m.logger.Warn("failed to apply realtime change", "entity", t, "id", rec.ID, "error", err)
		}
	}
}
