package repo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quickaudit/fieldsync/internal/db"
	"github.com/quickaudit/fieldsync/internal/models"
)

func setupAdapters(t *testing.T) *Adapters {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return NewAdapters(database.DB)
}

func testRecord(id, syncID string) *models.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Record{
		ID:         id,
		SyncID:     syncID,
		TenantID:   "tenant-1",
		OwnerID:    "user-1",
		SyncStatus: models.SyncStatusSynced,
		CreatedAt:  now,
		UpdatedAt:  now,
		Fields:     json.RawMessage(`{"title":"Fire Safety"}`),
	}
}

func TestAdaptersCoverEveryEntityType(t *testing.T) {
	adapters := setupAdapters(t)
	for _, et := range models.EntityTypes {
		if _, err := adapters.For(et); err != nil {
			t.Errorf("No adapter for %q: %v", et, err)
		}
	}
	if _, err := adapters.For(models.EntityType("invoice")); err == nil {
		t.Error("Unknown entity type should not resolve")
	}
}

func TestCreateAndGet(t *testing.T) {
	adapters := setupAdapters(t)
	store, _ := adapters.For(models.EntityAudit)
	ctx := context.Background()

	rec := testRecord("id-1", "sync-1")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "tenant-1", "id-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SyncID != "sync-1" || got.OwnerID != "user-1" {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v want %v", got.CreatedAt, rec.CreatedAt)
	}

	bySync, err := store.GetBySyncID(ctx, "tenant-1", "sync-1")
	if err != nil {
		t.Fatalf("GetBySyncID failed: %v", err)
	}
	if bySync.ID != "id-1" {
		t.Errorf("Expected id-1, got %q", bySync.ID)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	adapters := setupAdapters(t)
	store, _ := adapters.For(models.EntityAudit)

	if _, err := store.Get(context.Background(), "tenant-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(context.Background(), "tenant-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Delete, got %v", err)
	}
	if err := store.SetSyncStatus(context.Background(), "tenant-1", "nope", models.SyncStatusConflict); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from SetSyncStatus, got %v", err)
	}
}

func TestSetSyncStatusTouchesOnlyTheFlag(t *testing.T) {
	adapters := setupAdapters(t)
	store, _ := adapters.For(models.EntityAudit)
	ctx := context.Background()

	rec := testRecord("id-1", "sync-1")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.SetSyncStatus(ctx, "tenant-1", "id-1", models.SyncStatusConflict); err != nil {
		t.Fatalf("SetSyncStatus failed: %v", err)
	}

	got, _ := store.Get(ctx, "tenant-1", "id-1")
	if got.SyncStatus != models.SyncStatusConflict {
		t.Errorf("Expected conflict status, got %q", got.SyncStatus)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Error("SetSyncStatus must not bump updated_at")
	}
	if !got.FieldsEqual(rec.Fields) {
		t.Error("SetSyncStatus must not touch the fields")
	}
}

func TestUpsertInsertsAndReplaces(t *testing.T) {
	adapters := setupAdapters(t)
	store, _ := adapters.For(models.EntityAction)
	ctx := context.Background()

	rec := testRecord("id-1", "sync-1")
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert insert failed: %v", err)
	}

	rec.Fields = json.RawMessage(`{"title":"Replace extinguisher"}`)
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert replace failed: %v", err)
	}

	got, _ := store.Get(ctx, "tenant-1", "id-1")
	if !got.FieldsEqual(rec.Fields) {
		t.Errorf("Expected replaced fields, got %s", got.Fields)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("Expected replaced updated_at, got %v", got.UpdatedAt)
	}
}

func TestChangedSince(t *testing.T) {
	adapters := setupAdapters(t)
	store, _ := adapters.For(models.EntityAudit)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)

	old := testRecord("id-old", "sync-old")
	old.CreatedAt = base.Add(-time.Hour)
	old.UpdatedAt = base.Add(-time.Hour)
	fresh := testRecord("id-new", "sync-new")
	fresh.CreatedAt = base
	fresh.UpdatedAt = base
	conflicted := testRecord("id-conflict", "sync-conflict")
	conflicted.CreatedAt = base
	conflicted.UpdatedAt = base
	conflicted.SyncStatus = models.SyncStatusConflict

	for _, rec := range []*models.Record{old, fresh, conflicted} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	since := base.Add(-time.Minute).UnixMilli()

	clean, err := store.ChangedSince(ctx, "tenant-1", since, true)
	if err != nil {
		t.Fatalf("ChangedSince failed: %v", err)
	}
	if len(clean) != 1 || clean[0].ID != "id-new" {
		t.Errorf("Clean delta should hold only the fresh record, got %+v", clean)
	}

	all, err := store.ChangedSince(ctx, "tenant-1", since, false)
	if err != nil {
		t.Fatalf("ChangedSince failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Unfiltered delta should include the conflict, got %d records", len(all))
	}
}

func TestTenantIsolation(t *testing.T) {
	adapters := setupAdapters(t)
	store, _ := adapters.For(models.EntityAudit)
	ctx := context.Background()

	rec := testRecord("id-1", "sync-1")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Get(ctx, "tenant-2", "id-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cross-tenant Get should fail, got %v", err)
	}
	if err := store.Delete(ctx, "tenant-2", "id-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cross-tenant Delete should fail, got %v", err)
	}

	count, err := store.CountByStatus(ctx, "tenant-2", models.SyncStatusSynced)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Cross-tenant count should be 0, got %d", count)
	}
}
