package merge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quickaudit/fieldsync/internal/db"
	"github.com/quickaudit/fieldsync/internal/logging"
	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/repo"
)

func setupService(t *testing.T) (*Service, *repo.Adapters) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return NewService(database.DB, logging.Discard(), nil), repo.NewAdapters(database.DB)
}

func createOp(syncID, payload string) models.SyncOperation {
	return models.SyncOperation{
		Kind:       models.OpCreate,
		EntityType: models.EntityAudit,
		SyncID:     syncID,
		Payload:    json.RawMessage(payload),
	}
}

func TestSyncCreatesNewEntity(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Fire Safety"}`)},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if resp.Results.Created != 1 {
		t.Errorf("Expected 1 created, got %+v", resp.Results)
	}

	store, _ := adapters.For(models.EntityAudit)
	rec, err := store.GetBySyncID(ctx, "tenant-1", "sync-1")
	if err != nil {
		t.Fatalf("Created entity not found: %v", err)
	}
	if rec.ID == "" {
		t.Error("Server should assign an id")
	}
	if rec.TenantID != "tenant-1" || rec.OwnerID != "user-1" {
		t.Errorf("Expected tenant/owner stamped, got tenant=%q owner=%q", rec.TenantID, rec.OwnerID)
	}
	if rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Expected synced status, got %q", rec.SyncStatus)
	}
}

func TestSyncUpdatesExistingEntity(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Fire Safety"}`)},
	})
	if err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	// The client's watermark now covers the create, so an update from the
	// same device is not a conflict.
	resp, err = svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"Fire Safety v2"}`),
		}},
		LastSyncTimestamp: resp.Timestamp,
	})
	if err != nil {
		t.Fatalf("Update sync failed: %v", err)
	}
	if resp.Results.Updated != 1 || resp.Results.Conflicts != 0 {
		t.Errorf("Expected clean update, got %+v", resp.Results)
	}

	store, _ := adapters.For(models.EntityAudit)
	rec, _ := store.GetBySyncID(ctx, "tenant-1", "sync-1")
	if !rec.FieldsEqual(json.RawMessage(`{"title":"Fire Safety v2"}`)) {
		t.Errorf("Expected updated fields, got %s", rec.Fields)
	}
}

func TestSyncDetectsConcurrentModification(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	// Device A creates the audit.
	resp, err := svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Fire Safety"}`)},
	})
	if err != nil {
		t.Fatalf("Create sync failed: %v", err)
	}
	deviceWatermark := resp.Timestamp

	// Device B edits it on the server after A's watermark. Timestamps are
	// stored at millisecond precision, so put the edit in a later tick.
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Sync(ctx, "tenant-1", "user-b", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"Fire Safety (B's edit)"}`),
		}},
		LastSyncTimestamp: deviceWatermark,
	}); err != nil {
		t.Fatalf("Device B sync failed: %v", err)
	}

	// Device A submits a stale edit against its old watermark.
	resp, err = svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"Fire Safety (A's stale edit)"}`),
		}},
		LastSyncTimestamp: deviceWatermark,
	})
	if err != nil {
		t.Fatalf("Device A sync failed: %v", err)
	}
	if resp.Results.Conflicts != 1 {
		t.Errorf("Expected 1 conflict, got %+v", resp.Results)
	}

	// The server's data must not be overwritten; only the flag changes.
	store, _ := adapters.For(models.EntityAudit)
	rec, _ := store.GetBySyncID(ctx, "tenant-1", "sync-1")
	if !rec.FieldsEqual(json.RawMessage(`{"title":"Fire Safety (B's edit)"}`)) {
		t.Errorf("Conflict must not overwrite server data, got %s", rec.Fields)
	}
	if rec.SyncStatus != models.SyncStatusConflict {
		t.Errorf("Expected conflict status, got %q", rec.SyncStatus)
	}
}

func TestSyncConflictResolutionResubmit(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Fire Safety"}`)},
	})
	if err != nil {
		t.Fatalf("Create sync failed: %v", err)
	}
	stale := resp.Timestamp
	time.Sleep(5 * time.Millisecond)

	// Force the entity into conflict.
	if _, err := svc.Sync(ctx, "tenant-1", "user-b", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"B's edit"}`),
		}},
		LastSyncTimestamp: stale,
	}); err != nil {
		t.Fatalf("Device B sync failed: %v", err)
	}
	if resp, err = svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"A's stale edit"}`),
		}},
		LastSyncTimestamp: stale,
	}); err != nil {
		t.Fatalf("Conflicting sync failed: %v", err)
	}
	if resp.Results.Conflicts != 1 {
		t.Fatalf("Expected the setup to produce a conflict, got %+v", resp.Results)
	}

	// The user resolved the conflict; the resubmission carries the
	// conflict marker and applies even though the server copy is newer.
	resp, err = svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			SyncStatus: models.SyncStatusConflict,
			Payload:    json.RawMessage(`{"title":"Merged by the user"}`),
		}},
		LastSyncTimestamp: stale,
	})
	if err != nil {
		t.Fatalf("Resolution sync failed: %v", err)
	}
	if resp.Results.Updated != 1 || resp.Results.Conflicts != 0 {
		t.Errorf("Expected resolution to apply, got %+v", resp.Results)
	}

	store, _ := adapters.For(models.EntityAudit)
	rec, _ := store.GetBySyncID(ctx, "tenant-1", "sync-1")
	if !rec.FieldsEqual(json.RawMessage(`{"title":"Merged by the user"}`)) {
		t.Errorf("Expected resolved fields, got %s", rec.Fields)
	}
	if rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Expected conflict cleared, got %q", rec.SyncStatus)
	}
}

func TestSyncReplayedCreateIsIdempotent(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	op := createOp("sync-1", `{"title":"Fire Safety"}`)
	if _, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{op},
	}); err != nil {
		t.Fatalf("First sync failed: %v", err)
	}

	// The response was lost, the client retries with the same stale
	// watermark. The replay must not create a duplicate or a conflict.
	resp, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{op},
	})
	if err != nil {
		t.Fatalf("Replay sync failed: %v", err)
	}
	if resp.Results.Conflicts != 0 {
		t.Errorf("Replay must not flag a conflict, got %+v", resp.Results)
	}
	if resp.Results.Created != 0 {
		t.Errorf("Replay must not create a duplicate, got %+v", resp.Results)
	}
}

func TestSyncDeleteAndReplayedDelete(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Fire Safety"}`)},
	})
	if err != nil {
		t.Fatalf("Create sync failed: %v", err)
	}

	del := models.SyncOperation{
		Kind:       models.OpDelete,
		EntityType: models.EntityAudit,
		SyncID:     "sync-1",
	}
	resp, err = svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations:        []models.SyncOperation{del},
		LastSyncTimestamp: resp.Timestamp,
	})
	if err != nil {
		t.Fatalf("Delete sync failed: %v", err)
	}
	if resp.Results.Updated != 1 {
		t.Errorf("Expected delete to count as applied, got %+v", resp.Results)
	}

	store, _ := adapters.For(models.EntityAudit)
	if _, err := store.GetBySyncID(ctx, "tenant-1", "sync-1"); err == nil {
		t.Error("Entity should be gone after delete")
	}

	// Replayed delete of a missing entity is applied, not an error.
	resp, err = svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{del},
	})
	if err != nil {
		t.Fatalf("Replayed delete failed: %v", err)
	}
	if resp.Results.Conflicts != 0 {
		t.Errorf("Replayed delete must not conflict, got %+v", resp.Results)
	}
}

func TestSyncPerOperationFailureDoesNotAbortBatch(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{
			{Kind: models.OpCreate, EntityType: models.EntityAudit, SyncID: "bad-1"}, // no payload
			createOp("good-1", `{"title":"Survives the bad neighbor"}`),
		},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if resp.Results.Conflicts != 1 {
		t.Errorf("Invalid operation should count as conflict-class, got %+v", resp.Results)
	}
	if resp.Results.Created != 1 {
		t.Errorf("Valid operation should still apply, got %+v", resp.Results)
	}

	store, _ := adapters.For(models.EntityAudit)
	if _, err := store.GetBySyncID(ctx, "tenant-1", "good-1"); err != nil {
		t.Errorf("Valid operation's entity should exist: %v", err)
	}
}

func TestServerChangesExcludeUnresolvedConflicts(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{
			createOp("sync-1", `{"title":"Will conflict"}`),
			createOp("sync-2", `{"title":"Stays clean"}`),
		},
	})
	if err != nil {
		t.Fatalf("Create sync failed: %v", err)
	}
	stale := resp.Timestamp
	time.Sleep(5 * time.Millisecond)

	if _, err := svc.Sync(ctx, "tenant-1", "user-b", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"B's edit"}`),
		}},
		LastSyncTimestamp: stale,
	}); err != nil {
		t.Fatalf("Device B sync failed: %v", err)
	}
	if _, err := svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"A's stale edit"}`),
		}},
		LastSyncTimestamp: stale,
	}); err != nil {
		t.Fatalf("Conflicting sync failed: %v", err)
	}

	// An empty-operations round acts as a pure delta fetch. The conflicted
	// entity must be withheld until resolved; the clean one flows.
	resp, err = svc.Sync(ctx, "tenant-1", "user-c", models.SyncRequest{
		LastSyncTimestamp: stale.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Delta fetch failed: %v", err)
	}
	for _, rec := range resp.ServerChanges.Audits {
		if rec.SyncID == "sync-1" && rec.SyncStatus == models.SyncStatusConflict {
			t.Error("Unresolved conflict leaked into the clean delta")
		}
	}
	found := false
	for _, rec := range resp.ServerChanges.Audits {
		if rec.SyncID == "sync-2" {
			found = true
		}
	}
	if !found {
		t.Error("Clean entity missing from the delta")
	}
}

func TestSyncHandlesStructuredAuditPayload(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	score := 92.5
	payload, err := models.MarshalFields(models.AuditFields{
		Title:     "Quarterly fire safety inspection",
		Location:  "Warehouse B",
		AuditorID: "user-1",
		Status:    models.AuditInProgress,
		Sections: []models.AuditSection{{
			Title: "Extinguishers",
			Score: &score,
			Items: []models.AuditItem{
				{Text: "Pressure gauge in green zone", Response: "compliant"},
				{Text: "Inspection tag up to date", Response: "non-compliant", Notes: "Tag expired in July"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("MarshalFields failed: %v", err)
	}

	resp, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpCreate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    payload,
		}},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if resp.Results.Created != 1 {
		t.Fatalf("Expected 1 created, got %+v", resp.Results)
	}

	store, _ := adapters.For(models.EntityAudit)
	rec, err := store.GetBySyncID(ctx, "tenant-1", "sync-1")
	if err != nil {
		t.Fatalf("Created audit not found: %v", err)
	}
	var fields models.AuditFields
	if err := json.Unmarshal(rec.Fields, &fields); err != nil {
		t.Fatalf("Stored fields do not decode: %v", err)
	}
	if fields.Status != models.AuditInProgress {
		t.Errorf("Expected status preserved, got %q", fields.Status)
	}
	if len(fields.Sections) != 1 || len(fields.Sections[0].Items) != 2 {
		t.Errorf("Checklist structure not preserved: %+v", fields.Sections)
	}
	if fields.Sections[0].Score == nil || *fields.Sections[0].Score != score {
		t.Error("Section score not preserved")
	}
}

func TestSyncIsTenantScoped(t *testing.T) {
	svc, adapters := setupService(t)
	ctx := context.Background()

	if _, err := svc.Sync(ctx, "tenant-1", "user-1", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Tenant 1's audit"}`)},
	}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Another tenant fetching a full delta sees nothing.
	resp, err := svc.Sync(ctx, "tenant-2", "user-9", models.SyncRequest{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if resp.ServerChanges.Total() != 0 {
		t.Errorf("Tenant 2 must not see tenant 1's data, got %d records", resp.ServerChanges.Total())
	}

	store, _ := adapters.For(models.EntityAudit)
	if _, err := store.GetBySyncID(ctx, "tenant-2", "sync-1"); err == nil {
		t.Error("Cross-tenant lookup should fail")
	}
}

func TestStatusReportsConflictAndPendingCounts(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	resp, err := svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{createOp("sync-1", `{"title":"Fire Safety"}`)},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	stale := resp.Timestamp
	time.Sleep(5 * time.Millisecond)

	if _, err := svc.Sync(ctx, "tenant-1", "user-b", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"B's edit"}`),
		}},
		LastSyncTimestamp: stale,
	}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := svc.Sync(ctx, "tenant-1", "user-a", models.SyncRequest{
		Operations: []models.SyncOperation{{
			Kind:       models.OpUpdate,
			EntityType: models.EntityAudit,
			SyncID:     "sync-1",
			Payload:    json.RawMessage(`{"title":"A's stale edit"}`),
		}},
		LastSyncTimestamp: stale,
	}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	report, err := svc.Status(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if report.Conflicts.Audits != 1 || report.Conflicts.Total != 1 {
		t.Errorf("Expected 1 audit conflict, got %+v", report.Conflicts)
	}

	// Conflicts on other tenants never bleed into the report.
	other, err := svc.Status(ctx, "tenant-2")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if other.Conflicts.Total != 0 {
		t.Errorf("Expected no conflicts for tenant 2, got %+v", other.Conflicts)
	}
}
