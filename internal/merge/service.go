// Package merge implements the server-side sync merge endpoint service:
// transactional batch apply of client operations with per-entity conflict
// detection and the clean server delta.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quickaudit/fieldsync/internal/apperr"
	"github.com/quickaudit/fieldsync/internal/metrics"
	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/repo"
	"github.com/quickaudit/fieldsync/internal/uuid"
)

// Merge outcomes for one operation.
const (
	outcomeCreated  = "created"
	outcomeUpdated  = "updated"
	outcomeConflict = "conflict"
)

// Notifier receives merged entity state after the transaction commits,
// for realtime fan-out to other clients of the tenant.
type Notifier interface {
	NotifyEntity(tenantID string, entityType models.EntityType, rec models.Record)
}

// Service applies sync batches against the system of record.
type Service struct {
	db       *sql.DB
	logger   *slog.Logger
	notifier Notifier // optional
}

// NewService creates a merge Service. notifier may be nil.
func NewService(db *sql.DB, logger *slog.Logger, notifier Notifier) *Service {
	return &Service{db: db, logger: logger, notifier: notifier}
}

// mergedRecord is an entity the round wrote, queued for notification.
type mergedRecord struct {
	entityType models.EntityType
	record     models.Record
}

// Sync executes one sync round inside a single transaction. Either every
// persisted effect commits or none do; a commit failure is reported as a
// transaction error and the caller retries the whole batch.
func (s *Service) Sync(ctx context.Context, tenantID, userID string, req models.SyncRequest) (*models.SyncResponse, error) {
	start := time.Now()
	metrics.RoundSize.Observe(float64(len(req.Operations)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.RoundFailures.Inc()
		return nil, apperr.Wrap(apperr.ErrTransaction, "failed to begin sync transaction", err)
	}
	defer tx.Rollback()

	adapters := repo.NewAdapters(tx)
	since := req.LastSyncTimestamp.UnixMilli()

	var counts models.SyncCounts
	var merged []mergedRecord

	for _, op := range req.Operations {
		outcome, rec, opErr := s.applyOperation(ctx, adapters, tenantID, userID, op, req.LastSyncTimestamp)
		if opErr != nil {
			// Per-operation failures never abort the batch: count as a
			// conflict-class outcome and keep going.
			s.logger.Warn("operation failed during merge",
				"op_id", op.ID, "entity", op.EntityType, "kind", op.Kind, "error", opErr)
			counts.Conflicts++
			metrics.OperationsMerged.WithLabelValues(outcomeConflict, string(op.EntityType)).Inc()
			continue
		}

		switch outcome {
		case outcomeCreated:
			counts.Created++
		case outcomeUpdated:
			counts.Updated++
		case outcomeConflict:
			counts.Conflicts++
		}
		metrics.OperationsMerged.WithLabelValues(outcome, string(op.EntityType)).Inc()
		if rec != nil {
			merged = append(merged, mergedRecord{entityType: op.EntityType, record: *rec})
		}
	}

	changes, err := s.serverChanges(ctx, adapters, tenantID, since)
	if err != nil {
		metrics.RoundFailures.Inc()
		return nil, apperr.Wrap(apperr.ErrTransaction, "failed to compute server delta", err)
	}

	if err := tx.Commit(); err != nil {
		metrics.RoundFailures.Inc()
		return nil, apperr.Wrap(apperr.ErrTransaction, "failed to commit sync round", err)
	}

	metrics.RoundDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("sync round merged",
		"tenant", tenantID,
		"operations", len(req.Operations),
		"created", counts.Created,
		"updated", counts.Updated,
		"conflicts", counts.Conflicts,
		"delta", changes.Total(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// Notify only after commit: the channel carries already-merged state.
	if s.notifier != nil {
		for _, m := range merged {
			s.notifier.NotifyEntity(tenantID, m.entityType, m.record)
		}
	}

	return &models.SyncResponse{
		Timestamp:     time.Now().UTC(),
		Results:       counts,
		ServerChanges: *changes,
	}, nil
}

// applyOperation applies one operation with conflict detection. A panic
// inside the operation is recovered and surfaces as an error so one bad
// payload cannot sink the batch.
func (s *Service) applyOperation(ctx context.Context, adapters *repo.Adapters, tenantID, userID string, op models.SyncOperation, lastSync time.Time) (outcome string, rec *models.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, rec = "", nil
			err = fmt.Errorf("panic applying operation: %v", r)
		}
	}()

	if err := op.Validate(); err != nil {
		return "", nil, apperr.Wrap(apperr.ErrValidation, "invalid operation", err)
	}
	store, err := adapters.For(op.EntityType)
	if err != nil {
		return "", nil, err
	}

	// Resolve by syncId first: it identifies entities the client created
	// before the server ever assigned an id.
	existing, err := s.resolve(ctx, store, tenantID, op)
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()

	if existing == nil {
		if op.Kind == models.OpDelete {
			// Nothing to delete. Replayed deletes land here; treat as applied.
			return outcomeUpdated, nil, nil
		}
		syncID := op.SyncID
		if syncID == "" {
			syncID = uuid.New()
		}
		created := &models.Record{
			ID:         uuid.New(),
			SyncID:     syncID,
			TenantID:   tenantID,
			OwnerID:    userID,
			SyncStatus: models.SyncStatusSynced,
			CreatedAt:  now,
			UpdatedAt:  now,
			Fields:     op.Payload,
		}
		if err := store.Create(ctx, created); err != nil {
			return "", nil, err
		}
		return outcomeCreated, created, nil
	}

	serverNewer := existing.UpdatedAt.After(lastSync)
	resolving := op.SyncStatus == models.SyncStatusConflict

	if serverNewer && !resolving {
		// Replay guard: a client re-sending exactly what the server already
		// holds is not a concurrent edit. Without this, retrying a round
		// whose response was lost would flag phantom conflicts.
		if op.Kind != models.OpDelete &&
			existing.SyncStatus == models.SyncStatusSynced &&
			existing.FieldsEqual(op.Payload) {
			return outcomeUpdated, nil, nil
		}

		// Concurrent modification: never overwrite the server's data.
		// Persist only the conflict flag; the client resolves explicitly.
		if existing.SyncStatus != models.SyncStatusConflict {
			if err := store.SetSyncStatus(ctx, tenantID, existing.ID, models.SyncStatusConflict); err != nil {
				return "", nil, err
			}
		}
		return outcomeConflict, nil, nil
	}

	// No conflict, or the client is submitting a resolved version.
	if op.Kind == models.OpDelete {
		if err := store.Delete(ctx, tenantID, existing.ID); err != nil {
			return "", nil, err
		}
		tombstone := *existing
		tombstone.SyncStatus = models.SyncStatusSynced
		tombstone.UpdatedAt = now
		tombstone.Deleted = true
		return outcomeUpdated, &tombstone, nil
	}

	existing.Fields = op.Payload
	existing.SyncStatus = models.SyncStatusSynced
	existing.UpdatedAt = now
	if err := store.Update(ctx, existing); err != nil {
		return "", nil, err
	}
	return outcomeUpdated, existing, nil
}

func (s *Service) resolve(ctx context.Context, store repo.Store, tenantID string, op models.SyncOperation) (*models.Record, error) {
	if op.SyncID != "" {
		rec, err := store.GetBySyncID(ctx, tenantID, op.SyncID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if op.EntityID != "" {
		rec, err := store.Get(ctx, tenantID, op.EntityID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// serverChanges computes the clean delta: everything changed since the
// watermark except entities whose conflict is still unresolved.
func (s *Service) serverChanges(ctx context.Context, adapters *repo.Adapters, tenantID string, since int64) (*models.ServerChanges, error) {
	var changes models.ServerChanges
	for _, t := range models.EntityTypes {
		store, err := adapters.For(t)
		if err != nil {
			return nil, err
		}
		records, err := store.ChangedSince(ctx, tenantID, since, true)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			changes.Append(t, rec)
		}
	}
	return &changes, nil
}

// Status reports conflict and pending counts per collection, for the
// sync status endpoint.
func (s *Service) Status(ctx context.Context, tenantID string) (*models.SyncStatusReport, error) {
	adapters := repo.NewAdapters(s.db)

	report := &models.SyncStatusReport{LastSyncTimestamp: time.Now().UTC()}

	count := func(t models.EntityType, status models.SyncStatus) (int, error) {
		store, err := adapters.For(t)
		if err != nil {
			return 0, err
		}
		return store.CountByStatus(ctx, tenantID, status)
	}

	var err error
	if report.Conflicts.Audits, err = count(models.EntityAudit, models.SyncStatusConflict); err != nil {
		return nil, err
	}
	if report.Conflicts.Actions, err = count(models.EntityAction, models.SyncStatusConflict); err != nil {
		return nil, err
	}
	report.Conflicts.Total = report.Conflicts.Audits + report.Conflicts.Actions

	if report.Pending.Audits, err = count(models.EntityAudit, models.SyncStatusPendingSync); err != nil {
		return nil, err
	}
	if report.Pending.Actions, err = count(models.EntityAction, models.SyncStatusPendingSync); err != nil {
		return nil, err
	}
	report.Pending.Total = report.Pending.Audits + report.Pending.Actions

	return report, nil
}
