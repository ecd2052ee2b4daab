// Package repo provides the repository adapter: per-entity-type CRUD over
// the durable store. The same adapter serves UI mutation handlers writing
// optimistic local state and the queue manager applying server deltas, so
// every write is a single atomic statement.
package repo

import (
	"context"
	"database/sql"

	"github.com/quickaudit/fieldsync/internal/apperr"
	"github.com/quickaudit/fieldsync/internal/models"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = apperr.New(apperr.ErrNotFound, "record not found")

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting the merge service run every adapter call inside one transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the per-entity repository adapter contract.
type Store interface {
	Get(ctx context.Context, tenantID, id string) (*models.Record, error)
	GetBySyncID(ctx context.Context, tenantID, syncID string) (*models.Record, error)
	Create(ctx context.Context, rec *models.Record) error
	Update(ctx context.Context, rec *models.Record) error
	Upsert(ctx context.Context, rec *models.Record) error
	SetSyncStatus(ctx context.Context, tenantID, id string, status models.SyncStatus) error
	Delete(ctx context.Context, tenantID, id string) error
	ChangedSince(ctx context.Context, tenantID string, since int64, excludeConflicts bool) ([]models.Record, error)
	CountByStatus(ctx context.Context, tenantID string, status models.SyncStatus) (int, error)
}

// Adapters maps entity types to their stores. It replaces the string-keyed
// repository dispatch of older clients with a typed table resolved up front.
type Adapters struct {
	db     DBTX
	stores map[models.EntityType]Store
}

// NewAdapters builds the adapter table over a database handle.
func NewAdapters(db DBTX) *Adapters {
	stores := make(map[models.EntityType]Store, len(models.EntityTypes))
	for _, t := range models.EntityTypes {
		stores[t] = &entityStore{db: db, table: t.TableName()}
	}
	return &Adapters{db: db, stores: stores}
}

// For resolves the store for an entity type.
func (a *Adapters) For(t models.EntityType) (Store, error) {
	store, ok := a.stores[t]
	if !ok {
		return nil, apperr.New(apperr.ErrValidation, "no repository for entity type "+string(t))
	}
	return store, nil
}

// WithTx returns an adapter table whose stores run against tx.
func (a *Adapters) WithTx(tx *sql.Tx) *Adapters {
	return NewAdapters(tx)
}
