// Package models provides data model definitions for FieldSync.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType discriminates which collection a record or operation targets.
type EntityType string

const (
	EntityAudit    EntityType = "audit"
	EntityAction   EntityType = "action"
	EntityTemplate EntityType = "template"
	EntityUser     EntityType = "user"
)

// EntityTypes lists every syncable entity type in a stable order.
var EntityTypes = []EntityType{EntityAudit, EntityAction, EntityTemplate, EntityUser}

// ParseEntityType validates a wire-level entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityAudit, EntityAction, EntityTemplate, EntityUser:
		return EntityType(s), nil
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// TableName returns the storage table for the entity type.
func (t EntityType) TableName() string {
	switch t {
	case EntityAudit:
		return "audits"
	case EntityAction:
		return "actions"
	case EntityTemplate:
		return "templates"
	case EntityUser:
		return "users"
	}
	return string(t)
}

// Collection returns the plural JSON key used in server change deltas
// and realtime event types.
func (t EntityType) Collection() string {
	return t.TableName()
}

// SyncStatus is the per-entity conflict ledger.
type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusPendingSync SyncStatus = "pending_sync"
	SyncStatusConflict    SyncStatus = "conflict"
)

// Record is a syncable entity row. The server owns ID, UpdatedAt and
// SyncStatus; the client owns SyncID and the business fields until the
// next successful sync round.
type Record struct {
	ID         string          `db:"id" json:"id"`
	SyncID     string          `db:"sync_id" json:"syncId"`
	TenantID   string          `db:"tenant_id" json:"-"`
	OwnerID    string          `db:"owner_id" json:"ownerId,omitempty"`
	SyncStatus SyncStatus      `db:"sync_status" json:"syncStatus"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updatedAt"`
	Fields     json.RawMessage `db:"fields" json:"fields"`

	// Deleted marks realtime tombstone payloads. Never stored.
	Deleted bool `db:"-" json:"deleted,omitempty"`
}

// FieldsEqual reports whether the record's business fields are equivalent
// to the given payload, ignoring JSON whitespace and key order.
func (r *Record) FieldsEqual(payload json.RawMessage) bool {
	var a, b interface{}
	if err := json.Unmarshal(r.Fields, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(payload, &b); err != nil {
		return false
	}
	ca, err := json.Marshal(a)
	if err != nil {
		return false
	}
	cb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
