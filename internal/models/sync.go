// Package models provides data model definitions for FieldSync.
package models

import (
	"encoding/json"
	"time"
)

// OpKind is a sync operation kind.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// SyncOperation is a client-originated mutation queued for delivery to the
// merge endpoint. Operations are immutable once enqueued.
type SyncOperation struct {
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	EntityType EntityType      `json:"entityType"`
	SyncID     string          `json:"syncId"`
	EntityID   string          `json:"entityId,omitempty"` // server-assigned id, when known
	SyncStatus SyncStatus      `json:"syncStatus,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"` // full entity fields; empty for delete
}

// Validate checks the wire-level shape of an operation.
func (op *SyncOperation) Validate() error {
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return errBadKind(op.Kind)
	}
	if _, err := ParseEntityType(string(op.EntityType)); err != nil {
		return err
	}
	if op.SyncID == "" && op.EntityID == "" {
		return errNoIdentifier
	}
	if op.Kind != OpDelete && len(op.Payload) == 0 {
		return errNoPayload
	}
	return nil
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	Operations        []SyncOperation `json:"operations"`
	LastSyncTimestamp time.Time       `json:"lastSyncTimestamp"`
}

// SyncCounts aggregates per-round merge outcomes.
type SyncCounts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Conflicts int `json:"conflicts"`
}

// Add accumulates another set of counts.
func (c *SyncCounts) Add(other SyncCounts) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Conflicts += other.Conflicts
}

// ServerChanges carries the clean delta for one sync round: every entity
// changed since the client's watermark, excluding conflicted entities.
type ServerChanges struct {
	Audits    []Record `json:"audits"`
	Actions   []Record `json:"actions"`
	Templates []Record `json:"templates"`
	Users     []Record `json:"users"`
}

// Append adds a record under its entity type.
func (sc *ServerChanges) Append(t EntityType, rec Record) {
	switch t {
	case EntityAudit:
		sc.Audits = append(sc.Audits, rec)
	case EntityAction:
		sc.Actions = append(sc.Actions, rec)
	case EntityTemplate:
		sc.Templates = append(sc.Templates, rec)
	case EntityUser:
		sc.Users = append(sc.Users, rec)
	}
}

// ByType returns the records for one entity type.
func (sc *ServerChanges) ByType(t EntityType) []Record {
	switch t {
	case EntityAudit:
		return sc.Audits
	case EntityAction:
		return sc.Actions
	case EntityTemplate:
		return sc.Templates
	case EntityUser:
		return sc.Users
	}
	return nil
}

// Total returns the number of records across all entity types.
func (sc *ServerChanges) Total() int {
	return len(sc.Audits) + len(sc.Actions) + len(sc.Templates) + len(sc.Users)
}

// SyncResponse is the body of a successful POST /sync.
type SyncResponse struct {
	Timestamp     time.Time     `json:"timestamp"`
	Results       SyncCounts    `json:"results"`
	ServerChanges ServerChanges `json:"serverChanges"`
}

// CollectionCounts holds per-collection counters for the status endpoint.
type CollectionCounts struct {
	Audits  int `json:"audits"`
	Actions int `json:"actions"`
	Total   int `json:"total"`
}

// SyncStatusReport is the body of GET /sync/status.
type SyncStatusReport struct {
	Conflicts         CollectionCounts `json:"conflicts"`
	Pending           CollectionCounts `json:"pending"`
	LastSyncTimestamp time.Time        `json:"lastSyncTimestamp"`
}
