// Package models provides data model definitions for FieldSync.
package models

import (
	"encoding/json"
	"time"
)

// Business field sets per entity type. These are the client-owned mutable
// fields carried inside Record.Fields; the sync protocol itself treats them
// as an opaque document.

// AuditStatus enumerates the audit workflow states.
type AuditStatus string

const (
	AuditDraft         AuditStatus = "draft"
	AuditInProgress    AuditStatus = "in_progress"
	AuditPendingReview AuditStatus = "pending_review"
	AuditCompleted     AuditStatus = "completed"
	AuditArchived      AuditStatus = "archived"
)

// AuditItem is a single checklist line within a section.
type AuditItem struct {
	Text      string     `json:"text"`
	Response  string     `json:"response,omitempty"` // compliant, non-compliant, na
	Notes     string     `json:"notes,omitempty"`
	PhotoURIs []string   `json:"photos,omitempty"` // opaque blob-store URIs
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// AuditSection groups checklist items under a score.
type AuditSection struct {
	Title string      `json:"title"`
	Score *float64    `json:"score,omitempty"`
	Items []AuditItem `json:"items,omitempty"`
}

// AuditFields holds the business fields of an audit record.
type AuditFields struct {
	Title        string         `json:"title"`
	TemplateID   string         `json:"templateId,omitempty"`
	Location     string         `json:"location,omitempty"`
	AuditorID    string         `json:"auditorId,omitempty"`
	SupervisorID string         `json:"supervisorId,omitempty"`
	Status       AuditStatus    `json:"status,omitempty"`
	Score        *float64       `json:"score,omitempty"`
	StartTime    *time.Time     `json:"startTime,omitempty"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	Sections     []AuditSection `json:"sections,omitempty"`
}

// ActionFields holds the business fields of a corrective action record.
type ActionFields struct {
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	AuditID      string     `json:"auditId,omitempty"`
	AssigneeID   string     `json:"assigneeId,omitempty"`
	AssignedByID string     `json:"assignedById,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Priority     string     `json:"priority,omitempty"` // low, medium, high, critical
	Status       string     `json:"status,omitempty"`   // open, in_progress, completed
}

// TemplateFields holds the business fields of a checklist template record.
type TemplateFields struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Categories  json.RawMessage `json:"categories,omitempty"`
}

// UserFields holds the sync-visible fields of a user record.
type UserFields struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
}

// MarshalFields encodes a typed field set into a Record payload.
func MarshalFields(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
