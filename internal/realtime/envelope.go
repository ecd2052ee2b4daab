// Package realtime implements the bidirectional push channel that carries
// already-merged entity state between the server and connected agents.
// It is a notification mechanism: guaranteed delivery belongs to the sync
// queue, not to this channel.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/quickaudit/fieldsync/internal/models"
)

// Envelope wraps every realtime message.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// EventType returns the channel event name for an entity type,
// e.g. "audit:update".
func EventType(t models.EntityType) string {
	return string(t) + ":update"
}

// NewEnvelope marshals a payload into an envelope.
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}, nil
}
