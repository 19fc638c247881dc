package alert

import (
	"encoding/json"
	"time"
)

// Payload is the wire form shared by the MQTT and WebSocket sinks and the
// render feed. Field names match what remote dashboards already parse.
type Payload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// NewPayload converts an event to its wire form (RFC3339 timestamps).
func NewPayload(e Event) Payload {
	return Payload{
		ID:        e.ID,
		Type:      string(e.Category),
		Severity:  e.Severity.String(),
		Message:   e.Message,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
		ExpiresAt: e.ExpiresAt.Format(time.RFC3339),
	}
}

// Marshal returns the JSON encoding of the event payload.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(NewPayload(e))
}
