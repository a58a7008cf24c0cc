package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape of every webhook body:
// {event, event_id, timestamp, data}. The marshaled bytes are stored on
// the Delivery at dispatch time, so the signature and the body a
// receiver verifies are always byte-identical.
type Envelope struct {
	Event     string          `json:"event"`
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope snapshots an event payload at dispatch time.
func NewEnvelope(eventType, eventID string, data json.RawMessage, now time.Time) Envelope {
	return Envelope{
		Event:     eventType,
		EventID:   eventID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
	}
}
