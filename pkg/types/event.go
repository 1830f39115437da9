package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of pub/sub on the event bus.
//
// Priority orders delivery (higher first); equal priorities are delivered in
// publish order. AckID is the durable-stream handle set when the event was
// consumed from the backing broker, empty otherwise.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Source        string         `json:"source"`
	Destination   string         `json:"destination,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      int            `json:"priority"`
	TTLSeconds    int            `json:"ttl_seconds"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	AckID         string         `json:"-"`
}

// NewEvent creates an event with generated id, current timestamp, and the
// default TTL and retry budget
func NewEvent(eventType, source string, payload map[string]any) *Event {
	return &Event{
		EventID:    uuid.NewString()[:12],
		EventType:  eventType,
		Source:     source,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		TTLSeconds: 3600,
		MaxRetries: 3,
	}
}

// Expired reports whether the event's TTL has elapsed
func (e *Event) Expired() bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return time.Since(e.Timestamp) > time.Duration(e.TTLSeconds)*time.Second
}

// Encode serializes the event for the durable stream
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent deserializes an event consumed from the durable stream
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
