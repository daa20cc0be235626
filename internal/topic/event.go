package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrMalformedEvent   = errors.New("malformed event frame")
	ErrUnknownEventKind = errors.New("unknown event kind")
)

// EventKind is the closed set of mutation kinds pushed by the server.
type EventKind string

const (
	EventAdded         EventKind = "ADDED"
	EventUpdated       EventKind = "UPDATED"
	EventDeleted       EventKind = "DELETED"
	EventStatusChanged EventKind = "STATUS_CHANGED"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventAdded, EventUpdated, EventDeleted, EventStatusChanged:
		return true
	}
	return false
}

// Event is one inbound frame. It is immutable once decoded.
type Event struct {
	Topic   string    `json:"topic"`
	Kind    EventKind `json:"event"`
	Data    EventData `json:"data"`
	TraceID string    `json:"trace_id,omitempty"`
}

// EventData carries the entity that changed and who changed it.
type EventData struct {
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload"`
	UserID    string          `json:"user_id"`
	Timestamp string          `json:"timestamp"` // ISO-8601, kept as received
}

// timestampLayouts are tried in order by Time. The server may omit the
// offset, in which case the value is read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Time parses Timestamp. It returns false when the value is empty or not
// in a recognized ISO-8601 form.
func (d EventData) Time() (time.Time, bool) {
	if d.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, d.Timestamp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DecodeEvent parses a raw frame. Frames that are not JSON objects, lack a
// topic, or carry an unknown event kind are rejected.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Topic == "" {
		return Event{}, fmt.Errorf("%w: missing topic", ErrMalformedEvent)
	}
	if !ev.Kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
	return ev, nil
}
