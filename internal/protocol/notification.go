package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Notification is an outbound response. It serialises as a flat object with
// the action alongside its fields.
type Notification struct {
	Action Event
	Fields map[string]any
}

// NewNotification builds a notification, copying fields.
func NewNotification(action Event, fields map[string]any) Notification {
	return Notification{Action: action, Fields: maps.Clone(fields)}
}

// Get returns a field value or nil.
func (n Notification) Get(key string) any {
	return n.Fields[key]
}

// With returns a copy of the notification with one field set.
func (n Notification) With(key string, value any) Notification {
	m := maps.Clone(n.Fields)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = value
	return Notification{Action: n.Action, Fields: m}
}

func (n Notification) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(n.Fields)+1)
	for k, v := range n.Fields {
		m[k] = v
	}
	m["action"] = string(n.Action)
	return json.Marshal(m)
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	action, _ := m["action"].(string)
	delete(m, "action")
	n.Action = Event(action)
	n.Fields = m
	return nil
}
