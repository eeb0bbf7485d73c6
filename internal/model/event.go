package model

import (
	"encoding/json"
	"fmt"
)

// EventType is the kind of mutation recorded in the audit log.
type EventType string

const (
	EventAdd       EventType = "add"
	EventMove      EventType = "move"
	EventRemove    EventType = "remove"
	EventRemoveAll EventType = "removeAll"
)

// Event is one audit log entry. The log is diagnostic only: it is capped and
// is never read back to rebuild board state.
//
// Data holds the kind-specific payload; its concrete type is fixed by Type
// (*AddData, *MoveData, *RemoveData or *RemoveAllData).
type Event struct {
	ID        string    `json:"event_id"`
	TS        int64     `json:"ts"`
	Type      EventType `json:"type"`
	RunnerID  string    `json:"runner_id,omitempty"`
	RunnerIDs []string  `json:"runner_ids,omitempty"`
	Actor     string    `json:"actor"`
	Data      EventData `json:"data,omitempty"`
}

// EventData is implemented by the per-kind audit payloads.
type EventData interface {
	eventType() EventType
}

// AddData is the payload of an add event.
type AddData struct {
	Name string `json:"name"`
}

// MoveData is the payload of a move event. Evicted lists runners pushed out
// of the queue by the same commit.
type MoveData struct {
	From    Status   `json:"from"`
	To      Status   `json:"to"`
	Evicted []string `json:"evicted,omitempty"`
}

// RemoveData is the payload of a remove event.
type RemoveData struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// RemoveAllData is the payload of a removeAll event.
type RemoveAllData struct {
	Status Status `json:"status"`
}

func (*AddData) eventType() EventType       { return EventAdd }
func (*MoveData) eventType() EventType      { return EventMove }
func (*RemoveData) eventType() EventType    { return EventRemove }
func (*RemoveAllData) eventType() EventType { return EventRemoveAll }

// UnmarshalJSON decodes Data into the payload type selected by Type.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var raw struct {
		plain
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event(raw.plain)
	e.Data = nil

	var data EventData
	switch e.Type {
	case EventAdd:
		data = &AddData{}
	case EventMove:
		data = &MoveData{}
	case EventRemove:
		data = &RemoveData{}
	case EventRemoveAll:
		data = &RemoveAllData{}
	default:
		return fmt.Errorf("model: unknown event type %q", e.Type)
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return fmt.Errorf("model: decode %s event data: %w", e.Type, err)
		}
	}
	e.Data = data
	return nil
}
