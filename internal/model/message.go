package model

import (
	"encoding/json"
	"fmt"
)

// MessageType names a realtime message. Client requests and server
// broadcasts share one envelope; the type selects the payload shape.
type MessageType string

// Client to server.
const (
	MsgRequestState MessageType = "request:state"
	MsgAdd          MessageType = "runner:add"
	MsgMove         MessageType = "runner:move"
	MsgRemove       MessageType = "runner:remove"
	MsgRemoveAll    MessageType = "runner:removeAll"
)

// Server to client.
const (
	MsgState      MessageType = "state"
	MsgAdded      MessageType = "runner:added"
	MsgMoved      MessageType = "runner:moved"
	MsgRemoved    MessageType = "runner:removed"
	MsgAllRemoved MessageType = "runner:allRemoved"
	MsgError      MessageType = "error"
)

// Message is the envelope for everything sent over a realtime connection.
// Version is the committed snapshot version a delta belongs to; it is zero
// for requests and error notices.
type Message struct {
	Type    MessageType     `json:"type"`
	Version uint64          `json:"version,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes payload into a message of the given type.
func NewMessage(t MessageType, version uint64, payload any) (Message, error) {
	m := Message{Type: t, Version: version}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("model: encode %s: %w", t, err)
		}
		m.Data = data
	}
	return m, nil
}

// Decode unmarshals the payload into target.
func (m Message) Decode(target any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("model: %s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("model: decode %s: %w", m.Type, err)
	}
	return nil
}

// StatePayload carries a full snapshot.
type StatePayload struct {
	State     Snapshot `json:"state"`
	Timestamp int64    `json:"timestamp"`
}

// MovedPayload is the runner:moved delta.
type MovedPayload struct {
	Runner Runner `json:"runner"`
	From   Status `json:"from"`
	To     Status `json:"to"`
}

// RemovedPayload is the runner:removed delta.
type RemovedPayload struct {
	ID string `json:"id"`
}

// AllRemovedPayload is the runner:allRemoved delta.
type AllRemovedPayload struct {
	IDs []string `json:"ids"`
}

// ErrorPayload is unicast to the requester of a failed mutation. When Resync
// is set the client must discard its mirror and request full state.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Resync  bool   `json:"resync"`
}

// AddRequest is the body of runner:add and POST /api/add.
type AddRequest struct {
	Name  string `json:"name"`
	Actor string `json:"actor,omitempty"`
}

// MoveRequest is the body of runner:move and POST /api/move.
type MoveRequest struct {
	ID    string `json:"id"`
	To    Status `json:"to"`
	Actor string `json:"actor,omitempty"`
}

// RemoveRequest is the body of runner:remove and POST /api/remove/{id}.
type RemoveRequest struct {
	ID    string `json:"id"`
	PIN   string `json:"pin,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// RemoveAllRequest is the body of runner:removeAll and POST /api/remove-all.
// An empty Status means done.
type RemoveAllRequest struct {
	Status Status `json:"status,omitempty"`
	PIN    string `json:"pin,omitempty"`
	Actor  string `json:"actor,omitempty"`
}
