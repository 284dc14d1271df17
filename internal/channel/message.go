// Package channel carries realtime canvas traffic over Redis pub/sub: durable
// change notifications, cursor broadcasts and presence membership.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"canvas/api/internal/canvas"
	"canvas/api/internal/presence"
)

type Kind string

const (
	KindChange        Kind = "change"
	KindCursor        Kind = "cursor"
	KindPresenceSync  Kind = "presence_sync"
	KindPresenceLeave Kind = "presence_leave"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the wire form of every message published on a canvas channel.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the closed set of inbound messages a session reacts to:
// ChangeNotification, CursorMessage, PresenceSync and PresenceLeave.
type Event interface {
	kind() Kind
}

// ChangeNotification announces a committed snapshot write.
type ChangeNotification struct {
	Snapshot canvas.Snapshot
}

type CursorMessage struct {
	UserID      string  `json:"userId"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
}

// PresenceSync carries the full membership of a channel.
type PresenceSync struct {
	Members []presence.Record `json:"members"`
}

type PresenceLeave struct {
	UserID string `json:"userId"`
}

func (ChangeNotification) kind() Kind { return KindChange }
func (CursorMessage) kind() Kind      { return KindCursor }
func (PresenceSync) kind() Kind       { return KindPresenceSync }
func (PresenceLeave) kind() Kind      { return KindPresenceLeave }

// Encode wraps event in an envelope attributed to sender.
func Encode(sender string, event Event) ([]byte, error) {
	var payload any = event
	if change, ok := event.(ChangeNotification); ok {
		payload = change.Snapshot
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.kind(), err)
	}
	encoded, err := json.Marshal(Envelope{Kind: event.kind(), Sender: sender, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return encoded, nil
}

// Decode parses an envelope into its event. Change notifications with
// missing or invalid arrays decode to a normalized snapshot rather than an error.
func Decode(data []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return DecodeEnvelope(envelope)
}

func DecodeEnvelope(envelope Envelope) (Event, error) {
	payload := envelope.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	switch envelope.Kind {
	case KindChange:
		snapshot, err := decodeSnapshot(payload)
		if err != nil {
			return nil, fmt.Errorf("unmarshal change payload: %w", err)
		}
		return ChangeNotification{Snapshot: snapshot}, nil
	case KindCursor:
		var msg CursorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal cursor payload: %w", err)
		}
		if msg.UserID == "" {
			msg.UserID = envelope.Sender
		}
		return msg, nil
	case KindPresenceSync:
		var msg PresenceSync
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal presence payload: %w", err)
		}
		return msg, nil
	case KindPresenceLeave:
		var msg PresenceLeave
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal leave payload: %w", err)
		}
		if msg.UserID == "" {
			msg.UserID = envelope.Sender
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
}

// decodeSnapshot decodes a change payload field by field. An array that is
// missing or not an array decodes as empty, and elements of the wrong shape
// are dropped, so one bad field never discards the rest of the write.
func decodeSnapshot(payload []byte) (canvas.Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return canvas.Snapshot{}, err
	}
	nodes := decodeList[canvas.Node](fields["nodes"])
	edges := decodeList[canvas.Edge](fields["edges"])
	deletedNodes := decodeList[string](fields["deletedNodeIds"])
	deletedEdges := decodeList[string](fields["deletedEdgeIds"])
	for _, key := range []string{"nodes", "edges", "deletedNodeIds", "deletedEdgeIds"} {
		delete(fields, key)
	}

	rest, err := json.Marshal(fields)
	if err != nil {
		return canvas.Snapshot{}, err
	}
	var snapshot canvas.Snapshot
	if err := json.Unmarshal(rest, &snapshot); err != nil {
		return canvas.Snapshot{}, err
	}
	snapshot.Nodes = nodes
	snapshot.Edges = edges
	snapshot.DeletedNodeIDs = deletedNodes
	snapshot.DeletedEdgeIDs = deletedEdges
	return snapshot.Normalize(), nil
}

func decodeList[T any](raw json.RawMessage) []T {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		var value T
		if err := json.Unmarshal(item, &value); err == nil {
			out = append(out, value)
		}
	}
	return out
}
