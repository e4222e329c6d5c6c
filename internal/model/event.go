package model

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/errors"
)

// Event is the immutable unit of replication exchanged between nodes. The
// JSON encoding is the byte-stable wire schema at this layer; framing is
// the transport's responsibility.
type Event struct {
	ID           uuid.UUID         `json:"id"`
	Timestamp    uint64            `json:"timestamp"`
	VectorClock  crdt.VectorClock  `json:"vector_clock"`
	NodeID       string            `json:"node_id"`
	Payload      []byte            `json:"payload"`
	Dependencies []uuid.UUID       `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EncodeEvent serializes an event for transport
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Codec("failed to encode event", err)
	}
	return data, nil
}

// DecodeEvent deserializes an event received from transport
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, errors.Codec("failed to decode event", err)
	}
	return e, nil
}
