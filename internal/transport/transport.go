// Package transport defines the envelope exchanged between cluster
// nodes. Wire framing and delivery are the cluster layer's concern;
// gossip and membership only see encoded envelopes.
package transport

import (
	"encoding/json"

	"github.com/devrev/meshsync/internal/errors"
)

// Envelope kinds routed by the cluster layer.
const (
	KindGossip      = "gossip"
	KindJoin        = "join"
	KindForwardJoin = "forward_join"
	KindShuffle     = "shuffle"
	KindDisconnect  = "disconnect"
)

// Envelope wraps a protocol message with its routing kind and sender.
type Envelope struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	Body []byte `json:"body"`
}

// Sender delivers an encoded envelope to one peer.
type Sender interface {
	Send(peerID string, env Envelope) error
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Codec("failed to encode envelope", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes an envelope received from the wire.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Codec("failed to decode envelope", err)
	}
	return env, nil
}
