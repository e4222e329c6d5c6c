package crdt

import (
	"github.com/google/uuid"
)

// LWWRegister is a last-writer-wins register. Merge keeps the entry with
// the greater (timestamp, node ID) lexicographic key, so concurrent writes
// converge to the same value on every replica regardless of merge order.
type LWWRegister[T any] struct {
	Value     T      `json:"value"`
	Timestamp uint64 `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

// NewLWWRegister creates a register owned by nodeID holding the zero value
func NewLWWRegister[T any](nodeID string) *LWWRegister[T] {
	return &LWWRegister[T]{NodeID: nodeID}
}

// Set writes value at the given timestamp. Writes older than the current
// entry are ignored.
func (r *LWWRegister[T]) Set(value T, timestamp uint64, nodeID string) {
	if timestamp > r.Timestamp || (timestamp == r.Timestamp && nodeID > r.NodeID) {
		r.Value = value
		r.Timestamp = timestamp
		r.NodeID = nodeID
	}
}

// Get returns the current value
func (r *LWWRegister[T]) Get() T {
	return r.Value
}

// Merge keeps whichever side has the greater (timestamp, node ID) key.
// Commutative, associative, idempotent.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	if other.Timestamp > r.Timestamp ||
		(other.Timestamp == r.Timestamp && other.NodeID > r.NodeID) {
		r.Value = other.Value
		r.Timestamp = other.Timestamp
		r.NodeID = other.NodeID
	}
}

// MVRegister is a multi-value register: concurrent writes are all kept and
// surfaced to the caller for resolution instead of being collapsed.
type MVRegister[T any] struct {
	Values map[uuid.UUID]T `json:"values"`
}

// NewMVRegister creates an empty multi-value register
func NewMVRegister[T any]() *MVRegister[T] {
	return &MVRegister[T]{Values: make(map[uuid.UUID]T)}
}

// Set replaces all current values with a single tagged write
func (r *MVRegister[T]) Set(value T) uuid.UUID {
	tag := uuid.New()
	r.Values = map[uuid.UUID]T{tag: value}
	return tag
}

// GetAll returns every currently held value
func (r *MVRegister[T]) GetAll() []T {
	values := make([]T, 0, len(r.Values))
	for _, v := range r.Values {
		values = append(values, v)
	}
	return values
}

// Merge unions the tagged writes of both registers
func (r *MVRegister[T]) Merge(other *MVRegister[T]) {
	if r.Values == nil {
		r.Values = make(map[uuid.UUID]T, len(other.Values))
	}
	for tag, v := range other.Values {
		r.Values[tag] = v
	}
}
