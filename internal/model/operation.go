package model

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/errors"
)

// OperationType classifies a sync operation. Values outside the predefined
// constants are treated as custom operations named by the value itself.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpMerge  OperationType = "merge"
)

// IsCustom reports whether t is a caller-defined operation type
func (t OperationType) IsCustom() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpMerge:
		return false
	default:
		return true
	}
}

// SyncOperation is a replicated mutation against a target key
type SyncOperation struct {
	ID          uuid.UUID        `json:"id"`
	Type        OperationType    `json:"operation_type"`
	Target      string           `json:"target"`
	Payload     []byte           `json:"payload"`
	VectorClock crdt.VectorClock `json:"vector_clock"`
	Timestamp   uint64           `json:"timestamp"`
	SourceNode  string           `json:"source_node"`
}

// EncodeOperation serializes an operation, typically as an event payload
func EncodeOperation(op SyncOperation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, errors.Codec("failed to encode operation", err)
	}
	return data, nil
}

// DecodeOperation deserializes an operation from an event payload
func DecodeOperation(data []byte) (SyncOperation, error) {
	var op SyncOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return SyncOperation{}, errors.Codec("failed to decode operation", err)
	}
	return op, nil
}
