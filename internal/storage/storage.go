// Package storage provides the durable targets of sync operations.
// Backends must be idempotent: the engine delivers at-least-once, so a
// replayed operation with the same (timestamp, source node) must be a
// no-op.
package storage

import (
	"context"

	"github.com/devrev/meshsync/internal/model"
)

// Record is the stored state for one target key.
type Record struct {
	Payload   []byte `json:"payload"`
	Timestamp uint64 `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Deleted   bool   `json:"deleted"`
}

// Backend executes sync operations and serves reads.
type Backend interface {
	Execute(ctx context.Context, op model.SyncOperation) error
	Get(ctx context.Context, target string) (Record, bool, error)
	Close() error
}

// newer reports whether the operation supersedes the stored record,
// ordered by (timestamp, node_id). Equal keys are replays and do not
// supersede.
func newer(op model.SyncOperation, rec Record) bool {
	if op.Timestamp != rec.Timestamp {
		return op.Timestamp > rec.Timestamp
	}
	return op.SourceNode > rec.NodeID
}
