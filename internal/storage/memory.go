package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/model"
)

// Memory is the in-process backend, used for tests and single-node
// deployments without durability requirements.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	logger  *zap.Logger
}

func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		records: make(map[string]Record),
		logger:  logger,
	}
}

func (m *Memory) Execute(_ context.Context, op model.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[op.Target]; ok && !newer(op, rec) {
		return nil
	}

	rec := Record{
		Payload:   op.Payload,
		Timestamp: op.Timestamp,
		NodeID:    op.SourceNode,
		Deleted:   op.Type == model.OpDelete,
	}
	m.records[op.Target] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, target string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[target]
	if !ok || rec.Deleted {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error { return nil }
