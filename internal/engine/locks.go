package engine

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lockTable serializes writes per target key. Keys hash onto a fixed set
// of shards so two concurrent operations only contend when they collide,
// instead of funneling every write through one mutex.
type lockTable struct {
	shards []sync.Mutex
	mask   uint64
}

// newLockTable allocates a table with the given shard count, rounded up
// to a power of two.
func newLockTable(shards int) *lockTable {
	if shards < 1 {
		shards = 1
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	return &lockTable{
		shards: make([]sync.Mutex, n),
		mask:   uint64(n - 1),
	}
}

func (t *lockTable) lock(key string) {
	t.shards[xxhash.Sum64String(key)&t.mask].Lock()
}

func (t *lockTable) unlock(key string) {
	t.shards[xxhash.Sum64String(key)&t.mask].Unlock()
}
