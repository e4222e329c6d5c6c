package gossip

import (
	"context"
	"sync"
	"time"
)

// MemoryDedup is the in-process DedupStore: a bounded, time-windowed
// seen-set owned by the instance, not a process-wide static.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time)}
}

func (d *MemoryDedup) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return true, nil
	}
	d.seen[id] = now.Add(ttl)
	return false, nil
}

// Run sweeps expired entries until ctx is cancelled.
func (d *MemoryDedup) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.mu.Lock()
			for id, expiry := range d.seen {
				if now.After(expiry) {
					delete(d.seen, id)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Len reports the current seen-set size.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
