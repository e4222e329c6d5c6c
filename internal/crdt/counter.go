package crdt

// GCounter is a grow-only counter. Each node owns a monotonically
// increasing slot; merge is the pointwise maximum and the total value is
// the sum over all slots.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter creates an empty grow-only counter
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

// Increment adds amount to the slot owned by nodeID
func (c *GCounter) Increment(nodeID string, amount uint64) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	c.Counts[nodeID] += amount
}

// Value returns the sum over all node slots
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, count := range c.Counts {
		total += count
	}
	return total
}

// Merge takes the pointwise maximum of both counters
func (c *GCounter) Merge(other *GCounter) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64, len(other.Counts))
	}
	for node, count := range other.Counts {
		if count > c.Counts[node] {
			c.Counts[node] = count
		}
	}
}

// PNCounter supports both increments and decrements by pairing two
// grow-only counters.
type PNCounter struct {
	Positive *GCounter `json:"positive"`
	Negative *GCounter `json:"negative"`
}

// NewPNCounter creates an empty positive-negative counter
func NewPNCounter() *PNCounter {
	return &PNCounter{Positive: NewGCounter(), Negative: NewGCounter()}
}

// Increment adds amount on behalf of nodeID
func (c *PNCounter) Increment(nodeID string, amount uint64) {
	c.Positive.Increment(nodeID, amount)
}

// Decrement subtracts amount on behalf of nodeID
func (c *PNCounter) Decrement(nodeID string, amount uint64) {
	c.Negative.Increment(nodeID, amount)
}

// Value returns the current counter value
func (c *PNCounter) Value() int64 {
	return int64(c.Positive.Value()) - int64(c.Negative.Value())
}

// Merge merges both halves pointwise
func (c *PNCounter) Merge(other *PNCounter) {
	c.Positive.Merge(other.Positive)
	c.Negative.Merge(other.Negative)
}
