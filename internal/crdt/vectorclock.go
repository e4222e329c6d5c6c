package crdt

// Comparison represents the result of comparing two vector clocks
type Comparison int

const (
	// Equal means both vector clocks are identical
	Equal Comparison = iota
	// Before means first happens before second
	Before
	// After means first happens after second
	After
	// Concurrent means neither happens before the other (siblings)
	Concurrent
)

// String returns a human-readable name for the comparison result
func (c Comparison) String() string {
	switch c {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock is a per-node logical timestamp used to detect causality.
// A node absent from Entries has an implicit counter of zero. Counters
// never decrease.
//
// On the wire the clock is an object with the counter map nested under
// an "entries" key, not a bare map. Every peer must encode it the same
// way since event and operation payloads are compared byte-for-byte.
type VectorClock struct {
	Entries map[string]uint64 `json:"entries,omitempty"`
}

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return VectorClock{Entries: make(map[string]uint64)}
}

// Get returns the counter for nodeID, zero if absent
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc.Entries[nodeID]
}

// Increment advances the counter for nodeID by one
func (vc *VectorClock) Increment(nodeID string) {
	if vc.Entries == nil {
		vc.Entries = make(map[string]uint64)
	}
	vc.Entries[nodeID]++
}

// Merge takes the pointwise maximum of both clocks. Merge is commutative
// and idempotent.
func (vc *VectorClock) Merge(other VectorClock) {
	if len(other.Entries) == 0 {
		return
	}
	if vc.Entries == nil {
		vc.Entries = make(map[string]uint64, len(other.Entries))
	}
	for node, ts := range other.Entries {
		if ts > vc.Entries[node] {
			vc.Entries[node] = ts
		}
	}
}

// Compare determines the causal relationship between vc and other.
// Two identical clocks compare Equal; Equal clocks are neither
// happens-before nor concurrent.
func (vc VectorClock) Compare(other VectorClock) Comparison {
	allLessOrEqual := true
	allGreaterOrEqual := true

	for node, ts := range vc.Entries {
		otherTS := other.Entries[node]
		if ts < otherTS {
			allGreaterOrEqual = false
		} else if ts > otherTS {
			allLessOrEqual = false
		}
	}
	for node, otherTS := range other.Entries {
		ts := vc.Entries[node]
		if ts < otherTS {
			allGreaterOrEqual = false
		} else if ts > otherTS {
			allLessOrEqual = false
		}
	}

	switch {
	case allLessOrEqual && allGreaterOrEqual:
		return Equal
	case allLessOrEqual:
		return Before
	case allGreaterOrEqual:
		return After
	default:
		return Concurrent
	}
}

// HappensBefore reports whether every component of vc is <= the
// corresponding component of other with at least one strict inequality.
// Returns false for equal clocks.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == Before
}

// Concurrent reports whether neither clock happens before the other.
// Returns false for equal clocks.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Clone returns a deep copy of the clock
func (vc VectorClock) Clone() VectorClock {
	clone := VectorClock{Entries: make(map[string]uint64, len(vc.Entries))}
	for node, ts := range vc.Entries {
		clone.Entries[node] = ts
	}
	return clone
}
