package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockIncrementIsMonotonic(t *testing.T) {
	vc := NewVectorClock()

	for i := uint64(1); i <= 10; i++ {
		vc.Increment("node1")
		assert.Equal(t, i, vc.Get("node1"))
	}
	assert.Equal(t, uint64(0), vc.Get("node2"))
}

func TestVectorClockMergeDominatesBothInputs(t *testing.T) {
	a := NewVectorClock()
	a.Increment("node1")
	a.Increment("node1")
	a.Increment("node2")

	b := NewVectorClock()
	b.Increment("node2")
	b.Increment("node2")
	b.Increment("node3")

	preA := a.Clone()
	preB := b.Clone()

	a.Merge(b)

	for node, ts := range preA.Entries {
		assert.GreaterOrEqual(t, a.Get(node), ts)
	}
	for node, ts := range preB.Entries {
		assert.GreaterOrEqual(t, a.Get(node), ts)
	}
	assert.Equal(t, uint64(2), a.Get("node1"))
	assert.Equal(t, uint64(2), a.Get("node2"))
	assert.Equal(t, uint64(1), a.Get("node3"))
}

func TestVectorClockMergeIsCommutativeAndIdempotent(t *testing.T) {
	a := NewVectorClock()
	a.Increment("node1")
	a.Increment("node2")

	b := NewVectorClock()
	b.Increment("node2")
	b.Increment("node2")
	b.Increment("node3")

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)
	assert.Equal(t, ab.Entries, ba.Entries)

	again := ab.Clone()
	again.Merge(b)
	assert.Equal(t, ab.Entries, again.Entries)
}

func TestVectorClockHappensBefore(t *testing.T) {
	a := NewVectorClock()
	a.Increment("node1")

	b := a.Clone()
	b.Increment("node1")
	b.Increment("node2")

	assert.True(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
	assert.False(t, a.Concurrent(b))
	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))
}

func TestVectorClockConcurrent(t *testing.T) {
	a := NewVectorClock()
	a.Increment("node1")
	a.Increment("node1")

	b := NewVectorClock()
	b.Increment("node1")
	b.Increment("node2")

	assert.True(t, a.Concurrent(b))
	assert.True(t, b.Concurrent(a))
	assert.False(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
}

func TestVectorClockEqualClocksAreNeitherBeforeNorConcurrent(t *testing.T) {
	a := NewVectorClock()
	a.Increment("node1")
	a.Increment("node2")
	b := a.Clone()

	assert.Equal(t, Equal, a.Compare(b))
	assert.False(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
	assert.False(t, a.Concurrent(b))
}

func TestVectorClockAbsentNodeIsZero(t *testing.T) {
	a := NewVectorClock()
	a.Increment("node1")

	empty := NewVectorClock()
	assert.True(t, empty.HappensBefore(a))
	assert.Equal(t, Before, empty.Compare(a))
	assert.Equal(t, After, a.Compare(empty))
}
