package crdt

import (
	"github.com/google/uuid"
)

// ORSet is an observed-remove set. Every add carries a unique tag; remove
// tombstones the tags observed at the removing replica, so a concurrent
// add on another replica (with a fresh tag) survives the merge.
type ORSet[T comparable] struct {
	Adds    map[T]map[uuid.UUID]struct{} `json:"adds"`
	Removes map[uuid.UUID]struct{}       `json:"removes"`
}

// NewORSet creates an empty observed-remove set
func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{
		Adds:    make(map[T]map[uuid.UUID]struct{}),
		Removes: make(map[uuid.UUID]struct{}),
	}
}

// Add inserts element and returns the generated unique tag. Callers can
// keep the tag to later issue a precise, tag-scoped remove.
func (s *ORSet[T]) Add(element T) uuid.UUID {
	tag := uuid.New()
	tags, ok := s.Adds[element]
	if !ok {
		tags = make(map[uuid.UUID]struct{})
		s.Adds[element] = tags
	}
	tags[tag] = struct{}{}
	return tag
}

// Remove tombstones all currently known tags for element. Tags added
// concurrently on other replicas are unaffected.
func (s *ORSet[T]) Remove(element T) {
	for tag := range s.Adds[element] {
		s.Removes[tag] = struct{}{}
	}
}

// RemoveTag tombstones a single tag for element
func (s *ORSet[T]) RemoveTag(element T, tag uuid.UUID) {
	if _, ok := s.Adds[element][tag]; ok {
		s.Removes[tag] = struct{}{}
	}
}

// Contains reports whether element has at least one live (non-tombstoned) tag
func (s *ORSet[T]) Contains(element T) bool {
	for tag := range s.Adds[element] {
		if _, removed := s.Removes[tag]; !removed {
			return true
		}
	}
	return false
}

// Elements returns all elements with at least one live tag
func (s *ORSet[T]) Elements() []T {
	elements := make([]T, 0, len(s.Adds))
	for element := range s.Adds {
		if s.Contains(element) {
			elements = append(elements, element)
		}
	}
	return elements
}

// Merge unions the add tags and tombstones of both sets. Commutative,
// associative, idempotent.
func (s *ORSet[T]) Merge(other *ORSet[T]) {
	for element, tags := range other.Adds {
		dst, ok := s.Adds[element]
		if !ok {
			dst = make(map[uuid.UUID]struct{}, len(tags))
			s.Adds[element] = dst
		}
		for tag := range tags {
			dst[tag] = struct{}{}
		}
	}
	for tag := range other.Removes {
		s.Removes[tag] = struct{}{}
	}
}
