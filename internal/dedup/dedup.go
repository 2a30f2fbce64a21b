// Package dedup bounds the application mailbox's delivered-message-id set.
//
// spec.md §9 notes the source this was distilled from grows the delivered
// set without bound and leaves its capping an open question. We cap it with
// an LRU of the last DefaultCapacity ids, per the spec's own suggestion.
package dedup

import "github.com/saranblock3/homad/internal/lrucache"

// DefaultCapacity is the number of recently-delivered message ids a mailbox
// remembers before the oldest entry is evicted.
const DefaultCapacity = 65536

// Set suppresses re-delivery of messages whose id has already been handed
// to the application, per spec.md §4.3 ("If message id ∈ delivered set,
// drop.").
type Set struct {
	cache lrucache.Cache[uint64, struct{}]
}

// New returns a Set that remembers up to capacity message ids.
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{cache: lrucache.New[uint64, struct{}](capacity)}
}

// Contains reports whether id was previously marked delivered.
func (s *Set) Contains(id uint64) bool {
	_, ok := s.cache.Get(id)
	return ok
}

// Mark records id as delivered, evicting the oldest entry if the set is at
// capacity.
func (s *Set) Mark(id uint64) {
	s.cache.Push(id, struct{}{})
}
