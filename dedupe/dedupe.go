// Package dedupe implements the flood-seen set of spec.md §3: a
// monotonic set of (flood_id, initiator_id) pairs held by each drone,
// used to decide whether a FloodRequest has already been processed.
//
// Grounded on core/dedupe/dedupe.go's insert-on-first-sight HasSeen
// shape, but deliberately not the circular-buffer eviction: the
// teacher evicts because firmware has fixed memory, and accepts that
// a sufficiently old flood can be reforwarded once the buffer wraps.
// spec.md §8 requires monotonicity for the run's lifetime ("a drone
// never forwards the same (flood_id, initiator_id) request twice"),
// so this is an unbounded set instead.
package dedupe

import (
	"sync"

	"github.com/dronemesh/fabric/netid"
)

// Key identifies a flood round.
type Key struct {
	FloodID     uint64
	InitiatorID netid.ID
}

// Seen tracks which flood rounds a drone has already processed.
type Seen struct {
	mu   sync.Mutex
	seen map[Key]struct{}
}

// New creates an empty, monotonic flood-seen set.
func New() *Seen {
	return &Seen{seen: make(map[Key]struct{})}
}

// HasSeen reports whether key was already recorded. If not, it records
// the key and returns false — the caller should proceed as the first
// handler of this flood round. If it returns true, the caller must not
// rebroadcast.
func (s *Seen) HasSeen(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}

// Count returns the number of distinct flood rounds recorded.
func (s *Seen) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
