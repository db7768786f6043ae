// Package retransmit implements the retransmission buffer of spec.md
// §3: per-(session_id, source) state tracking which fragments of an
// outbound message remain unacknowledged.
//
// Grounded on core/ack/tracker.go's Track/Resolve/Cancel/PendingCount
// shape, but adapted from a single pending-ACK-by-hash map to a
// per-session vector slotted by fragment_index, and with the ticking
// timeout/retry loop removed: spec.md §5 states the fabric has no
// wall-clock timeout, and §9 calls out mixing wall-clock timers with
// discovery as a pattern to avoid. Whatever decides to retry reads the
// stashed packet back with Get (routing.Handler does this when a NACK
// arrives) and resends it itself.
package retransmit

import (
	"sync"

	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/packet"
)

// Key identifies one outbound session's retransmission state.
type Key struct {
	Session uint64
	Source  netid.ID
}

// Slot is one fragment's outstanding-send state.
type Slot struct {
	Acked  bool
	Packet *packet.Packet
}

// Buffer holds retransmission state for every in-flight session an
// endpoint has sent.
type Buffer struct {
	mu      sync.Mutex
	entries map[Key][]Slot
}

// New creates an empty retransmission buffer.
func New() *Buffer {
	return &Buffer{entries: make(map[Key][]Slot)}
}

// Put records pkt at the given fragment index as sent-but-unacked.
// Per spec.md §9 ("try-send into its own buffer"), this must only be
// called after a successful first-hop send — never before (would leak
// memory on permanent failure) and never after the destination
// acknowledges (would defeat retransmission).
func (b *Buffer) Put(key Key, fragmentIndex int, pkt *packet.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slots := b.entries[key]
	if fragmentIndex >= len(slots) {
		grown := make([]Slot, fragmentIndex+1)
		copy(grown, slots)
		slots = grown
	}
	slots[fragmentIndex] = Slot{Acked: false, Packet: pkt}
	b.entries[key] = slots
}

// Ack marks the slot at fragmentIndex as acknowledged. Once every slot
// for key is acknowledged, the entry is removed entirely. Returns true
// if key/fragmentIndex was a known, previously-unacked slot.
func (b *Buffer) Ack(key Key, fragmentIndex int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	slots, ok := b.entries[key]
	if !ok || fragmentIndex < 0 || fragmentIndex >= len(slots) {
		return false
	}
	if slots[fragmentIndex].Packet == nil {
		return false
	}
	wasAcked := slots[fragmentIndex].Acked
	slots[fragmentIndex].Acked = true

	allAcked := true
	for _, s := range slots {
		if s.Packet != nil && !s.Acked {
			allAcked = false
			break
		}
	}
	if allAcked {
		delete(b.entries, key)
	}
	return !wasAcked
}

// Get returns the stashed packet at fragmentIndex for retry, and
// whether it is still outstanding (present and unacked).
func (b *Buffer) Get(key Key, fragmentIndex int) (*packet.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slots, ok := b.entries[key]
	if !ok || fragmentIndex < 0 || fragmentIndex >= len(slots) {
		return nil, false
	}
	s := slots[fragmentIndex]
	if s.Packet == nil || s.Acked {
		return nil, false
	}
	return s.Packet, true
}

// Remove discards the entire entry for key, e.g. when the application
// above gives up retrying.
func (b *Buffer) Remove(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// PendingCount returns the number of sessions with at least one
// outstanding (unacknowledged) fragment.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// PendingFragments returns the fragment indices still outstanding for
// key, in ascending order.
func (b *Buffer) PendingFragments(key Key) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	slots, ok := b.entries[key]
	if !ok {
		return nil
	}
	var out []int
	for i, s := range slots {
		if s.Packet != nil && !s.Acked {
			out = append(out, i)
		}
	}
	return out
}
