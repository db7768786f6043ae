// Package reassembler implements the fragment assembler of spec.md
// §4.3: per-(session, peer) state that reconstructs an application
// payload from 128-byte Fragment packets.
//
// Grounded on core/multipart/multipart.go's pending-state map keyed by
// a reassembly key, assembling on receipt of the final fragment. The
// key here is (session_id, peer) instead of (innerType, srcHash), the
// slots are fixed 128-byte per spec.md §3 instead of MULTIPART's
// variable fragments, and there is no timeout expiry: spec.md §5
// forbids wall-clock timers in the core fabric — a stalled reassembly
// simply sits until the application's own timer above the fabric
// decides to give up.
package reassembler

import (
	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/packet"
)

// Key identifies one reassembly in progress.
type Key struct {
	Session uint64
	Peer    netid.ID
}

type state struct {
	total   int
	present []bool
	buf     []byte
	// lastLen is the valid-byte Length of the last fragment seen so far;
	// it is only meaningful once present[total-1] is true.
	lastLen int
	count   int
}

// Assembler reassembles fragmented application messages.
type Assembler struct {
	pending map[Key]*state
}

// New creates an empty Assembler.
func New() *Assembler {
	return &Assembler{pending: make(map[Key]*state)}
}

// HandleFragment processes one Fragment arriving from peer within
// session. It returns the reconstructed payload and true once every
// fragment has arrived; otherwise it returns nil, false.
//
// Malformed fragments (fragment_index >= total_n_fragments, or
// length > 128) are discarded per spec.md §4.3 step 1.
func (a *Assembler) HandleFragment(session uint64, peer netid.ID, frag packet.FragmentBody) ([]byte, bool) {
	if frag.Index >= frag.Total || frag.Length > packet.FragmentSize {
		return nil, false
	}

	key := Key{Session: session, Peer: peer}
	st, ok := a.pending[key]
	if !ok {
		st = &state{
			total:   int(frag.Total),
			present: make([]bool, frag.Total),
			buf:     make([]byte, int(frag.Total)*packet.FragmentSize),
		}
		a.pending[key] = st
	}

	idx := int(frag.Index)
	if !st.present[idx] {
		st.present[idx] = true
		st.count++
	}
	// Overwrite is idempotent — fragments are immutable within a
	// session, so a duplicate arrival just re-copies the same bytes.
	copy(st.buf[idx*packet.FragmentSize:], frag.Data[:])
	if idx == st.total-1 {
		st.lastLen = int(frag.Length)
	}

	if st.count < st.total {
		return nil, false
	}

	effLen := (st.total-1)*packet.FragmentSize + st.lastLen
	out := make([]byte, effLen)
	copy(out, st.buf[:effLen])
	delete(a.pending, key)
	return out, true
}

// PendingCount returns the number of in-progress reassemblies.
func (a *Assembler) PendingCount() int {
	return len(a.pending)
}

// Clear discards all in-progress reassemblies.
func (a *Assembler) Clear() {
	clear(a.pending)
}

// Fragmentize splits payload into Fragment bodies of at most 128 bytes
// each, the inverse operation used by the sending endpoint
// (spec.md §4.2 send_message). Total is always at least 1, even for an
// empty payload.
func Fragmentize(payload []byte) []packet.FragmentBody {
	total := (len(payload) + packet.FragmentSize - 1) / packet.FragmentSize
	if total == 0 {
		total = 1
	}
	frags := make([]packet.FragmentBody, total)
	for i := 0; i < total; i++ {
		start := i * packet.FragmentSize
		end := start + packet.FragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fb := packet.FragmentBody{
			Index: uint8(i),
			Total: uint8(total),
		}
		n := copy(fb.Data[:], payload[start:end])
		fb.Length = uint8(n)
		frags[i] = fb
	}
	return frags
}
