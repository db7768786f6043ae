// Package packet defines the wire-level types carried over the fabric:
// the source-routing header, the five packet kinds, and their bodies.
//
// Bit-exact byte layout is not required — the substrate is in-process
// (see linkqueue) — so these are plain Go structs rather than a byte
// codec. The pack-type/body split mirrors the teacher's header
// (kind bits) + payload (bytes) split, adapted into a tagged union of
// concrete body types per REDESIGN FLAG: replace a type-erased
// container with sum types, never downcast at the boundary.
package packet

import (
	"errors"
	"fmt"

	"github.com/dronemesh/fabric/netid"
)

// Kind identifies which of the five packet shapes a Packet carries.
type Kind uint8

const (
	Fragment Kind = iota
	Ack
	Nack
	FloodRequest
	FloodResponse
)

func (k Kind) String() string {
	switch k {
	case Fragment:
		return "Fragment"
	case Ack:
		return "Ack"
	case Nack:
		return "Nack"
	case FloodRequest:
		return "FloodRequest"
	case FloodResponse:
		return "FloodResponse"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// FragmentSize is the fixed buffer size of a Fragment body, per spec.md §3.
const FragmentSize = 128

var (
	// ErrEmptyPath is returned when a RoutingHeader with no hops is asked
	// to resolve a current/next hop.
	ErrEmptyPath = errors.New("packet: routing header has no hops")
)

// RoutingHeader is the source-routing header shared by every packet kind
// except FloodRequest, which carries no meaningful routing header
// (spec.md §3).
type RoutingHeader struct {
	// Hops is the ordered path; Hops[0] is the source endpoint and
	// Hops[len-1] is the destination endpoint.
	Hops []netid.ID
	// HopIndex is the 1-based position of the current hop. 0 means the
	// packet has not yet departed (or the header is empty).
	HopIndex int
}

// NewRoutingHeader builds a header for a path about to depart, i.e. with
// HopIndex set to 1 (the packet is already logically "at" hops[1], the
// first relay/destination after the source).
func NewRoutingHeader(hops []netid.ID) RoutingHeader {
	h := RoutingHeader{Hops: append([]netid.ID(nil), hops...)}
	if len(h.Hops) > 0 {
		h.HopIndex = 1
	}
	return h
}

// Source returns hops[0], the originating endpoint.
func (h RoutingHeader) Source() (netid.ID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[0], true
}

// Destination returns the last hop, the terminal endpoint.
func (h RoutingHeader) Destination() (netid.ID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[len(h.Hops)-1], true
}

// CurrentHop returns hops[HopIndex]. Per spec.md §3, for a packet in
// flight arriving at node X this must equal X.
func (h RoutingHeader) CurrentHop() (netid.ID, bool) {
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// AtTerminalHop returns true if HopIndex addresses the last element of
// Hops — i.e. the current hop is the destination.
func (h RoutingHeader) AtTerminalHop() bool {
	return len(h.Hops) > 0 && h.HopIndex == len(h.Hops)-1
}

// NextHop returns the id the packet should be forwarded to after
// advancing HopIndex by one, and the advanced header. ok is false if
// there is no next hop (already at or past the end).
func (h RoutingHeader) NextHop() (id netid.ID, advanced RoutingHeader, ok bool) {
	nextIdx := h.HopIndex + 1
	if nextIdx >= len(h.Hops) {
		return 0, h, false
	}
	advanced = RoutingHeader{Hops: h.Hops, HopIndex: nextIdx}
	return h.Hops[nextIdx], advanced, true
}

// Clone returns a deep copy of the header.
func (h RoutingHeader) Clone() RoutingHeader {
	return RoutingHeader{Hops: append([]netid.ID(nil), h.Hops...), HopIndex: h.HopIndex}
}

// Reversed returns a header walking Hops in the opposite order, with
// HopIndex reset to 1 (ready to depart from the new hops[0]), per the
// backward-routing construction of spec.md §4.1.3.
func (h RoutingHeader) Reversed() RoutingHeader {
	n := len(h.Hops)
	rev := make([]netid.ID, n)
	for i, id := range h.Hops {
		rev[n-1-i] = id
	}
	out := RoutingHeader{Hops: rev}
	if n > 0 {
		out.HopIndex = 1
	}
	return out
}

// HasDuplicateHop reports whether any id appears twice in Hops — the
// fabric must never materialize such a header (spec.md §4.2.2).
func (h RoutingHeader) HasDuplicateHop() bool {
	seen := make(map[netid.ID]struct{}, len(h.Hops))
	for _, id := range h.Hops {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

// PathEntry is one hop of a flood's path_trace: the node that was
// visited and what kind of node it is (spec.md §3).
type PathEntry struct {
	ID   netid.ID
	Kind netid.Kind
}

// NackType enumerates the reasons a Nack can report, per spec.md §3.
// ErrorInRouting and UnexpectedRecipient carry an associated node id;
// the other two kinds ignore the Node field.
type NackType uint8

const (
	Dropped NackType = iota
	ErrorInRouting
	DestinationIsDrone
	UnexpectedRecipient
)

func (t NackType) String() string {
	switch t {
	case Dropped:
		return "Dropped"
	case ErrorInRouting:
		return "ErrorInRouting"
	case DestinationIsDrone:
		return "DestinationIsDrone"
	case UnexpectedRecipient:
		return "UnexpectedRecipient"
	default:
		return fmt.Sprintf("NackType(%d)", uint8(t))
	}
}

// Body is implemented by the five packet bodies. The unexported marker
// method keeps this a closed sum type: callers switch on Packet.Type
// and type-assert to the one body that type implies, instead of a
// dynamically-downcast container (REDESIGN FLAGS).
type Body interface {
	isBody()
	Clone() Body
}

// FragmentBody carries one slice of a fragmented application message.
type FragmentBody struct {
	Index  uint8
	Total  uint8
	Length uint8
	Data   [FragmentSize]byte
}

func (FragmentBody) isBody() {}

// Clone returns a deep copy (the array is a value type, so a plain
// struct copy already suffices, but Clone is defined for interface
// symmetry with the slice-bearing bodies).
func (b FragmentBody) Clone() Body { return b }

// AckBody acknowledges a single fragment.
type AckBody struct {
	Index uint8
}

func (AckBody) isBody() {}
func (b AckBody) Clone() Body { return b }

// NackBody reports a forwarding failure for a single fragment.
type NackBody struct {
	Index uint8
	Type  NackType
	// Node is populated for ErrorInRouting (the unreachable next hop)
	// and UnexpectedRecipient (the node that received the packet
	// unexpectedly); it is the zero value otherwise.
	Node netid.ID
}

func (NackBody) isBody() {}
func (b NackBody) Clone() Body { return b }

// FloodRequestBody is a discovery-flood request.
type FloodRequestBody struct {
	FloodID     uint64
	InitiatorID netid.ID
	PathTrace   []PathEntry
}

func (FloodRequestBody) isBody() {}

func (b FloodRequestBody) Clone() Body {
	return FloodRequestBody{
		FloodID:     b.FloodID,
		InitiatorID: b.InitiatorID,
		PathTrace:   append([]PathEntry(nil), b.PathTrace...),
	}
}

// FloodResponseBody is a discovery-flood response, tracing the full
// path from initiator to responder.
type FloodResponseBody struct {
	FloodID   uint64
	PathTrace []PathEntry
}

func (FloodResponseBody) isBody() {}

func (b FloodResponseBody) Clone() Body {
	return FloodResponseBody{
		FloodID:   b.FloodID,
		PathTrace: append([]PathEntry(nil), b.PathTrace...),
	}
}

// Packet is the unit of transmission on the fabric (spec.md §3).
type Packet struct {
	Type    Kind
	Header  RoutingHeader
	Session uint64
	Body    Body
}

// Clone returns a deep copy of the packet, safe to mutate independently
// of the original (used before forwarding modifies a header in place,
// mirroring codec.Packet.Clone in the teacher).
func (p *Packet) Clone() *Packet {
	return &Packet{
		Type:    p.Type,
		Header:  p.Header.Clone(),
		Session: p.Session,
		Body:    p.Body.Clone(),
	}
}

// FragmentIndexOf returns the fragment_index carried by a body that has
// one (Fragment, Ack, Nack), or 0 for bodies that don't (FloodRequest,
// FloodResponse) — used when building a Nack, which always needs an
// index to echo even though not every triggering packet carries one.
func FragmentIndexOf(body Body) uint8 {
	switch b := body.(type) {
	case FragmentBody:
		return b.Index
	case AckBody:
		return b.Index
	case NackBody:
		return b.Index
	default:
		return 0
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s{session=%d hops=%v idx=%d}", p.Type, p.Session, p.Header.Hops, p.Header.HopIndex)
}
