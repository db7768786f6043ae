// Package event defines the tagged telemetry events a node emits to
// its controller (spec.md §4.1, §4.2, §4.4), the counterpart of
// command. Sealed the same way: a marker method, never a
// type-switch-free interface{} bag.
package event

import (
	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/packet"
)

// Event is the sealed set of events a node reports upward.
type Event interface {
	isEvent()
}

// PacketSent reports a successful write to an outbound queue.
type PacketSent struct {
	From, To netid.ID
	Packet   *packet.Packet
}

func (PacketSent) isEvent() {}

// PacketDropped reports a fragment discarded by the pdr draw
// (spec.md §4.1.2 step 5), or a Fragment or FloodRequest refused by a
// crashed drone. Packet carries hop_index restored to the index at
// drop time.
type PacketDropped struct {
	Node   netid.ID
	Packet *packet.Packet
}

func (PacketDropped) isEvent() {}

// ControllerShortcut reports a packet the fabric could not forward;
// per spec.md §4.4 the controller is expected to deliver it directly
// to the destination's inbound queue.
type ControllerShortcut struct {
	Node   netid.ID
	Packet *packet.Packet
}

func (ControllerShortcut) isEvent() {}

// FloodStarted reports a new discovery flood initiated by an endpoint
// (start_flood). Drones rebroadcast floods but never emit it.
type FloodStarted struct {
	Node      netid.ID
	FloodID   uint64
	Initiator netid.ID
}

func (FloodStarted) isEvent() {}
