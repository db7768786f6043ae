// Package command defines the tagged control messages a controller
// sends down a node's inbound command queue (spec.md §4.1, §4.2).
//
// Grounded on the REDESIGN FLAGS item calling for tagged sum types in
// place of a type-erased command container: each variant is a concrete
// struct, and DroneCommand/EndpointCommand are sealed interfaces a
// switch can exhaustively handle, mirroring packet.Body's isBody()
// marker-method pattern.
package command

import (
	"github.com/dronemesh/fabric/linkqueue"
	"github.com/dronemesh/fabric/netid"
)

// DroneCommand is the sealed set of commands a drone accepts.
type DroneCommand interface {
	isDroneCommand()
}

// EndpointCommand is the sealed set of commands an endpoint accepts.
type EndpointCommand interface {
	isEndpointCommand()
}

// AddSender registers an outbound queue to neighbor ID, present on
// both node kinds.
type AddSender struct {
	ID    netid.ID
	Queue *linkqueue.Queue
}

func (AddSender) isDroneCommand()    {}
func (AddSender) isEndpointCommand() {}

// RemoveSender removes a neighbor's outbound queue, present on both
// node kinds.
type RemoveSender struct {
	ID netid.ID
}

func (RemoveSender) isDroneCommand()    {}
func (RemoveSender) isEndpointCommand() {}

// SetPacketDropRate sets a drone's pdr. The drone's command handler
// rejects a rate outside [0,1] and leaves its pdr unchanged.
type SetPacketDropRate struct {
	Rate float64
}

func (SetPacketDropRate) isDroneCommand() {}

// Crash puts a drone into crash mode: it drains its inbound packet
// queue (spec.md §4.1) and then terminates.
type Crash struct{}

func (Crash) isDroneCommand() {}

// Shutdown terminates an endpoint's event loop without any drain
// semantics (an endpoint carries no in-flight forwarding state that
// needs bounded draining).
type Shutdown struct{}

func (Shutdown) isEndpointCommand() {}
