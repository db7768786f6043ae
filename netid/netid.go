// Package netid defines the node identity type shared across the fabric.
package netid

import "fmt"

// ID is an 8-bit node identifier, unique within a simulation run.
type ID uint8

// String returns a short decimal representation of the id.
func (id ID) String() string {
	return fmt.Sprintf("%d", uint8(id))
}

// Kind classifies a node as a drone, client, or server.
type Kind uint8

const (
	Drone Kind = iota
	Client
	Server
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Drone:
		return "drone"
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsEndpoint returns true for Client and Server kinds.
func (k Kind) IsEndpoint() bool {
	return k == Client || k == Server
}
