package config

import (
	"fmt"

	"github.com/dronemesh/fabric/netid"
)

// buildEdges turns each node's independently-declared Neighbors list
// into the canonical, deduplicated edge set, requiring every
// declaration be reciprocated by the other side (spec.md §6: "every
// declared edge is symmetric").
func buildEdges(nodes []Node) ([]Edge, error) {
	declared := make(map[netid.ID]map[netid.ID]bool, len(nodes))
	for _, n := range nodes {
		set := make(map[netid.ID]bool, len(n.Neighbors))
		for _, nb := range n.Neighbors {
			if nb == n.ID {
				return nil, fmt.Errorf("config: self-loop edge on node %d", n.ID)
			}
			set[nb] = true
		}
		declared[n.ID] = set
	}

	seen := make(map[[2]netid.ID]bool)
	var edges []Edge
	for _, n := range nodes {
		for nb := range declared[n.ID] {
			other, ok := declared[nb]
			if !ok {
				return nil, fmt.Errorf("config: node %d declares neighbor %d, which is not declared as a node", n.ID, nb)
			}
			if !other[n.ID] {
				return nil, fmt.Errorf("config: node %d declares neighbor %d, but %d does not reciprocate", n.ID, nb, nb)
			}
			key := canonicalEdge(n.ID, nb)
			if !seen[key] {
				seen[key] = true
				edges = append(edges, Edge{A: key[0], B: key[1]})
			}
		}
	}
	return edges, nil
}

// Validate checks a Topology against spec.md §6: globally unique ids,
// no edge directly between two endpoints (client-client, server-server,
// or client-server), clients have 1-2 drone
// neighbors, servers have >=2 drone neighbors, and pdr is in [0,1]
// for every drone. Self-loops and asymmetric declarations are already
// rejected by buildEdges.
func Validate(top *Topology) error {
	kindOf := make(map[netid.ID]netid.Kind, len(top.Nodes))
	for _, n := range top.Nodes {
		if _, dup := kindOf[n.ID]; dup {
			return fmt.Errorf("config: duplicate node id %d", n.ID)
		}
		kindOf[n.ID] = n.Kind
		if n.Kind == netid.Drone && (n.Options.PDR < 0 || n.Options.PDR > 1) {
			return fmt.Errorf("config: node %d: pdr %v out of range [0,1]", n.ID, n.Options.PDR)
		}
	}

	droneNeighbors := make(map[netid.ID]int, len(top.Nodes))
	for _, e := range top.Edges {
		aKind, bKind := kindOf[e.A], kindOf[e.B]
		if aKind.IsEndpoint() && bKind.IsEndpoint() {
			return fmt.Errorf("config: edge %d-%d connects two endpoints directly", e.A, e.B)
		}
		if aKind == netid.Drone && bKind != netid.Drone {
			droneNeighbors[e.B]++
		}
		if bKind == netid.Drone && aKind != netid.Drone {
			droneNeighbors[e.A]++
		}
	}

	for _, n := range top.Nodes {
		switch n.Kind {
		case netid.Client:
			if c := droneNeighbors[n.ID]; c < 1 || c > 2 {
				return fmt.Errorf("config: client %d has %d drone neighbors, want 1-2", n.ID, c)
			}
		case netid.Server:
			if c := droneNeighbors[n.ID]; c < 2 {
				return fmt.Errorf("config: server %d has %d drone neighbors, want >=2", n.ID, c)
			}
		}
	}

	return nil
}

func canonicalEdge(a, b netid.ID) [2]netid.ID {
	if a < b {
		return [2]netid.ID{a, b}
	}
	return [2]netid.ID{b, a}
}
