// Package netview implements the network view of spec.md §3: the
// undirected graph of Node{id, kind, adjacents} records an endpoint
// builds up from discovery-flood responses, and the BFS route planner
// of spec.md §4.2.2 built on top of it.
//
// Grounded on core/contact/manager.go's store-with-callbacks shape
// (SetOnContactAdded/SetOnContactRemoved hooks for telemetry wiring),
// but the storage itself is a graph rather than a flat slice: the
// contact list is sized for ~32 embedded-device entries with linear
// search, while spec.md requires BFS route-planning and a symmetric-
// adjacency invariant that a flat list has no use for.
package netview

import (
	"sort"
	"sync"

	"github.com/dronemesh/fabric/netid"
)

type node struct {
	id        netid.ID
	kind      netid.Kind
	adjacents map[netid.ID]struct{}
}

// View is the graph an endpoint maintains of the topology it has
// discovered. The owning endpoint (Self) is always present.
type View struct {
	mu   sync.RWMutex
	self netid.ID
	nodes map[netid.ID]*node

	onEdgeAdded   func(a, b netid.ID)
	onNodePruned  func(id netid.ID)
}

// New creates a View rooted at self.
func New(self netid.ID, selfKind netid.Kind) *View {
	v := &View{self: self, nodes: make(map[netid.ID]*node)}
	v.ensureNodeLocked(self, selfKind)
	return v
}

// SetOnEdgeAdded sets the callback invoked whenever a new undirected
// edge is recorded (idempotent inserts of an already-known edge do not
// re-fire it).
func (v *View) SetOnEdgeAdded(fn func(a, b netid.ID)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onEdgeAdded = fn
}

// SetOnNodePruned sets the callback invoked whenever a node (and all
// edges to it) is removed from the view.
func (v *View) SetOnNodePruned(fn func(id netid.ID)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onNodePruned = fn
}

func (v *View) ensureNodeLocked(id netid.ID, kind netid.Kind) *node {
	n, ok := v.nodes[id]
	if !ok {
		n = &node{id: id, kind: kind, adjacents: make(map[netid.ID]struct{})}
		v.nodes[id] = n
		return n
	}
	return n
}

// AddEdge records an undirected edge between a and b, creating either
// endpoint's node record if it is not already known. Idempotent.
func (v *View) AddEdge(a netid.ID, aKind netid.Kind, b netid.ID, bKind netid.Kind) {
	v.mu.Lock()
	na := v.ensureNodeLocked(a, aKind)
	nb := v.ensureNodeLocked(b, bKind)

	_, already := na.adjacents[b]
	na.adjacents[b] = struct{}{}
	nb.adjacents[a] = struct{}{}
	cb := v.onEdgeAdded
	v.mu.Unlock()

	if !already && cb != nil {
		cb(a, b)
	}
}

// SetKind reclassifies a known node, e.g. when a DestinationIsDrone
// NACK reveals a node that was assumed to be an endpoint is actually a
// drone (spec.md §4.2 handle_nack).
func (v *View) SetKind(id netid.ID, kind netid.Kind) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n, ok := v.nodes[id]; ok {
		n.kind = kind
	}
}

// PruneNode removes id and every edge referencing it from the view.
// Pruning the owning endpoint itself is a no-op.
func (v *View) PruneNode(id netid.ID) {
	v.mu.Lock()
	if id == v.self {
		v.mu.Unlock()
		return
	}
	if _, ok := v.nodes[id]; !ok {
		v.mu.Unlock()
		return
	}
	delete(v.nodes, id)
	for _, n := range v.nodes {
		delete(n.adjacents, id)
	}
	cb := v.onNodePruned
	v.mu.Unlock()

	if cb != nil {
		cb(id)
	}
}

// HasNode reports whether id is present in the view.
func (v *View) HasNode(id netid.ID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.nodes[id]
	return ok
}

// KindOf returns the recorded kind for id.
func (v *View) KindOf(id netid.ID) (netid.Kind, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	if !ok {
		return 0, false
	}
	return n.kind, true
}

// Neighbors returns the sorted adjacency list of id.
func (v *View) Neighbors(id netid.ID) []netid.ID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	if !ok {
		return nil
	}
	return sortedIDs(n.adjacents)
}

// IsSymmetric reports whether every edge in the view is mirrored on
// both ends — the invariant spec.md §8 requires at discovery
// quiescence.
func (v *View) IsSymmetric() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for a, na := range v.nodes {
		for b := range na.adjacents {
			nb, ok := v.nodes[b]
			if !ok {
				return false
			}
			if _, ok := nb.adjacents[a]; !ok {
				return false
			}
		}
	}
	return true
}

// NodeCount returns the number of nodes (including self) recorded.
func (v *View) NodeCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.nodes)
}

// EdgeCount returns the number of distinct undirected edges recorded.
func (v *View) EdgeCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	count := 0
	for _, n := range v.nodes {
		count += len(n.adjacents)
	}
	return count / 2
}

// Route computes a loop-free source-routed path from self to dest via
// breadth-first search (spec.md §4.2.2). Ties among equal-length paths
// are broken by visiting neighbors in ascending NodeId order, which
// makes the result deterministic for tests. If dest equals self, Route
// returns an empty path and ok=true (spec.md §4.2 send_message treats
// that as a no-op). If no path exists, ok is false.
func (v *View) Route(dest netid.ID) (hops []netid.ID, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if dest == v.self {
		return nil, true
	}
	if _, ok := v.nodes[dest]; !ok {
		return nil, false
	}

	visited := map[netid.ID]bool{v.self: true}
	prev := map[netid.ID]netid.ID{}
	queue := []netid.ID{v.self}

	found := false
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]

		n := v.nodes[cur]
		for _, nb := range sortedIDs(n.adjacents) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			prev[nb] = cur
			if nb == dest {
				found = true
				break
			}
			queue = append(queue, nb)
		}
	}

	if !found {
		return nil, false
	}

	path := []netid.ID{dest}
	for cur := dest; cur != v.self; {
		p := prev[cur]
		path = append(path, p)
		cur = p
	}
	// path is currently dest..self; reverse to self..dest.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}

func sortedIDs(set map[netid.ID]struct{}) []netid.ID {
	out := make([]netid.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
