package netview

import (
	"reflect"
	"testing"

	"github.com/dronemesh/fabric/netid"
)

func TestNewViewContainsSelf(t *testing.T) {
	v := New(1, netid.Client)
	if !v.HasNode(1) {
		t.Error("HasNode(self) = false, want true")
	}
}

func TestAddEdgeSymmetric(t *testing.T) {
	v := New(1, netid.Client)
	v.AddEdge(1, netid.Client, 11, netid.Drone)

	if got := v.Neighbors(1); !reflect.DeepEqual(got, []netid.ID{11}) {
		t.Errorf("Neighbors(1) = %v, want [11]", got)
	}
	if got := v.Neighbors(11); !reflect.DeepEqual(got, []netid.ID{1}) {
		t.Errorf("Neighbors(11) = %v, want [1]", got)
	}
	if !v.IsSymmetric() {
		t.Error("IsSymmetric() = false after a single AddEdge, want true")
	}
}

func TestAddEdgeIdempotent(t *testing.T) {
	v := New(1, netid.Client)
	fired := 0
	v.SetOnEdgeAdded(func(a, b netid.ID) { fired++ })

	v.AddEdge(1, netid.Client, 11, netid.Drone)
	v.AddEdge(1, netid.Client, 11, netid.Drone)

	if fired != 1 {
		t.Errorf("onEdgeAdded fired %d times, want 1 (idempotent)", fired)
	}
	if v.EdgeCount() != 1 {
		t.Errorf("EdgeCount() = %d, want 1", v.EdgeCount())
	}
}

func TestPruneNodeRemovesEdges(t *testing.T) {
	v := New(1, netid.Client)
	v.AddEdge(1, netid.Client, 11, netid.Drone)
	v.AddEdge(11, netid.Drone, 12, netid.Drone)

	pruned := ""
	v.SetOnNodePruned(func(id netid.ID) { pruned = id.String() })
	v.PruneNode(11)

	if pruned != "11" {
		t.Errorf("onNodePruned fired with %q, want \"11\"", pruned)
	}
	if v.HasNode(11) {
		t.Error("HasNode(11) = true after PruneNode, want false")
	}
	if got := v.Neighbors(12); len(got) != 0 {
		t.Errorf("Neighbors(12) = %v after pruning 11, want empty", got)
	}
}

func TestPruneSelfIsNoOp(t *testing.T) {
	v := New(1, netid.Client)
	v.PruneNode(1)
	if !v.HasNode(1) {
		t.Error("HasNode(self) = false after PruneNode(self), want true (no-op)")
	}
}

func TestRouteToSelfIsEmptyNoOp(t *testing.T) {
	v := New(1, netid.Client)
	hops, ok := v.Route(1)
	if !ok || hops != nil {
		t.Errorf("Route(self) = %v, %v, want nil, true", hops, ok)
	}
}

func TestRouteUnknownDestination(t *testing.T) {
	v := New(1, netid.Client)
	if _, ok := v.Route(99); ok {
		t.Error("Route() to an unknown destination ok = true, want false")
	}
}

func TestRouteShortestPathDeterministicTieBreak(t *testing.T) {
	// Triangle: 1-11, 1-12, 11-12, 12-21, 11-21. Two equal-length paths
	// from 1 to 21 exist (via 11 or via 12); the lower id wins.
	v := New(1, netid.Client)
	v.AddEdge(1, netid.Client, 11, netid.Drone)
	v.AddEdge(1, netid.Client, 12, netid.Drone)
	v.AddEdge(11, netid.Drone, 12, netid.Drone)
	v.AddEdge(11, netid.Drone, 21, netid.Server)
	v.AddEdge(12, netid.Drone, 21, netid.Server)

	hops, ok := v.Route(21)
	if !ok {
		t.Fatal("Route() ok = false, want true")
	}
	want := []netid.ID{1, 11, 21}
	if !reflect.DeepEqual(hops, want) {
		t.Errorf("Route(21) = %v, want %v", hops, want)
	}
}

func TestRouteNoDuplicateHops(t *testing.T) {
	v := New(1, netid.Client)
	v.AddEdge(1, netid.Client, 11, netid.Drone)
	v.AddEdge(11, netid.Drone, 12, netid.Drone)
	v.AddEdge(12, netid.Drone, 1, netid.Client) // redundant triangle

	hops, ok := v.Route(12)
	if !ok {
		t.Fatal("Route() ok = false, want true")
	}
	seen := map[netid.ID]bool{}
	for _, h := range hops {
		if seen[h] {
			t.Fatalf("Route() produced a header with a duplicate hop: %v", hops)
		}
		seen[h] = true
	}
}

func TestSetKindReclassifiesNode(t *testing.T) {
	v := New(1, netid.Client)
	v.AddEdge(1, netid.Client, 12, netid.Server)
	v.SetKind(12, netid.Drone)

	kind, ok := v.KindOf(12)
	if !ok || kind != netid.Drone {
		t.Errorf("KindOf(12) = %v, %v, want Drone, true", kind, ok)
	}
}
