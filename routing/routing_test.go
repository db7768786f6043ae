package routing

import (
	"testing"

	"github.com/dronemesh/fabric/command"
	"github.com/dronemesh/fabric/event"
	"github.com/dronemesh/fabric/linkqueue"
	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/packet"
	"github.com/dronemesh/fabric/retransmit"
)

func newTestHandler(self netid.ID, kind netid.Kind) *Handler {
	return New(Config{Self: self, Kind: kind})
}

func addNeighbor(t *testing.T, h *Handler, id netid.ID) *linkqueue.Queue {
	t.Helper()
	q := linkqueue.New()
	if shutdown := h.HandleCommand(command.AddSender{ID: id, Queue: q}); shutdown {
		t.Fatal("AddSender reported shutdown=true")
	}
	return q
}

func drainEvent(t *testing.T, h *Handler) event.Event {
	t.Helper()
	select {
	case e := <-h.Events():
		return e
	default:
		t.Fatal("expected an event, got none")
		return nil
	}
}

func TestSendMessageDirectRouteReachesFirstHop(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	out := addNeighbor(t, h, 11)
	h.View().AddEdge(1, netid.Client, 11, netid.Drone)
	h.View().AddEdge(11, netid.Drone, 21, netid.Server)

	h.SendMessage([]byte("hello"), 21, nil)

	got, ok := out.TryRecv()
	if !ok {
		t.Fatal("first hop queue got nothing")
	}
	if got.Type != packet.Fragment {
		t.Fatalf("packet type = %v, want Fragment", got.Type)
	}
	if got.Header.HopIndex != 1 || got.Header.Hops[0] != 1 || got.Header.Hops[len(got.Header.Hops)-1] != 21 {
		t.Errorf("header = %+v, want hops starting at 1 ending at 21, HopIndex=1", got.Header)
	}

	if e, ok := drainEvent(t, h).(event.PacketSent); !ok || e.To != 11 {
		t.Errorf("event = %#v, want PacketSent{To: 11}", e)
	}

	if pkt, ok := h.retrans.Get(retransmit.Key{Session: got.Session, Source: 1}, 0); !ok || pkt == nil {
		t.Error("fragment was not stashed in the retransmission buffer after a successful first-hop send")
	}
}

func TestSendMessageToSelfIsNoOp(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	addNeighbor(t, h, 11)
	h.SendMessage([]byte("hi"), 1, nil)
	if _, ok := drainNonBlockingEvent(h); ok {
		t.Error("SendMessage(self) produced an event, want a pure no-op")
	}
}

func TestSendMessageNoRouteParksAndStartsFlood(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	out := addNeighbor(t, h, 11)
	// No edge recorded beyond the direct neighbor, so no route to 99 exists.

	h.SendMessage([]byte("x"), 99, nil)

	got, ok := out.TryRecv()
	if !ok {
		t.Fatal("expected a FloodRequest broadcast from start_flood")
	}
	if got.Type != packet.FloodRequest {
		t.Fatalf("packet type = %v, want FloodRequest", got.Type)
	}
	if got2 := drainEvent(t, h); got2 == nil {
		t.Fatal("expected a FloodStarted event")
	}
	if h.Stats().PendingPackets != 1 {
		t.Errorf("PendingPackets = %d, want 1 (parked fragment)", h.Stats().PendingPackets)
	}
}

func TestHandleFragmentSendsAckEachArrivalAndAssemblesOnLast(t *testing.T) {
	var delivered []byte
	var deliveredFrom netid.ID
	h := New(Config{Self: 21, Kind: netid.Server, OnMsg: func(payload []byte, from netid.ID) {
		delivered = payload
		deliveredFrom = from
	}})
	back := addNeighbor(t, h, 11)

	hops := []netid.ID{1, 11, 21}
	f0 := &packet.Packet{Type: packet.Fragment, Session: 7, Header: packet.RoutingHeader{Hops: hops, HopIndex: 2}, Body: packet.FragmentBody{Index: 0, Total: 2, Length: 128}}
	f1 := &packet.Packet{Type: packet.Fragment, Session: 7, Header: packet.RoutingHeader{Hops: hops, HopIndex: 2}, Body: packet.FragmentBody{Index: 1, Total: 2, Length: 3, Data: [128]byte{9, 9, 9}}}

	h.HandlePacket(f0)
	ack0, ok := back.TryRecv()
	if !ok || ack0.Type != packet.Ack {
		t.Fatal("expected an Ack sent back after the first fragment")
	}
	drainEvent(t, h) // PacketSent for the ack

	if delivered != nil {
		t.Fatal("onMsg called before the final fragment arrived")
	}

	h.HandlePacket(f1)
	if _, ok := back.TryRecv(); !ok {
		t.Fatal("expected an Ack sent back after the second fragment")
	}
	drainEvent(t, h)

	if deliveredFrom != 1 {
		t.Errorf("onMsg from = %v, want 1", deliveredFrom)
	}
	if len(delivered) != 128+3 {
		t.Errorf("onMsg payload len = %d, want %d", len(delivered), 128+3)
	}
}

func TestHandleAckMarksRetransmitBufferAcked(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	key := retransmit.Key{Session: 5, Source: 1}
	h.retrans.Put(key, 0, &packet.Packet{Type: packet.Fragment, Session: 5, Body: packet.FragmentBody{Index: 0, Total: 1}})

	ack := &packet.Packet{
		Type:    packet.Ack,
		Session: 5,
		Header:  packet.RoutingHeader{Hops: []netid.ID{21, 11, 1}, HopIndex: 2},
		Body:    packet.AckBody{Index: 0},
	}
	h.HandlePacket(ack)

	if h.retrans.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after ack, want 0", h.retrans.PendingCount())
	}
}

func TestHandleNackErrorInRoutingPrunesAndRetries(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	bad := addNeighbor(t, h, 11)
	good := addNeighbor(t, h, 12)
	h.View().AddEdge(1, netid.Client, 11, netid.Drone)
	h.View().AddEdge(1, netid.Client, 12, netid.Drone)
	h.View().AddEdge(12, netid.Drone, 21, netid.Server)

	key := retransmit.Key{Session: 5, Source: 1}
	stashed := &packet.Packet{Type: packet.Fragment, Session: 5, Header: packet.RoutingHeader{Hops: []netid.ID{1, 11, 21}, HopIndex: 1}, Body: packet.FragmentBody{Index: 0, Total: 1}}
	h.retrans.Put(key, 0, stashed)

	nack := &packet.Packet{
		Type:    packet.Nack,
		Session: 5,
		Header:  packet.RoutingHeader{Hops: []netid.ID{11, 1}, HopIndex: 1},
		Body:    packet.NackBody{Index: 0, Type: packet.ErrorInRouting, Node: 11},
	}
	h.HandlePacket(nack)

	if h.View().HasNode(11) {
		t.Error("node 11 still in view after ErrorInRouting nack, want pruned")
	}
	// A flood-started event, then a retry through the surviving neighbor.
	drainEvent(t, h) // FloodStarted
	bad.TryRecv()    // flood request broadcast to 11 before it's pruned is impossible; drain whatever's queued
	if _, ok := good.TryRecv(); !ok {
		t.Error("expected the flood request or retried fragment to reach the surviving neighbor 12")
	}
}

func TestHandleNackDestinationIsDroneReclassifies(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	addNeighbor(t, h, 11)
	h.View().AddEdge(1, netid.Client, 11, netid.Drone)
	h.View().AddEdge(11, netid.Drone, 21, netid.Server) // wrongly believed to be a server

	key := retransmit.Key{Session: 5, Source: 1}
	stashed := &packet.Packet{Type: packet.Fragment, Session: 5, Header: packet.RoutingHeader{Hops: []netid.ID{1, 11, 21}, HopIndex: 1}, Body: packet.FragmentBody{Index: 0, Total: 1}}
	h.retrans.Put(key, 0, stashed)

	nack := &packet.Packet{
		Type:    packet.Nack,
		Session: 5,
		Header:  packet.RoutingHeader{Hops: []netid.ID{21, 1}, HopIndex: 1},
		Body:    packet.NackBody{Index: 0, Type: packet.DestinationIsDrone},
	}
	h.HandlePacket(nack)

	kind, ok := h.View().KindOf(21)
	if !ok || kind != netid.Drone {
		t.Errorf("KindOf(21) = %v, %v, want Drone, true after DestinationIsDrone nack", kind, ok)
	}
}

func TestHandleNackUnexpectedRecipientPrunesReportedNode(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	addNeighbor(t, h, 11)
	h.View().AddEdge(1, netid.Client, 11, netid.Drone)
	h.View().AddEdge(11, netid.Drone, 99, netid.Drone)

	nack := &packet.Packet{
		Type:    packet.Nack,
		Session: 5,
		Header:  packet.RoutingHeader{Hops: []netid.ID{11, 1}, HopIndex: 1},
		Body:    packet.NackBody{Index: 0, Type: packet.UnexpectedRecipient, Node: 99},
	}
	h.HandlePacket(nack)

	if h.View().HasNode(99) {
		t.Error("node 99 (the UnexpectedRecipient reporter's named node) still in view, want pruned")
	}
	if !h.View().HasNode(11) {
		t.Error("node 11 (the drone that relayed the nack) was pruned, want kept")
	}
}

func TestStartFloodBroadcastsToAllNeighbors(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	a := addNeighbor(t, h, 11)
	b := addNeighbor(t, h, 12)

	h.StartFlood()

	if _, ok := a.TryRecv(); !ok {
		t.Error("expected a FloodRequest sent to neighbor 11")
	}
	if _, ok := b.TryRecv(); !ok {
		t.Error("expected a FloodRequest sent to neighbor 12")
	}
	if e, ok := drainEvent(t, h).(event.FloodStarted); !ok || e.Initiator != 1 {
		t.Errorf("event = %#v, want FloodStarted{Initiator: 1}", e)
	}
}

func TestHandleFloodRequestRespondsUnconditionally(t *testing.T) {
	h := newTestHandler(21, netid.Server)
	back := addNeighbor(t, h, 11)

	req := &packet.Packet{
		Type:    packet.FloodRequest,
		Session: 3,
		Body:    packet.FloodRequestBody{FloodID: 9, InitiatorID: 1, PathTrace: []packet.PathEntry{{ID: 11, Kind: netid.Drone}}},
	}
	h.HandlePacket(req)

	got, ok := back.TryRecv()
	if !ok {
		t.Fatal("expected a FloodResponse sent back toward the initiator")
	}
	if got.Type != packet.FloodResponse {
		t.Fatalf("packet type = %v, want FloodResponse", got.Type)
	}
	resp := got.Body.(packet.FloodResponseBody)
	if resp.FloodID != 9 {
		t.Errorf("FloodID = %d, want 9", resp.FloodID)
	}
}

func TestHandleFloodResponseHarvestsAdjacencyAndRetriesPending(t *testing.T) {
	h := newTestHandler(1, netid.Client)
	out := addNeighbor(t, h, 11)

	// Park a fragment bound for 21 with no known route yet.
	h.SendMessage([]byte("payload"), 21, nil)
	out.TryRecv()    // the parked FloodRequest broadcast
	drainEvent(t, h) // FloodStarted

	resp := &packet.Packet{
		Type:    packet.FloodResponse,
		Session: 3,
		Header:  packet.RoutingHeader{Hops: []netid.ID{21, 11, 1}, HopIndex: 2},
		Body:    packet.FloodResponseBody{FloodID: 1, PathTrace: []packet.PathEntry{{ID: 11, Kind: netid.Drone}, {ID: 21, Kind: netid.Server}}},
	}
	h.HandlePacket(resp)

	if !h.View().IsSymmetric() {
		t.Error("view not symmetric after harvesting a flood response")
	}
	if route, ok := h.View().Route(21); !ok || len(route) == 0 {
		t.Fatalf("Route(21) = %v, %v after harvesting, want a usable path", route, ok)
	}

	if h.Stats().PendingPackets != 0 {
		t.Errorf("PendingPackets = %d after a matching flood response, want 0 (retried)", h.Stats().PendingPackets)
	}
	if _, ok := out.TryRecv(); !ok {
		t.Error("expected the parked fragment to be retried onto neighbor 11")
	}
}

func drainNonBlockingEvent(h *Handler) (event.Event, bool) {
	select {
	case e := <-h.Events():
		return e, true
	default:
		return nil, false
	}
}
