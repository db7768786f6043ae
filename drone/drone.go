// Package drone implements the drone packet state machine of spec.md
// §4.1: check & forward, the flood-discovery responder/rebroadcaster,
// probabilistic fragment drop, and crash-mode draining.
//
// Grounded on original_source/Drone/src/drone/rust_do_it.rs
// (handle_packet/check_packet/handle_flood_request/generate_nack/
// generate_flood_response/is_correct_recipient/forward_packet) for the
// exact gate ordering and the NACK hop_index arithmetic, translated
// from crossbeam channels to linkqueue.Queue, and from device/router's
// Config+slog.Logger injection idiom (REDESIGN FLAGS: no ambient
// mutable log level — a Logger is always passed in via Config).
package drone

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/dronemesh/fabric/command"
	"github.com/dronemesh/fabric/dedupe"
	"github.com/dronemesh/fabric/event"
	"github.com/dronemesh/fabric/linkqueue"
	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/packet"
)

// eventBuffer is generous enough that a controller draining in its own
// goroutine never forces a drone to block mid check-and-forward; it is
// not a hard bound in the way the packet substrate is required to be
// unbounded (spec.md §2.1 only names link queues as such).
const eventBuffer = 1024

// Config configures a Drone.
type Config struct {
	Self           netid.ID
	PacketDropRate float64
	Logger         *slog.Logger
}

// Drone is one drone's packet state machine plus its inbound queues.
type Drone struct {
	self netid.ID
	log  *slog.Logger

	mu        sync.RWMutex
	pdr       float64
	neighbors map[netid.ID]*linkqueue.Queue
	crashed   bool

	seen *dedupe.Seen

	inbound  *linkqueue.Queue
	commands chan command.DroneCommand
	events   chan event.Event
}

// New creates a Drone ready to be wired into the fabric and run by a
// node runner.
func New(cfg Config) *Drone {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Drone{
		self:      cfg.Self,
		pdr:       cfg.PacketDropRate,
		log:       logger.WithGroup("drone").With("node", cfg.Self),
		neighbors: make(map[netid.ID]*linkqueue.Queue),
		seen:      dedupe.New(),
		inbound:   linkqueue.New(),
		commands:  make(chan command.DroneCommand, 16),
		events:    make(chan event.Event, eventBuffer),
	}
}

// Self returns the drone's node id.
func (d *Drone) Self() netid.ID { return d.self }

// Inbound is the drone's inbound packet queue.
func (d *Drone) Inbound() *linkqueue.Queue { return d.inbound }

// Commands is the drone's inbound command queue.
func (d *Drone) Commands() chan command.DroneCommand { return d.commands }

// Events is the drone's outbound telemetry queue to the controller.
func (d *Drone) Events() <-chan event.Event { return d.events }

func (d *Drone) emit(e event.Event) {
	select {
	case d.events <- e:
	default:
		d.log.Warn("event queue full, dropping telemetry event")
	}
}

func (d *Drone) isCrashed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.crashed
}

// HandleCommand applies a control command. It returns true if the
// command was Crash, signaling the node runner to switch into drain
// mode.
func (d *Drone) HandleCommand(cmd command.DroneCommand) (crash bool) {
	switch c := cmd.(type) {
	case command.AddSender:
		d.mu.Lock()
		d.neighbors[c.ID] = c.Queue
		d.mu.Unlock()
		d.log.Debug("added neighbor", "neighbor", c.ID)
	case command.RemoveSender:
		d.mu.Lock()
		_, ok := d.neighbors[c.ID]
		delete(d.neighbors, c.ID)
		d.mu.Unlock()
		if !ok {
			d.log.Warn("remove sender for unknown neighbor", "neighbor", c.ID)
		}
	case command.SetPacketDropRate:
		if c.Rate < 0 || c.Rate > 1 {
			d.log.Warn("rejected out-of-range packet drop rate", "rate", c.Rate)
			return false
		}
		d.mu.Lock()
		d.pdr = c.Rate
		d.mu.Unlock()
	case command.Crash:
		d.mu.Lock()
		d.crashed = true
		d.mu.Unlock()
		return true
	}
	return false
}

// HandlePacket dispatches an inbound packet per spec.md §4.1.
func (d *Drone) HandlePacket(pkt *packet.Packet) {
	if d.isCrashed() && (pkt.Type == packet.Fragment || pkt.Type == packet.FloodRequest) {
		d.handleCrashed(pkt)
		return
	}
	if pkt.Type == packet.FloodRequest {
		d.handleFloodRequest(pkt)
		return
	}
	d.checkAndForward(pkt)
}

// handleCrashed implements the crash-mode short-circuit for Fragment
// and FloodRequest packets (spec.md §4.1): neither is checked or
// forwarded normally; both are reported dropped and NACKed (or
// shortcut, for FloodRequest) as ErrorInRouting(self).
func (d *Drone) handleCrashed(pkt *packet.Packet) {
	d.emit(event.PacketDropped{Node: d.self, Packet: pkt.Clone()})

	switch pkt.Type {
	case packet.Fragment:
		// idx0+1 mirrors the post-advance hop_index the live
		// neighbor-gap ErrorInRouting case uses (see checkAndForward):
		// it is what makes the resulting header's reversed hops[0]
		// come out to self, the only addressable physical sender here.
		idx0 := pkt.Header.HopIndex
		d.emitNack(pkt.Header.Hops, idx0+1, packet.ErrorInRouting, pkt.Session, packet.FragmentIndexOf(pkt.Body), d.self)
	case packet.FloodRequest:
		// FloodRequest carries no meaningful routing header at all, so
		// there is no backward path to construct one from; shortcut
		// the NACK to the controller directly rather than address it
		// nowhere.
		nack := &packet.Packet{
			Type:    packet.Nack,
			Session: pkt.Session,
			Header:  packet.RoutingHeader{},
			Body:    packet.NackBody{Type: packet.ErrorInRouting, Node: d.self},
		}
		d.emit(event.ControllerShortcut{Node: d.self, Packet: nack})
	}
}

// checkAndForward implements spec.md §4.1.2.
func (d *Drone) checkAndForward(pkt *packet.Packet) {
	idx0 := pkt.Header.HopIndex
	fragIdx := packet.FragmentIndexOf(pkt.Body)

	cur, ok := pkt.Header.CurrentHop()
	if !ok || cur != d.self {
		d.emitNack(pkt.Header.Hops, idx0, packet.UnexpectedRecipient, pkt.Session, fragIdx, d.self)
		return
	}

	if pkt.Header.AtTerminalHop() {
		d.emitNack(pkt.Header.Hops, idx0, packet.DestinationIsDrone, pkt.Session, fragIdx, 0)
		return
	}

	nextID, advanced, ok := pkt.Header.NextHop()
	if !ok {
		// AtTerminalHop was false, so a next hop must exist; defensive only.
		d.emitNack(pkt.Header.Hops, idx0, packet.DestinationIsDrone, pkt.Session, fragIdx, 0)
		return
	}

	d.mu.RLock()
	q, present := d.neighbors[nextID]
	pdr := d.pdr
	d.mu.RUnlock()

	if !present {
		switch pkt.Type {
		case packet.Ack, packet.Nack, packet.FloodResponse:
			d.emit(event.ControllerShortcut{Node: d.self, Packet: pkt.Clone()})
		default:
			d.emitNack(pkt.Header.Hops, advanced.HopIndex, packet.ErrorInRouting, pkt.Session, fragIdx, nextID)
		}
		return
	}

	if pkt.Type == packet.Fragment && rand.Float64() <= pdr {
		dropped := pkt.Clone()
		dropped.Header.HopIndex = idx0 // restored to idx, as received
		d.emit(event.PacketDropped{Node: d.self, Packet: dropped})
		d.emitNack(pkt.Header.Hops, advanced.HopIndex, packet.Dropped, pkt.Session, fragIdx, 0)
		return
	}

	fwd := pkt.Clone()
	fwd.Header = advanced
	if q.Send(fwd) {
		d.emit(event.PacketSent{From: d.self, To: nextID, Packet: fwd})
		return
	}

	// The neighbor queue existed but is now closed (the neighbor
	// crashed without RemoveSender). spec.md §4.1.2 step 6 directs the
	// same policy as the neighbor-gap case in step 4.
	switch pkt.Type {
	case packet.Ack, packet.Nack, packet.FloodResponse:
		d.emit(event.ControllerShortcut{Node: d.self, Packet: fwd})
	default:
		d.emitNack(pkt.Header.Hops, advanced.HopIndex, packet.ErrorInRouting, pkt.Session, fragIdx, nextID)
	}
}

// emitNack builds and sends a backward Nack per spec.md §4.1.3. hops
// and hopIndex are the routing header and hop_index as they stood at
// the moment of failure — callers pass the pre- or post-advance
// hop_index depending on which NackType table row applies (see the
// call sites above).
func (d *Drone) emitNack(hops []netid.ID, hopIndex int, nackType packet.NackType, session uint64, fragIdx uint8, node netid.ID) {
	if len(hops) <= 1 {
		pkt := &packet.Packet{
			Type:    packet.Nack,
			Session: session,
			Header:  packet.RoutingHeader{Hops: append([]netid.ID(nil), hops...)},
			Body:    packet.NackBody{Index: fragIdx, Type: nackType, Node: node},
		}
		d.emit(event.ControllerShortcut{Node: d.self, Packet: pkt})
		return
	}

	header := backwardHeader(hops, hopIndex, nackType, d.self)
	pkt := &packet.Packet{
		Type:    packet.Nack,
		Session: session,
		Header:  header,
		Body:    packet.NackBody{Index: fragIdx, Type: nackType, Node: node},
	}
	d.sendToNextHopOrShortcut(pkt)
}

// backwardHeader implements the three slice transforms of spec.md
// §4.1.3's table.
func backwardHeader(hops []netid.ID, hopIndex int, nackType packet.NackType, self netid.ID) packet.RoutingHeader {
	var sub []netid.ID
	switch nackType {
	case packet.ErrorInRouting, packet.Dropped:
		sub = append([]netid.ID(nil), hops[:clampIndex(hopIndex, len(hops))]...)
	case packet.DestinationIsDrone:
		sub = append([]netid.ID(nil), hops[:clampIndex(hopIndex+1, len(hops))]...)
	case packet.UnexpectedRecipient:
		sub = append([]netid.ID(nil), hops[:clampIndex(hopIndex+1, len(hops))]...)
		if len(sub) > 0 {
			sub = sub[:len(sub)-1]
		}
		sub = append(sub, self)
	}
	reverseIDs(sub)
	out := packet.RoutingHeader{Hops: sub}
	if len(sub) > 0 {
		out.HopIndex = 1
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func reverseIDs(ids []netid.ID) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// sendToNextHopOrShortcut sends pkt (a Nack or FloodResponse whose
// header already has HopIndex=1) to its current hop, or reports
// ControllerShortcut if that neighbor is unknown or gone.
func (d *Drone) sendToNextHopOrShortcut(pkt *packet.Packet) {
	nextID, ok := pkt.Header.CurrentHop()
	if !ok {
		d.emit(event.ControllerShortcut{Node: d.self, Packet: pkt})
		return
	}
	d.mu.RLock()
	q, present := d.neighbors[nextID]
	d.mu.RUnlock()
	if !present {
		d.emit(event.ControllerShortcut{Node: d.self, Packet: pkt})
		return
	}
	if q.Send(pkt) {
		d.emit(event.PacketSent{From: d.self, To: nextID, Packet: pkt})
		return
	}
	d.emit(event.ControllerShortcut{Node: d.self, Packet: pkt})
}

// handleFloodRequest implements spec.md §4.1.1.
func (d *Drone) handleFloodRequest(pkt *packet.Packet) {
	body, ok := pkt.Body.(packet.FloodRequestBody)
	if !ok {
		return
	}

	var prev netid.ID
	if len(body.PathTrace) > 0 {
		prev = body.PathTrace[len(body.PathTrace)-1].ID
	} else {
		prev = body.InitiatorID
	}

	trace := append(append([]packet.PathEntry(nil), body.PathTrace...), packet.PathEntry{ID: d.self, Kind: netid.Drone})

	key := dedupe.Key{FloodID: body.FloodID, InitiatorID: body.InitiatorID}
	// HasSeen always inserts on first sight, so the seen-set is marked
	// even on the single-neighbor short-circuit path below (matching
	// the source's unconditional insert before the length check).
	alreadySeen := d.seen.HasSeen(key)

	d.mu.RLock()
	neighbors := make(map[netid.ID]*linkqueue.Queue, len(d.neighbors))
	for id, q := range d.neighbors {
		neighbors[id] = q
	}
	d.mu.RUnlock()

	if alreadySeen || len(neighbors) == 1 {
		d.generateFloodResponse(body.FloodID, body.InitiatorID, trace, pkt.Session)
		return
	}

	newBody := packet.FloodRequestBody{FloodID: body.FloodID, InitiatorID: body.InitiatorID, PathTrace: trace}
	for id, q := range neighbors {
		if id == prev {
			continue
		}
		out := &packet.Packet{Type: packet.FloodRequest, Session: pkt.Session, Body: newBody.Clone()}
		if q.Send(out) {
			d.emit(event.PacketSent{From: d.self, To: id, Packet: out})
		} else {
			d.emit(event.ControllerShortcut{Node: d.self, Packet: out})
		}
	}
}

// generateFloodResponse builds the return route (reverse of the
// now-self-inclusive path trace, appending the initiator if it isn't
// already the tail). The trace's head is normally the initiator itself
// (StartFlood seeds it there), so reversing puts it at the tail and the
// append is a no-op; it only fires as a fallback for a trace that
// somehow arrived without that seed.
func (d *Drone) generateFloodResponse(floodID uint64, initiator netid.ID, trace []packet.PathEntry, session uint64) {
	route := make([]netid.ID, len(trace))
	for i, e := range trace {
		route[len(trace)-1-i] = e.ID
	}
	if len(route) == 0 || route[len(route)-1] != initiator {
		route = append(route, initiator)
	}

	if len(route) < 2 {
		d.emitNack(route, 0, packet.DestinationIsDrone, session, 0, 0)
		return
	}

	header := packet.NewRoutingHeader(route)
	resp := &packet.Packet{
		Type:    packet.FloodResponse,
		Session: session,
		Header:  header,
		Body:    packet.FloodResponseBody{FloodID: floodID, PathTrace: append([]packet.PathEntry(nil), trace...)},
	}
	d.sendToNextHopOrShortcut(resp)
}
