// Package controller instantiates the nodes of a topology, wires their
// link queues together, drives each node's event loop, and drains
// their telemetry into metrics and structured logs. It is the
// "something above the fabric" spec.md §1 and §7 describe as owning
// node lifecycle and configuration — external to the core packages,
// never imported by them. It runs no retry timers.
//
// Grounded on device/connection/manager.go's Config+Logger injection
// and lifecycle shape (New/Start/Stop), generalized from one timeout
// tracker to a fleet of node.Runner goroutines coordinated with
// golang.org/x/sync/errgroup, the library the teacher's own go.mod
// already carries as an indirect dependency.
package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dronemesh/fabric/command"
	"github.com/dronemesh/fabric/controller/config"
	"github.com/dronemesh/fabric/controller/telemetry"
	"github.com/dronemesh/fabric/drone"
	"github.com/dronemesh/fabric/event"
	"github.com/dronemesh/fabric/linkqueue"
	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/node"
	"github.com/dronemesh/fabric/routing"
)

// runner is the shape both node.Runner[command.DroneCommand] and
// node.Runner[command.EndpointCommand] satisfy, letting the fleet hold
// both kinds in one slice.
type runner interface {
	Start(ctx context.Context)
	Stop()
}

// eventSource is the shape both drone.Drone and routing.Handler
// satisfy for event draining.
type eventSource interface {
	Self() netid.ID
	Events() <-chan event.Event
}

// MessageHandler is invoked with a fully reassembled application
// payload delivered to an endpoint node.
type MessageHandler func(node netid.ID, payload []byte, from netid.ID)

// Config configures a Controller.
type Config struct {
	Topology *config.Topology
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	OnMsg    MessageHandler
}

// Controller owns every node in a topology plus the goroutines that
// run and observe them.
type Controller struct {
	log     *slog.Logger
	metrics *telemetry.Metrics
	runID   uuid.UUID

	drones    map[netid.ID]*drone.Drone
	endpoints map[netid.ID]*routing.Handler
	kindOf    map[netid.ID]netid.Kind

	runners      []runner
	eventSources []eventSource

	g      *errgroup.Group
	cancel context.CancelFunc
}

// New instantiates every node in cfg.Topology and wires their link
// queues per its edges, but does not start any goroutines yet.
func New(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.New()

	c := &Controller{
		log:       logger.WithGroup("controller").With("run_id", runID),
		metrics:   cfg.Metrics,
		runID:     runID,
		drones:    make(map[netid.ID]*drone.Drone),
		endpoints: make(map[netid.ID]*routing.Handler),
		kindOf:    make(map[netid.ID]netid.Kind),
	}

	onMsg := cfg.OnMsg
	if onMsg == nil {
		onMsg = func(netid.ID, []byte, netid.ID) {}
	}

	for _, n := range cfg.Topology.Nodes {
		c.kindOf[n.ID] = n.Kind
		nodeLogger := logger.With("run_id", runID)
		switch n.Kind {
		case netid.Drone:
			d := drone.New(drone.Config{Self: n.ID, PacketDropRate: n.Options.PDR, Logger: nodeLogger})
			c.drones[n.ID] = d
			c.runners = append(c.runners, node.NewDrone(d, nodeLogger))
			c.eventSources = append(c.eventSources, d)
		case netid.Client, netid.Server:
			id := n.ID
			h := routing.New(routing.Config{
				Self: id, Kind: n.Kind, Logger: nodeLogger,
				OnMsg: func(payload []byte, from netid.ID) { onMsg(id, payload, from) },
			})
			c.endpoints[n.ID] = h
			c.runners = append(c.runners, node.NewEndpoint(h, nodeLogger))
			c.eventSources = append(c.eventSources, h)
		default:
			return nil, fmt.Errorf("controller: node %d: unknown kind %v", n.ID, n.Kind)
		}
	}

	for _, e := range cfg.Topology.Edges {
		if err := c.wire(e.A, e.B); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// sendAddSender queues an AddSender command to node `to`, regardless
// of whether it's a drone or an endpoint.
func (c *Controller) sendAddSender(to, neighbor netid.ID, queue *linkqueue.Queue) error {
	switch c.kindOf[to] {
	case netid.Drone:
		c.drones[to].Commands() <- command.AddSender{ID: neighbor, Queue: queue}
	case netid.Client, netid.Server:
		c.endpoints[to].Commands() <- command.AddSender{ID: neighbor, Queue: queue}
	default:
		return fmt.Errorf("controller: node %d not instantiated", to)
	}
	return nil
}

// inboundOf returns id's own inbound queue, which doubles as the
// shared single-producer/single-consumer outbound queue every
// neighbor sends into (spec.md §5: "each outbound queue is shared by
// exactly one producer ... and exactly one consumer").
func (c *Controller) inboundOf(id netid.ID) (*linkqueue.Queue, error) {
	if d, ok := c.drones[id]; ok {
		return d.Inbound(), nil
	}
	if h, ok := c.endpoints[id]; ok {
		return h.Inbound(), nil
	}
	return nil, fmt.Errorf("controller: node %d not instantiated", id)
}

func (c *Controller) wire(a, b netid.ID) error {
	aInbound, err := c.inboundOf(a)
	if err != nil {
		return err
	}
	bInbound, err := c.inboundOf(b)
	if err != nil {
		return err
	}
	if err := c.sendAddSender(a, b, bInbound); err != nil {
		return err
	}
	if err := c.sendAddSender(b, a, aInbound); err != nil {
		return err
	}
	return nil
}

// Start launches every node's runner plus one event-draining goroutine
// per node, coordinated by an errgroup so Stop can wait for every
// Crash/Shutdown drain to finish.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.g = g

	for _, r := range c.runners {
		r.Start(gctx)
	}
	for _, src := range c.eventSources {
		src := src
		g.Go(func() error {
			c.drainEvents(gctx, src)
			return nil
		})
	}
}

func (c *Controller) drainEvents(ctx context.Context, src eventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-src.Events():
			if !ok {
				return
			}
			c.log.Debug("node event", "node", src.Self(), "event", e)
			if c.metrics != nil {
				c.metrics.Observe(e)
			}
		}
	}
}

// Stop cancels every node's runner and waits for their drains (and the
// event-draining goroutines) to finish.
func (c *Controller) Stop() {
	for _, r := range c.runners {
		r.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.g != nil {
		c.g.Wait()
	}
}

// Drone returns the instantiated drone for id, if any.
func (c *Controller) Drone(id netid.ID) (*drone.Drone, bool) {
	d, ok := c.drones[id]
	return d, ok
}

// Endpoint returns the instantiated endpoint handler for id, if any.
func (c *Controller) Endpoint(id netid.ID) (*routing.Handler, bool) {
	h, ok := c.endpoints[id]
	return h, ok
}

// RunID returns the correlation id attached to this run's telemetry.
func (c *Controller) RunID() uuid.UUID { return c.runID }
