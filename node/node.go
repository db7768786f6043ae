// Package node runs a drone or endpoint's packet state machine as its
// own goroutine: a biased select loop that drains the inbound command
// queue ahead of the inbound packet queue, per spec.md §2.2's "one
// drone/endpoint per concurrent task" model.
//
// Grounded on device/router/router.go's Start/Stop/drainLoop goroutine
// lifecycle (context-cancel, a done channel Stop waits on), adapted
// from its ticker-driven single send-queue drain to a select across
// two real channels — there is no poll interval here, since
// linkqueue.Queue.Notify() wakes the loop directly.
package node

import (
	"context"
	"log/slog"

	"github.com/dronemesh/fabric/command"
	"github.com/dronemesh/fabric/drone"
	"github.com/dronemesh/fabric/event"
	"github.com/dronemesh/fabric/linkqueue"
	"github.com/dronemesh/fabric/netid"
	"github.com/dronemesh/fabric/packet"
	"github.com/dronemesh/fabric/routing"
)

// Unit is the shape node.Runner drives: drone.Drone and
// routing.Handler both already expose it, parameterized over their own
// command type so the runner never needs to know which node kind it
// holds.
type Unit[C any] interface {
	Self() netid.ID
	Inbound() *linkqueue.Queue
	Commands() chan C
	Events() <-chan event.Event
	HandleCommand(C) bool
	HandlePacket(*packet.Packet)
}

// Config configures a Runner.
type Config[C any] struct {
	Unit Unit[C]
	Logger *slog.Logger

	// DrainOnStop, when true, keeps processing whatever is already
	// buffered in Inbound after HandleCommand signals termination,
	// matching a drone's Crash semantics (spec.md §2.2: "drains its
	// inbound packet queue ... and then terminates"). Endpoint
	// Shutdown sets this false: "same semantics as Crash but
	// immediate" (spec.md §6).
	DrainOnStop bool
}

// Runner drives one node's event loop.
type Runner[C any] struct {
	unit        Unit[C]
	log         *slog.Logger
	drainOnStop bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Runner. Call Start to launch its goroutine.
func New[C any](cfg Config[C]) *Runner[C] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner[C]{
		unit:        cfg.Unit,
		log:         logger.WithGroup("node").With("node", cfg.Unit.Self()),
		drainOnStop: cfg.DrainOnStop,
	}
}

// NewDrone wraps a drone.Drone in a Runner with drain-on-stop crash
// semantics.
func NewDrone(d *drone.Drone, logger *slog.Logger) *Runner[command.DroneCommand] {
	return New(Config[command.DroneCommand]{Unit: d, Logger: logger, DrainOnStop: true})
}

// NewEndpoint wraps a routing.Handler in a Runner with immediate
// shutdown semantics.
func NewEndpoint(h *routing.Handler, logger *slog.Logger) *Runner[command.EndpointCommand] {
	return New(Config[command.EndpointCommand]{Unit: h, Logger: logger, DrainOnStop: false})
}

// Start launches the event loop goroutine. ctx's cancellation also
// stops the loop, as does a terminal command (Crash/Shutdown).
func (r *Runner[C]) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop cancels the event loop and waits for it to exit.
func (r *Runner[C]) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

func (r *Runner[C]) run(ctx context.Context) {
	defer close(r.done)

	commands := r.unit.Commands()
	inbound := r.unit.Inbound()

	for {
		// Bias: drain every command currently queued before looking at
		// packets at all (spec.md §2.2 "preferring commands over
		// packets").
		for {
			select {
			case cmd := <-commands:
				if r.unit.HandleCommand(cmd) {
					if r.drainOnStop {
						r.drainInbound()
					}
					return
				}
				continue
			default:
			}
			break
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-commands:
			if r.unit.HandleCommand(cmd) {
				if r.drainOnStop {
					r.drainInbound()
				}
				return
			}
		case <-inbound.Notify():
			r.drainInbound()
		}
	}
}

// drainInbound processes every packet currently buffered in Inbound
// without blocking for more to arrive; one Notify can cover several
// queued sends, and crash-mode draining must stop once the buffer
// existing at crash time is empty rather than waiting forever.
func (r *Runner[C]) drainInbound() {
	inbound := r.unit.Inbound()
	for {
		pkt, ok := inbound.TryRecv()
		if !ok {
			return
		}
		r.unit.HandlePacket(pkt)
	}
}
