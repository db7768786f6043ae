// Package telemetry turns the node events of spec.md §6 into Prometheus
// metrics: counters for PacketSent/PacketDropped/ControllerShortcut/
// FloodStarted, and a Nack counter vector labeled by NackType.
//
// Grounded on the CounterVec/HistogramVec-by-label idiom read from
// yonasBSD/zrepl's replication planner (internal/replication/logic),
// the one place in the pack that wires up real prometheus.CounterVec
// metrics rather than just listing client_golang in a go.mod.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dronemesh/fabric/event"
	"github.com/dronemesh/fabric/packet"
)

// Metrics holds every counter the controller updates as it drains
// node event queues.
type Metrics struct {
	packetSent         prometheus.Counter
	packetDropped      prometheus.Counter
	controllerShortcut prometheus.Counter
	floodStarted       prometheus.Counter
	nack               *prometheus.CounterVec
}

// NewMetrics constructs and registers the fabric's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "packets_sent_total",
			Help:      "Packets successfully handed to an outbound link queue.",
		}),
		packetDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "packets_dropped_total",
			Help:      "Fragments discarded by a drone's packet-drop-rate draw, and packets refused by a crashed drone.",
		}),
		controllerShortcut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "controller_shortcuts_total",
			Help:      "Packets the fabric could not forward and handed to the controller.",
		}),
		floodStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "floods_started_total",
			Help:      "Discovery floods initiated by an endpoint.",
		}),
		nack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "nacks_total",
			Help:      "Nack packets emitted, labeled by NackType.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.packetSent, m.packetDropped, m.controllerShortcut, m.floodStarted, m.nack)
	return m
}

// Observe updates the relevant counter for one node event.
func (m *Metrics) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.PacketSent:
		m.packetSent.Inc()
		m.observeNack(ev.Packet)
	case event.PacketDropped:
		m.packetDropped.Inc()
	case event.ControllerShortcut:
		m.controllerShortcut.Inc()
		m.observeNack(ev.Packet)
	case event.FloodStarted:
		m.floodStarted.Inc()
	}
}

func (m *Metrics) observeNack(pkt *packet.Packet) {
	if pkt.Type != packet.Nack {
		return
	}
	if nb, ok := pkt.Body.(packet.NackBody); ok {
		m.nack.WithLabelValues(nb.Type.String()).Inc()
	}
}
