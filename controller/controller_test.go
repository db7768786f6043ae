package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dronemesh/fabric/command"
	"github.com/dronemesh/fabric/controller/config"
	"github.com/dronemesh/fabric/controller/telemetry"
	"github.com/dronemesh/fabric/netid"
)

const chainYAML = `
nodes:
  - id: 1
    kind: client
    neighbors: [11]
  - id: 11
    kind: drone
    neighbors: [1, 12]
  - id: 12
    kind: drone
    neighbors: [11, 21]
  - id: 21
    kind: server
    neighbors: [12, 13]
  - id: 13
    kind: drone
    neighbors: [21]
`

func mustTopology(t *testing.T, doc string) *config.Topology {
	t.Helper()
	top, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return top
}

func TestControllerDeliversMessageAlongChain(t *testing.T) {
	top := mustTopology(t, chainYAML)

	var mu sync.Mutex
	received := map[netid.ID][]byte{}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	c, err := New(Config{
		Topology: top,
		Metrics:  metrics,
		OnMsg: func(node netid.ID, payload []byte, from netid.ID) {
			mu.Lock()
			received[node] = payload
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	client, _ := c.Endpoint(1)
	client.SendMessage([]byte("hello"), 21, nil)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		_, ok := received[21]
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message delivery to server 21")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	got := string(received[21])
	mu.Unlock()
	if got != "hello" {
		t.Errorf("received payload = %q, want %q", got, "hello")
	}
}

func TestControllerStopDrainsDroneCrash(t *testing.T) {
	top := mustTopology(t, chainYAML)
	c, err := New(Config{Topology: top})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	d, ok := c.Drone(11)
	if !ok {
		t.Fatal("expected drone 11 to be instantiated")
	}
	d.Commands() <- command.Crash{}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Controller.Stop() did not return after drone crash")
	}
}
