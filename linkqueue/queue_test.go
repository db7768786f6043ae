package linkqueue

import (
	"context"
	"testing"
	"time"

	"github.com/dronemesh/fabric/packet"
)

func pkt(session uint64) *packet.Packet {
	return &packet.Packet{Type: packet.Ack, Session: session, Body: packet.AckBody{}}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := New()
	q.Send(pkt(1))
	q.Send(pkt(2))
	q.Send(pkt(3))

	for _, want := range []uint64{1, 2, 3} {
		got, ok := q.TryRecv()
		if !ok {
			t.Fatalf("TryRecv() ok = false, want true")
		}
		if got.Session != want {
			t.Errorf("TryRecv() session = %d, want %d", got.Session, want)
		}
	}
	if _, ok := q.TryRecv(); ok {
		t.Error("TryRecv() on empty queue ok = true, want false")
	}
}

func TestQueueRecvBlocksUntilSend(t *testing.T) {
	q := New()
	result := make(chan *packet.Packet, 1)
	go func() {
		p, ok := q.Recv(context.Background())
		if ok {
			result <- p
		} else {
			result <- nil
		}
	}()

	select {
	case <-result:
		t.Fatal("Recv() returned before Send()")
	case <-time.After(20 * time.Millisecond):
	}

	q.Send(pkt(5))

	select {
	case p := <-result:
		if p == nil || p.Session != 5 {
			t.Errorf("Recv() = %v, want session 5", p)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv() did not unblock after Send()")
	}
}

func TestQueueRecvUnblocksOnContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Recv(ctx)
		done <- ok
	}()

	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Recv() ok = true after cancel, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv() did not unblock on context cancel")
	}
}

func TestQueueCloseWakesRecv(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Recv(context.Background())
		done <- ok
	}()

	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Recv() ok = true after Close, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv() did not unblock on Close")
	}
}

func TestQueueSendAfterCloseDropped(t *testing.T) {
	q := New()
	q.Close()
	q.Send(pkt(1))
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Send on closed queue, want 0", q.Len())
	}
}
