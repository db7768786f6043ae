// Package linkqueue implements the link substrate of spec.md §2.1: a
// reliable, unbounded, FIFO, unidirectional message queue connecting
// one ordered pair of nodes.
//
// Grounded on device/router/queue.go's SendQueue, stripped of the
// priority/delay fields (the link substrate itself carries no
// priority — that belongs to whichever node drains two queues with a
// biased select, see node.Runner) and exposing a notify channel
// instead of blocking internally, so a consumer can select on several
// queues/commands at once instead of spinning a relay goroutine per
// queue. Per spec.md §5, "only the inbound queues suspend a node" —
// Recv/the notify channel are the only suspension points here.
package linkqueue

import (
	"context"
	"sync"

	"github.com/dronemesh/fabric/packet"
)

// Queue is a single-producer/single-consumer, unbounded FIFO channel
// of packets.
type Queue struct {
	mu      sync.Mutex
	items   []*packet.Packet
	closed  bool
	notify  chan struct{} // capacity 1: "something may be ready, check again"
	closeCh chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Send appends a packet to the tail of the queue. Never blocks — the
// substrate is lossless and unbounded per spec.md §2.1. Returns false
// without enqueuing if the queue is closed (the one failure signal a
// drone/endpoint uses to distinguish a live neighbor from a gone one).
func (q *Queue) Send(pkt *packet.Packet) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, pkt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Notify returns a channel that receives a value whenever the queue
// may have become non-empty. Closing the queue does not signal it; use
// Closed to observe that. It is meant to be used
// in a select alongside other channels; after a receive, callers
// should drain with TryRecv in a loop since one notification can cover
// several queued sends.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Closed returns a channel that is closed once the queue is closed.
func (q *Queue) Closed() <-chan struct{} {
	return q.closeCh
}

// TryRecv returns the head packet without blocking. ok is false if the
// queue is currently empty.
func (q *Queue) TryRecv() (pkt *packet.Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	pkt = q.items[0]
	q.items = q.items[1:]
	return pkt, true
}

// Recv blocks until a packet is available, the queue is closed, or ctx
// is done. ok is false if the queue was closed and drained, or ctx
// ended, with no packet returned.
func (q *Queue) Recv(ctx context.Context) (*packet.Packet, bool) {
	for {
		if pkt, ok := q.TryRecv(); ok {
			return pkt, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-q.closeCh:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed, waking any blocked Recv. Further Sends
// are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)
}
