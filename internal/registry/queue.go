// ABOUTME: Bounded outbound queue implementing Deliverable for real transports
// ABOUTME: The transport's write pump drains Outbound; overflow is reported, never blocked on

package registry

import (
	"errors"
	"sync"

	"github.com/jobgrid/messaging/internal/wire"
)

// ErrQueueFull is returned by Deliver when the outbound queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// ErrClosed is returned by Deliver after the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded, non-blocking outbound buffer between the fan-out path
// and a connection's write pump. Backpressure is explicit: Deliver never
// blocks, it fails with ErrQueueFull and leaves the drop decision to the
// registry.
type Queue struct {
	mu     sync.Mutex
	ch     chan *wire.Envelope
	closed bool
}

// NewQueue creates a queue holding up to size envelopes.
func NewQueue(size int) *Queue {
	return &Queue{
		ch: make(chan *wire.Envelope, size),
	}
}

// Deliver enqueues an envelope without blocking.
func (q *Queue) Deliver(env *wire.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Outbound returns the channel the write pump drains. The channel is closed
// when the queue is closed, which terminates the pump after any already
// queued envelopes are drained.
func (q *Queue) Outbound() <-chan *wire.Envelope {
	return q.ch
}

// Close shuts the queue down. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
