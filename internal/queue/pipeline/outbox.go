package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/queue.report/internal/queue"
)

// Outbox is the bounded outbound event stream. Publishing never blocks: when
// the buffer is full the oldest queued event is discarded.
type Outbox struct {
	mu      sync.Mutex
	ch      chan queue.Event
	closed  bool
	dropped atomic.Uint64
}

// NewOutbox returns an outbox buffering up to capacity events.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{ch: make(chan queue.Event, capacity)}
}

// Publish enqueues ev. It reports false if the outbox is closed.
func (o *Outbox) Publish(ev queue.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	for {
		select {
		case o.ch <- ev:
			return true
		default:
		}
		select {
		case <-o.ch:
			o.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side. It is closed by Close after the buffered
// events are consumed.
func (o *Outbox) C() <-chan queue.Event { return o.ch }

// Close stops publishing and closes the channel.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// Dropped returns how many events were discarded on overflow.
func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

// Len returns the number of buffered events.
func (o *Outbox) Len() int { return len(o.ch) }
