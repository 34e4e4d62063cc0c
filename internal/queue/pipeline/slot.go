package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/queue.report/internal/queue"
)

// FrameSlot hands frames from a capture goroutine to the engine. It holds
// at most one frame: offering while a frame is pending replaces it, so a
// slow engine always processes the newest frame.
type FrameSlot struct {
	mu      sync.Mutex
	pending *queue.Frame
	closed  bool

	ready   chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// NewFrameSlot returns an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Offer stores f, replacing any frame not yet taken. It returns false once
// the slot is closed.
func (s *FrameSlot) Offer(f queue.Frame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.pending != nil {
		s.dropped.Add(1)
	}
	s.pending = &f
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// Take blocks until a frame is available, the slot is closed and empty
// (ErrClosed), or ctx is done.
func (s *FrameSlot) Take(ctx context.Context) (queue.Frame, error) {
	for {
		if f, ok := s.TryTake(); ok {
			return f, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return queue.Frame{}, ErrClosed
		}
		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return queue.Frame{}, ctx.Err()
		}
	}
}

// TryTake returns the pending frame without blocking.
func (s *FrameSlot) TryTake() (queue.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return queue.Frame{}, false
	}
	f := *s.pending
	s.pending = nil
	return f, true
}

// Close stops accepting frames. A pending frame can still be taken.
func (s *FrameSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Dropped returns how many frames were replaced before being taken.
func (s *FrameSlot) Dropped() uint64 { return s.dropped.Load() }
