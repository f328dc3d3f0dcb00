// Package handoff holds the synchronisation primitives shared by the
// acquisition loops, the frame exchange and the save worker.
package handoff

import (
	"context"
	"sync"
)

// Signal is a counting semaphore. Release never blocks, so a producer is never
// stalled by a slow consumer; each Release is matched by exactly one Acquire.
type Signal struct {
	mu    sync.Mutex
	count int
	wake  chan struct{}
}

// NewSignal returns a Signal with a zero count.
func NewSignal() *Signal {
	return &Signal{wake: make(chan struct{}, 1)}
}

// Release increments the count and wakes one waiter.
func (s *Signal) Release() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// TryAcquire decrements the count if it is positive.
func (s *Signal) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	if s.count > 0 {
		// keep the next waiter awake
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Acquire blocks until the count is positive, then decrements it.
func (s *Signal) Acquire(ctx context.Context) error {
	for {
		if s.TryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Count returns the number of pending releases.
func (s *Signal) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Drain discards any pending releases and returns how many there were.
func (s *Signal) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.count
	s.count = 0
	return n
}
