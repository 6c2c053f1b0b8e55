// Package semaphores provides binary auto-reset signals.
//
// A signal raised while nobody waits is kept until the next receive consumes
// it, and raising an already raised signal is a no-op. Waiters must re-check
// the condition they wait for after waking.
package semaphores

import (
	"sync/atomic"
)

func New() *Semaphores {
	return &Semaphores{
		ch: make(chan struct{}, 1),
	}
}

type Semaphores struct {
	ch     chan struct{}
	closed atomic.Bool
}

// Signal raises the signal without blocking.
func (s *Semaphores) Signal() {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is ready when the signal is raised. Receiving from it resets the signal.
func (s *Semaphores) C() <-chan struct{} {
	return s.ch
}

// Close turns later signals into no-ops. Waiters select on their own done
// channel to leave.
func (s *Semaphores) Close() error {
	s.closed.Store(true)
	return nil
}
