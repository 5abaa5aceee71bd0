// Package pollable provides readiness handles for the non-blocking poll
// operations used throughout the streaming pipeline. A Pollable is an opaque
// handle a caller can wait on to learn when polling would make progress,
// without the operation itself ever blocking.
package pollable

import "sync"

// Pollable is a readiness handle. Block suspends the caller until the
// underlying source may have made progress; IsReady reports readiness without
// suspending. Readiness is level-triggered: a ready handle stays ready until
// the source is drained.
type Pollable interface {
	Block()
	IsReady() bool
}

type always struct{}

func (always) Block()        {}
func (always) IsReady() bool { return true }

// Always returns a handle that is permanently ready. It backs streams that
// failed before any network resource existed, so callers waiting on them do
// not hang.
func Always() Pollable {
	return always{}
}

// Signal is a level-triggered readiness source. It starts not ready; Set marks
// it ready and Clear marks it not ready again. Handle returns a Pollable view
// of it.
type Signal struct {
	mu    sync.Mutex
	ready bool
	wake  chan struct{}
}

func NewSignal() *Signal {
	return &Signal{wake: make(chan struct{})}
}

// Set marks the signal ready, waking all blocked waiters.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		s.ready = true
		close(s.wake)
	}
}

// Clear marks the signal not ready. Waiters arriving after Clear block until
// the next Set.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		s.ready = false
		s.wake = make(chan struct{})
	}
}

func (s *Signal) Block() {
	for {
		s.mu.Lock()
		if s.ready {
			s.mu.Unlock()
			return
		}
		ch := s.wake
		s.mu.Unlock()
		<-ch
	}
}

func (s *Signal) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Handle returns the signal as a plain readiness handle.
func (s *Signal) Handle() Pollable { return s }
