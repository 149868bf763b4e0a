// Package debounce delays propagation of rapidly changing values, such as a
// project title being typed, until they settle.
package debounce

import (
	"sync"
	"time"
)

const DefaultDelay = 2 * time.Second

// Setter applies the most recent value passed to Set once no newer value has
// arrived for the configured delay. Applies never overlap and always happen
// in the order the values were set.
type Setter[T any] struct {
	delay time.Duration
	apply func(T)

	applyMu sync.Mutex

	mu         sync.Mutex
	timer      *time.Timer
	pending    T
	hasPending bool
	stopped    bool
}

func New[T any](delay time.Duration, apply func(T)) *Setter[T] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Setter[T]{delay: delay, apply: apply}
}

// Set records v and restarts the delay. It is a no-op after Stop.
func (s *Setter[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = v
	s.hasPending = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() { s.Flush() })
}

// Pending returns the value waiting to be applied.
func (s *Setter[T]) Pending() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.hasPending
}

// Flush applies a pending value immediately and reports whether there was
// one. Call it when the owner goes away so the last edit is not lost.
func (s *Setter[T]) Flush() bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if !s.hasPending || s.stopped {
		s.mu.Unlock()
		return false
	}
	v := s.pending
	var zero T
	s.pending = zero
	s.hasPending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.apply(v)
	return true
}

// Stop discards any pending value and disables the setter.
func (s *Setter[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.hasPending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
