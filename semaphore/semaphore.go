// Package semaphore provides a counting semaphore that supports a
// non-blocking fast path, blocking acquisition bounded by a context, and
// dynamic resizing of its permit ceiling while under contention.
package semaphore

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/admitgo/admitgo/clock"
)

// ErrInvalidArgument is returned when a non-positive limit is supplied to
// New or Resize.
var ErrInvalidArgument = errors.New("semaphore: limit must be >= 1")

// waiter is an enrolled acquirer. ready is buffered so a releaser can
// signal it without blocking inside Release or Resize; granted is only
// ever read or written while holding the owning Semaphore's mutex, and
// lets Acquire distinguish "I was granted a permit" from "I timed out"
// when both races are possible.
type waiter struct {
	ready   chan struct{}
	granted bool
}

// Semaphore is a counting semaphore whose permit ceiling (concurrency) can
// be resized at runtime. Waiters are granted permits in FIFO enrollment
// order. The zero value is not usable; construct with New.
type Semaphore struct {
	clock clock.Clock

	mu           sync.Mutex
	concurrency  int
	running      int
	waiters      *list.List // of *waiter
	blockedSince clock.Instant
	hasBlocked   bool
}

// New constructs a Semaphore with the given initial permit ceiling, which
// must be >= 1.
func New(initialLimit int) (*Semaphore, error) {
	return NewWithClock(initialLimit, clock.Monotonic)
}

// NewWithClock is like New but allows substituting the Clock, primarily for
// tests that need to observe BlockedSince deterministically.
func NewWithClock(initialLimit int, clk clock.Clock) (*Semaphore, error) {
	if initialLimit < 1 {
		return nil, ErrInvalidArgument
	}
	return &Semaphore{
		clock:       clk,
		concurrency: initialLimit,
		waiters:     list.New(),
	}, nil
}

// TryAcquire attempts to acquire a permit without suspending. It returns
// true and takes a permit if one is immediately available, or false with no
// side effects otherwise.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running < s.concurrency {
		s.running++
		return true
	}
	return false
}

// Acquire acquires a permit, blocking until one is available or ctx is
// done. If ctx is nil, context.Background() is used, which blocks
// indefinitely. On cancellation the waiter is removed from the wait list so
// it does not leak; ctx.Err() is returned in that case.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.running < s.concurrency {
		s.running++
		s.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{}, 1)}
	elem := s.waiters.PushBack(w)
	s.markBlockedLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// Lost the race: a permit was already committed to this waiter.
			// Honor the grant rather than dropping a permit on the floor.
			s.mu.Unlock()
			<-w.ready
			return nil
		}
		s.waiters.Remove(elem)
		s.clearBlockedIfEmptyLocked()
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a permit. If a waiter is enrolled and running does not
// exceed concurrency, the permit is handed directly to the head waiter
// (running is unchanged); otherwise running is decremented. During the
// window after a Resize has lowered concurrency below running, Release
// only decrements, letting running drain down naturally before any waiter
// is admitted.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if elem := s.waiters.Front(); elem != nil && s.running <= s.concurrency {
		w := elem.Value.(*waiter)
		s.waiters.Remove(elem)
		w.granted = true
		s.clearBlockedIfEmptyLocked()
		s.mu.Unlock()
		notify(w)
		return
	}
	s.running--
	s.mu.Unlock()
}

// Resize updates the permit ceiling. newLimit must be >= 1. When increasing
// the ceiling, permits are granted immediately to head waiters until either
// the wait list empties or running reaches the new ceiling. When
// decreasing, current holders are left alone; running drains down to the
// new ceiling via subsequent Release calls, during which running may
// transiently exceed concurrency.
func (s *Semaphore) Resize(newLimit int) error {
	if newLimit < 1 {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	s.concurrency = newLimit

	var granted []*waiter
	for s.running < s.concurrency {
		elem := s.waiters.Front()
		if elem == nil {
			break
		}
		w := elem.Value.(*waiter)
		s.waiters.Remove(elem)
		w.granted = true
		s.running++
		granted = append(granted, w)
	}
	s.clearBlockedIfEmptyLocked()
	s.mu.Unlock()

	for _, w := range granted {
		notify(w)
	}
	return nil
}

// Available returns the number of permits not currently held.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency - s.running
}

// Limit returns the current permit ceiling (concurrency).
func (s *Semaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// Running returns the number of permits currently held.
func (s *Semaphore) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Waiters returns the number of enrolled waiters.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// Stats returns running, concurrency, and waiter count in a single locked
// read, for callers (metrics collaborators, tests) that need a consistent
// snapshot.
func (s *Semaphore) Stats() (running, concurrency, waiters int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.concurrency, s.waiters.Len()
}

// BlockedSince returns the Instant at which the wait list most recently
// became non-empty, and true, or the zero Instant and false if nothing is
// currently waiting.
func (s *Semaphore) BlockedSince() (clock.Instant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters.Len() == 0 {
		return clock.Instant{}, false
	}
	return s.blockedSince, s.hasBlocked
}

func (s *Semaphore) markBlockedLocked() {
	if s.waiters.Len() == 1 {
		s.blockedSince = s.clock.Now()
		s.hasBlocked = true
	}
}

func (s *Semaphore) clearBlockedIfEmptyLocked() {
	if s.waiters.Len() == 0 {
		s.hasBlocked = false
	}
}

// notify wakes w after the current logical step, rather than synchronously
// within the caller's critical section. The channel is buffered so this
// send never blocks.
func notify(w *waiter) {
	w.ready <- struct{}{}
}
