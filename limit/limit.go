// Package limit implements the pluggable feedback functions that observe
// execution samples and emit a new concurrency limit: Fixed, Adaptive, and
// Vegas. Each Algorithm owns a positive integer limit and publishes a
// Changed event exactly once per distinct value.
package limit

import (
	"errors"
	"log/slog"

	"github.com/admitgo/admitgo/clock"
)

// ErrInvalidArgument is returned by a builder's Build method when a
// configuration value is out of range (non-positive limits or window
// sizes, an out-of-range failure rate, non-positive smoothing, etc).
// Construction fails fast; no partially-built Algorithm is ever returned.
var ErrInvalidArgument = errors.New("limit: invalid argument")

// Sample is a single observation fed to Algorithm.Update: the duration of a
// completed execution, the number of in-flight executions at the time it
// started, and whether it was reported as dropped rather than successful.
type Sample struct {
	Duration clock.Duration
	InFlight int
	Dropped  bool
}

// Algorithm is a pluggable feedback function that adjusts a concurrency
// limit based on observed samples.
//
// Implementations are concurrency-safe: Update may be called from many
// goroutines (once per finalized limiter.Operation), and the listener registered via
// OnChanged is invoked with newLimit exactly once per call to Update that
// changes the limit, in the order the changes occurred.
type Algorithm interface {
	// Update observes a sample and returns the resulting limit, which may
	// be unchanged from the previous value.
	Update(sample Sample) int

	// Limit returns the current limit without recording a sample.
	Limit() int

	// OnChanged registers a listener invoked with the new limit whenever
	// Update changes it. Listeners are called synchronously within Update,
	// in registration order; they must not call back into the Algorithm.
	OnChanged(listener func(newLimit int))
}

// base centralizes the bookkeeping shared by all three Algorithm
// implementations: the current limit, change notification, and optional
// debug logging. Concrete algorithms embed base and call setLimit
// while holding their own mutex (base itself holds no lock, since every
// concrete type already serializes Update behind one).
type base struct {
	limit     int
	listeners []func(int)
	logger    *slog.Logger
}

func newBase(initialLimit int, logger *slog.Logger) base {
	return base{limit: initialLimit, logger: logger}
}

func (b *base) onChanged(listener func(int)) {
	b.listeners = append(b.listeners, listener)
}

// setLimit updates the limit and fires listeners if it changed. Must be
// called while the owning Algorithm's mutex is held.
func (b *base) setLimit(newLimit int) {
	if newLimit == b.limit {
		return
	}
	b.limit = newLimit
	for _, l := range b.listeners {
		l(newLimit)
	}
}

func (b *base) getLimit() int {
	return b.limit
}
