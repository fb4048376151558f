// Package limiter couples a limit.Algorithm with a semaphore.Semaphore: it
// gates operations through the semaphore's current permit ceiling and feeds
// each operation's outcome back to the algorithm so the ceiling adapts over
// time.
package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/admitgo/admitgo/clock"
	"github.com/admitgo/admitgo/limit"
	"github.com/admitgo/admitgo/semaphore"
)

// ErrDoubleFinalization is returned when Success, Dropped, or Ignore is
// called more than once on the same Operation. This indicates a resource-
// accounting bug upstream; the core does not silently ignore it.
var ErrDoubleFinalization = errors.New("limiter: operation already finalized")

// Limiter gates operations through a Semaphore sized by a LimitAlgorithm's
// current limit, and feeds each operation's measured outcome back into the
// algorithm.
type Limiter interface {
	// TryAcquire attempts to acquire an Operation without suspending. It
	// returns false if the limiter is currently full.
	TryAcquire() (Operation, bool)

	// Acquire acquires an Operation, blocking until a permit is available
	// or ctx is done. ctx may be nil, which blocks indefinitely.
	Acquire(ctx context.Context) (Operation, error)

	// Limit returns the limit most recently cached from the algorithm's
	// Changed notification (or the limiter's initial limit, if the
	// algorithm has never changed it).
	Limit() int

	// InFlight returns the number of operations currently acquired and not
	// yet finalized.
	InFlight() int
}

// Operation is a short-lived handle returned by a successful acquire. It
// must be finalized by exactly one of Success, Dropped, or Ignore; a
// second call to any of them returns ErrDoubleFinalization.
type Operation interface {
	// Success reports a completed, representative execution: its duration
	// feeds the algorithm as a non-dropped sample.
	Success() error

	// Dropped reports a completed execution that should count against the
	// algorithm as a drop (e.g. a rejection or failure attributable to
	// overload).
	Dropped() error

	// Ignore releases the permit without feeding a sample to the
	// algorithm at all, for executions whose duration would bias the
	// algorithm (e.g. ones that failed for reasons unrelated to load).
	Ignore() error
}

// NewSimpleLimiter couples algorithm with a new Semaphore sized to the
// algorithm's current limit, and subscribes to the algorithm's Changed
// notifications to keep the Semaphore's ceiling in sync.
func NewSimpleLimiter(algorithm limit.Algorithm) (Limiter, error) {
	return newSimpleLimiter(algorithm, clock.Monotonic)
}

func newSimpleLimiter(algorithm limit.Algorithm, clk clock.Clock) (Limiter, error) {
	initialLimit := algorithm.Limit()
	sem, err := semaphore.NewWithClock(initialLimit, clk)
	if err != nil {
		return nil, err
	}

	l := &simpleLimiter{
		algorithm: algorithm,
		sem:       sem,
		clock:     clk,
		limit:     initialLimit,
	}
	algorithm.OnChanged(l.onLimitChanged)
	return l, nil
}

type simpleLimiter struct {
	algorithm limit.Algorithm
	sem       *semaphore.Semaphore
	clock     clock.Clock

	inFlight atomic.Int64

	mu    sync.Mutex
	limit int // cached from the algorithm's last Changed event
}

func (l *simpleLimiter) onLimitChanged(newLimit int) {
	l.mu.Lock()
	l.limit = newLimit
	l.mu.Unlock()
	l.sem.Resize(newLimit)
}

func (l *simpleLimiter) TryAcquire() (Operation, bool) {
	if !l.sem.TryAcquire() {
		return nil, false
	}
	return l.newOperation(), true
}

func (l *simpleLimiter) Acquire(ctx context.Context) (Operation, error) {
	if err := l.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	return l.newOperation(), nil
}

func (l *simpleLimiter) newOperation() Operation {
	inFlight := int(l.inFlight.Add(1))
	return &operation{
		limiter:          l,
		timer:            clock.NewTimer(l.clock),
		snapshotInFlight: inFlight,
	}
}

func (l *simpleLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *simpleLimiter) InFlight() int {
	return int(l.inFlight.Load())
}

// complete is invoked by an Operation's finalization. It always decrements
// inFlight and releases the permit; it feeds the algorithm a sample unless
// ignore is set.
func (l *simpleLimiter) complete(elapsed clock.Duration, snapshotInFlight int, dropped, ignore bool) {
	l.inFlight.Add(-1)
	l.sem.Release()
	if ignore {
		return
	}
	l.algorithm.Update(limit.Sample{Duration: elapsed, InFlight: snapshotInFlight, Dropped: dropped})
}

type operation struct {
	limiter          *simpleLimiter
	timer            *clock.Timer
	snapshotInFlight int

	mu       sync.Mutex
	finished bool
}

func (o *operation) Success() error { return o.finish(false, false) }
func (o *operation) Dropped() error { return o.finish(true, false) }
func (o *operation) Ignore() error  { return o.finish(false, true) }

func (o *operation) finish(dropped, ignore bool) error {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return ErrDoubleFinalization
	}
	o.finished = true
	o.mu.Unlock()

	elapsed := o.timer.Stop()
	o.limiter.complete(elapsed, o.snapshotInFlight, dropped, ignore)
	return nil
}
