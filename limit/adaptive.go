package limit

import (
	"log/slog"
	"math/bits"
	"sync"
)

// AdaptiveBuilder builds an Adaptive Algorithm. Not concurrency safe; use
// from a single goroutine before Build.
type AdaptiveBuilder interface {
	// WithInitialLimit sets the starting limit. Must be >= 1. Default 1.
	WithInitialLimit(initialLimit int) AdaptiveBuilder

	// WithWindowSize sets the sliding sample-window size, rounded up to the
	// next power of two. Default 16.
	WithWindowSize(windowSize uint) AdaptiveBuilder

	// WithMin sets the lower clamp on the limit. Must be >= 1. Default 1.
	WithMin(min int) AdaptiveBuilder

	// WithMax sets the upper clamp on the limit. Must be >= min. Default 1000.
	WithMax(max int) AdaptiveBuilder

	// WithFailureRate sets the fraction of a window's samples that must be
	// drops before the limit decreases, in (0, 0.99]. Values above 0.99 are
	// capped. Default 0.05.
	WithFailureRate(failureRate float64) AdaptiveBuilder

	// WithLogger configures debug logging of window-boundary limit
	// adjustments.
	WithLogger(logger *slog.Logger) AdaptiveBuilder

	// OnLimitChanged registers a listener for limit changes.
	OnLimitChanged(listener func(newLimit int)) AdaptiveBuilder

	// Build validates the configuration and returns the Algorithm, or
	// ErrInvalidArgument.
	Build() (Algorithm, error)
}

type adaptiveConfig struct {
	initialLimit int
	windowSize   uint
	min          int
	max          int
	failureRate  float64
	logger       *slog.Logger
	listener     func(int)
}

// NewAdaptiveBuilder returns an AdaptiveBuilder with the defaults documented
// on each With* method.
func NewAdaptiveBuilder() AdaptiveBuilder {
	return &adaptiveConfig{
		initialLimit: 1,
		windowSize:   16,
		min:          1,
		max:          1000,
		failureRate:  0.05,
	}
}

func (c *adaptiveConfig) WithInitialLimit(initialLimit int) AdaptiveBuilder {
	c.initialLimit = initialLimit
	return c
}

func (c *adaptiveConfig) WithWindowSize(windowSize uint) AdaptiveBuilder {
	c.windowSize = windowSize
	return c
}

func (c *adaptiveConfig) WithMin(min int) AdaptiveBuilder {
	c.min = min
	return c
}

func (c *adaptiveConfig) WithMax(max int) AdaptiveBuilder {
	c.max = max
	return c
}

func (c *adaptiveConfig) WithFailureRate(failureRate float64) AdaptiveBuilder {
	c.failureRate = failureRate
	return c
}

func (c *adaptiveConfig) WithLogger(logger *slog.Logger) AdaptiveBuilder {
	c.logger = logger
	return c
}

func (c *adaptiveConfig) OnLimitChanged(listener func(int)) AdaptiveBuilder {
	c.listener = listener
	return c
}

func (c *adaptiveConfig) Build() (Algorithm, error) {
	if c.initialLimit < 1 || c.min < 1 || c.max < c.min || c.windowSize == 0 {
		return nil, ErrInvalidArgument
	}
	failureRate := c.failureRate
	if failureRate <= 0 || failureRate > 0.99 {
		if failureRate > 0.99 {
			failureRate = 0.99
		} else {
			return nil, ErrInvalidArgument
		}
	}

	windowSize := nextPowerOfTwo(c.windowSize)
	a := &adaptive{
		base:        newBase(clamp(c.initialLimit, c.min, c.max), c.logger),
		windowSize:  windowSize,
		mask:        windowSize - 1,
		min:         c.min,
		max:         c.max,
		threshold:   float64(windowSize) * failureRate,
		failureRate: failureRate,
	}
	if c.listener != nil {
		a.onChanged(c.listener)
	}
	return a, nil
}

// adaptive implements the §4.3.2 window-based AdaptiveLimit: once per full
// window of samples, the limit moves by exactly one step based on whether
// the observed failure count met the configured threshold.
type adaptive struct {
	mu sync.Mutex
	base

	windowSize uint // rounded up to a power of two
	mask       uint // windowSize - 1

	min, max    int
	failureRate float64
	threshold   float64 // windowSize * failureRate, precomputed for direct comparison

	window       uint // position within the current window, mod windowSize
	failureCount int
}

func (a *adaptive) Update(sample Sample) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sample.Dropped {
		a.failureCount++
	}
	a.window = (a.window + 1) & a.mask

	if a.window == 0 {
		a.onWindowBoundary()
	}
	return a.getLimit()
}

func (a *adaptive) onWindowBoundary() {
	current := a.getLimit()
	newLimit := current
	switch {
	case float64(a.failureCount) >= a.threshold && current > a.min:
		newLimit = current - 1
	case float64(a.failureCount) < a.threshold && current < a.max:
		newLimit = current + 1
	}

	if a.logger != nil && a.logger.Enabled(nil, slog.LevelDebug) {
		a.logger.Debug("adaptive limit window boundary",
			"failureCount", a.failureCount,
			"threshold", a.threshold,
			"currentLimit", current,
			"newLimit", newLimit)
	}

	a.setLimit(newLimit)
	a.failureCount = 0
}

func (a *adaptive) Limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getLimit()
}

func (a *adaptive) OnChanged(listener func(int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChanged(listener)
}

func nextPowerOfTwo(v uint) uint {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(v-1)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
