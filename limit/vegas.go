package limit

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
)

// VegasBuilder builds a Vegas Algorithm. Not concurrency safe; use from a
// single goroutine before Build.
type VegasBuilder interface {
	// WithInitialLimit sets the starting estimated limit. Must be >= 1.
	// Default 1.
	WithInitialLimit(initialLimit int) VegasBuilder

	// WithMax sets the upper clamp on the estimated limit. Default 512.
	WithMax(maxLimit int) VegasBuilder

	// WithSmoothing sets the EMA factor applied to each limit update, in
	// (0, 1]. Default 1.0 (no smoothing: the new estimate is adopted in
	// full).
	WithSmoothing(smoothing float64) VegasBuilder

	// WithProbeMultiplier sets the probe cadence scaling factor, >= 1.
	// Default 30.
	WithProbeMultiplier(probeMultiplier float64) VegasBuilder

	// WithAlpha overrides the default alpha estimator (3*log10(e)).
	WithAlpha(alpha func(int) int) VegasBuilder

	// WithBeta overrides the default beta estimator (6*log10(e)).
	WithBeta(beta func(int) int) VegasBuilder

	// WithThreshold overrides the default threshold estimator (log10(e)).
	WithThreshold(threshold func(int) int) VegasBuilder

	// WithIncrease overrides the default increase estimator (e+log10(e)).
	WithIncrease(increase func(int) int) VegasBuilder

	// WithDecrease overrides the default decrease estimator (e-log10(e)).
	WithDecrease(decrease func(int) int) VegasBuilder

	// WithLogger configures debug logging of limit adjustments.
	WithLogger(logger *slog.Logger) VegasBuilder

	// OnLimitChanged registers a listener for limit changes.
	OnLimitChanged(listener func(newLimit int)) VegasBuilder

	// Build validates the configuration and returns the Algorithm, or
	// ErrInvalidArgument.
	Build() (Algorithm, error)
}

type vegasConfig struct {
	initialLimit    int
	maxLimit        int
	smoothing       float64
	probeMultiplier float64

	alpha     func(int) int
	beta      func(int) int
	threshold func(int) int
	increase  func(int) int
	decrease  func(int) int

	logger   *slog.Logger
	listener func(int)
}

// NewVegasBuilder returns a VegasBuilder with the defaults documented on
// each With* method and on the estimator functions in this package.
func NewVegasBuilder() VegasBuilder {
	return &vegasConfig{
		initialLimit:    1,
		maxLimit:        512,
		smoothing:       1.0,
		probeMultiplier: 30,
		alpha:           DefaultAlpha,
		beta:            DefaultBeta,
		threshold:       DefaultThreshold,
		increase:        DefaultIncrease,
		decrease:        DefaultDecrease,
	}
}

func (c *vegasConfig) WithInitialLimit(initialLimit int) VegasBuilder {
	c.initialLimit = initialLimit
	return c
}

func (c *vegasConfig) WithMax(maxLimit int) VegasBuilder {
	c.maxLimit = maxLimit
	return c
}

func (c *vegasConfig) WithSmoothing(smoothing float64) VegasBuilder {
	c.smoothing = smoothing
	return c
}

func (c *vegasConfig) WithProbeMultiplier(probeMultiplier float64) VegasBuilder {
	c.probeMultiplier = probeMultiplier
	return c
}

func (c *vegasConfig) WithAlpha(alpha func(int) int) VegasBuilder {
	c.alpha = alpha
	return c
}

func (c *vegasConfig) WithBeta(beta func(int) int) VegasBuilder {
	c.beta = beta
	return c
}

func (c *vegasConfig) WithThreshold(threshold func(int) int) VegasBuilder {
	c.threshold = threshold
	return c
}

func (c *vegasConfig) WithIncrease(increase func(int) int) VegasBuilder {
	c.increase = increase
	return c
}

func (c *vegasConfig) WithDecrease(decrease func(int) int) VegasBuilder {
	c.decrease = decrease
	return c
}

func (c *vegasConfig) WithLogger(logger *slog.Logger) VegasBuilder {
	c.logger = logger
	return c
}

func (c *vegasConfig) OnLimitChanged(listener func(int)) VegasBuilder {
	c.listener = listener
	return c
}

func (c *vegasConfig) Build() (Algorithm, error) {
	if c.initialLimit < 1 || c.maxLimit < c.initialLimit || c.probeMultiplier < 1 ||
		c.smoothing <= 0 || c.smoothing > 1 || math.IsNaN(c.smoothing) {
		return nil, ErrInvalidArgument
	}

	v := &vegas{
		base:            newBase(c.initialLimit, c.logger),
		maxLimit:        c.maxLimit,
		smoothing:       c.smoothing,
		probeMultiplier: c.probeMultiplier,
		alpha:           c.alpha,
		beta:            c.beta,
		threshold:       c.threshold,
		increase:        c.increase,
		decrease:        c.decrease,
		rng:             rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	v.probeJitter = v.nextProbeJitter()
	if c.listener != nil {
		v.onChanged(c.listener)
	}
	return v, nil
}

// vegas implements the §4.3.3 TCP-Vegas-style LimitAlgorithm: it compares a
// per-sample RTT against a tracked no-load baseline to estimate queueing,
// and periodically re-probes the baseline since network/resource
// conditions can only improve by occasionally testing an uncongested path.
type vegas struct {
	mu sync.Mutex
	base

	maxLimit        int
	smoothing       float64
	probeMultiplier float64

	alpha, beta, threshold func(int) int
	increase, decrease     func(int) int

	rng *rand.Rand

	rttNoLoad   int64 // microseconds; 0 means unset
	probeCount  int
	probeJitter float64 // in [0.5, 1.0)
}

func (v *vegas) nextProbeJitter() float64 {
	return 0.5 + v.rng.Float64()*0.5
}

func (v *vegas) Update(sample Sample) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	rtt := sample.Duration.Microseconds()
	if rtt <= 0 {
		rtt = 1
	}
	estimated := v.getLimit()

	// 1. Probe barrier.
	v.probeCount++
	if float64(estimated)*v.probeJitter*v.probeMultiplier <= float64(v.probeCount) {
		v.probeJitter = v.nextProbeJitter()
		v.probeCount = 0
		v.rttNoLoad = rtt
		return estimated
	}

	// 2. No-load RTT tracking.
	if v.rttNoLoad == 0 || rtt < v.rttNoLoad {
		v.rttNoLoad = rtt
		return estimated
	}

	// 3. Queue size estimate.
	size := int(math.Ceil(float64(estimated) * (1 - float64(v.rttNoLoad)/float64(rtt))))

	newLimit := estimated
	switch {
	case sample.Dropped:
		// 4.
		newLimit = v.decrease(estimated)
	case sample.InFlight*2 < estimated:
		// 5. Insufficient load to learn from.
		return estimated
	default:
		// 6.
		alpha := v.alpha(estimated)
		beta := v.beta(estimated)
		thresh := v.threshold(estimated)
		switch {
		case size <= thresh:
			newLimit = estimated + beta
		case size < alpha:
			newLimit = v.increase(estimated)
		case size > beta:
			newLimit = v.decrease(estimated)
		default:
			return estimated
		}
	}

	// 7. Clamp.
	if newLimit < 1 {
		newLimit = 1
	}
	if newLimit > v.maxLimit {
		newLimit = v.maxLimit
	}

	// 8. Smooth.
	smoothed := int(math.Floor((1-v.smoothing)*float64(estimated) + v.smoothing*float64(newLimit)))
	if smoothed < 1 {
		smoothed = 1
	}

	if v.logger != nil && v.logger.Enabled(nil, slog.LevelDebug) {
		v.logger.Debug("vegas limit update",
			"rtt", rtt, "rttNoLoad", v.rttNoLoad, "size", size,
			"estimated", estimated, "newLimit", newLimit, "smoothed", smoothed)
	}

	v.setLimit(smoothed)
	return smoothed
}

func (v *vegas) Limit() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getLimit()
}

func (v *vegas) OnChanged(listener func(int)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChanged(listener)
}
