package limit

import "math"

// log10Table memoizes log10(e) for e in [1, maxMemoized], floored at 1.0 so
// the Vegas estimator functions derived from it never collapse to zero near
// e=1. Populated once at package init.
const maxMemoized = 1000

var log10Table [maxMemoized + 1]float64

func init() {
	for e := 1; e <= maxMemoized; e++ {
		log10Table[e] = boundedLog10(float64(e))
	}
}

func boundedLog10(e float64) float64 {
	v := math.Log10(e)
	if v < 1.0 {
		return 1.0
	}
	return v
}

// log10Bounded returns the memoized, floor-1.0 log10 of e for e within the
// memoized range, or computes it directly (still floored at 1.0) beyond
// that range.
func log10Bounded(e int) float64 {
	if e < 1 {
		e = 1
	}
	if e <= maxMemoized {
		return log10Table[e]
	}
	return boundedLog10(float64(e))
}

// DefaultAlpha is the default Vegas alpha estimator: 3*log10(e).
func DefaultAlpha(e int) int {
	return round(3 * log10Bounded(e))
}

// DefaultBeta is the default Vegas beta estimator: 6*log10(e).
func DefaultBeta(e int) int {
	return round(6 * log10Bounded(e))
}

// DefaultThreshold is the default Vegas threshold estimator: log10(e).
func DefaultThreshold(e int) int {
	return round(log10Bounded(e))
}

// DefaultIncrease is the default Vegas increase estimator: e + log10(e).
func DefaultIncrease(e int) int {
	return e + round(log10Bounded(e))
}

// DefaultDecrease is the default Vegas decrease estimator: e - log10(e).
func DefaultDecrease(e int) int {
	return e - round(log10Bounded(e))
}

func round(v float64) int {
	return int(math.Round(v))
}
