package limit

import "sync"

// fixed is the degenerate Algorithm: it never changes its limit. It exists
// as a baseline for tests and for callers who want Limiter's permit
// accounting without any adaptive behavior.
type fixed struct {
	mu sync.Mutex
	base
}

// NewFixed returns an Algorithm whose limit never changes from initialLimit.
// initialLimit must be >= 1.
func NewFixed(initialLimit int) (Algorithm, error) {
	if initialLimit < 1 {
		return nil, ErrInvalidArgument
	}
	return &fixed{base: newBase(initialLimit, nil)}, nil
}

func (f *fixed) Update(Sample) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLimit()
}

func (f *fixed) Limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLimit()
}

func (f *fixed) OnChanged(listener func(int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChanged(listener)
}
