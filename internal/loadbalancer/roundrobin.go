package loadbalancer

import (
	"sync"
	"sync/atomic"
)

// RoundRobin cycles through candidates with a shared atomic counter.
type RoundRobin[T Target] struct {
	current atomic.Uint64
}

func NewRoundRobin[T Target]() *RoundRobin[T] {
	return &RoundRobin[T]{}
}

// Next returns the next candidate. Lock-free on the hot path.
func (rr *RoundRobin[T]) Next(candidates []T) (T, bool) {
	var zero T
	if len(candidates) == 0 {
		return zero, false
	}
	idx := rr.current.Add(1)
	return candidates[(idx-1)%uint64(len(candidates))], true
}

// WeightedRoundRobin implements interleaved weighted round robin.
type WeightedRoundRobin[T Target] struct {
	mu            sync.Mutex
	current       int
	currentWeight int
}

func NewWeightedRoundRobin[T Target]() *WeightedRoundRobin[T] {
	return &WeightedRoundRobin[T]{current: -1}
}

// Next returns the next candidate using weighted round robin. Weights are
// recomputed from candidates so the set may change between calls.
func (wrr *WeightedRoundRobin[T]) Next(candidates []T) (T, bool) {
	var zero T
	if len(candidates) == 0 {
		return zero, false
	}

	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	maxWeight := 0
	gcdWeight := weightOf(candidates[0])
	for _, c := range candidates {
		w := weightOf(c)
		if w > maxWeight {
			maxWeight = w
		}
		gcdWeight = gcd(gcdWeight, w)
	}
	if wrr.currentWeight > maxWeight {
		wrr.currentWeight = maxWeight
	}

	for {
		wrr.current = (wrr.current + 1) % len(candidates)
		if wrr.current == 0 {
			wrr.currentWeight -= gcdWeight
			if wrr.currentWeight <= 0 {
				wrr.currentWeight = maxWeight
			}
		}
		if weightOf(candidates[wrr.current]) >= wrr.currentWeight {
			return candidates[wrr.current], true
		}
	}
}
