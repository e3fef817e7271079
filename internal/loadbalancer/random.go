package loadbalancer

import "math/rand/v2"

// Random picks a uniformly random candidate.
type Random[T Target] struct{}

func NewRandom[T Target]() *Random[T] {
	return &Random[T]{}
}

func (Random[T]) Next(candidates []T) (T, bool) {
	var zero T
	if len(candidates) == 0 {
		return zero, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// WeightedRandom picks a candidate with probability proportional to its weight.
type WeightedRandom[T Target] struct{}

func NewWeightedRandom[T Target]() *WeightedRandom[T] {
	return &WeightedRandom[T]{}
}

func (WeightedRandom[T]) Next(candidates []T) (T, bool) {
	var zero T
	if len(candidates) == 0 {
		return zero, false
	}
	total := 0
	for _, c := range candidates {
		total += weightOf(c)
	}
	r := rand.IntN(total)
	for _, c := range candidates {
		r -= weightOf(c)
		if r < 0 {
			return c, true
		}
	}
	return candidates[len(candidates)-1], true
}
