package loadbalancer

import (
	"fmt"
	"strings"
)

// Target is anything a balancer can pick. Weights below 1 count as 1.
type Target interface {
	Weight() int
}

// Balancer picks one target among candidates. Candidates may differ between
// calls; implementations keep only positional state.
type Balancer[T Target] interface {
	// Next returns the selected target, or false when candidates is empty.
	Next(candidates []T) (T, bool)
}

// Algorithm names a load balancing strategy.
type Algorithm string

const (
	AlgorithmRoundRobin         Algorithm = "ROUND_ROBIN"
	AlgorithmRandom             Algorithm = "RANDOM"
	AlgorithmWeightedRoundRobin Algorithm = "WEIGHTED_ROUND_ROBIN"
	AlgorithmWeightedRandom     Algorithm = "WEIGHTED_RANDOM"
)

// ParseAlgorithm normalizes an algorithm name. Empty defaults to round robin.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return AlgorithmRoundRobin, nil
	}
	a := Algorithm(strings.ToUpper(strings.ReplaceAll(s, "-", "_")))
	switch a {
	case AlgorithmRoundRobin, AlgorithmRandom, AlgorithmWeightedRoundRobin, AlgorithmWeightedRandom:
		return a, nil
	}
	return "", fmt.Errorf("unknown load balancer %q", s)
}

// New creates a balancer for the algorithm, defaulting to round robin.
func New[T Target](a Algorithm) Balancer[T] {
	switch a {
	case AlgorithmRandom:
		return NewRandom[T]()
	case AlgorithmWeightedRoundRobin:
		return NewWeightedRoundRobin[T]()
	case AlgorithmWeightedRandom:
		return NewWeightedRandom[T]()
	default:
		return NewRoundRobin[T]()
	}
}

func weightOf(t Target) int {
	if w := t.Weight(); w > 0 {
		return w
	}
	return 1
}

// gcd calculates the greatest common divisor
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
