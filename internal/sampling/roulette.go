// Package sampling provides weighted random selection primitives shared by
// the item and option selection policies.
package sampling

import (
	"fmt"
	"math/rand"
)

// Weighted is one candidate with its selection weight.
type Weighted struct {
	ID     int64
	Weight float64
}

// Roulette chooses n distinct candidates, each with probability
// proportionate to its weight, sampling without replacement. All weights
// have to be positive and n must not exceed the number of candidates.
func Roulette(rng *rand.Rand, candidates []Weighted, n int) ([]int64, error) {
	if n > len(candidates) {
		return nil, fmt.Errorf("sampling: can't choose %d samples from %d candidates", n, len(candidates))
	}
	for _, c := range candidates {
		if c.Weight <= 0 {
			return nil, fmt.Errorf("sampling: non-positive weight %v for candidate %d", c.Weight, c.ID)
		}
	}
	remaining := make([]Weighted, len(candidates))
	copy(remaining, candidates)

	chosen := make([]int64, 0, n)
	for len(chosen) < n {
		total := 0.0
		for _, c := range remaining {
			total += c.Weight
		}
		dice := rng.Float64() * total
		running := 0.0
		picked := len(remaining) - 1
		for i, c := range remaining {
			if dice < running+c.Weight {
				picked = i
				break
			}
			running += c.Weight
		}
		chosen = append(chosen, remaining[picked].ID)
		remaining = append(remaining[:picked], remaining[picked+1:]...)
	}
	return chosen, nil
}
