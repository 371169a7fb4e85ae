package sampling

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouletteRejectsTooManySamples(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := Roulette(rng, []Weighted{{ID: 1, Weight: 1}}, 2)
	assert.Error(t, err)
}

func TestRouletteRejectsNonPositiveWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := Roulette(rng, []Weighted{{ID: 1, Weight: 1}, {ID: 2, Weight: 0}}, 1)
	assert.Error(t, err)

	_, err = Roulette(rng, []Weighted{{ID: 1, Weight: -0.5}}, 1)
	assert.Error(t, err)
}

func TestRouletteReturnsDistinctCandidates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	candidates := []Weighted{
		{ID: 1, Weight: 1}, {ID: 2, Weight: 2}, {ID: 3, Weight: 3}, {ID: 4, Weight: 4},
	}
	for i := 0; i < 50; i++ {
		chosen, err := Roulette(rng, candidates, 3)
		require.NoError(t, err)
		require.Len(t, chosen, 3)
		seen := map[int64]bool{}
		for _, id := range chosen {
			assert.False(t, seen[id])
			seen[id] = true
		}
	}
}

func TestRoulettePrefersHeavyWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	candidates := []Weighted{{ID: 1, Weight: 1}, {ID: 2, Weight: 1000}}
	heavy := 0
	for i := 0; i < 200; i++ {
		chosen, err := Roulette(rng, candidates, 1)
		require.NoError(t, err)
		if chosen[0] == 2 {
			heavy++
		}
	}
	assert.Greater(t, heavy, 180)
}
