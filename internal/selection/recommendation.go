package selection

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

// Recommender suggests items to study next outside of the practice loop,
// e.g. for a "what to learn next" listing.
type Recommender interface {
	Recommend(env environment.CommonEnvironment, user int64, items []int64, n int) ([]int64, error)
}

// RandomRecommender picks n distinct items uniformly at random.
type RandomRecommender struct {
	rng *rand.Rand
}

var _ Recommender = (*RandomRecommender)(nil)

func NewRandomRecommender(rng *rand.Rand) *RandomRecommender {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomRecommender{rng: rng}
}

func (r *RandomRecommender) Recommend(env environment.CommonEnvironment, user int64, items []int64, n int) ([]int64, error) {
	if n > len(items) {
		return nil, fmt.Errorf("selection: can't recommend %d items from %d candidates", n, len(items))
	}
	perm := r.rng.Perm(len(items))
	result := make([]int64, 0, n)
	for _, idx := range perm[:n] {
		result = append(result, items[idx])
	}
	return result, nil
}
