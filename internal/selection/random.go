package selection

import (
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/prediction"
)

// RandomItemSelector picks items uniformly at random. It still prepares the
// predictions, which the option selection needs afterwards.
type RandomItemSelector struct {
	selectorBase
}

var _ ItemSelector = (*RandomItemSelector)(nil)

func NewRandomItemSelector(model prediction.Model, opts ...Option) *RandomItemSelector {
	return &RandomItemSelector{selectorBase: newSelectorBase(model, opts...)}
}

func (s *RandomItemSelector) Select(env environment.CommonEnvironment, user int64, items []int64, now time.Time, n, queued int) ([]int64, []Meta, error) {
	count := min(n, len(items))
	perm := s.rng.Perm(len(items))
	candidates := make([]int64, 0, count)
	for _, idx := range perm[:count] {
		candidates = append(candidates, items[idx])
	}
	s.Predictions(env, user, items, now)
	return candidates, make([]Meta, len(candidates)), nil
}
