package selection

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

// TestWrapperItemSelector splices a uniformly random reference item into
// every nth position of the practice stream. The random items serve as an
// unbiased measurement of the user's knowledge, which the adaptively chosen
// items can't provide.
type TestWrapperItemSelector struct {
	inner ItemSelector
	nth   int
	rng   *rand.Rand
}

var _ ItemSelector = (*TestWrapperItemSelector)(nil)

func NewTestWrapperItemSelector(inner ItemSelector, nth int, rng *rand.Rand) *TestWrapperItemSelector {
	if nth <= 0 {
		nth = 10
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &TestWrapperItemSelector{inner: inner, nth: nth, rng: rng}
}

func (s *TestWrapperItemSelector) Select(env environment.CommonEnvironment, user int64, items []int64, now time.Time, n, queued int) ([]int64, []Meta, error) {
	if s.nth < n {
		return nil, nil, fmt.Errorf("selection: number of items to select (%d) has to be at most nth (%d)", n, s.nth)
	}
	numberOfAnswers := env.NumberOfAnswers(environment.ForUser(user)) + queued
	testPosition := numberOfAnswers % s.nth
	if testPosition != 0 {
		testPosition = s.nth - testPosition
	}
	if testPosition >= n {
		return s.inner.Select(env, user, items, now, n, queued)
	}

	s.Predictions(env, user, items, now)
	testItem := items[s.rng.Intn(len(items))]
	remaining := make([]int64, 0, len(items)-1)
	for _, item := range items {
		if item != testItem {
			remaining = append(remaining, item)
		}
	}

	var selected []int64
	var meta []Meta
	if n-1 > 0 {
		var err error
		selected, meta, err = s.inner.Select(env, user, remaining, now, n-1, queued)
		if err != nil {
			return nil, nil, err
		}
	}

	if testPosition > len(selected) {
		testPosition = len(selected)
	}
	testMeta := Meta{"test": "random_without_options"}
	result := make([]int64, 0, len(selected)+1)
	resultMeta := make([]Meta, 0, len(meta)+1)
	result = append(result, selected[:testPosition]...)
	result = append(result, testItem)
	result = append(result, selected[testPosition:]...)
	resultMeta = append(resultMeta, meta[:testPosition]...)
	resultMeta = append(resultMeta, testMeta)
	resultMeta = append(resultMeta, meta[testPosition:]...)
	return result, resultMeta, nil
}

func (s *TestWrapperItemSelector) Predictions(env environment.CommonEnvironment, user int64, items []int64, now time.Time) map[int64]float64 {
	return s.inner.Predictions(env, user, items, now)
}

func (s *TestWrapperItemSelector) TargetProbability(env environment.CommonEnvironment, user int64) float64 {
	return s.inner.TargetProbability(env, user)
}

func (s *TestWrapperItemSelector) RollingSuccess(env environment.CommonEnvironment, user int64) (float64, bool) {
	return s.inner.RollingSuccess(env, user)
}

func (s *TestWrapperItemSelector) HistoryAdjustment() bool {
	return s.inner.HistoryAdjustment()
}
