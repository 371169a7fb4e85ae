package selection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/prediction"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/sampling"
)

// fixedModel predicts a constant probability per item.
type fixedModel struct {
	predictions map[int64]float64
}

func (m *fixedModel) PreparePhase(env environment.CommonEnvironment, user, item int64, now time.Time, opts prediction.Options) any {
	return nil
}

func (m *fixedModel) PreparePhaseMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts prediction.Options) any {
	return nil
}

func (m *fixedModel) PredictPhase(data any, user, item int64, now time.Time, opts prediction.Options) float64 {
	return m.predictions[item]
}

func (m *fixedModel) PredictPhaseMoreItems(data any, user int64, items []int64, now time.Time, opts prediction.Options) []float64 {
	result := make([]float64, len(items))
	for i, item := range items {
		result[i] = m.predictions[item]
	}
	return result
}

func (m *fixedModel) UpdatePhase(env environment.CommonEnvironment, data any, p float64, user, item int64, correct bool, now time.Time, answerID int64, opts prediction.Options) error {
	return nil
}

func TestAdjustTargetProbability(t *testing.T) {
	assert.Equal(t, 0.65, AdjustTargetProbability(0.65, 0, false), "no full window, no adjustment")

	// struggling user: aim for easier items
	adjusted := AdjustTargetProbability(0.65, 0.45, true)
	assert.Greater(t, adjusted, 0.65)
	assert.InDelta(t, 0.65+((0.65-0.45)/0.65)*0.35, adjusted, 1e-9)

	// cruising user: aim for harder items
	adjusted = AdjustTargetProbability(0.65, 0.9, true)
	assert.Less(t, adjusted, 0.65)

	assert.InDelta(t, 0.65, AdjustTargetProbability(0.65, 0.65, true), 1e-9)
}

func TestRollingWindowOption(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// two answers, one correct
	for i := int64(1); i <= 2; i++ {
		answered := int64(10)
		if i == 2 {
			answered = 99
		}
		require.NoError(t, env.ProcessAnswer(&models.Answer{
			ID: i, UserID: 1, ItemID: 10, ItemAskedID: 10, ItemAnsweredID: &answered, Time: now,
		}))
	}

	model := &fixedModel{predictions: map[int64]float64{}}

	// the default window of ten answers is not filled yet
	wide := NewScoreItemSelector(model)
	_, ok := wide.RollingSuccess(env, 1)
	assert.False(t, ok)
	assert.Equal(t, 0.65, wide.TargetProbability(env, 1))

	// a window of two is, and the target probability reacts to it
	narrow := NewScoreItemSelector(model, WithRollingWindow(2))
	rolling, ok := narrow.RollingSuccess(env, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.5, rolling, 1e-9)
	assert.Greater(t, narrow.TargetProbability(env, 1), 0.65)

	// non-positive windows keep the default
	unchanged := NewScoreItemSelector(model, WithRollingWindow(0))
	_, ok = unchanged.RollingSuccess(env, 1)
	assert.False(t, ok)
}

func TestScoreItemSelectorPrefersTargetProbability(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	model := &fixedModel{predictions: map[int64]float64{1: 0.95, 2: 0.65, 3: 0.1}}
	selector := NewScoreItemSelector(model, WithoutHistoryAdjustment(), WithRand(rand.New(rand.NewSource(1))))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	selected, meta, err := selector.Select(env, 1, []int64{1, 2, 3}, now, 1, 0)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	require.Len(t, meta, 1)
	assert.Equal(t, int64(2), selected[0])
}

func TestScoreItemSelectorPenalizesRecentAnswers(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// item 1 was just answered by the user, item 2 never
	answered := int64(1)
	require.NoError(t, env.ProcessAnswer(&models.Answer{
		ID: 1, UserID: 1, ItemID: 1, ItemAskedID: 1, ItemAnsweredID: &answered, Time: now.Add(-5 * time.Second),
	}))

	model := &fixedModel{predictions: map[int64]float64{1: 0.65, 2: 0.65}}
	selector := NewScoreItemSelector(model, WithoutHistoryAdjustment(), WithRand(rand.New(rand.NewSource(1))))

	selected, _, err := selector.Select(env, 1, []int64{1, 2}, now, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), selected[0])
}

func TestScoreItemSelectorSpreadsOverParents(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// items 1 and 2 share parent 100, item 3 belongs to parent 200
	for child, parent := range map[int64]int64{1: 100, 2: 100, 3: 200} {
		key := environment.ForOrderedPair(child, parent)
		require.NoError(t, env.Write("parent", 1, key, environment.WriteOptions{NoAudit: true}))
	}

	model := &fixedModel{predictions: map[int64]float64{1: 0.65, 2: 0.65, 3: 0.65}}
	selector := NewScoreItemSelector(model, WithoutHistoryAdjustment(), WithRand(rand.New(rand.NewSource(1))))

	selected, _, err := selector.Select(env, 1, []int64{1, 2, 3}, now, 2, 0)
	require.NoError(t, err)
	require.Len(t, selected, 2)

	// after picking one child of parent 100 the sibling is penalized, so
	// the second pick comes from the other parent
	parents := map[int64]int64{1: 100, 2: 100, 3: 200}
	assert.NotEqual(t, parents[selected[0]], parents[selected[1]])
}

func TestRandomItemSelectorPreparesPredictions(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	model := &fixedModel{predictions: map[int64]float64{1: 0.3, 2: 0.4}}
	selector := NewRandomItemSelector(model, WithRand(rand.New(rand.NewSource(1))))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	selected, _, err := selector.Select(env, 1, []int64{1, 2}, now, 5, 0)
	require.NoError(t, err)
	assert.Len(t, selected, 2, "pool smaller than n yields the whole pool")

	predictions := selector.Predictions(env, 1, []int64{1, 2}, now)
	assert.Equal(t, 0.3, predictions[1])
	assert.Equal(t, 0.4, predictions[2])
}

func TestTestWrapperRejectsTooManyItems(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	model := &fixedModel{predictions: map[int64]float64{}}
	wrapper := NewTestWrapperItemSelector(NewRandomItemSelector(model), 5, rand.New(rand.NewSource(1)))

	_, _, err := wrapper.Select(env, 1, []int64{1, 2, 3}, time.Now(), 6, 0)
	assert.Error(t, err)
}

func TestTestWrapperSplicesTestItem(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	model := &fixedModel{predictions: map[int64]float64{1: 0.5, 2: 0.5, 3: 0.5, 4: 0.5}}
	inner := NewRandomItemSelector(model, WithRand(rand.New(rand.NewSource(1))))
	wrapper := NewTestWrapperItemSelector(inner, 10, rand.New(rand.NewSource(2)))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// a user with zero answers gets the test item at position 0
	selected, meta, err := wrapper.Select(env, 1, []int64{1, 2, 3, 4}, now, 3, 0)
	require.NoError(t, err)
	require.Len(t, selected, 3)
	require.Len(t, meta, 3)
	assert.Equal(t, Meta{"test": "random_without_options"}, meta[0])
	for _, m := range meta[1:] {
		assert.Nil(t, m)
	}
}

func TestTestWrapperDelegatesBetweenTests(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// three answers into a cycle of ten, the next test is seven positions
	// away, so a batch of three is fully adaptive
	for i := int64(1); i <= 3; i++ {
		answered := i + 10
		require.NoError(t, env.ProcessAnswer(&models.Answer{
			ID: i, UserID: 1, ItemID: i + 10, ItemAskedID: i + 10, ItemAnsweredID: &answered, Time: now,
		}))
	}
	model := &fixedModel{predictions: map[int64]float64{1: 0.5, 2: 0.5, 3: 0.5, 4: 0.5}}
	inner := NewRandomItemSelector(model, WithRand(rand.New(rand.NewSource(1))))
	wrapper := NewTestWrapperItemSelector(inner, 10, rand.New(rand.NewSource(2)))

	selected, meta, err := wrapper.Select(env, 1, []int64{1, 2, 3, 4}, now, 3, 0)
	require.NoError(t, err)
	require.Len(t, selected, 3)
	for _, m := range meta {
		assert.Nil(t, m)
	}
}

func TestAdjustedCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	policy := AdjustedCount{}

	// already above the target: open question
	assert.Equal(t, 0, policy.ComputeNumberOfOptions(rng, 6, 0.65, 0.8))

	// deep below the target: two options shown, one distractor
	assert.Equal(t, 1, policy.ComputeNumberOfOptions(rng, 6, 0.65, 0.05))

	// slightly below the target: the implied count exceeds the maximum,
	// falling back to an open question
	assert.Equal(t, 0, policy.ComputeNumberOfOptions(rng, 6, 0.65, 0.6))
}

func TestUniformlyAdjustedCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	policy := UniformlyAdjustedCount{}

	assert.Equal(t, 0, policy.ComputeNumberOfOptions(rng, 6, 0.65, 0.7))
	assert.Equal(t, 1, policy.ComputeNumberOfOptions(rng, 6, 0.65, 0.0001))
	n := policy.ComputeNumberOfOptions(rng, 6, 0.65, 0.5)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 5)
}

func TestOptionsCountZeroRestrictions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	count := NewOptionsCount(ZeroCount{})

	n, err := count.NumberOfOptions(rng, 0.65, 0.5, true, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the item can't be rendered as an open question
	n, err = count.NumberOfOptions(rng, 0.65, 0.5, false, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "forced to max_options - 1 distractors")

	// and without candidates that is an error
	_, err = count.NumberOfOptions(rng, 0.65, 0.5, false, 0)
	assert.ErrorIs(t, err, ErrZeroOptionsNotAllowed)

	count.AllowZeroOptions = false
	_, err = count.NumberOfOptions(rng, 0.65, 0.5, true, 0)
	assert.ErrorIs(t, err, ErrZeroOptionsNotAllowed)
}

func TestOptionsCountCapsByAvailable(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	count := NewOptionsCount(ConstantCount{N: 4})

	n, err := count.NumberOfOptions(rng, 0.65, 0.5, true, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOptionSelectorAppendsAskedItemLast(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	model := &fixedModel{predictions: map[int64]float64{10: 0.3}}
	itemSelector := NewRandomItemSelector(model, WithoutHistoryAdjustment())
	selector := NewOptionSelector(
		itemSelector,
		NewOptionsCount(ConstantCount{N: 2}),
		NewCompetitiveChoice(),
		rand.New(rand.NewSource(1)),
	)

	options, err := selector.SelectOptions(env, 1, 10, now, []int64{10, 20, 30, 40}, true)
	require.NoError(t, err)
	require.Len(t, options, 3)
	assert.Equal(t, int64(10), options[len(options)-1], "asked item comes last")

	seen := map[int64]bool{}
	for _, o := range options {
		assert.False(t, seen[o], "options are distinct")
		seen[o] = true
	}
	assert.NotContains(t, options[:2], int64(10), "the asked item is not a distractor")
}

func TestOptionSelectorOpenQuestion(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	model := &fixedModel{predictions: map[int64]float64{10: 0.9}}
	itemSelector := NewRandomItemSelector(model, WithoutHistoryAdjustment())
	selector := NewOptionSelector(
		itemSelector,
		NewOptionsCount(AdjustedCount{}),
		NewCompetitiveChoice(),
		rand.New(rand.NewSource(1)),
	)

	options, err := selector.SelectOptions(env, 1, 10, now, []int64{20, 30}, true)
	require.NoError(t, err)
	assert.Empty(t, options, "predictions above the target yield open questions")
}

func TestCompetitiveChoicePrefersConfusedItems(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// item 20 is heavily confused with item 10
	for i := int64(1); i <= 30; i++ {
		answered := int64(20)
		require.NoError(t, env.ProcessAnswer(&models.Answer{
			ID: i, UserID: 1, ItemID: 10, ItemAskedID: 10, ItemAnsweredID: &answered, Time: now,
		}))
	}

	model := &fixedModel{predictions: map[int64]float64{10: 0.3}}
	itemSelector := NewRandomItemSelector(model, WithoutHistoryAdjustment())
	selector := NewOptionSelector(
		itemSelector,
		NewOptionsCount(ConstantCount{N: 1}),
		NewCompetitiveChoice(),
		rand.New(rand.NewSource(1)),
	)

	confusedWins := 0
	for i := 0; i < 50; i++ {
		options, err := selector.SelectOptions(env, 1, 10, now, []int64{20, 30, 40}, true)
		require.NoError(t, err)
		require.Len(t, options, 2)
		if options[0] == 20 {
			confusedWins++
		}
	}
	assert.Greater(t, confusedWins, 35)
}

func TestAdjustedChoiceLevels(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	choice := NewAdjustedChoice()

	confusing := []sampling.Weighted{
		{ID: 20, Weight: 100},
		{ID: 30, Weight: 10},
		{ID: 40, Weight: 0},
	}

	pickCounts := func(prediction float64) map[int64]int {
		counts := map[int64]int{}
		for i := 0; i < 300; i++ {
			chosen, err := choice.ComputeOptions(rng, 0.65, prediction, 1, confusing)
			require.NoError(t, err)
			counts[chosen[0]]++
		}
		return counts
	}

	// strong users mostly face the most confusing distractor
	strong := pickCounts(0.65)
	assert.Greater(t, strong[20], strong[40])

	// weak users mostly face the least confusing one
	weak := pickCounts(0.0)
	assert.Greater(t, weak[40], weak[20])
}

func TestRandomRecommender(t *testing.T) {
	env := environment.NewInMemoryEnvironment()
	recommender := NewRandomRecommender(rand.New(rand.NewSource(1)))

	items, err := recommender.Recommend(env, 1, []int64{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.NotEqual(t, items[0], items[1])

	_, err = recommender.Recommend(env, 1, []int64{1}, 2)
	assert.Error(t, err)
}
