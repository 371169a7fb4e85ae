package selection

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/sampling"
)

// ErrZeroOptionsNotAllowed is returned when a question must be rendered
// with options but no distractor candidates exist.
var ErrZeroOptionsNotAllowed = errors.New("selection: zero options are not allowed, but there are no candidates for options")

// OptionsCount decides how many distractors a question gets. The counting
// policy proposes a number; the surrounding configuration caps it by the
// available candidates and resolves the zero-option restrictions.
type OptionsCount struct {
	Policy CountPolicy

	MaxOptions int

	// AllowZeroOptionsRestriction honours the per-item allowZero flag:
	// items that can't be rendered as open questions are forced to at
	// least one distractor.
	AllowZeroOptionsRestriction bool

	// AllowZeroOptions globally permits open questions.
	AllowZeroOptions bool
}

func NewOptionsCount(policy CountPolicy) OptionsCount {
	return OptionsCount{
		Policy:                      policy,
		MaxOptions:                  6,
		AllowZeroOptionsRestriction: true,
		AllowZeroOptions:            true,
	}
}

// NumberOfOptions returns the number of distractors for one question.
func (c OptionsCount) NumberOfOptions(rng *rand.Rand, targetProbability, prediction float64, allowZero bool, available int) (int, error) {
	zeroForbidden := !c.AllowZeroOptions || (c.AllowZeroOptionsRestriction && !allowZero)
	if available == 0 {
		if zeroForbidden {
			return 0, ErrZeroOptionsNotAllowed
		}
		return 0, nil
	}
	n := c.Policy.ComputeNumberOfOptions(rng, c.MaxOptions, targetProbability, prediction)
	if n == 0 && zeroForbidden {
		n = c.MaxOptions - 1
	}
	return min(available, n), nil
}

// CountPolicy computes the raw number of distractors before capping.
type CountPolicy interface {
	ComputeNumberOfOptions(rng *rand.Rand, maxOptions int, targetProbability, prediction float64) int
}

// ZeroCount always renders open questions.
type ZeroCount struct{}

func (ZeroCount) ComputeNumberOfOptions(*rand.Rand, int, float64, float64) int {
	return 0
}

// ConstantCount always proposes the same number of distractors.
type ConstantCount struct {
	N int
}

func (c ConstantCount) ComputeNumberOfOptions(*rand.Rand, int, float64, float64) int {
	return c.N
}

// PartiallyConstantCount proposes a constant number of distractors for
// users below the target probability and an open question above it.
type PartiallyConstantCount struct {
	N int
}

func (c PartiallyConstantCount) ComputeNumberOfOptions(_ *rand.Rand, _ int, targetProbability, prediction float64) int {
	if prediction >= targetProbability {
		return 0
	}
	return c.N
}

// FullyRandomCount ignores the prediction entirely.
type FullyRandomCount struct{}

func (FullyRandomCount) ComputeNumberOfOptions(rng *rand.Rand, maxOptions int, _, _ float64) int {
	return rng.Intn(maxOptions)
}

// PartiallyRandomCount randomizes the count below the target probability
// and renders an open question above it.
type PartiallyRandomCount struct{}

func (PartiallyRandomCount) ComputeNumberOfOptions(rng *rand.Rand, maxOptions int, targetProbability, prediction float64) int {
	if prediction > targetProbability {
		return 0
	}
	return rng.Intn(maxOptions)
}

// AdjustedCount derives the count from the guess probability that would
// lift the predicted success up to the target: g = (target - p) / (1 - p),
// capped at one half, and k = round(1/g) options imply k - 1 distractors.
// Users already above the target get an open question.
type AdjustedCount struct{}

func (AdjustedCount) ComputeNumberOfOptions(_ *rand.Rand, maxOptions int, targetProbability, prediction float64) int {
	g := math.Min(0.5, math.Max(0, targetProbability-prediction)/math.Max(0.00001, 1-prediction))
	k := 1
	if g != 0 {
		k = int(math.Round(1.0 / g))
	}
	if k > maxOptions || k == 0 {
		return 0
	}
	return k - 1
}

// UniformlyAdjustedCount scales the count linearly with the predicted
// success relative to the target.
type UniformlyAdjustedCount struct{}

func (UniformlyAdjustedCount) ComputeNumberOfOptions(_ *rand.Rand, maxOptions int, targetProbability, prediction float64) int {
	if prediction >= targetProbability {
		return 0
	}
	n := int(math.Ceil(prediction / math.Max(targetProbability, 0.00001) * float64(maxOptions-1)))
	return max(n, 1)
}

// ChoicePolicy picks the distractors out of the weighted candidates. The
// weight of a candidate is how often it was confused with the asked item.
type ChoicePolicy interface {
	ComputeOptions(rng *rand.Rand, targetProbability, prediction float64, n int, confusing []sampling.Weighted) ([]int64, error)
}

// RandomChoice ignores the confusing factors.
type RandomChoice struct{}

func (RandomChoice) ComputeOptions(rng *rand.Rand, _, _ float64, n int, confusing []sampling.Weighted) ([]int64, error) {
	if n > len(confusing) {
		return nil, fmt.Errorf("selection: can't choose %d options from %d candidates", n, len(confusing))
	}
	perm := rng.Perm(len(confusing))
	chosen := make([]int64, 0, n)
	for _, idx := range perm[:n] {
		chosen = append(chosen, confusing[idx].ID)
	}
	return chosen, nil
}

// CompetitiveChoice prefers the candidates most often confused with the
// asked item. The floor keeps never-confused candidates selectable.
type CompetitiveChoice struct {
	Floor float64
}

func NewCompetitiveChoice() CompetitiveChoice {
	return CompetitiveChoice{Floor: 1.0}
}

func (c CompetitiveChoice) ComputeOptions(rng *rand.Rand, _, _ float64, n int, confusing []sampling.Weighted) ([]int64, error) {
	weighted := make([]sampling.Weighted, len(confusing))
	for i, cand := range confusing {
		weighted[i] = sampling.Weighted{ID: cand.ID, Weight: cand.Weight + c.Floor}
	}
	return sampling.Roulette(rng, weighted, n)
}

// AdjustedChoice interpolates between anti-competitive and competitive
// behaviour based on how far the user's prediction is below the target:
// weak users get the least confusing distractors, strong users the most
// confusing ones.
type AdjustedChoice struct {
	Floor float64
}

func NewAdjustedChoice() AdjustedChoice {
	return AdjustedChoice{Floor: 1.0}
}

func (c AdjustedChoice) ComputeOptions(rng *rand.Rand, targetProbability, prediction float64, n int, confusing []sampling.Weighted) ([]int64, error) {
	level := math.Min(prediction/math.Max(targetProbability, 0.00001), 1.0)

	ordered := make([]sampling.Weighted, len(confusing))
	copy(ordered, confusing)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Weight < ordered[j].Weight })

	weights := make([]float64, len(ordered))
	for i, cand := range ordered {
		weights[i] = cand.Weight
	}
	median := medianOf(weights)

	weighted := make([]sampling.Weighted, len(ordered))
	for i, cand := range ordered {
		opposite := weights[len(weights)-1-i]
		weighted[i] = sampling.Weighted{
			ID:     cand.ID,
			Weight: adjustToLevel(level, cand.Weight, opposite, median) + c.Floor,
		}
	}
	return sampling.Roulette(rng, weighted, n)
}

// adjustToLevel maps a candidate's weight x to an effective weight: at
// level 1 the original weight, at level 0.5 the median, at level 0 the
// weight of the opposite candidate in the sorted order.
func adjustToLevel(level, x, opposite, median float64) float64 {
	if x > median {
		if level > 0.5 {
			return median + (x-median)*((level-0.5)/0.5)
		}
		return opposite + (median-opposite)*(level/0.5)
	}
	if level > 0.5 {
		return x + (median-x)*((level-0.5)/0.5)
	}
	return median + (opposite-median)*(level/0.5)
}

func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// OptionSelector assembles the displayed options of a question: it decides
// how many distractors to show and which ones, and always appends the asked
// item itself as the last option.
type OptionSelector struct {
	itemSelector ItemSelector
	count        OptionsCount
	choice       ChoicePolicy
	rng          *rand.Rand
}

func NewOptionSelector(itemSelector ItemSelector, count OptionsCount, choice ChoicePolicy, rng *rand.Rand) *OptionSelector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &OptionSelector{itemSelector: itemSelector, count: count, choice: choice, rng: rng}
}

func (s *OptionSelector) ItemSelector() ItemSelector {
	return s.itemSelector
}

// SelectOptions picks the options for a single asked item. An empty result
// means an open question. candidates are the items eligible as distractors.
func (s *OptionSelector) SelectOptions(env environment.CommonEnvironment, user, item int64, now time.Time, candidates []int64, allowZero bool) ([]int64, error) {
	results, err := s.SelectOptionsMoreItems(env, user, []int64{item}, now,
		map[int64][]int64{item: candidates}, map[int64]bool{item: allowZero})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (s *OptionSelector) SelectOptionsMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, candidates map[int64][]int64, allowZero map[int64]bool) ([][]int64, error) {
	predictions := s.itemSelector.Predictions(env, user, items, now)
	targetProbability := s.itemSelector.TargetProbability(env, user)

	result := make([][]int64, 0, len(items))
	for _, item := range items {
		prediction := predictions[item]
		itemCandidates := make([]int64, 0, len(candidates[item]))
		for _, c := range candidates[item] {
			if c != item {
				itemCandidates = append(itemCandidates, c)
			}
		}
		zeroAllowed := true
		if allowZero != nil {
			if v, ok := allowZero[item]; ok {
				zeroAllowed = v
			}
		}
		n, err := s.count.NumberOfOptions(s.rng, targetProbability, prediction, zeroAllowed, len(itemCandidates))
		if err != nil {
			return nil, fmt.Errorf("selecting options for item %d: %w", item, err)
		}
		if n == 0 {
			result = append(result, nil)
			continue
		}

		factors := env.ConfusingFactorMoreItems(item, itemCandidates, nil)
		confusing := make([]sampling.Weighted, len(itemCandidates))
		for i, c := range itemCandidates {
			confusing[i] = sampling.Weighted{ID: c, Weight: float64(factors[i])}
		}
		options, err := s.choice.ComputeOptions(s.rng, targetProbability, prediction, n, confusing)
		if err != nil {
			return nil, fmt.Errorf("selecting options for item %d: %w", item, err)
		}
		if len(options) != n {
			return nil, fmt.Errorf("selection: wrong number of options for item %d: want %d, got %d", item, n, len(options))
		}
		seen := make(map[int64]bool, len(options))
		for _, o := range options {
			if seen[o] {
				return nil, fmt.Errorf("selection: duplicated option %d for item %d", o, item)
			}
			seen[o] = true
		}
		result = append(result, append(options, item))
	}
	return result, nil
}
