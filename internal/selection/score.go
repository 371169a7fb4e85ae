package selection

import (
	"math"
	"sort"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/prediction"
)

// ScoreItemSelector greedily picks the candidates with the highest combined
// score of three factors: how close the predicted success probability is to
// the target, how long ago the item (and its parents) were practiced, and
// how many answers the item (and its parents) already collected. After each
// pick the parent freshness is recomputed, so two children of the same
// parent don't end up back to back in one practice set.
type ScoreItemSelector struct {
	selectorBase

	WeightProbability           float64
	WeightNumberOfAnswers       float64
	WeightTimeAgo               float64
	WeightParentTimeAgo         float64
	WeightParentNumberOfAnswers float64
	TimeAgoMax                  float64

	// RecomputeParentScore disables the greedy loop when false; items are
	// then taken straight from the one-shot score ranking.
	RecomputeParentScore bool

	// EstimateParentFactors derives parent statistics from the candidate
	// set only. When false, the full child lists of the parents are
	// loaded, which is exact but touches many more records.
	EstimateParentFactors bool
}

var _ ItemSelector = (*ScoreItemSelector)(nil)

func NewScoreItemSelector(model prediction.Model, opts ...Option) *ScoreItemSelector {
	return &ScoreItemSelector{
		selectorBase:                newSelectorBase(model, opts...),
		WeightProbability:           10.0,
		WeightNumberOfAnswers:       5.0,
		WeightTimeAgo:               5.0,
		WeightParentTimeAgo:         5.0,
		WeightParentNumberOfAnswers: 2.5,
		TimeAgoMax:                  120,
		RecomputeParentScore:        true,
		EstimateParentFactors:       true,
	}
}

type scoredItem struct {
	item       int64
	score      float64
	tiebreaker float64
}

func (s *ScoreItemSelector) Select(env environment.CommonEnvironment, user int64, items []int64, now time.Time, n, queued int) ([]int64, []Meta, error) {
	parents := env.ItemsWithValuesMoreItems("parent", items, nil)
	relatedItems := items
	if !s.EstimateParentFactors {
		var parentIDs []int64
		seen := make(map[int64]bool)
		for _, refs := range parents {
			for _, ref := range refs {
				if !seen[ref.Item] {
					seen[ref.Item] = true
					parentIDs = append(parentIDs, ref.Item)
				}
			}
		}
		children := env.ItemsWithValuesMoreItems("child", parentIDs, nil)
		relatedItems = relatedItems[:0]
		parents = make(map[int64][]environment.ItemValue)
		for parent, childRefs := range children {
			for _, ref := range childRefs {
				relatedItems = append(relatedItems, ref.Item)
				parents[ref.Item] = append(parents[ref.Item], environment.ItemValue{Item: parent, Value: ref.Value})
			}
		}
	}

	answersNum := make(map[int64]int, len(relatedItems))
	lastAnswerTime := make(map[int64]*time.Time, len(relatedItems))
	answers := env.NumberOfAnswersMoreItems(relatedItems, &user)
	lastTimes := env.LastAnswerTimeMoreItems(relatedItems, &user)
	for i, item := range relatedItems {
		answersNum[item] = answers[i]
		lastAnswerTime[item] = lastTimes[i]
	}

	probability := s.Predictions(env, user, items, now)
	parentLastTime := parentLastAnswerTimes(parents, lastAnswerTime)
	parentAnswers := parentAnswerCounts(parents, answersNum)
	probTarget := s.TargetProbability(env, user)

	scored := make([]scoredItem, 0, len(items))
	for _, item := range items {
		score := s.WeightProbability*s.scoreProbability(probTarget, probability[item]) +
			s.WeightTimeAgo*s.scoreLastAnswerTime(lastAnswerTime[item], now) +
			s.WeightNumberOfAnswers*s.scoreAnswersNum(answersNum[item])
		scored = append(scored, scoredItem{item: item, score: score, tiebreaker: s.rng.Float64()})
	}

	finishScore := func(c scoredItem) scoredItem {
		parentTimeScore := 0.0
		parentAnswersScore := 0.0
		total := 0.0
		for _, ref := range parents[c.item] {
			parentTimeScore += ref.Value * s.scoreLastAnswerTime(parentLastTime[ref.Item], now)
			parentAnswersScore += ref.Value * s.scoreAnswersNum(parentAnswers[ref.Item])
			total++
		}
		if total > 0 {
			parentTimeScore /= total
			parentAnswersScore /= total
		}
		c.score += s.WeightParentTimeAgo*parentTimeScore + s.WeightParentNumberOfAnswers*parentAnswersScore
		return c
	}

	var candidates []int64
	if s.RecomputeParentScore {
		for len(candidates) < n && len(scored) > 0 {
			best := -1
			var bestScored scoredItem
			for i, c := range scored {
				finished := finishScore(c)
				if best < 0 || finished.score > bestScored.score ||
					(finished.score == bestScored.score && finished.tiebreaker > bestScored.tiebreaker) {
					best = i
					bestScored = finished
				}
			}
			candidates = append(candidates, bestScored.item)
			for _, ref := range parents[bestScored.item] {
				t := now
				parentLastTime[ref.Item] = &t
			}
			scored = append(scored[:best], scored[best+1:]...)
		}
	} else {
		finished := make([]scoredItem, len(scored))
		for i, c := range scored {
			finished[i] = finishScore(c)
		}
		sortScoredDesc(finished)
		limit := min(len(finished), n)
		for _, c := range finished[:limit] {
			candidates = append(candidates, c.item)
		}
	}

	return candidates, make([]Meta, len(candidates)), nil
}

// scoreAnswersNum prefers items with few answers so far.
func (s *ScoreItemSelector) scoreAnswersNum(answersNum int) float64 {
	return 0.5 / math.Max(math.Sqrt(float64(answersNum)), 0.5)
}

// scoreProbability peaks at the target probability and falls off
// quadratically, normalized so that both probability extremes score zero.
func (s *ScoreItemSelector) scoreProbability(targetProbability, probability float64) float64 {
	diff := targetProbability - probability
	sign := -1.0
	if diff > 0 {
		sign = 1.0
	}
	normedDiff := math.Abs(diff) / math.Max(0.001, math.Abs(targetProbability-0.5+sign*0.5))
	return 1 - normedDiff*normedDiff
}

// scoreLastAnswerTime penalizes recently practiced items on a logarithmic
// scale, flattening out at TimeAgoMax seconds.
func (s *ScoreItemSelector) scoreLastAnswerTime(lastAnswerTime *time.Time, now time.Time) float64 {
	if lastAnswerTime == nil {
		return 0
	}
	secondsAgo := now.Sub(*lastAnswerTime).Seconds()
	if secondsAgo <= 0 {
		return -1
	}
	return -1 + math.Log2(math.Min(secondsAgo, s.TimeAgoMax))/math.Log2(s.TimeAgoMax)
}

func parentAnswerCounts(parents map[int64][]environment.ItemValue, answersNum map[int64]int) map[int64]int {
	result := make(map[int64]int)
	for item, refs := range parents {
		for _, ref := range refs {
			result[ref.Item] += answersNum[item]
		}
	}
	return result
}

func parentLastAnswerTimes(parents map[int64][]environment.ItemValue, lastAnswerTime map[int64]*time.Time) map[int64]*time.Time {
	result := make(map[int64]*time.Time)
	for item, refs := range parents {
		t := lastAnswerTime[item]
		for _, ref := range refs {
			current, ok := result[ref.Item]
			if !ok || (t != nil && (current == nil || t.After(*current))) {
				result[ref.Item] = t
			}
		}
	}
	return result
}

func sortScoredDesc(scored []scoredItem) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].tiebreaker > scored[j].tiebreaker
	})
}
