package prediction

import (
	"math"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

const parentKey = "parent"

// AlwaysLearningModel spreads every answer over the item's whole ancestor
// chain: an item's effective skill is the level-wise weighted mean of the
// skills stored on the item and its (transitive) parents, and an update
// nudges each ancestor with a step that decays by a factor of three per
// hierarchy level.
type AlwaysLearningModel struct {
	PFAEGood        float64
	PFAEBad         float64
	EloAlpha        float64
	EloDynamicAlpha float64
}

var _ Model = (*AlwaysLearningModel)(nil)

func NewAlwaysLearningModel() *AlwaysLearningModel {
	return &AlwaysLearningModel{
		PFAEGood:        1.0,
		PFAEBad:         0.5,
		EloAlpha:        0.8,
		EloDynamicAlpha: 0.05,
	}
}

// parentRef is one weighted parent edge; a nil item marks a root, which
// contributes weight but no skill.
type parentRef struct {
	item   *int64
	weight float64
}

type alwaysLearningData struct {
	skills       map[int64]float64
	firstAnswers map[int64]int
	difficulties map[int64]float64
	lastTimes    map[int64]*time.Time
	parents      map[int64][]parentRef
}

func (m *AlwaysLearningModel) PreparePhase(env environment.CommonEnvironment, user, item int64, now time.Time, opts Options) any {
	return m.PreparePhaseMoreItems(env, user, []int64{item}, now, opts)
}

func (m *AlwaysLearningModel) PreparePhaseMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts Options) any {
	parents := m.loadParents(env, items)

	allItems := make([]int64, 0, len(parents))
	seen := make(map[int64]bool, len(parents))
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			allItems = append(allItems, item)
		}
	}
	for _, refs := range parents {
		for _, ref := range refs {
			if ref.item != nil && !seen[*ref.item] {
				seen[*ref.item] = true
				allItems = append(allItems, *ref.item)
			}
		}
	}

	skills := env.ReadMoreItems(skillKey, allItems, environment.ForUser(user), 0)
	firstAnswers := env.NumberOfFirstAnswersMoreItems(items, nil)
	difficulties := env.ReadMoreItems(difficultyKey, items, environment.Global(), 0)
	lastTimes := env.LastAnswerTimeMoreItems(items, &user)

	data := alwaysLearningData{
		skills:       make(map[int64]float64, len(allItems)),
		firstAnswers: make(map[int64]int, len(items)),
		difficulties: make(map[int64]float64, len(items)),
		lastTimes:    make(map[int64]*time.Time, len(items)),
		parents:      parents,
	}
	for i, item := range allItems {
		data.skills[item] = skills[i]
	}
	for i, item := range items {
		data.firstAnswers[item] = firstAnswers[i]
		data.difficulties[item] = difficulties[i]
		data.lastTimes[item] = lastTimes[i]
	}
	return data
}

func (m *AlwaysLearningModel) PredictPhase(data any, user, item int64, now time.Time, opts Options) float64 {
	d := data.(alwaysLearningData)
	skill := m.loadSkill(item, d)
	return PredictSimple(skill-d.difficulties[item], opts)
}

func (m *AlwaysLearningModel) PredictPhaseMoreItems(data any, user int64, items []int64, now time.Time, opts Options) []float64 {
	result := make([]float64, len(items))
	for i, item := range items {
		result[i] = m.PredictPhase(data, user, item, now, opts)
	}
	return result
}

func (m *AlwaysLearningModel) UpdatePhase(env environment.CommonEnvironment, data any, prediction float64, user, item int64, correct bool, now time.Time, answerID int64, opts Options) error {
	d := data.(alwaysLearningData)
	result := correctness(correct)
	writeOpts := environment.WriteOptions{Time: now, Answer: &answerID}

	if d.lastTimes[item] == nil {
		alpha := m.EloAlpha / (1 + m.EloDynamicAlpha*float64(d.firstAnswers[item]))
		d.difficulties[item] -= alpha * (result - prediction)
		if err := env.Write(difficultyKey, d.difficulties[item], environment.ForItem(item), writeOpts); err != nil {
			return err
		}
	}

	// distinct ancestors per level, deepest level updated first
	var levels [][]int64
	for _, refs := range m.iterateParentsPerLevel(item, d) {
		distinct := make([]int64, 0, len(refs))
		seen := make(map[int64]bool, len(refs))
		for _, ref := range refs {
			if ref.item != nil && !seen[*ref.item] {
				seen[*ref.item] = true
				distinct = append(distinct, *ref.item)
			}
		}
		levels = append(levels, distinct)
	}

	updateConst := m.PFAEBad
	if correct {
		updateConst = m.PFAEGood
	}
	difficulty := d.difficulties[item]
	for level := len(levels) - 1; level >= 0; level-- {
		decay := 1.0 / math.Pow(3, float64(level))
		for _, parent := range levels[level] {
			parentPrediction := PredictSimple(m.loadSkill(parent, d)-difficulty, opts)
			d.skills[parent] += decay * updateConst * (result - parentPrediction)
			key := environment.Key{User: &user, Item: &parent}
			if err := env.Write(skillKey, d.skills[parent], key, writeOpts); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadParents walks the hierarchy upwards from the given items until all
// ancestor chains are resolved. Items without stored parents get a single
// root sentinel, so their own level still carries full weight.
func (m *AlwaysLearningModel) loadParents(env environment.CommonEnvironment, items []int64) map[int64][]parentRef {
	parents := make(map[int64][]parentRef)
	frontier := items
	for len(frontier) > 0 {
		found := env.ItemsWithValuesMoreItems(parentKey, frontier, nil)
		next := make(map[int64]bool)
		for item, values := range found {
			refs := make([]parentRef, 0, len(values))
			for _, v := range values {
				parent := v.Item
				refs = append(refs, parentRef{item: &parent, weight: v.Value})
				if _, done := parents[parent]; !done {
					next[parent] = true
				}
			}
			if len(refs) == 0 {
				refs = append(refs, parentRef{weight: 1})
			}
			parents[item] = refs
		}
		frontier = frontier[:0]
		for item := range next {
			frontier = append(frontier, item)
		}
	}
	return parents
}

// loadSkill sums the level-wise weighted mean of the stored skills along
// the item's ancestor chain.
func (m *AlwaysLearningModel) loadSkill(item int64, d alwaysLearningData) float64 {
	skill := 0.0
	for _, refs := range m.iterateParentsPerLevel(item, d) {
		total := 0.0
		for _, ref := range refs {
			total += ref.weight
		}
		for _, ref := range refs {
			if ref.item != nil {
				skill += d.skills[*ref.item] * ref.weight / total
			}
		}
	}
	return skill
}

// iterateParentsPerLevel returns the weighted ancestor sets by level,
// starting with the item itself at level zero.
func (m *AlwaysLearningModel) iterateParentsPerLevel(item int64, d alwaysLearningData) [][]parentRef {
	var levels [][]parentRef
	current := []parentRef{{item: &item, weight: 1}}
	for len(current) > 0 {
		levels = append(levels, current)
		var next []parentRef
		for _, ref := range current {
			if ref.item == nil {
				continue
			}
			next = append(next, d.parents[*ref.item]...)
		}
		current = next
	}
	return levels
}
