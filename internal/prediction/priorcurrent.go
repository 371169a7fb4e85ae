package prediction

import (
	"math"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

const (
	priorSkillKey   = "prior_skill"
	currentSkillKey = "current_skill"
	difficultyKey   = "difficulty"
	skillKey        = "skill"
)

// fallbackSecondsAgo stands in for the time since the last answer when no
// timestamp is available, roughly ten years.
const fallbackSecondsAgo = 315460000.0

// PriorCurrentModel is the production Elo/PFA hybrid. The first answer of a
// user on an item moves the global Elo pair (the user's prior skill, the
// item's difficulty) with a learning rate that decays with the number of
// first answers seen so far; every answer moves the user's per-item current
// skill by a PFA-extended step, with a forgetting bonus that shrinks with
// the time elapsed since the previous answer.
type PriorCurrentModel struct {
	TimeShift       float64
	PFAEGood        float64
	PFAEBad         float64
	EloAlpha        float64
	EloDynamicAlpha float64
}

var _ Model = (*PriorCurrentModel)(nil)

func NewPriorCurrentModel() *PriorCurrentModel {
	return &PriorCurrentModel{
		TimeShift:       80.0,
		PFAEGood:        3.4,
		PFAEBad:         0.3,
		EloAlpha:        0.8,
		EloDynamicAlpha: 0.05,
	}
}

type priorCurrentItem struct {
	difficulty   float64
	currentSkill float64
	hasCurrent   bool
	lastTime     *time.Time
}

type priorCurrentData struct {
	priorSkill       float64
	items            map[int64]priorCurrentItem
	userFirstAnswers int
	itemFirstAnswers map[int64]int
}

func (m *PriorCurrentModel) PreparePhase(env environment.CommonEnvironment, user, item int64, now time.Time, opts Options) any {
	data := priorCurrentData{
		priorSkill:       env.Read(priorSkillKey, environment.ForUser(user), 0),
		items:            make(map[int64]priorCurrentItem, 1),
		itemFirstAnswers: make(map[int64]int, 1),
	}
	currentSkill := env.Read(currentSkillKey, environment.ForUserItem(user, item), math.NaN())
	entry := priorCurrentItem{
		difficulty:   env.Read(difficultyKey, environment.ForItem(item), 0),
		currentSkill: currentSkill,
		hasCurrent:   !math.IsNaN(currentSkill),
	}
	if entry.hasCurrent {
		entry.lastTime = env.LastAnswerTime(environment.ForUserItem(user, item))
	} else {
		data.userFirstAnswers = env.NumberOfFirstAnswers(environment.ForUser(user))
		data.itemFirstAnswers[item] = env.NumberOfFirstAnswers(environment.ForItem(item))
	}
	data.items[item] = entry
	return data
}

func (m *PriorCurrentModel) PreparePhaseMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts Options) any {
	data := priorCurrentData{
		priorSkill:       env.Read(priorSkillKey, environment.ForUser(user), 0),
		items:            make(map[int64]priorCurrentItem, len(items)),
		itemFirstAnswers: make(map[int64]int, len(items)),
	}
	difficulties := env.ReadMoreItems(difficultyKey, items, environment.Global(), 0)
	currentSkills := env.ReadMoreItems(currentSkillKey, items, environment.ForUser(user), math.NaN())
	lastTimes := env.LastAnswerTimeMoreItems(items, &user)
	for i, item := range items {
		data.items[item] = priorCurrentItem{
			difficulty:   difficulties[i],
			currentSkill: currentSkills[i],
			hasCurrent:   !math.IsNaN(currentSkills[i]),
			lastTime:     lastTimes[i],
		}
	}
	return data
}

func (m *PriorCurrentModel) PredictPhase(data any, user, item int64, now time.Time, opts Options) float64 {
	d := data.(priorCurrentData)
	entry := d.items[item]
	var skill float64
	if !entry.hasCurrent {
		skill = d.priorSkill - entry.difficulty
	} else {
		secondsAgo := fallbackSecondsAgo
		if entry.lastTime != nil && !now.IsZero() {
			secondsAgo = now.Sub(*entry.lastTime).Seconds()
		}
		skill = entry.currentSkill + m.TimeShift/math.Max(secondsAgo, 0.001)
	}
	return PredictSimple(skill, opts)
}

func (m *PriorCurrentModel) PredictPhaseMoreItems(data any, user int64, items []int64, now time.Time, opts Options) []float64 {
	result := make([]float64, len(items))
	for i, item := range items {
		result[i] = m.PredictPhase(data, user, item, now, opts)
	}
	return result
}

func (m *PriorCurrentModel) UpdatePhase(env environment.CommonEnvironment, data any, prediction float64, user, item int64, correct bool, now time.Time, answerID int64, opts Options) error {
	d := data.(priorCurrentData)
	entry := d.items[item]
	result := correctness(correct)

	currentSkill := entry.currentSkill
	if !entry.hasCurrent {
		currentSkill = d.priorSkill - entry.difficulty
	}
	if correct {
		currentSkill += m.PFAEGood * (result - prediction)
	} else {
		currentSkill += m.PFAEBad * (result - prediction)
	}
	writeOpts := environment.WriteOptions{Time: now, Answer: &answerID}
	if err := env.Write(currentSkillKey, currentSkill, environment.ForUserItem(user, item), writeOpts); err != nil {
		return err
	}

	if !entry.hasCurrent {
		alpha := func(n int) float64 {
			return m.EloAlpha / (1 + m.EloDynamicAlpha*float64(n))
		}
		priorSkill := d.priorSkill + alpha(d.userFirstAnswers)*(result-prediction)
		if err := env.Write(priorSkillKey, priorSkill, environment.ForUser(user), writeOpts); err != nil {
			return err
		}
		difficulty := entry.difficulty - alpha(d.itemFirstAnswers[item])*(result-prediction)
		if err := env.Write(difficultyKey, difficulty, environment.ForItem(item), writeOpts); err != nil {
			return err
		}
	}
	return nil
}
