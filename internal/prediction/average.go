package prediction

import (
	"math"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

const totalSumKey = "total_sum"

// AverageModel predicts the historical success rate of the item, ignoring
// the user entirely. It serves as the baseline the adaptive models are
// measured against.
type AverageModel struct{}

var _ Model = (*AverageModel)(nil)

type averageData struct {
	totalSums map[int64]float64
	answers   map[int64]int
}

func (m *AverageModel) PreparePhase(env environment.CommonEnvironment, user, item int64, now time.Time, opts Options) any {
	return m.PreparePhaseMoreItems(env, user, []int64{item}, now, opts)
}

func (m *AverageModel) PreparePhaseMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts Options) any {
	totalSums := env.ReadMoreItems(totalSumKey, items, environment.Global(), 0)
	answers := env.NumberOfAnswersMoreItems(items, nil)
	data := averageData{
		totalSums: make(map[int64]float64, len(items)),
		answers:   make(map[int64]int, len(items)),
	}
	for i, item := range items {
		data.totalSums[item] = totalSums[i]
		data.answers[item] = answers[i]
	}
	return data
}

func (m *AverageModel) PredictPhase(data any, user, item int64, now time.Time, opts Options) float64 {
	d := data.(averageData)
	return d.totalSums[item] / math.Max(float64(d.answers[item]), 1)
}

func (m *AverageModel) PredictPhaseMoreItems(data any, user int64, items []int64, now time.Time, opts Options) []float64 {
	result := make([]float64, len(items))
	for i, item := range items {
		result[i] = m.PredictPhase(data, user, item, now, opts)
	}
	return result
}

func (m *AverageModel) UpdatePhase(env environment.CommonEnvironment, data any, prediction float64, user, item int64, correct bool, now time.Time, answerID int64, opts Options) error {
	return env.Update(totalSumKey, 0, func(v float64) float64 {
		return v + correctness(correct)
	}, environment.ForItem(item), environment.WriteOptions{Time: now, Answer: &answerID})
}
