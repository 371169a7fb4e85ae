package prediction

import (
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

// ShiftedModel shifts another model's predictions by a constant, clamped to
// [0, 1]. It calibrates a model against a population whose observed success
// rate differs from the modelled one. Updates are driven by the inner
// model's unshifted prediction, so the stored skills stay unbiased.
type ShiftedModel struct {
	Inner Model
	Shift float64
}

var _ Model = (*ShiftedModel)(nil)

func (m *ShiftedModel) PreparePhase(env environment.CommonEnvironment, user, item int64, now time.Time, opts Options) any {
	return m.Inner.PreparePhase(env, user, item, now, opts)
}

func (m *ShiftedModel) PreparePhaseMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts Options) any {
	return m.Inner.PreparePhaseMoreItems(env, user, items, now, opts)
}

func (m *ShiftedModel) PredictPhase(data any, user, item int64, now time.Time, opts Options) float64 {
	return clamp01(m.Inner.PredictPhase(data, user, item, now, opts) + m.Shift)
}

func (m *ShiftedModel) PredictPhaseMoreItems(data any, user int64, items []int64, now time.Time, opts Options) []float64 {
	predictions := m.Inner.PredictPhaseMoreItems(data, user, items, now, opts)
	for i, p := range predictions {
		predictions[i] = clamp01(p + m.Shift)
	}
	return predictions
}

func (m *ShiftedModel) UpdatePhase(env environment.CommonEnvironment, data any, prediction float64, user, item int64, correct bool, now time.Time, answerID int64, opts Options) error {
	inner := m.Inner.PredictPhase(data, user, item, now, opts)
	return m.Inner.UpdatePhase(env, data, inner, user, item, correct, now, answerID, opts)
}
