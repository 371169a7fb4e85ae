// Package prediction implements the predictive models estimating the
// probability that a user answers an item correctly.
//
// Every model works in three phases: prepare loads the needed statistics
// from the environment, predict turns them into a probability, and update
// writes the adjusted statistics back once the answer's correctness is
// known. The phases are split so that item selection can run the predict
// phase over many candidates with a single prepared data set.
package prediction

import (
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
)

// Options carries the answer context shared by all models: the displayed
// options (empty for open answers) and an optional explicit guess
// probability overriding the 1/len(options) default.
type Options struct {
	Options []int64
	Guess   *float64
}

func (o Options) guess() float64 {
	if o.Guess != nil {
		return *o.Guess
	}
	if len(o.Options) > 0 {
		return 1.0 / float64(len(o.Options))
	}
	return 0
}

// Model is one predictive model. The data value returned by a prepare phase
// is owned by the model and is only ever passed back to the same model's
// predict and update phases.
type Model interface {
	PreparePhase(env environment.CommonEnvironment, user, item int64, now time.Time, opts Options) any
	PreparePhaseMoreItems(env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts Options) any

	PredictPhase(data any, user, item int64, now time.Time, opts Options) float64
	PredictPhaseMoreItems(data any, user int64, items []int64, now time.Time, opts Options) []float64

	UpdatePhase(env environment.CommonEnvironment, data any, prediction float64, user, item int64, correct bool, now time.Time, answerID int64, opts Options) error
}

// Predict runs the prepare and predict phases for a single item.
func Predict(m Model, env environment.CommonEnvironment, user, item int64, now time.Time, opts Options) float64 {
	data := m.PreparePhase(env, user, item, now, opts)
	return m.PredictPhase(data, user, item, now, opts)
}

// PredictMoreItems runs the prepare and predict phases for a candidate set.
func PredictMoreItems(m Model, env environment.CommonEnvironment, user int64, items []int64, now time.Time, opts Options) []float64 {
	data := m.PreparePhaseMoreItems(env, user, items, now, opts)
	return m.PredictPhaseMoreItems(data, user, items, now, opts)
}

// PredictAndUpdate runs all three phases for one answer and returns the
// prediction that was in effect before the update.
func PredictAndUpdate(m Model, env environment.CommonEnvironment, user, item int64, correct bool, now time.Time, answerID int64, opts Options) (float64, error) {
	data := m.PreparePhase(env, user, item, now, opts)
	prediction := m.PredictPhase(data, user, item, now, opts)
	if err := m.UpdatePhase(env, data, prediction, user, item, correct, now, answerID, opts); err != nil {
		return prediction, err
	}
	return prediction, nil
}

func correctness(correct bool) float64 {
	if correct {
		return 1
	}
	return 0
}
