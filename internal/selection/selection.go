// Package selection decides what to practice: which items a user should be
// asked next and which distractor options a multiple-choice question should
// carry.
package selection

import (
	"math"
	"math/rand"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/prediction"
)

// DefaultTargetProbability is the success rate the practice aims at.
const DefaultTargetProbability = 0.65

// Meta carries optional information about why an item was selected.
type Meta map[string]any

// ItemSelector picks n items out of the candidate pool. The queued argument
// is the number of already scheduled, not yet answered items in the user's
// practice queue.
type ItemSelector interface {
	Select(env environment.CommonEnvironment, user int64, items []int64, now time.Time, n, queued int) ([]int64, []Meta, error)

	// Predictions returns the memoized prediction per candidate item,
	// computing the missing ones. Option selection reuses the values the
	// item selection already paid for.
	Predictions(env environment.CommonEnvironment, user int64, items []int64, now time.Time) map[int64]float64

	// TargetProbability is the (possibly history-adjusted) success rate the
	// selector aims at for this user.
	TargetProbability(env environment.CommonEnvironment, user int64) float64

	RollingSuccess(env environment.CommonEnvironment, user int64) (float64, bool)
	HistoryAdjustment() bool
}

// AdjustTargetProbability moves the target success rate towards the user's
// recent performance: a user struggling below the target gets easier items,
// a user cruising above it gets harder ones. Without a full window of
// recent answers the target stays untouched.
func AdjustTargetProbability(target, rollingSuccess float64, ok bool) float64 {
	if !ok {
		return target
	}
	norm := target
	if rollingSuccess > target {
		norm = 1 - target
	}
	correction := ((target - rollingSuccess) / math.Max(0.001, norm)) * (1 - norm)
	return target + correction
}

// selectorBase carries the state shared by the item selectors: the
// predictive model, the memoized predictions and rolling success, and the
// target probability adjustment.
type selectorBase struct {
	model             prediction.Model
	targetProbability float64
	historyAdjustment bool
	rollingWindow     int
	rng               *rand.Rand

	predictions    map[int64]float64
	rolling        float64
	rollingOK      bool
	rollingPresent bool
}

func newSelectorBase(model prediction.Model, opts ...Option) selectorBase {
	base := selectorBase{
		model:             model,
		targetProbability: DefaultTargetProbability,
		historyAdjustment: true,
		rollingWindow:     environment.DefaultRollingWindow,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(&base)
	}
	return base
}

// Option configures an item selector.
type Option func(*selectorBase)

func WithTargetProbability(target float64) Option {
	return func(b *selectorBase) {
		b.targetProbability = target
	}
}

// WithRollingWindow sets how many recent answers the target probability
// adjustment looks at. Non-positive values keep the default.
func WithRollingWindow(window int) Option {
	return func(b *selectorBase) {
		if window > 0 {
			b.rollingWindow = window
		}
	}
}

// WithoutHistoryAdjustment pins the target probability regardless of the
// user's recent success.
func WithoutHistoryAdjustment() Option {
	return func(b *selectorBase) {
		b.historyAdjustment = false
	}
}

// WithRand injects a deterministic random source.
func WithRand(rng *rand.Rand) Option {
	return func(b *selectorBase) {
		b.rng = rng
	}
}

func (b *selectorBase) Predictions(env environment.CommonEnvironment, user int64, items []int64, now time.Time) map[int64]float64 {
	if b.predictions != nil {
		complete := true
		for _, item := range items {
			if _, ok := b.predictions[item]; !ok {
				complete = false
				break
			}
		}
		if complete {
			return b.predictions
		}
	} else {
		b.predictions = make(map[int64]float64, len(items))
	}
	var missing []int64
	for _, item := range items {
		if _, ok := b.predictions[item]; !ok {
			missing = append(missing, item)
		}
	}
	predicted := prediction.PredictMoreItems(b.model, env, user, missing, now, prediction.Options{})
	for i, item := range missing {
		b.predictions[item] = predicted[i]
	}
	return b.predictions
}

func (b *selectorBase) RollingSuccess(env environment.CommonEnvironment, user int64) (float64, bool) {
	if !b.rollingPresent {
		b.rolling, b.rollingOK = env.RollingSuccess(user, b.rollingWindow)
		b.rollingPresent = true
	}
	return b.rolling, b.rollingOK
}

func (b *selectorBase) TargetProbability(env environment.CommonEnvironment, user int64) float64 {
	if !b.historyAdjustment {
		return b.targetProbability
	}
	rolling, ok := b.RollingSuccess(env, user)
	return AdjustTargetProbability(b.targetProbability, rolling, ok)
}

func (b *selectorBase) HistoryAdjustment() bool {
	return b.historyAdjustment
}
