package environment

import (
	"context"
	"iter"
	"math"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

type cachedValue struct {
	value float64
	found bool
}

type rollingKey struct {
	user   int64
	window int
}

type rollingValue struct {
	value float64
	ok    bool
}

// CachedEnvironment memoizes reads of an underlying environment for the
// duration of one unit of work. Predictive models and item selectors read
// the same handful of statistics many times over while scoring a candidate
// set; the memo turns those repeats into map lookups. Writes update the
// memo in place, so read-after-write stays consistent.
type CachedEnvironment struct {
	inner CommonEnvironment

	values  map[recordKey]cachedValue
	times   map[recordKey]*time.Time
	rolling map[rollingKey]rollingValue
}

var _ CommonEnvironment = (*CachedEnvironment)(nil)

func NewCachedEnvironment(inner CommonEnvironment) *CachedEnvironment {
	return &CachedEnvironment{
		inner:   inner,
		values:  make(map[recordKey]cachedValue),
		times:   make(map[recordKey]*time.Time),
		rolling: make(map[rollingKey]rollingValue),
	}
}

func (e *CachedEnvironment) Read(name string, key Key, def float64) float64 {
	rk := newRecordKey(name, key)
	if cached, ok := e.values[rk]; ok {
		if cached.found {
			return cached.value
		}
		return def
	}
	// NaN never occurs as a stored value, so it doubles as a miss marker.
	value := e.inner.Read(name, key, math.NaN())
	found := !math.IsNaN(value)
	e.values[rk] = cachedValue{value: value, found: found}
	if !found {
		return def
	}
	return value
}

func (e *CachedEnvironment) ReadMoreItems(name string, items []int64, key Key, def float64) []float64 {
	result := make([]float64, len(items))
	var missing []int64
	var missingIdx []int
	for i, item := range items {
		rk := newRecordKey(name, pivotKey(key, item))
		if cached, ok := e.values[rk]; ok {
			if cached.found {
				result[i] = cached.value
			} else {
				result[i] = def
			}
			continue
		}
		missing = append(missing, item)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) > 0 {
		fetched := e.inner.ReadMoreItems(name, missing, key, math.NaN())
		for j, value := range fetched {
			rk := newRecordKey(name, pivotKey(key, missing[j]))
			found := !math.IsNaN(value)
			e.values[rk] = cachedValue{value: value, found: found}
			if found {
				result[missingIdx[j]] = value
			} else {
				result[missingIdx[j]] = def
			}
		}
	}
	return result
}

func (e *CachedEnvironment) ReadMoreKeys(names []string, key Key, def float64) []float64 {
	result := make([]float64, len(names))
	for i, name := range names {
		result[i] = e.Read(name, key, def)
	}
	return result
}

func (e *CachedEnvironment) ReadAllWithName(name string) []ValueRecord {
	return e.inner.ReadAllWithName(name)
}

func (e *CachedEnvironment) ItemsWithValues(name string, item int64, user *int64) []ItemValue {
	return e.inner.ItemsWithValues(name, item, user)
}

func (e *CachedEnvironment) ItemsWithValuesMoreItems(name string, items []int64, user *int64) map[int64][]ItemValue {
	return e.inner.ItemsWithValuesMoreItems(name, items, user)
}

func (e *CachedEnvironment) Time(name string, key Key) *time.Time {
	rk := newRecordKey(name, key)
	if cached, ok := e.times[rk]; ok {
		return cached
	}
	t := e.inner.Time(name, key)
	e.times[rk] = t
	return t
}

func (e *CachedEnvironment) TimeMoreItems(name string, items []int64, key Key) []*time.Time {
	result := make([]*time.Time, len(items))
	for i, item := range items {
		result[i] = e.Time(name, pivotKey(key, item))
	}
	return result
}

func (e *CachedEnvironment) Write(name string, value float64, key Key, opts WriteOptions) error {
	if err := e.inner.Write(name, value, key, opts); err != nil {
		return err
	}
	writeTime := opts.Time
	if writeTime.IsZero() {
		writeTime = time.Now()
	}
	rk := newRecordKey(name, key)
	e.values[rk] = cachedValue{value: value, found: true}
	e.times[rk] = &writeTime
	return nil
}

func (e *CachedEnvironment) Update(name string, init float64, fn func(float64) float64, key Key, opts WriteOptions) error {
	return e.Write(name, fn(e.Read(name, key, init)), key, opts)
}

func (e *CachedEnvironment) Delete(name string, key Key) error {
	if err := e.inner.Delete(name, key); err != nil {
		return err
	}
	rk := newRecordKey(name, key)
	delete(e.values, rk)
	delete(e.times, rk)
	return nil
}

func (e *CachedEnvironment) Audit(name string, key Key, limit int) ([]AuditRecord, error) {
	return e.inner.Audit(name, key, limit)
}

func (e *CachedEnvironment) ExportValues() iter.Seq[ExportedValue] {
	return e.inner.ExportValues()
}

func (e *CachedEnvironment) ExportAudit() iter.Seq[ExportedAudit] {
	return e.inner.ExportAudit()
}

func (e *CachedEnvironment) Flush(ctx context.Context, clean bool) error {
	return e.inner.Flush(ctx, clean)
}

func (e *CachedEnvironment) Err() error {
	return e.inner.Err()
}

func (e *CachedEnvironment) AddWriteHook(hook WriteHook) {
	e.inner.AddWriteHook(hook)
}

// ProcessAnswer touches many memoized statistics at once, so the whole memo
// is dropped instead of patched.
func (e *CachedEnvironment) ProcessAnswer(answer *models.Answer) error {
	if err := e.inner.ProcessAnswer(answer); err != nil {
		return err
	}
	e.values = make(map[recordKey]cachedValue)
	e.times = make(map[recordKey]*time.Time)
	e.rolling = make(map[rollingKey]rollingValue)
	return nil
}

func (e *CachedEnvironment) NumberOfAnswers(key Key) int {
	return int(e.counter(NumberOfAnswersKey, key))
}

func (e *CachedEnvironment) NumberOfCorrectAnswers(key Key) int {
	return int(e.counter(NumberOfCorrectAnswersKey, key))
}

func (e *CachedEnvironment) NumberOfFirstAnswers(key Key) int {
	return int(e.counter(NumberOfFirstAnswersKey, key))
}

func (e *CachedEnvironment) counter(name string, key Key) float64 {
	rk := newRecordKey(name, key)
	if cached, ok := e.values[rk]; ok {
		if cached.found {
			return cached.value
		}
		return 0
	}
	var value int
	switch name {
	case NumberOfAnswersKey:
		value = e.inner.NumberOfAnswers(key)
	case NumberOfCorrectAnswersKey:
		value = e.inner.NumberOfCorrectAnswers(key)
	default:
		value = e.inner.NumberOfFirstAnswers(key)
	}
	e.values[rk] = cachedValue{value: float64(value), found: true}
	return float64(value)
}

func (e *CachedEnvironment) HasAnswer(key Key) bool {
	return e.NumberOfAnswers(key) > 0
}

func (e *CachedEnvironment) LastAnswerTime(key Key) *time.Time {
	return e.inner.LastAnswerTime(key)
}

func (e *CachedEnvironment) NumberOfAnswersMoreItems(items []int64, user *int64) []int {
	result := make([]int, len(items))
	for i, item := range items {
		result[i] = e.NumberOfAnswers(Key{User: user, Item: &item})
	}
	return result
}

func (e *CachedEnvironment) NumberOfCorrectAnswersMoreItems(items []int64, user *int64) []int {
	result := make([]int, len(items))
	for i, item := range items {
		result[i] = e.NumberOfCorrectAnswers(Key{User: user, Item: &item})
	}
	return result
}

func (e *CachedEnvironment) NumberOfFirstAnswersMoreItems(items []int64, user *int64) []int {
	result := make([]int, len(items))
	for i, item := range items {
		result[i] = e.NumberOfFirstAnswers(Key{User: user, Item: &item})
	}
	return result
}

func (e *CachedEnvironment) HasAnswerMoreItems(items []int64, user *int64) []bool {
	counts := e.NumberOfAnswersMoreItems(items, user)
	result := make([]bool, len(counts))
	for i, count := range counts {
		result[i] = count > 0
	}
	return result
}

func (e *CachedEnvironment) LastAnswerTimeMoreItems(items []int64, user *int64) []*time.Time {
	return e.inner.LastAnswerTimeMoreItems(items, user)
}

func (e *CachedEnvironment) RollingSuccess(user int64, windowSize int) (float64, bool) {
	rk := rollingKey{user: user, window: windowSize}
	if cached, ok := e.rolling[rk]; ok {
		return cached.value, cached.ok
	}
	value, ok := e.inner.RollingSuccess(user, windowSize)
	e.rolling[rk] = rollingValue{value: value, ok: ok}
	return value, ok
}

func (e *CachedEnvironment) ConfusingFactor(item, secondary int64, user *int64) int {
	return e.inner.ConfusingFactor(item, secondary, user)
}

func (e *CachedEnvironment) ConfusingFactorMoreItems(item int64, items []int64, user *int64) []int {
	return e.inner.ConfusingFactorMoreItems(item, items, user)
}
