package environment

import (
	"context"
	"iter"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

// recordKey is the flattened storage key. Pointer ids are split into a
// value and a presence flag so the struct stays comparable.
type recordKey struct {
	name                        string
	user, item, secondary       int64
	hasUser, hasItem, hasSecond bool
}

func newRecordKey(name string, key Key) recordKey {
	key = key.canonical()
	rk := recordKey{name: name}
	if key.User != nil {
		rk.user, rk.hasUser = *key.User, true
	}
	if key.Item != nil {
		rk.item, rk.hasItem = *key.Item, true
	}
	if key.ItemSecondary != nil {
		rk.secondary, rk.hasSecond = *key.ItemSecondary, true
	}
	return rk
}

func (rk recordKey) key() Key {
	var k Key
	if rk.hasUser {
		u := rk.user
		k.User = &u
	}
	if rk.hasItem {
		i := rk.item
		k.Item = &i
	}
	if rk.hasSecond {
		s := rk.secondary
		k.ItemSecondary = &s
	}
	return k
}

type record struct {
	value     float64
	time      time.Time
	answer    *int64
	permanent bool

	// audit history, oldest first; always nil for permanent variables
	audit []auditEntry
}

type auditEntry struct {
	time   time.Time
	value  float64
	answer *int64
}

// InMemoryEnvironment keeps all statistics in process memory. It backs unit
// tests and the write-buffering side of FlushEnvironment.
type InMemoryEnvironment struct {
	data  map[recordKey]*record
	hooks []WriteHook

	// auditEnabled globally disables history tracking, which the recompute
	// job uses to keep bulk replays lean.
	auditEnabled bool

	// fallback and superseded let FlushEnvironment layer this store over
	// prefetched database rows: reads of unwritten records consult the
	// fallback, the first write to a prefetched record reports it as
	// superseded.
	fallback   func(rk recordKey) (value float64, updated time.Time, ok bool)
	superseded func(rk recordKey)
}

var _ CommonEnvironment = (*InMemoryEnvironment)(nil)

type InMemoryOption func(*InMemoryEnvironment)

// WithoutAudit turns off history tracking for all writes.
func WithoutAudit() InMemoryOption {
	return func(e *InMemoryEnvironment) {
		e.auditEnabled = false
	}
}

func NewInMemoryEnvironment(opts ...InMemoryOption) *InMemoryEnvironment {
	env := &InMemoryEnvironment{
		data:         make(map[recordKey]*record),
		auditEnabled: true,
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}

func (e *InMemoryEnvironment) Read(name string, key Key, def float64) float64 {
	rk := newRecordKey(name, key)
	if rec, ok := e.data[rk]; ok {
		return rec.value
	}
	if e.fallback != nil {
		if value, _, ok := e.fallback(rk); ok {
			return value
		}
	}
	return def
}

func (e *InMemoryEnvironment) ReadMoreItems(name string, items []int64, key Key, def float64) []float64 {
	result := make([]float64, len(items))
	for i, item := range items {
		result[i] = e.Read(name, pivotKey(key, item), def)
	}
	return result
}

func (e *InMemoryEnvironment) ReadMoreKeys(names []string, key Key, def float64) []float64 {
	result := make([]float64, len(names))
	for i, name := range names {
		result[i] = e.Read(name, key, def)
	}
	return result
}

func (e *InMemoryEnvironment) ReadAllWithName(name string) []ValueRecord {
	var result []ValueRecord
	for rk, rec := range e.data {
		if rk.name != name {
			continue
		}
		key := rk.key()
		result = append(result, ValueRecord{
			User:          key.User,
			Item:          key.Item,
			ItemSecondary: key.ItemSecondary,
			Value:         rec.value,
		})
	}
	return result
}

func (e *InMemoryEnvironment) ItemsWithValues(name string, item int64, user *int64) []ItemValue {
	var result []ItemValue
	for rk, rec := range e.data {
		if rk.name != name || !rk.hasItem || rk.item != item || !rk.hasSecond {
			continue
		}
		if !sameOptionalID(userOf(rk), user) {
			continue
		}
		result = append(result, ItemValue{Item: rk.secondary, Value: rec.value})
	}
	return result
}

func (e *InMemoryEnvironment) ItemsWithValuesMoreItems(name string, items []int64, user *int64) map[int64][]ItemValue {
	result := make(map[int64][]ItemValue, len(items))
	for _, item := range items {
		result[item] = e.ItemsWithValues(name, item, user)
	}
	return result
}

func (e *InMemoryEnvironment) Time(name string, key Key) *time.Time {
	rk := newRecordKey(name, key)
	if rec, ok := e.data[rk]; ok {
		t := rec.time
		return &t
	}
	if e.fallback != nil {
		if _, updated, ok := e.fallback(rk); ok {
			return &updated
		}
	}
	return nil
}

func (e *InMemoryEnvironment) TimeMoreItems(name string, items []int64, key Key) []*time.Time {
	result := make([]*time.Time, len(items))
	for i, item := range items {
		result[i] = e.Time(name, pivotKey(key, item))
	}
	return result
}

func (e *InMemoryEnvironment) Write(name string, value float64, key Key, opts WriteOptions) error {
	if name == "" {
		return ErrNameRequired
	}
	writeTime := opts.Time
	if writeTime.IsZero() {
		writeTime = time.Now()
	}
	rk := newRecordKey(name, key)
	if e.superseded != nil {
		e.superseded(rk)
	}
	rec, ok := e.data[rk]
	var previous *float64
	if ok {
		if rec.permanent != opts.Permanent {
			return &PermanenceError{Name: name, Key: key, Op: "write"}
		}
		prev := rec.value
		previous = &prev
	} else {
		rec = &record{permanent: opts.Permanent}
		e.data[rk] = rec
	}
	rec.value = value
	rec.time = writeTime
	rec.answer = opts.Answer
	if e.auditEnabled && !opts.Permanent && !opts.NoAudit {
		rec.audit = append(rec.audit, auditEntry{time: writeTime, value: value, answer: opts.Answer})
	}
	for _, hook := range e.hooks {
		hook.Event(name, value, key.canonical(), writeTime, previous, opts.Answer)
	}
	return nil
}

func (e *InMemoryEnvironment) Update(name string, init float64, fn func(float64) float64, key Key, opts WriteOptions) error {
	return e.Write(name, fn(e.Read(name, key, init)), key, opts)
}

func (e *InMemoryEnvironment) Delete(name string, key Key) error {
	rk := newRecordKey(name, key)
	rec, ok := e.data[rk]
	if !ok {
		return nil
	}
	if !rec.permanent {
		return &PermanenceError{Name: name, Key: key, Op: "delete"}
	}
	delete(e.data, rk)
	return nil
}

func (e *InMemoryEnvironment) Audit(name string, key Key, limit int) ([]AuditRecord, error) {
	rec, ok := e.data[newRecordKey(name, key)]
	if !ok {
		return nil, nil
	}
	if rec.permanent {
		return nil, ErrAuditDisabled
	}
	n := len(rec.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]AuditRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, AuditRecord{Time: rec.audit[i].time, Value: rec.audit[i].value})
	}
	return result, nil
}

func (e *InMemoryEnvironment) ExportValues() iter.Seq[ExportedValue] {
	return func(yield func(ExportedValue) bool) {
		for rk, rec := range e.data {
			key := rk.key()
			row := ExportedValue{
				Name:          rk.name,
				User:          key.User,
				Item:          key.Item,
				ItemSecondary: key.ItemSecondary,
				Permanent:     rec.permanent,
				Time:          rec.time,
				Answer:        rec.answer,
				Value:         rec.value,
			}
			if !yield(row) {
				return
			}
		}
	}
}

func (e *InMemoryEnvironment) ExportAudit() iter.Seq[ExportedAudit] {
	return func(yield func(ExportedAudit) bool) {
		for rk, rec := range e.data {
			key := rk.key()
			for _, entry := range rec.audit {
				row := ExportedAudit{
					Name:          rk.name,
					User:          key.User,
					Item:          key.Item,
					ItemSecondary: key.ItemSecondary,
					Time:          entry.time,
					Answer:        entry.answer,
					Value:         entry.value,
				}
				if !yield(row) {
					return
				}
			}
		}
	}
}

func (e *InMemoryEnvironment) Flush(ctx context.Context, clean bool) error {
	return nil
}

func (e *InMemoryEnvironment) Err() error {
	return nil
}

func (e *InMemoryEnvironment) AddWriteHook(hook WriteHook) {
	e.hooks = append(e.hooks, hook)
}

// ProcessAnswer maintains the answer-derived statistics. The counter writes
// carry the answer's time, so replays of historical answers reconstruct the
// same timeline.
func (e *InMemoryEnvironment) ProcessAnswer(answer *models.Answer) error {
	user, item := answer.UserID, answer.ItemID
	opts := WriteOptions{Time: answer.Time, NoAudit: true, Answer: &answer.ID}
	increment := func(v float64) float64 { return v + 1 }
	scopes := []Key{Global(), ForUser(user), ForItem(item), ForUserItem(user, item)}

	firstAnswer := !e.HasAnswer(ForUserItem(user, item))
	for _, scope := range scopes {
		if err := e.Update(NumberOfAnswersKey, 0, increment, scope, opts); err != nil {
			return err
		}
		if firstAnswer {
			if err := e.Update(NumberOfFirstAnswersKey, 0, increment, scope, opts); err != nil {
				return err
			}
		}
		if answer.Correct() {
			if err := e.Update(NumberOfCorrectAnswersKey, 0, increment, scope, opts); err != nil {
				return err
			}
		}
	}

	correctness := 0.0
	if answer.Correct() {
		correctness = 1.0
	}
	lastOpts := WriteOptions{Time: answer.Time, Answer: &answer.ID}
	if err := e.Write(LastCorrectnessKey, correctness, ForUser(user), lastOpts); err != nil {
		return err
	}

	// The confusing factor tracks genuine confusions only: open answers
	// (guess == 0) where the user picked a different existing item.
	if answer.Guess == 0 && answer.ItemAnsweredID != nil && *answer.ItemAnsweredID != answer.ItemAskedID {
		pair := ForPair(answer.ItemAskedID, *answer.ItemAnsweredID)
		if err := e.Update(ConfusingFactorKey, 0, increment, pair, opts); err != nil {
			return err
		}
		userPair := ForUserPair(user, answer.ItemAskedID, *answer.ItemAnsweredID)
		if err := e.Update(ConfusingFactorKey, 0, increment, userPair, opts); err != nil {
			return err
		}
	}
	return nil
}

func (e *InMemoryEnvironment) NumberOfAnswers(key Key) int {
	return int(e.Read(NumberOfAnswersKey, key, 0))
}

func (e *InMemoryEnvironment) NumberOfCorrectAnswers(key Key) int {
	return int(e.Read(NumberOfCorrectAnswersKey, key, 0))
}

func (e *InMemoryEnvironment) NumberOfFirstAnswers(key Key) int {
	return int(e.Read(NumberOfFirstAnswersKey, key, 0))
}

func (e *InMemoryEnvironment) HasAnswer(key Key) bool {
	return e.NumberOfAnswers(key) > 0
}

func (e *InMemoryEnvironment) LastAnswerTime(key Key) *time.Time {
	return e.Time(NumberOfAnswersKey, key)
}

func (e *InMemoryEnvironment) NumberOfAnswersMoreItems(items []int64, user *int64) []int {
	return e.countsMoreItems(NumberOfAnswersKey, items, user)
}

func (e *InMemoryEnvironment) NumberOfCorrectAnswersMoreItems(items []int64, user *int64) []int {
	return e.countsMoreItems(NumberOfCorrectAnswersKey, items, user)
}

func (e *InMemoryEnvironment) NumberOfFirstAnswersMoreItems(items []int64, user *int64) []int {
	return e.countsMoreItems(NumberOfFirstAnswersKey, items, user)
}

func (e *InMemoryEnvironment) HasAnswerMoreItems(items []int64, user *int64) []bool {
	counts := e.NumberOfAnswersMoreItems(items, user)
	result := make([]bool, len(counts))
	for i, count := range counts {
		result[i] = count > 0
	}
	return result
}

func (e *InMemoryEnvironment) LastAnswerTimeMoreItems(items []int64, user *int64) []*time.Time {
	return e.TimeMoreItems(NumberOfAnswersKey, items, Key{User: user})
}

func (e *InMemoryEnvironment) RollingSuccess(user int64, windowSize int) (float64, bool) {
	if windowSize <= 0 {
		windowSize = DefaultRollingWindow
	}
	history, err := e.Audit(LastCorrectnessKey, ForUser(user), windowSize)
	if err != nil || len(history) < windowSize {
		return 0, false
	}
	sum := 0.0
	for _, rec := range history {
		sum += rec.Value
	}
	return sum / float64(windowSize), true
}

func (e *InMemoryEnvironment) ConfusingFactor(item, secondary int64, user *int64) int {
	key := Key{User: user, Item: &item, ItemSecondary: &secondary}
	return int(e.Read(ConfusingFactorKey, key, 0))
}

func (e *InMemoryEnvironment) ConfusingFactorMoreItems(item int64, items []int64, user *int64) []int {
	result := make([]int, len(items))
	for i, other := range items {
		result[i] = e.ConfusingFactor(item, other, user)
	}
	return result
}

func (e *InMemoryEnvironment) countsMoreItems(name string, items []int64, user *int64) []int {
	values := e.ReadMoreItems(name, items, Key{User: user}, 0)
	result := make([]int, len(values))
	for i, v := range values {
		result[i] = int(v)
	}
	return result
}

// pivotKey builds the per-element key of a batched read: the element becomes
// the item and the original item moves to the secondary slot.
func pivotKey(key Key, item int64) Key {
	return Key{User: key.User, Item: &item, ItemSecondary: key.Item, Ordered: key.Ordered}
}

func userOf(rk recordKey) *int64 {
	if !rk.hasUser {
		return nil
	}
	u := rk.user
	return &u
}

func sameOptionalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
