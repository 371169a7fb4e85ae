package environment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

// Statistic names maintained by ProcessAnswer. Models and selection policies
// add their own names (prior_skill, difficulty, current_skill, skill,
// total_sum, parent, child) on top of this closed set.
const (
	NumberOfAnswersKey        = "number_of_answers"
	NumberOfCorrectAnswersKey = "number_of_correct_answers"
	NumberOfFirstAnswersKey   = "number_of_first_answers"
	LastCorrectnessKey        = "last_correctness"
	ConfusingFactorKey        = "confusing_factor"
)

// DefaultRollingWindow is the number of recent answers considered by
// RollingSuccess when the caller does not override it.
const DefaultRollingWindow = 10

var (
	ErrNameRequired  = errors.New("environment: statistic name has to be specified")
	ErrAuditDisabled = errors.New("environment: audit is not enabled")
)

// PermanenceError reports an attempt to flip the permanent flag of an
// existing variable, or to delete a variable that is not permanent.
type PermanenceError struct {
	Name string
	Key  Key
	Op   string
}

func (e *PermanenceError) Error() string {
	return fmt.Sprintf("environment: %s would change permanency of variable %q (%s)", e.Op, e.Name, e.Key)
}

// Key addresses one statistic record. Nil id fields mean "aggregate across
// all users/items". Item pairs are canonicalized before storage and lookup
// unless Ordered is set: the secondary slot receives the smaller id and the
// primary slot the larger one, so symmetric writes for (A,B) and reads for
// (B,A) hit the same record.
type Key struct {
	User          *int64
	Item          *int64
	ItemSecondary *int64

	// Ordered disables the symmetric pair canonicalization.
	Ordered bool
}

func (k Key) String() string {
	str := func(v *int64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%d", *v)
	}
	return fmt.Sprintf("user=%s item=%s secondary=%s", str(k.User), str(k.Item), str(k.ItemSecondary))
}

// canonical returns the key with the item pair sorted into storage order.
func (k Key) canonical() Key {
	if k.Ordered || k.Item == nil || k.ItemSecondary == nil {
		return k
	}
	if *k.Item < *k.ItemSecondary {
		k.Item, k.ItemSecondary = k.ItemSecondary, k.Item
	}
	return k
}

func Global() Key {
	return Key{}
}

func ForUser(user int64) Key {
	return Key{User: &user}
}

func ForItem(item int64) Key {
	return Key{Item: &item}
}

func ForUserItem(user, item int64) Key {
	return Key{User: &user, Item: &item}
}

func ForPair(item, secondary int64) Key {
	return Key{Item: &item, ItemSecondary: &secondary}
}

func ForUserPair(user, item, secondary int64) Key {
	return Key{User: &user, Item: &item, ItemSecondary: &secondary}
}

// ForOrderedPair addresses a directed pair (e.g. hierarchy edges) which is
// exempt from the symmetric canonicalization.
func ForOrderedPair(item, secondary int64) Key {
	return Key{Item: &item, ItemSecondary: &secondary, Ordered: true}
}

// ID is a convenience for building optional id fields in literals.
func ID(v int64) *int64 {
	return &v
}

// WriteOptions control a single Write. The zero value appends an audit
// entry with the current wall-clock time, which is what skill-like
// statistics want.
type WriteOptions struct {
	// Time of the write; zero means time.Now().
	Time time.Time

	// NoAudit overwrites the current value in place instead of growing the
	// history. Counters written on every answer use this continuously.
	NoAudit bool

	// Permanent marks the variable exempt from epoch garbage collection.
	// Permanent variables never carry an audit trail.
	Permanent bool

	// Answer optionally links the write to the answer that caused it.
	Answer *int64
}

// AuditRecord is one entry of a statistic's history.
type AuditRecord struct {
	Time  time.Time
	Value float64
}

// ItemValue is one neighbour in an adjacency read (ItemsWithValues).
type ItemValue struct {
	Item  int64
	Value float64
}

// ValueRecord is one fully-keyed current value (ReadAllWithName).
type ValueRecord struct {
	User          *int64
	Item          *int64
	ItemSecondary *int64
	Value         float64
}

// ExportedValue is one row of the lazy current-value export.
type ExportedValue struct {
	Name          string
	User          *int64
	Item          *int64
	ItemSecondary *int64
	Permanent     bool
	Time          time.Time
	Answer        *int64
	Value         float64
}

// ExportedAudit is one row of the lazy audit export.
type ExportedAudit struct {
	Name          string
	User          *int64
	Item          *int64
	ItemSecondary *int64
	Time          time.Time
	Answer        *int64
	Value         float64
}

// WriteHook observes every successful write, e.g. to mirror updates into a
// secondary store or to collect integrity metrics.
type WriteHook interface {
	Event(name string, value float64, key Key, time time.Time, previousValue *float64, answer *int64)
}

// Environment is the generic time-versioned statistic store. One instance
// serves one logical unit of work (a request or a recompute batch); nothing
// in the contract is safe for concurrent use.
type Environment interface {
	// Read returns the current value for the key, or def when absent.
	Read(name string, key Key, def float64) float64

	// ReadMoreItems performs a batched Read preserving the input order. The
	// key's Item field acts as the shared pivot: for each element the record
	// (element, pivot) is looked up regardless of which side the element
	// ended up stored on. Semantics are identical to len(items) calls to
	// Read; batching exists purely for performance.
	ReadMoreItems(name string, items []int64, key Key, def float64) []float64

	// ReadMoreKeys reads several statistic names for one key.
	ReadMoreKeys(names []string, key Key, def float64) []float64

	// ReadAllWithName returns all current values stored under the name.
	ReadAllWithName(name string) []ValueRecord

	// ItemsWithValues lists (secondary item, value) pairs of all ordered
	// records whose primary side is item. Used for hierarchy adjacency.
	ItemsWithValues(name string, item int64, user *int64) []ItemValue
	ItemsWithValuesMoreItems(name string, items []int64, user *int64) map[int64][]ItemValue

	// Time returns the time of the most recent write for the key.
	Time(name string, key Key) *time.Time
	TimeMoreItems(name string, items []int64, key Key) []*time.Time

	// Write stores a value. The name must be non-empty.
	Write(name string, value float64, key Key, opts WriteOptions) error

	// Update is the read-modify-write convenience:
	// Write(name, fn(Read(name, key, init)), key, opts).
	Update(name string, init float64, fn func(float64) float64, key Key, opts WriteOptions) error

	// Delete removes a permanent variable. Deleting a non-permanent
	// variable is an invariant violation.
	Delete(name string, key Key) error

	// Audit returns the history of the key, newest first. A non-positive
	// limit returns the full history.
	Audit(name string, key Key, limit int) ([]AuditRecord, error)

	// ExportValues and ExportAudit stream the store's content. The
	// sequences are finite and restartable.
	ExportValues() iter.Seq[ExportedValue]
	ExportAudit() iter.Seq[ExportedAudit]

	// Flush persists buffered writes. A no-op for purely in-memory
	// implementations; safe to call repeatedly.
	Flush(ctx context.Context, clean bool) error

	// Err returns the first storage error encountered by a read since the
	// environment was created. Reads report their data as the default value
	// on failure; callers check Err once per unit of work.
	Err() error

	AddWriteHook(hook WriteHook)
}

// CommonEnvironment extends Environment with the answer-derived statistics
// every predictive model relies on.
type CommonEnvironment interface {
	Environment

	// ProcessAnswer records the aggregate counters for one answer: the
	// number of answers (and of first answers for an unseen user/item pair)
	// at the global, user, item and user+item scopes, the per-user
	// last-correctness trail, and, for non-guessed wrong answers, the
	// confusing factor of the (asked, answered) pair.
	ProcessAnswer(answer *models.Answer) error

	NumberOfAnswers(key Key) int
	NumberOfCorrectAnswers(key Key) int
	NumberOfFirstAnswers(key Key) int
	HasAnswer(key Key) bool
	LastAnswerTime(key Key) *time.Time

	NumberOfAnswersMoreItems(items []int64, user *int64) []int
	NumberOfCorrectAnswersMoreItems(items []int64, user *int64) []int
	NumberOfFirstAnswersMoreItems(items []int64, user *int64) []int
	HasAnswerMoreItems(items []int64, user *int64) []bool
	LastAnswerTimeMoreItems(items []int64, user *int64) []*time.Time

	// RollingSuccess returns the mean correctness of the user's most recent
	// windowSize answers. ok is false until a full window of answers
	// exists; callers treat that as "no adjustment" rather than a value.
	RollingSuccess(user int64, windowSize int) (float64, bool)

	ConfusingFactor(item, secondary int64, user *int64) int
	ConfusingFactorMoreItems(item int64, items []int64, user *int64) []int
}
