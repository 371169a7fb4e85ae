package environment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

// conformanceBackend builds one store implementation plus the way answers
// enter it: the in-memory family records them through ProcessAnswer, the
// database one derives its aggregates from rows in the answers table.
type conformanceBackend struct {
	name  string
	build func(t *testing.T) (CommonEnvironment, func(*models.Answer))
}

func conformanceBackends() []conformanceBackend {
	return []conformanceBackend{
		{
			name: "in_memory",
			build: func(t *testing.T) (CommonEnvironment, func(*models.Answer)) {
				env := NewInMemoryEnvironment()
				return env, func(a *models.Answer) { require.NoError(t, env.ProcessAnswer(a)) }
			},
		},
		{
			name: "database",
			build: func(t *testing.T) (CommonEnvironment, func(*models.Answer)) {
				db := setupTestDB(t)
				env := NewDatabaseEnvironment(context.Background(), db, setupInfo(t, db))
				return env, func(a *models.Answer) {
					insertAnswer(t, db, a)
					require.NoError(t, env.ProcessAnswer(a))
				}
			},
		},
		{
			name: "flush",
			build: func(t *testing.T) (CommonEnvironment, func(*models.Answer)) {
				db := setupTestDB(t)
				env := NewFlushEnvironment(db, setupInfo(t, db))
				return env, func(a *models.Answer) { require.NoError(t, env.ProcessAnswer(a)) }
			},
		},
		{
			name: "cached",
			build: func(t *testing.T) (CommonEnvironment, func(*models.Answer)) {
				env := NewCachedEnvironment(NewInMemoryEnvironment())
				return env, func(a *models.Answer) { require.NoError(t, env.ProcessAnswer(a)) }
			},
		},
	}
}

func TestEnvironmentContractReadWrite(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, _ := backend.build(t)

			assert.Equal(t, 0.5, env.Read("difficulty", ForItem(1), 0.5))
			require.NoError(t, env.Write("difficulty", 1.25, ForItem(1), WriteOptions{Time: base}))
			assert.Equal(t, 1.25, env.Read("difficulty", ForItem(1), 0))

			// rewrites replace the current value
			require.NoError(t, env.Write("difficulty", 1.5, ForItem(1), WriteOptions{Time: base.Add(time.Minute)}))
			assert.Equal(t, 1.5, env.Read("difficulty", ForItem(1), 0))

			// the empty name is rejected
			require.ErrorIs(t, env.Write("", 1, ForItem(1), WriteOptions{}), ErrNameRequired)

			// keys do not leak into each other
			assert.Equal(t, 0.0, env.Read("difficulty", ForItem(2), 0))
			assert.Equal(t, 0.0, env.Read("prior_skill", ForItem(1), 0))

			require.NoError(t, env.Write("prior_skill", 0.4, ForUser(7), WriteOptions{Time: base}))
			values := env.ReadMoreKeys([]string{"prior_skill", "current_skill"}, ForUser(7), -1)
			assert.Equal(t, []float64{0.4, -1}, values)

			// Update is read-modify-write
			require.NoError(t, env.Update("prior_skill", 0, func(v float64) float64 { return v + 0.1 }, ForUser(7), WriteOptions{Time: base.Add(time.Minute), NoAudit: true}))
			assert.InDelta(t, 0.5, env.Read("prior_skill", ForUser(7), 0), 1e-9)

			when := env.Time("difficulty", ForItem(1))
			require.NotNil(t, when)
			assert.True(t, when.Equal(base.Add(time.Minute)))
			assert.Nil(t, env.Time("difficulty", ForItem(2)))

			require.NoError(t, env.Err())
		})
	}
}

func TestEnvironmentContractBatchedReadsPivot(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, _ := backend.build(t)

			require.NoError(t, env.Write("confusing_factor", 3, ForPair(1, 100), WriteOptions{Time: base, NoAudit: true}))
			require.NoError(t, env.Write("confusing_factor", 5, ForPair(100, 2), WriteOptions{Time: base, NoAudit: true}))

			// the key's item is the shared pivot; each element is looked up
			// as the (element, pivot) pair no matter which side it was
			// written on
			values := env.ReadMoreItems("confusing_factor", []int64{1, 2, 3}, ForItem(100), 0)
			assert.Equal(t, []float64{3, 5, 0}, values)

			times := env.TimeMoreItems("confusing_factor", []int64{1, 3}, ForItem(100))
			require.NotNil(t, times[0])
			assert.True(t, times[0].Equal(base))
			assert.Nil(t, times[1])

			require.NoError(t, env.Err())
		})
	}
}

func TestEnvironmentContractPairCanonicalization(t *testing.T) {
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, _ := backend.build(t)

			// symmetric pairs share one record
			require.NoError(t, env.Write("confusing_factor", 2, ForPair(3, 9), WriteOptions{NoAudit: true}))
			assert.Equal(t, 2.0, env.Read("confusing_factor", ForPair(9, 3), 0))

			// ordered pairs are directed
			require.NoError(t, env.Write("parent", 1, ForOrderedPair(10, 100), WriteOptions{NoAudit: true}))
			assert.Equal(t, 1.0, env.Read("parent", ForOrderedPair(10, 100), 0))
			assert.Equal(t, 0.0, env.Read("parent", ForOrderedPair(100, 10), 0))

			require.NoError(t, env.Err())
		})
	}
}

func TestEnvironmentContractAuditNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, _ := backend.build(t)

			for i, value := range []float64{0.2, 0.5, 0.8} {
				opts := WriteOptions{Time: base.Add(time.Duration(i) * time.Minute)}
				require.NoError(t, env.Write("current_skill", value, ForUserItem(1, 10), opts))
			}

			history, err := env.Audit("current_skill", ForUserItem(1, 10), 0)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, 0.8, history[0].Value)
			assert.Equal(t, 0.2, history[2].Value)
			assert.True(t, history[0].Time.After(history[2].Time))

			limited, err := env.Audit("current_skill", ForUserItem(1, 10), 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, 0.8, limited[0].Value)

			// unknown records have no history
			empty, err := env.Audit("current_skill", ForUserItem(2, 10), 0)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestEnvironmentContractPermanence(t *testing.T) {
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, _ := backend.build(t)

			require.NoError(t, env.Write("parent", 1, ForOrderedPair(2, 5), WriteOptions{Permanent: true}))

			// the permanent flag of an existing record cannot flip
			var permErr *PermanenceError
			require.ErrorAs(t, env.Write("parent", 2, ForOrderedPair(2, 5), WriteOptions{}), &permErr)

			// only permanent records can be deleted
			require.NoError(t, env.Write("difficulty", 1, ForItem(5), WriteOptions{}))
			require.ErrorAs(t, env.Delete("difficulty", ForItem(5)), &permErr)

			require.NoError(t, env.Delete("parent", ForOrderedPair(2, 5)))
			assert.Equal(t, 0.0, env.Read("parent", ForOrderedPair(2, 5), 0))

			// deleting a missing record is a no-op
			require.NoError(t, env.Delete("parent", ForOrderedPair(3, 5)))
		})
	}
}

func TestEnvironmentContractAnswerStatistics(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, ingest := backend.build(t)

			miss := int64(99)
			other := int64(77)
			answers := []*models.Answer{
				{ID: 1, UserID: 1, ItemID: 10, ItemAskedID: 10, ItemAnsweredID: ID(10), Time: base},
				{ID: 2, UserID: 1, ItemID: 10, ItemAskedID: 10, ItemAnsweredID: &miss, Time: base.Add(time.Minute)},
				{ID: 3, UserID: 2, ItemID: 10, ItemAskedID: 10, ItemAnsweredID: ID(10), Time: base.Add(2 * time.Minute)},
				{ID: 4, UserID: 1, ItemID: 20, ItemAskedID: 20, ItemAnsweredID: ID(10), Time: base.Add(3 * time.Minute)},
				{ID: 5, UserID: 2, ItemID: 10, ItemAskedID: 10, ItemAnsweredID: &other, Guess: 0.25, Time: base.Add(4 * time.Minute)},
			}
			for _, answer := range answers {
				ingest(answer)
			}

			assert.Equal(t, 5, env.NumberOfAnswers(Global()))
			assert.Equal(t, 3, env.NumberOfAnswers(ForUser(1)))
			assert.Equal(t, 4, env.NumberOfAnswers(ForItem(10)))
			assert.Equal(t, 2, env.NumberOfAnswers(ForUserItem(1, 10)))

			assert.Equal(t, 2, env.NumberOfCorrectAnswers(Global()))
			assert.Equal(t, 1, env.NumberOfCorrectAnswers(ForUser(2)))
			assert.Equal(t, 1, env.NumberOfCorrectAnswers(ForUserItem(1, 10)))

			assert.Equal(t, 3, env.NumberOfFirstAnswers(Global()))
			assert.Equal(t, 1, env.NumberOfFirstAnswers(ForUserItem(1, 10)))

			assert.True(t, env.HasAnswer(ForUserItem(1, 10)))
			assert.False(t, env.HasAnswer(ForUserItem(2, 20)))

			// batched reads agree with their single-record counterparts
			items := []int64{10, 20, 30}
			assert.Equal(t, []int{2, 1, 0}, env.NumberOfAnswersMoreItems(items, ID(1)))
			assert.Equal(t, []int{1, 0, 0}, env.NumberOfCorrectAnswersMoreItems(items, ID(1)))
			assert.Equal(t, []int{1, 1, 0}, env.NumberOfFirstAnswersMoreItems(items, ID(1)))
			assert.Equal(t, []bool{true, true, false}, env.HasAnswerMoreItems(items, ID(1)))

			last := env.LastAnswerTimeMoreItems(items, ID(1))
			require.NotNil(t, last[0])
			assert.True(t, last[0].Equal(base.Add(time.Minute)))
			require.NotNil(t, last[1])
			assert.True(t, last[1].Equal(base.Add(3*time.Minute)))
			assert.Nil(t, last[2])
			for i, item := range items {
				single := env.LastAnswerTime(ForUserItem(1, item))
				if single == nil {
					assert.Nil(t, last[i])
					continue
				}
				require.NotNil(t, last[i])
				assert.True(t, last[i].Equal(*single))
			}

			// only non-guessed wrong answers count as confusions, and the
			// pair is symmetric
			assert.Equal(t, 1, env.ConfusingFactor(10, 99, nil))
			assert.Equal(t, 1, env.ConfusingFactor(99, 10, nil))
			assert.Equal(t, 1, env.ConfusingFactor(20, 10, nil))
			assert.Equal(t, 0, env.ConfusingFactor(10, 77, nil))
			assert.Equal(t, []int{1, 1, 0}, env.ConfusingFactorMoreItems(10, []int64{99, 20, 55}, nil))
			assert.Equal(t, 1, env.ConfusingFactor(10, 99, ID(1)))
			assert.Equal(t, 0, env.ConfusingFactor(10, 99, ID(2)))

			require.NoError(t, env.Err())
		})
	}
}

func TestEnvironmentContractRollingSuccess(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, backend := range conformanceBackends() {
		t.Run(backend.name, func(t *testing.T) {
			env, ingest := backend.build(t)

			miss := int64(99)
			results := []*int64{ID(10), ID(10), &miss, ID(10)}
			for i, answered := range results {
				ingest(&models.Answer{
					ID: int64(i + 1), UserID: 1, ItemID: 10, ItemAskedID: 10,
					ItemAnsweredID: answered, Time: base.Add(time.Duration(i) * time.Second),
				})
			}

			// no full window, no value
			_, ok := env.RollingSuccess(1, 5)
			assert.False(t, ok)
			_, ok = env.RollingSuccess(2, 1)
			assert.False(t, ok)

			value, ok := env.RollingSuccess(1, 4)
			require.True(t, ok)
			assert.InDelta(t, 0.75, value, 1e-9)

			// the window covers the most recent answers only
			value, ok = env.RollingSuccess(1, 2)
			require.True(t, ok)
			assert.InDelta(t, 0.5, value, 1e-9)

			require.NoError(t, env.Err())
		})
	}
}
