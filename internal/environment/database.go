package environment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/cache"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

// DatabaseEnvironment reads and writes statistics straight against the
// variables, audit_entries and answers tables, scoped to one epoch
// (EnvironmentInfo). It is built once per unit of work with a
// request-scoped context and must not be shared between goroutines.
//
// Answer-derived statistics (counters, rolling success, confusing factor)
// are computed from the answers table itself, so they are correct even for
// epochs that never replayed them into variables.
type DatabaseEnvironment struct {
	ctx  context.Context
	db   *gorm.DB
	info *models.EnvironmentInfo

	shiftedTime  *time.Time
	beforeAnswer *int64
	avoidAudit   bool

	cacheService cache.CacheService
	cacheTTL     time.Duration

	confusingCache map[confusingCacheKey]map[int64]int
	hasAnswerCache map[recordKey]bool

	hooks []WriteHook
	err   error
}

type confusingCacheKey struct {
	item    int64
	user    int64
	hasUser bool
}

// errStopExport aborts FindInBatches when an export consumer stops early.
var errStopExport = errors.New("environment: export stopped")

var _ CommonEnvironment = (*DatabaseEnvironment)(nil)

type DatabaseOption func(*DatabaseEnvironment)

// WithCacheService mirrors expensive answer aggregates (confusing factor
// neighbourhoods) into a shared cache.
func WithCacheService(service cache.CacheService, ttl time.Duration) DatabaseOption {
	return func(e *DatabaseEnvironment) {
		e.cacheService = service
		e.cacheTTL = ttl
	}
}

func NewDatabaseEnvironment(ctx context.Context, db *gorm.DB, info *models.EnvironmentInfo, opts ...DatabaseOption) *DatabaseEnvironment {
	env := &DatabaseEnvironment{
		ctx:            ctx,
		db:             db.WithContext(ctx),
		info:           info,
		confusingCache: make(map[confusingCacheKey]map[int64]int),
		hasAnswerCache: make(map[recordKey]bool),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// ShiftTime makes all subsequent reads answer "as of t": current values come
// from the audit trail and answer aggregates ignore later answers.
func (e *DatabaseEnvironment) ShiftTime(t time.Time) {
	e.shiftedTime = &t
	e.resetAnswerCaches()
}

// ShiftAnswers restricts answer aggregates to answers with id <= beforeID.
// The recompute job uses it to replay history deterministically.
func (e *DatabaseEnvironment) ShiftAnswers(beforeID int64) {
	e.beforeAnswer = &beforeID
	e.resetAnswerCaches()
}

// AvoidAudit suppresses audit writes and makes shifted reads fall back to
// current values. Bulk replays enable it to keep the audit table lean.
func (e *DatabaseEnvironment) AvoidAudit(avoid bool) {
	e.avoidAudit = avoid
}

func (e *DatabaseEnvironment) Info() *models.EnvironmentInfo {
	return e.info
}

func (e *DatabaseEnvironment) resetAnswerCaches() {
	e.confusingCache = make(map[confusingCacheKey]map[int64]int)
	e.hasAnswerCache = make(map[recordKey]bool)
}

func (e *DatabaseEnvironment) fail(err error) {
	if e.err == nil && err != nil {
		e.err = err
	}
}

func (e *DatabaseEnvironment) Err() error {
	return e.err
}

// variableQuery narrows a query to the given statistic record within the
// bound epoch. Permanent variables live outside epochs (info_id NULL).
func (e *DatabaseEnvironment) variableQuery(name string, key Key) *gorm.DB {
	return e.keyColumns(e.db.Model(&models.Variable{}), name, key).
		Where("info_id = ? OR info_id IS NULL", e.info.ID)
}

func (e *DatabaseEnvironment) auditQuery(name string, key Key) *gorm.DB {
	return e.keyColumns(e.db.Model(&models.AuditEntry{}), name, key).
		Where("info_id = ? OR info_id IS NULL", e.info.ID)
}

func (e *DatabaseEnvironment) keyColumns(q *gorm.DB, name string, key Key) *gorm.DB {
	key = key.canonical()
	q = q.Where("key = ?", name)
	q = whereOptionalID(q, "user_id", key.User)
	q = whereOptionalID(q, "item_primary_id", key.Item)
	q = whereOptionalID(q, "item_secondary_id", key.ItemSecondary)
	return q
}

func whereOptionalID(q *gorm.DB, column string, id *int64) *gorm.DB {
	if id == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *id)
}

func (e *DatabaseEnvironment) Read(name string, key Key, def float64) float64 {
	if v, ok := e.readVariable(name, key); ok {
		return v.Value
	}
	return def
}

func (e *DatabaseEnvironment) readVariable(name string, key Key) (*models.Variable, bool) {
	if e.shiftedTime != nil && !e.avoidAudit {
		var entry models.AuditEntry
		err := e.auditQuery(name, key).
			Where("time <= ?", *e.shiftedTime).
			Order("time DESC").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false
		}
		if err != nil {
			e.fail(err)
			return nil, false
		}
		return &models.Variable{Value: entry.Value, Updated: entry.Time, AnswerID: entry.AnswerID}, true
	}

	var variable models.Variable
	err := e.variableQuery(name, key).First(&variable).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		e.fail(err)
		return nil, false
	}
	return &variable, true
}

func (e *DatabaseEnvironment) ReadMoreItems(name string, items []int64, key Key, def float64) []float64 {
	result := make([]float64, len(items))
	for i, item := range items {
		result[i] = e.Read(name, pivotKey(key, item), def)
	}
	return result
}

func (e *DatabaseEnvironment) ReadMoreKeys(names []string, key Key, def float64) []float64 {
	result := make([]float64, len(names))
	for i, name := range names {
		result[i] = e.Read(name, key, def)
	}
	return result
}

func (e *DatabaseEnvironment) ReadAllWithName(name string) []ValueRecord {
	var variables []models.Variable
	err := e.db.Model(&models.Variable{}).
		Where("key = ?", name).
		Where("info_id = ? OR info_id IS NULL", e.info.ID).
		Find(&variables).Error
	if err != nil {
		e.fail(err)
		return nil
	}
	result := make([]ValueRecord, 0, len(variables))
	for _, v := range variables {
		result = append(result, ValueRecord{
			User:          v.UserID,
			Item:          v.ItemPrimaryID,
			ItemSecondary: v.ItemSecondaryID,
			Value:         v.Value,
		})
	}
	return result
}

func (e *DatabaseEnvironment) ItemsWithValues(name string, item int64, user *int64) []ItemValue {
	q := e.db.Model(&models.Variable{}).
		Where("key = ?", name).
		Where("item_primary_id = ?", item).
		Where("item_secondary_id IS NOT NULL").
		Where("info_id = ? OR info_id IS NULL", e.info.ID)
	q = whereOptionalID(q, "user_id", user)

	var variables []models.Variable
	if err := q.Find(&variables).Error; err != nil {
		e.fail(err)
		return nil
	}
	result := make([]ItemValue, 0, len(variables))
	for _, v := range variables {
		result = append(result, ItemValue{Item: *v.ItemSecondaryID, Value: v.Value})
	}
	return result
}

func (e *DatabaseEnvironment) ItemsWithValuesMoreItems(name string, items []int64, user *int64) map[int64][]ItemValue {
	result := make(map[int64][]ItemValue, len(items))
	for _, item := range items {
		result[item] = e.ItemsWithValues(name, item, user)
	}
	return result
}

func (e *DatabaseEnvironment) Time(name string, key Key) *time.Time {
	if v, ok := e.readVariable(name, key); ok {
		t := v.Updated
		return &t
	}
	return nil
}

func (e *DatabaseEnvironment) TimeMoreItems(name string, items []int64, key Key) []*time.Time {
	result := make([]*time.Time, len(items))
	for i, item := range items {
		result[i] = e.Time(name, pivotKey(key, item))
	}
	return result
}

func (e *DatabaseEnvironment) Write(name string, value float64, key Key, opts WriteOptions) error {
	if name == "" {
		return ErrNameRequired
	}
	writeTime := opts.Time
	if writeTime.IsZero() {
		writeTime = time.Now()
	}
	key = key.canonical()

	var existing models.Variable
	err := e.variableQuery(name, key).First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("environment: reading variable before write: %w", err)
	}

	var previous *float64
	if found {
		if existing.Permanent != opts.Permanent {
			return &PermanenceError{Name: name, Key: key, Op: "write"}
		}
		prev := existing.Value
		previous = &prev
		existing.Value = value
		existing.Updated = writeTime
		existing.AnswerID = opts.Answer
		existing.Audit = !opts.NoAudit && !opts.Permanent
		if err := e.db.Save(&existing).Error; err != nil {
			return fmt.Errorf("environment: updating variable: %w", err)
		}
	} else {
		infoID := &e.info.ID
		if opts.Permanent {
			infoID = nil
		}
		variable := models.Variable{
			Key:             name,
			UserID:          key.User,
			ItemPrimaryID:   key.Item,
			ItemSecondaryID: key.ItemSecondary,
			Value:           value,
			Audit:           !opts.NoAudit && !opts.Permanent,
			Permanent:       opts.Permanent,
			InfoID:          infoID,
			AnswerID:        opts.Answer,
			Updated:         writeTime,
		}
		if err := e.db.Create(&variable).Error; err != nil {
			return fmt.Errorf("environment: creating variable: %w", err)
		}
	}

	if !opts.Permanent && !opts.NoAudit && !e.avoidAudit {
		entry := models.AuditEntry{
			Key:             name,
			UserID:          key.User,
			ItemPrimaryID:   key.Item,
			ItemSecondaryID: key.ItemSecondary,
			Value:           value,
			InfoID:          &e.info.ID,
			AnswerID:        opts.Answer,
			Time:            writeTime,
		}
		if err := e.db.Create(&entry).Error; err != nil {
			return fmt.Errorf("environment: appending audit entry: %w", err)
		}
	}

	for _, hook := range e.hooks {
		hook.Event(name, value, key, writeTime, previous, opts.Answer)
	}
	return nil
}

func (e *DatabaseEnvironment) Update(name string, init float64, fn func(float64) float64, key Key, opts WriteOptions) error {
	return e.Write(name, fn(e.Read(name, key, init)), key, opts)
}

func (e *DatabaseEnvironment) Delete(name string, key Key) error {
	var existing models.Variable
	err := e.variableQuery(name, key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("environment: reading variable before delete: %w", err)
	}
	if !existing.Permanent {
		return &PermanenceError{Name: name, Key: key, Op: "delete"}
	}
	return e.db.Delete(&models.Variable{}, existing.ID).Error
}

func (e *DatabaseEnvironment) Audit(name string, key Key, limit int) ([]AuditRecord, error) {
	if v, ok := e.readVariable(name, key); ok && v.ID != 0 && !v.Audit {
		return nil, ErrAuditDisabled
	}
	q := e.auditQuery(name, key).Order("time DESC")
	if e.shiftedTime != nil {
		q = q.Where("time <= ?", *e.shiftedTime)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.AuditEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("environment: reading audit: %w", err)
	}
	result := make([]AuditRecord, 0, len(entries))
	for _, entry := range entries {
		result = append(result, AuditRecord{Time: entry.Time, Value: entry.Value})
	}
	return result, nil
}

func (e *DatabaseEnvironment) ExportValues() iter.Seq[ExportedValue] {
	return func(yield func(ExportedValue) bool) {
		var batch []models.Variable
		err := e.db.Model(&models.Variable{}).
			Where("info_id = ? OR info_id IS NULL", e.info.ID).
			FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
				for _, v := range batch {
					row := ExportedValue{
						Name:          v.Key,
						User:          v.UserID,
						Item:          v.ItemPrimaryID,
						ItemSecondary: v.ItemSecondaryID,
						Permanent:     v.Permanent,
						Time:          v.Updated,
						Answer:        v.AnswerID,
						Value:         v.Value,
					}
					if !yield(row) {
						return errStopExport
					}
				}
				return nil
			}).Error
		if err != nil && !errors.Is(err, errStopExport) {
			e.fail(err)
		}
	}
}

func (e *DatabaseEnvironment) ExportAudit() iter.Seq[ExportedAudit] {
	return func(yield func(ExportedAudit) bool) {
		var batch []models.AuditEntry
		err := e.db.Model(&models.AuditEntry{}).
			Where("info_id = ? OR info_id IS NULL", e.info.ID).
			FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
				for _, entry := range batch {
					row := ExportedAudit{
						Name:          entry.Key,
						User:          entry.UserID,
						Item:          entry.ItemPrimaryID,
						ItemSecondary: entry.ItemSecondaryID,
						Time:          entry.Time,
						Answer:        entry.AnswerID,
						Value:         entry.Value,
					}
					if !yield(row) {
						return errStopExport
					}
				}
				return nil
			}).Error
		if err != nil && !errors.Is(err, errStopExport) {
			e.fail(err)
		}
	}
}

// Flush is a no-op: writes go straight to the database. It only surfaces a
// sticky read error, if any.
func (e *DatabaseEnvironment) Flush(ctx context.Context, clean bool) error {
	return e.err
}

func (e *DatabaseEnvironment) AddWriteHook(hook WriteHook) {
	e.hooks = append(e.hooks, hook)
}

// answers builds the base query for answer-derived aggregates, honouring the
// key scope and any time or answer-id shift.
func (e *DatabaseEnvironment) answers(key Key) *gorm.DB {
	q := e.db.Model(&models.Answer{})
	if key.User != nil {
		q = q.Where("user_id = ?", *key.User)
	}
	if key.Item != nil {
		q = q.Where("item_id = ?", *key.Item)
	}
	if e.shiftedTime != nil {
		q = q.Where("time <= ?", *e.shiftedTime)
	}
	if e.beforeAnswer != nil {
		q = q.Where("id <= ?", *e.beforeAnswer)
	}
	return q
}

func (e *DatabaseEnvironment) ProcessAnswer(answer *models.Answer) error {
	// Derived counters are recomputed from the answers table on demand;
	// recording the answer row is the caller's responsibility. Only the
	// caches become stale here.
	e.resetAnswerCaches()
	return nil
}

func (e *DatabaseEnvironment) NumberOfAnswers(key Key) int {
	var n int64
	if err := e.answers(key).Count(&n).Error; err != nil {
		e.fail(err)
		return 0
	}
	return int(n)
}

func (e *DatabaseEnvironment) NumberOfCorrectAnswers(key Key) int {
	var n int64
	if err := e.answers(key).Where("item_answered_id = item_asked_id").Count(&n).Error; err != nil {
		e.fail(err)
		return 0
	}
	return int(n)
}

func (e *DatabaseEnvironment) NumberOfFirstAnswers(key Key) int {
	sub := e.answers(key).Select("MIN(id)").Group("user_id, item_id")
	var n int64
	if err := e.db.Model(&models.Answer{}).Where("id IN (?)", sub).Count(&n).Error; err != nil {
		e.fail(err)
		return 0
	}
	return int(n)
}

func (e *DatabaseEnvironment) HasAnswer(key Key) bool {
	rk := newRecordKey(NumberOfAnswersKey, key)
	if has, ok := e.hasAnswerCache[rk]; ok {
		return has
	}
	has := e.NumberOfAnswers(key) > 0
	e.hasAnswerCache[rk] = has
	return has
}

func (e *DatabaseEnvironment) LastAnswerTime(key Key) *time.Time {
	var answer models.Answer
	err := e.answers(key).Order("time DESC").First(&answer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		e.fail(err)
		return nil
	}
	t := answer.Time
	return &t
}

func (e *DatabaseEnvironment) NumberOfAnswersMoreItems(items []int64, user *int64) []int {
	return e.aggregateMoreItems(items, user, nil)
}

func (e *DatabaseEnvironment) NumberOfCorrectAnswersMoreItems(items []int64, user *int64) []int {
	correct := "item_answered_id = item_asked_id"
	return e.aggregateMoreItems(items, user, &correct)
}

func (e *DatabaseEnvironment) NumberOfFirstAnswersMoreItems(items []int64, user *int64) []int {
	result := make([]int, len(items))
	for i, item := range items {
		result[i] = e.NumberOfFirstAnswers(Key{User: user, Item: &item})
	}
	return result
}

// aggregateMoreItems answers the batched counters with a single GROUP BY.
func (e *DatabaseEnvironment) aggregateMoreItems(items []int64, user *int64, condition *string) []int {
	type itemCount struct {
		ItemID int64
		N      int64
	}
	q := e.answers(Key{User: user}).
		Select("item_id, COUNT(*) AS n").
		Where("item_id IN ?", items).
		Group("item_id")
	if condition != nil {
		q = q.Where(*condition)
	}
	var rows []itemCount
	if err := q.Scan(&rows).Error; err != nil {
		e.fail(err)
		return make([]int, len(items))
	}
	counts := make(map[int64]int, len(rows))
	for _, row := range rows {
		counts[row.ItemID] = int(row.N)
	}
	result := make([]int, len(items))
	for i, item := range items {
		result[i] = counts[item]
	}
	return result
}

func (e *DatabaseEnvironment) HasAnswerMoreItems(items []int64, user *int64) []bool {
	counts := e.NumberOfAnswersMoreItems(items, user)
	result := make([]bool, len(counts))
	for i, count := range counts {
		result[i] = count > 0
	}
	return result
}

// LastAnswerTimeMoreItems queries per item instead of grouping on MAX(time):
// an aggregated time column loses its declared type and some drivers hand it
// back as a raw string.
func (e *DatabaseEnvironment) LastAnswerTimeMoreItems(items []int64, user *int64) []*time.Time {
	result := make([]*time.Time, len(items))
	for i, item := range items {
		result[i] = e.LastAnswerTime(Key{User: user, Item: &item})
	}
	return result
}

func (e *DatabaseEnvironment) RollingSuccess(user int64, windowSize int) (float64, bool) {
	if windowSize <= 0 {
		windowSize = DefaultRollingWindow
	}
	var answers []models.Answer
	err := e.answers(ForUser(user)).
		Order("id DESC").
		Limit(windowSize).
		Find(&answers).Error
	if err != nil {
		e.fail(err)
		return 0, false
	}
	if len(answers) < windowSize {
		return 0, false
	}
	correct := 0
	for i := range answers {
		if answers[i].Correct() {
			correct++
		}
	}
	return float64(correct) / float64(windowSize), true
}

func (e *DatabaseEnvironment) ConfusingFactor(item, secondary int64, user *int64) int {
	return e.confusingNeighbours(item, user)[secondary]
}

func (e *DatabaseEnvironment) ConfusingFactorMoreItems(item int64, items []int64, user *int64) []int {
	neighbours := e.confusingNeighbours(item, user)
	result := make([]int, len(items))
	for i, other := range items {
		result[i] = neighbours[other]
	}
	return result
}

// confusingNeighbours aggregates, for one item, how often each other item
// was mixed up with it in open answers. The full neighbourhood is cached in
// memory and optionally in the shared cache, so repeated decoy selection for
// the same item stays cheap.
func (e *DatabaseEnvironment) confusingNeighbours(item int64, user *int64) map[int64]int {
	ck := confusingCacheKey{item: item}
	if user != nil {
		ck.user, ck.hasUser = *user, true
	}
	if cached, ok := e.confusingCache[ck]; ok {
		return cached
	}

	cacheKey := ""
	if e.cacheService != nil && e.shiftedTime == nil && e.beforeAnswer == nil {
		userPart := "all"
		if user != nil {
			userPart = fmt.Sprintf("%d", *user)
		}
		cacheKey = fmt.Sprintf("practice:confusing:%d:%d:%s", e.info.ID, item, userPart)
		var cached map[int64]int
		if err := e.cacheService.Get(e.ctx, cacheKey, &cached); err == nil {
			e.confusingCache[ck] = cached
			return cached
		}
	}

	type pairCount struct {
		Asked    int64
		Answered int64
		N        int64
	}
	q := e.answers(Key{User: user}).
		Select("item_asked_id AS asked, item_answered_id AS answered, COUNT(*) AS n").
		Where("guess = 0").
		Where("item_answered_id IS NOT NULL").
		Where("item_answered_id <> item_asked_id").
		Where("item_asked_id = ? OR item_answered_id = ?", item, item).
		Group("item_asked_id, item_answered_id")
	var rows []pairCount
	if err := q.Scan(&rows).Error; err != nil {
		e.fail(err)
		return map[int64]int{}
	}
	neighbours := make(map[int64]int, len(rows))
	for _, row := range rows {
		other := row.Asked
		if other == item {
			other = row.Answered
		}
		neighbours[other] += int(row.N)
	}
	e.confusingCache[ck] = neighbours

	if cacheKey != "" {
		// cache failures never break a read path
		_ = e.cacheService.Set(e.ctx, cacheKey, neighbours, e.cacheTTL)
	}
	return neighbours
}
