package environment

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

// dropKeys are statistics the recompute job keeps only in memory: they are
// cheap to rebuild from the answers table, so persisting their full history
// would just bloat the variables and audit tables.
var dropKeys = []string{
	NumberOfAnswersKey,
	NumberOfFirstAnswersKey,
	LastCorrectnessKey,
	NumberOfCorrectAnswersKey,
	ConfusingFactorKey,
}

func isDropKey(name string) bool {
	for _, k := range dropKeys {
		if k == name {
			return true
		}
	}
	return false
}

type prefetchedRow struct {
	updated time.Time
	value   float64
	rowID   int64
}

// FlushEnvironment buffers all writes of a recompute batch in memory and
// persists them with one transactional bulk flush. Reads of records that
// were prefetched but not yet rewritten fall through to the prefetched
// database rows; the first write to such a record marks the old row for
// deletion, so the flush replaces rather than duplicates it.
type FlushEnvironment struct {
	*InMemoryEnvironment

	db         *gorm.DB
	info       *models.EnvironmentInfo
	prefetched map[recordKey]prefetchedRow
	toDelete   []int64
}

var _ CommonEnvironment = (*FlushEnvironment)(nil)

func NewFlushEnvironment(db *gorm.DB, info *models.EnvironmentInfo, opts ...InMemoryOption) *FlushEnvironment {
	env := &FlushEnvironment{
		InMemoryEnvironment: NewInMemoryEnvironment(opts...),
		db:                  db,
		info:                info,
		prefetched:          make(map[recordKey]prefetchedRow),
	}
	env.InMemoryEnvironment.fallback = env.lookupPrefetched
	env.InMemoryEnvironment.superseded = env.markSuperseded
	return env
}

func (e *FlushEnvironment) lookupPrefetched(rk recordKey) (float64, time.Time, bool) {
	row, ok := e.prefetched[rk]
	return row.value, row.updated, ok
}

func (e *FlushEnvironment) markSuperseded(rk recordKey) {
	if row, ok := e.prefetched[rk]; ok {
		e.toDelete = append(e.toDelete, row.rowID)
		delete(e.prefetched, rk)
	}
}

// Prefetch loads the current variables relevant to the given users and
// items into the read-through layer. Permanent variables are always loaded.
func (e *FlushEnvironment) Prefetch(ctx context.Context, users, items []int64) error {
	if len(users) == 0 && len(items) == 0 {
		return nil
	}
	var variables []models.Variable
	err := e.db.WithContext(ctx).Model(&models.Variable{}).
		Where(
			"permanent OR (info_id = ? AND (user_id IN ? OR user_id IS NULL) AND (item_primary_id IS NULL OR item_primary_id IN ? OR item_secondary_id IN ?))",
			e.info.ID, users, items, items,
		).
		Find(&variables).Error
	if err != nil {
		return fmt.Errorf("environment: prefetching variables: %w", err)
	}
	for _, v := range variables {
		rk := newRecordKey(v.Key, Key{User: v.UserID, Item: v.ItemPrimaryID, ItemSecondary: v.ItemSecondaryID, Ordered: true})
		e.prefetched[rk] = prefetchedRow{updated: v.Updated, value: v.Value, rowID: v.ID}
	}
	return nil
}

func (e *FlushEnvironment) ReadAllWithName(name string) []ValueRecord {
	var result []ValueRecord
	for rk, row := range e.prefetched {
		if rk.name != name {
			continue
		}
		key := rk.key()
		result = append(result, ValueRecord{
			User:          key.User,
			Item:          key.Item,
			ItemSecondary: key.ItemSecondary,
			Value:         row.value,
		})
	}
	return append(result, e.InMemoryEnvironment.ReadAllWithName(name)...)
}

// Flush writes the buffered state in one transaction: superseded rows are
// deleted, the audit trail (minus drop keys) is appended, current values are
// inserted, and with clean set the transient drop-key variables of this
// epoch are removed again.
func (e *FlushEnvironment) Flush(ctx context.Context, clean bool) error {
	var auditEntries []models.AuditEntry
	for row := range e.ExportAudit() {
		if isDropKey(row.Name) {
			continue
		}
		auditEntries = append(auditEntries, models.AuditEntry{
			Key:             row.Name,
			UserID:          row.User,
			ItemPrimaryID:   row.Item,
			ItemSecondaryID: row.ItemSecondary,
			Value:           row.Value,
			InfoID:          &e.info.ID,
			AnswerID:        row.Answer,
			Time:            row.Time,
		})
	}
	var variables []models.Variable
	for row := range e.ExportValues() {
		infoID := &e.info.ID
		if row.Permanent {
			infoID = nil
		}
		variables = append(variables, models.Variable{
			Key:             row.Name,
			UserID:          row.User,
			ItemPrimaryID:   row.Item,
			ItemSecondaryID: row.ItemSecondary,
			Value:           row.Value,
			Audit:           !row.Permanent,
			Permanent:       row.Permanent,
			InfoID:          infoID,
			AnswerID:        row.Answer,
			Updated:         row.Time,
		})
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(e.toDelete) > 0 {
			if err := tx.Delete(&models.Variable{}, e.toDelete).Error; err != nil {
				return fmt.Errorf("environment: deleting superseded variables: %w", err)
			}
		}
		if len(auditEntries) > 0 {
			if err := tx.CreateInBatches(auditEntries, 500).Error; err != nil {
				return fmt.Errorf("environment: flushing audit entries: %w", err)
			}
		}
		if len(variables) > 0 {
			if err := tx.CreateInBatches(variables, 500).Error; err != nil {
				return fmt.Errorf("environment: flushing variables: %w", err)
			}
		}
		if clean {
			err := tx.
				Where("key IN ? AND info_id = ?", dropKeys, e.info.ID).
				Delete(&models.Variable{}).Error
			if err != nil {
				return fmt.Errorf("environment: cleaning transient variables: %w", err)
			}
		}
		return nil
	})
}
