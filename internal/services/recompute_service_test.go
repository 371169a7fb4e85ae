package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/events"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

func newTestRecomputeService(t *testing.T, db *gorm.DB, batchSize int) (RecomputeService, *events.MockEventPublisher) {
	t.Helper()
	publisher := events.NewMockEventPublisher(testLogger())
	cfg := testPracticeConfig()
	cfg.RecomputeBatch = batchSize
	return NewRecomputeService(db, testLogger(), publisher, cfg), publisher
}

func seedAnswers(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		answered := int64(1 + i%2)
		answer := &models.Answer{
			ID:             int64(i),
			UserID:         int64(1 + i%2),
			ItemID:         int64(1 + i%3),
			ItemAskedID:    int64(1 + i%3),
			ItemAnsweredID: &answered,
			Time:           base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(answer).Error)
	}
}

func TestRecomputeReplaysHistory(t *testing.T) {
	db := setupTestDB(t)
	seedItems(t, db, 3)
	seedAnswers(t, db, 6)
	service, publisher := newTestRecomputeService(t, db, 1000)

	info, err := service.Recompute(context.Background(), "prior_current", true)
	require.NoError(t, err)
	assert.Equal(t, models.EnvironmentActive, info.Status)
	assert.Equal(t, int64(6), info.LoadProgress)

	// model statistics were persisted for the new epoch
	var skillCount int64
	require.NoError(t, db.Model(&models.Variable{}).
		Where("key = ? AND info_id = ?", "current_skill", info.ID).
		Count(&skillCount).Error)
	assert.Greater(t, skillCount, int64(0))

	// transient counters were cleaned at the end of the run
	var counterCount int64
	require.NoError(t, db.Model(&models.Variable{}).
		Where("key = ? AND info_id = ?", "number_of_answers", info.ID).
		Count(&counterCount).Error)
	assert.Zero(t, counterCount)

	types := make([]events.EventType, 0)
	for _, event := range publisher.GetPublishedEvents() {
		types = append(types, event.Type)
	}
	assert.Equal(t, []events.EventType{events.EventRecomputeStarted, events.EventRecomputeFinished}, types)
}

func TestRecomputeBatchedCursor(t *testing.T) {
	db := setupTestDB(t)
	seedItems(t, db, 3)
	seedAnswers(t, db, 5)
	service, _ := newTestRecomputeService(t, db, 2)

	info, err := service.Recompute(context.Background(), "prior_current", true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.LoadProgress, "three batches advance the cursor to the last answer")
	assert.Equal(t, models.EnvironmentActive, info.Status)
}

func TestRecomputeResumesFromCursor(t *testing.T) {
	db := setupTestDB(t)
	seedItems(t, db, 3)
	seedAnswers(t, db, 4)

	// a previous run stopped after answer 2
	stale := &models.EnvironmentInfo{Status: models.EnvironmentLoading, ConfigName: "prior_current", Revision: 1, LoadProgress: 2}
	require.NoError(t, db.Create(stale).Error)

	service, _ := newTestRecomputeService(t, db, 1000)
	info, err := service.Recompute(context.Background(), "prior_current", false)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, info.ID, "the interrupted epoch is continued, not replaced")
	assert.Equal(t, int64(4), info.LoadProgress)
	assert.Equal(t, models.EnvironmentActive, info.Status)
}

func TestRecomputeInitialRejectsRunningEpoch(t *testing.T) {
	db := setupTestDB(t)
	running := &models.EnvironmentInfo{Status: models.EnvironmentLoading, ConfigName: "prior_current", Revision: 1}
	require.NoError(t, db.Create(running).Error)

	service, _ := newTestRecomputeService(t, db, 1000)
	_, err := service.Recompute(context.Background(), "prior_current", true)
	assert.ErrorIs(t, err, ErrRecomputeInProgress)
}

func TestRecomputePromotesAndDemotes(t *testing.T) {
	db := setupTestDB(t)
	seedItems(t, db, 3)
	seedAnswers(t, db, 2)
	previous := &models.EnvironmentInfo{Status: models.EnvironmentActive, ConfigName: "prior_current", Revision: 1}
	require.NoError(t, db.Create(previous).Error)

	service, _ := newTestRecomputeService(t, db, 1000)
	info, err := service.Recompute(context.Background(), "prior_current", true)
	require.NoError(t, err)
	assert.Equal(t, models.EnvironmentActive, info.Status)

	var demoted models.EnvironmentInfo
	require.NoError(t, db.First(&demoted, previous.ID).Error)
	assert.Equal(t, models.EnvironmentEnabled, demoted.Status)
}

func TestRecomputeSyncsItemRelations(t *testing.T) {
	db := setupTestDB(t)
	seedItems(t, db, 3)
	require.NoError(t, db.Create(&models.ItemRelation{ParentID: 3, ChildID: 1}).Error)
	require.NoError(t, db.Create(&models.ItemRelation{ParentID: 3, ChildID: 2}).Error)
	seedAnswers(t, db, 2)

	service, _ := newTestRecomputeService(t, db, 1000)
	info, err := service.Recompute(context.Background(), "prior_current", true)
	require.NoError(t, err)

	env := environment.NewDatabaseEnvironment(context.Background(), db, info)
	parents := env.ItemsWithValues("parent", 1, nil)
	require.Len(t, parents, 1)
	assert.Equal(t, int64(3), parents[0].Item)

	children := env.ItemsWithValues("child", 3, nil)
	assert.Len(t, children, 2)
	require.NoError(t, env.Err())
}

func TestCancelAndGarbageCollect(t *testing.T) {
	db := setupTestDB(t)
	info := &models.EnvironmentInfo{Status: models.EnvironmentLoading, ConfigName: "prior_current", Revision: 1}
	require.NoError(t, db.Create(info).Error)
	require.NoError(t, db.Create(&models.Variable{
		Key: "current_skill", Value: 1.5, InfoID: &info.ID, Updated: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.AuditEntry{
		Key: "current_skill", Value: 1.5, InfoID: &info.ID, Time: time.Now(),
	}).Error)

	service, publisher := newTestRecomputeService(t, db, 1000)
	require.NoError(t, service.Cancel(context.Background(), info.ID))
	assert.ErrorIs(t, service.Cancel(context.Background(), info.ID), ErrEpochAlreadyDisabled)

	collected, err := service.GarbageCollect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), collected)

	var variables, audits, infos int64
	require.NoError(t, db.Model(&models.Variable{}).Count(&variables).Error)
	require.NoError(t, db.Model(&models.AuditEntry{}).Count(&audits).Error)
	require.NoError(t, db.Model(&models.EnvironmentInfo{}).Count(&infos).Error)
	assert.Zero(t, variables)
	assert.Zero(t, audits)
	assert.Zero(t, infos)

	types := make([]events.EventType, 0)
	for _, event := range publisher.GetPublishedEvents() {
		types = append(types, event.Type)
	}
	assert.Equal(t, []events.EventType{events.EventRecomputeCancelled}, types)
}

func TestCancelMissingEpoch(t *testing.T) {
	db := setupTestDB(t)
	service, _ := newTestRecomputeService(t, db, 1000)
	assert.ErrorIs(t, service.Cancel(context.Background(), 404), ErrEnvironmentNotFound)
}
