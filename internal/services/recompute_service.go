package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/config"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/events"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/prediction"
)

// RecomputeService rebuilds the derived statistics of an epoch by replaying
// the full answer history through a predictive model. The replay is batched
// and resumable: the epoch's LoadProgress cursor advances only after a
// successful flush, so a crashed run continues where it stopped.
type RecomputeService interface {
	Recompute(ctx context.Context, configName string, initial bool) (*models.EnvironmentInfo, error)
	Cancel(ctx context.Context, infoID int64) error
	GarbageCollect(ctx context.Context) (int64, error)
}

type recomputeService struct {
	db        *gorm.DB
	logger    *slog.Logger
	publisher events.EventPublisher
	cfg       config.PracticeConfig
}

func NewRecomputeService(db *gorm.DB, logger *slog.Logger, publisher events.EventPublisher, cfg config.PracticeConfig) RecomputeService {
	return &recomputeService{
		db:        db,
		logger:    logger,
		publisher: publisher,
		cfg:       cfg,
	}
}

func (s *recomputeService) Recompute(ctx context.Context, configName string, initial bool) (*models.EnvironmentInfo, error) {
	info, err := s.loadingEpoch(ctx, configName, initial)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Starting recompute",
		"info_id", info.ID,
		"config_name", configName,
		"load_progress", info.LoadProgress)

	if err := s.publisher.PublishPracticeEvent(ctx, events.NewRecomputeStartedEvent(info.ID, configName)); err != nil {
		s.logger.Warn("Failed to publish recompute started event", "info_id", info.ID, "error", err)
	}

	if err := s.syncItemRelations(ctx, info); err != nil {
		return nil, err
	}

	parents, err := s.parentClosure(ctx)
	if err != nil {
		return nil, err
	}

	model := s.newModel()
	batchSize := s.cfg.RecomputeBatch
	if batchSize <= 0 {
		batchSize = 1000
	}

	var processed int64
	for {
		var answers []models.Answer
		err := s.db.WithContext(ctx).
			Where("id > ?", info.LoadProgress).
			Order("id").
			Limit(batchSize).
			Find(&answers).Error
		if err != nil {
			return nil, fmt.Errorf("loading answer batch after id %d: %w", info.LoadProgress, err)
		}
		if len(answers) == 0 {
			break
		}

		if err := s.replayBatch(ctx, info, model, answers, parents); err != nil {
			return nil, err
		}
		processed += int64(len(answers))
		s.logger.Info("Recompute batch flushed",
			"info_id", info.ID,
			"load_progress", info.LoadProgress,
			"processed", processed)
	}

	if err := s.finish(ctx, info); err != nil {
		return nil, err
	}
	s.logger.Info("Recompute finished",
		"info_id", info.ID,
		"config_name", configName,
		"answers_processed", processed)

	if err := s.publisher.PublishPracticeEvent(ctx, events.NewRecomputeFinishedEvent(info.ID, configName, processed)); err != nil {
		s.logger.Warn("Failed to publish recompute finished event", "info_id", info.ID, "error", err)
	}
	return info, nil
}

// Cancel marks a loading epoch disabled so that garbage collection removes
// its half-built statistics.
func (s *recomputeService) Cancel(ctx context.Context, infoID int64) error {
	var info models.EnvironmentInfo
	if err := s.db.WithContext(ctx).First(&info, infoID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEnvironmentNotFound
		}
		return fmt.Errorf("loading environment epoch %d: %w", infoID, err)
	}
	if info.Status == models.EnvironmentDisabled {
		return ErrEpochAlreadyDisabled
	}

	err := s.db.WithContext(ctx).Model(&info).Update("status", models.EnvironmentDisabled).Error
	if err != nil {
		return fmt.Errorf("disabling environment epoch %d: %w", infoID, err)
	}
	s.logger.Info("Recompute cancelled", "info_id", infoID)

	if err := s.publisher.PublishPracticeEvent(ctx, events.NewRecomputeCancelledEvent(info.ID, info.ConfigName)); err != nil {
		s.logger.Warn("Failed to publish recompute cancelled event", "info_id", info.ID, "error", err)
	}
	return nil
}

// GarbageCollect deletes the statistics and epochs of all disabled epochs
// and returns the number of collected epochs.
func (s *recomputeService) GarbageCollect(ctx context.Context) (int64, error) {
	var infoIDs []int64
	err := s.db.WithContext(ctx).Model(&models.EnvironmentInfo{}).
		Where("status = ?", models.EnvironmentDisabled).
		Pluck("id", &infoIDs).Error
	if err != nil {
		return 0, fmt.Errorf("loading disabled epochs: %w", err)
	}
	if len(infoIDs) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("info_id IN ?", infoIDs).Delete(&models.AuditEntry{}).Error; err != nil {
			return fmt.Errorf("deleting audit entries: %w", err)
		}
		if err := tx.Where("info_id IN ?", infoIDs).Delete(&models.Variable{}).Error; err != nil {
			return fmt.Errorf("deleting variables: %w", err)
		}
		if err := tx.Delete(&models.EnvironmentInfo{}, infoIDs).Error; err != nil {
			return fmt.Errorf("deleting epochs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Garbage collected disabled epochs", "count", len(infoIDs))
	return int64(len(infoIDs)), nil
}

// ===== REPLAY =====

func (s *recomputeService) replayBatch(ctx context.Context, info *models.EnvironmentInfo, model prediction.Model, answers []models.Answer, parents map[int64][]int64) error {
	env := environment.NewFlushEnvironment(s.db, info)

	users, items := batchScope(answers, parents)
	if err := env.Prefetch(ctx, users, items); err != nil {
		return err
	}

	for i := range answers {
		answer := &answers[i]
		opts := prediction.Options{Guess: &answer.Guess}
		_, err := prediction.PredictAndUpdate(model, env, answer.UserID, answer.ItemID, answer.Correct(), answer.Time, answer.ID, opts)
		if err != nil {
			return NewStatisticError("recompute model update", answer.ID, err)
		}
		if err := env.ProcessAnswer(answer); err != nil {
			return NewStatisticError("recompute answer processing", answer.ID, err)
		}
	}

	if err := env.Flush(ctx, false); err != nil {
		return NewStatisticError("recompute flush", 0, err)
	}

	last := answers[len(answers)-1].ID
	err := s.db.WithContext(ctx).Model(info).Update("load_progress", last).Error
	if err != nil {
		return fmt.Errorf("persisting load progress %d: %w", last, err)
	}
	info.LoadProgress = last
	return nil
}

// batchScope collects the distinct users and items touched by a batch,
// including the hierarchy ancestors of every item, so that the prefetch
// covers the skills a hierarchical model reads.
func batchScope(answers []models.Answer, parents map[int64][]int64) ([]int64, []int64) {
	userSet := make(map[int64]bool)
	itemSet := make(map[int64]bool)
	var queue []int64
	enqueue := func(item int64) {
		if !itemSet[item] {
			itemSet[item] = true
			queue = append(queue, item)
		}
	}
	for i := range answers {
		userSet[answers[i].UserID] = true
		enqueue(answers[i].ItemID)
		enqueue(answers[i].ItemAskedID)
		if answers[i].ItemAnsweredID != nil {
			enqueue(*answers[i].ItemAnsweredID)
		}
	}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		for _, parent := range parents[item] {
			enqueue(parent)
		}
	}

	users := make([]int64, 0, len(userSet))
	for user := range userSet {
		users = append(users, user)
	}
	items := make([]int64, 0, len(itemSet))
	for item := range itemSet {
		items = append(items, item)
	}
	return users, items
}

// ===== EPOCH LIFECYCLE =====

func (s *recomputeService) loadingEpoch(ctx context.Context, configName string, initial bool) (*models.EnvironmentInfo, error) {
	var existing models.EnvironmentInfo
	err := s.db.WithContext(ctx).
		Where("config_name = ? AND status = ?", configName, models.EnvironmentLoading).
		Order("id DESC").
		First(&existing).Error
	switch {
	case err == nil:
		if initial {
			return nil, ErrRecomputeInProgress
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("loading epoch for %s: %w", configName, err)
	}

	var maxRevision int
	err = s.db.WithContext(ctx).Model(&models.EnvironmentInfo{}).
		Where("config_name = ?", configName).
		Select("COALESCE(MAX(revision), 0)").
		Scan(&maxRevision).Error
	if err != nil {
		return nil, fmt.Errorf("determining epoch revision for %s: %w", configName, err)
	}

	info := models.EnvironmentInfo{
		Status:     models.EnvironmentLoading,
		Revision:   maxRevision + 1,
		ConfigName: configName,
	}
	if err := s.db.WithContext(ctx).Create(&info).Error; err != nil {
		return nil, fmt.Errorf("creating loading epoch for %s: %w", configName, err)
	}
	return &info, nil
}

// finish drops the transient counter variables of the epoch and promotes it
// to active, demoting the previously active epoch.
func (s *recomputeService) finish(ctx context.Context, info *models.EnvironmentInfo) error {
	if err := environment.NewFlushEnvironment(s.db, info).Flush(ctx, true); err != nil {
		return NewStatisticError("recompute cleanup", 0, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.EnvironmentInfo{}).
			Where("status = ? AND id <> ?", models.EnvironmentActive, info.ID).
			Update("status", models.EnvironmentEnabled).Error
		if err != nil {
			return fmt.Errorf("demoting previous active epoch: %w", err)
		}
		if err := tx.Model(info).Update("status", models.EnvironmentActive).Error; err != nil {
			return fmt.Errorf("promoting epoch %d: %w", info.ID, err)
		}
		info.Status = models.EnvironmentActive
		return nil
	})
}

// ===== HIERARCHY =====

// syncItemRelations mirrors the item_relations table into the permanent
// parent/child adjacency the hierarchical model and the score selector read.
func (s *recomputeService) syncItemRelations(ctx context.Context, info *models.EnvironmentInfo) error {
	var relations []models.ItemRelation
	if err := s.db.WithContext(ctx).Find(&relations).Error; err != nil {
		return fmt.Errorf("loading item relations: %w", err)
	}
	if len(relations) == 0 {
		return nil
	}

	env := environment.NewDatabaseEnvironment(ctx, s.db, info)
	now := time.Now()
	for _, rel := range relations {
		opts := environment.WriteOptions{Time: now, Permanent: true}
		err := env.Write("parent", 1, environment.ForOrderedPair(rel.ChildID, rel.ParentID), opts)
		if err != nil {
			return fmt.Errorf("writing parent edge %d->%d: %w", rel.ChildID, rel.ParentID, err)
		}
		err = env.Write("child", 1, environment.ForOrderedPair(rel.ParentID, rel.ChildID), opts)
		if err != nil {
			return fmt.Errorf("writing child edge %d->%d: %w", rel.ParentID, rel.ChildID, err)
		}
	}
	return nil
}

func (s *recomputeService) parentClosure(ctx context.Context) (map[int64][]int64, error) {
	var relations []models.ItemRelation
	if err := s.db.WithContext(ctx).Find(&relations).Error; err != nil {
		return nil, fmt.Errorf("loading item relations: %w", err)
	}
	parents := make(map[int64][]int64, len(relations))
	for _, rel := range relations {
		parents[rel.ChildID] = append(parents[rel.ChildID], rel.ParentID)
	}
	return parents, nil
}

func (s *recomputeService) newModel() prediction.Model {
	return newPredictiveModel(s.cfg)
}
