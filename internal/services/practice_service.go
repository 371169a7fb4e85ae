package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/cache"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/config"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/environment"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/events"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/prediction"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/selection"
	"github.com/SAP-F-2025/adaptive-practice-service/internal/validator"
)

// ===== REQUEST / RESPONSE TYPES =====

type BuildPracticeSetRequest struct {
	UserID int64 `json:"user_id" validate:"required"`

	// Limit overrides the configured practice set size when positive.
	Limit int `json:"limit" validate:"min=0"`

	// ItemIDs restricts the candidate pool; empty means all active items.
	ItemIDs []int64 `json:"item_ids"`
}

type PracticeQuestion struct {
	ItemID int64 `json:"item_id"`

	// Options are the displayed choices, asked item last. Empty for open
	// questions.
	Options []int64 `json:"options,omitempty"`

	Prediction float64        `json:"prediction"`
	Meta       selection.Meta `json:"meta,omitempty"`
}

type PracticeSetResponse struct {
	UserID            int64              `json:"user_id"`
	Questions         []PracticeQuestion `json:"questions"`
	TargetProbability float64            `json:"target_probability"`
}

type SubmitAnswerRequest struct {
	UserID         int64   `json:"user_id" validate:"required"`
	ItemAskedID    int64   `json:"item_asked_id" validate:"required"`
	ItemAnsweredID *int64  `json:"item_answered_id"`
	Options        []int64 `json:"options"`

	ResponseTime int            `json:"response_time" validate:"min=0"` // milliseconds
	Time         time.Time      `json:"time"`
	Meta         datatypes.JSON `json:"meta,omitempty"`
}

type SubmitAnswerResponse struct {
	AnswerID   int64   `json:"answer_id"`
	Correct    bool    `json:"correct"`
	Prediction float64 `json:"prediction"`
}

// ===== SERVICE =====

// PracticeService is the per-request orchestration of the engine: it builds
// adaptive practice sets and runs submitted answers through the statistic
// and model updates.
type PracticeService interface {
	BuildPracticeSet(ctx context.Context, req *BuildPracticeSetRequest) (*PracticeSetResponse, error)
	SubmitAnswer(ctx context.Context, req *SubmitAnswerRequest) (*SubmitAnswerResponse, error)
}

type practiceService struct {
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	publisher events.EventPublisher
	cache     cache.CacheService
	cfg       config.PracticeConfig
}

func NewPracticeService(db *gorm.DB, logger *slog.Logger, v *validator.Validator, publisher events.EventPublisher, cacheService cache.CacheService, cfg config.PracticeConfig) PracticeService {
	return &practiceService{
		db:        db,
		logger:    logger,
		validator: v,
		publisher: publisher,
		cache:     cacheService,
		cfg:       cfg,
	}
}

func (s *practiceService) BuildPracticeSet(ctx context.Context, req *BuildPracticeSetRequest) (*PracticeSetResponse, error) {
	s.logger.Info("Building practice set", "user_id", req.UserID, "limit", req.Limit)

	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	n := req.Limit
	if n <= 0 {
		n = s.cfg.PracticeSetSize
	}

	info, err := s.activeInfo(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.candidateItems(ctx, req.ItemIDs)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoCandidateItems
	}

	// scoring a candidate set reads the same statistics over and over;
	// memoize them for the duration of the request
	env := environment.NewCachedEnvironment(s.newEnvironment(ctx, s.db, info))
	itemSelector := s.newItemSelector()
	now := time.Now()

	selected, meta, err := itemSelector.Select(env, req.UserID, items, now, n, 0)
	if err != nil {
		return nil, fmt.Errorf("selecting practice items: %w", err)
	}

	candidates := make(map[int64][]int64, len(selected))
	for _, item := range selected {
		candidates[item] = items
	}
	optionSelector := s.newOptionSelector(itemSelector)
	options, err := optionSelector.SelectOptionsMoreItems(env, req.UserID, selected, now, candidates, nil)
	if err != nil {
		return nil, fmt.Errorf("selecting options: %w", err)
	}
	if err := env.Err(); err != nil {
		return nil, NewStatisticError("practice set selection", 0, err)
	}

	predictions := itemSelector.Predictions(env, req.UserID, selected, now)
	questions := make([]PracticeQuestion, len(selected))
	for i, item := range selected {
		questions[i] = PracticeQuestion{
			ItemID:     item,
			Options:    options[i],
			Prediction: predictions[item],
			Meta:       meta[i],
		}
	}
	target := itemSelector.TargetProbability(env, req.UserID)

	if err := s.publisher.PublishPracticeEvent(ctx, events.NewPracticeSetCreatedEvent(req.UserID, selected, target)); err != nil {
		// the practice set is still valid without the event
		s.logger.Warn("Failed to publish practice set event", "user_id", req.UserID, "error", err)
	}

	return &PracticeSetResponse{
		UserID:            req.UserID,
		Questions:         questions,
		TargetProbability: target,
	}, nil
}

func (s *practiceService) SubmitAnswer(ctx context.Context, req *SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	s.logger.Info("Submitting answer",
		"user_id", req.UserID,
		"item_asked_id", req.ItemAskedID)

	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	answeredAt := req.Time
	if answeredAt.IsZero() {
		answeredAt = time.Now()
	}
	guess := 0.0
	if len(req.Options) > 0 {
		guess = 1.0 / float64(len(req.Options))
	}

	info, err := s.activeInfo(ctx)
	if err != nil {
		return nil, err
	}

	answer := &models.Answer{
		UserID:         req.UserID,
		ItemID:         req.ItemAskedID,
		ItemAskedID:    req.ItemAskedID,
		ItemAnsweredID: req.ItemAnsweredID,
		Time:           answeredAt,
		ResponseTime:   req.ResponseTime,
		Guess:          guess,
		Meta:           req.Meta,
	}
	if err := s.validator.Validate(answer); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	// the answer row, the model update and the counters commit together;
	// a failed update never leaves a half-recorded answer behind
	var predicted float64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(answer).Error; err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}

		env := s.newEnvironment(ctx, tx, info)
		// the prediction describes the state before this answer; hide the
		// freshly created row from the model
		env.ShiftAnswers(answer.ID - 1)
		model := s.newModel()
		opts := prediction.Options{Options: req.Options}

		p, err := prediction.PredictAndUpdate(model, env, answer.UserID, answer.ItemID, answer.Correct(), answeredAt, answer.ID, opts)
		if err != nil {
			return NewStatisticError("model update", answer.ID, err)
		}
		predicted = p
		if err := env.ProcessAnswer(answer); err != nil {
			return NewStatisticError("answer processing", answer.ID, err)
		}
		if err := env.Err(); err != nil {
			return NewStatisticError("answer processing", answer.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := events.NewAnswerProcessedEvent(
		answer.ID, answer.UserID, answer.ItemID, answer.ItemAskedID, answer.ItemAnsweredID,
		answer.Correct(), predicted, answer.ResponseTime, answeredAt)
	if err := s.publisher.PublishPracticeEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish answer event", "answer_id", answer.ID, "error", err)
	}

	s.logger.Info("Answer processed",
		"answer_id", answer.ID,
		"user_id", answer.UserID,
		"correct", answer.Correct(),
		"prediction", predicted)

	return &SubmitAnswerResponse{
		AnswerID:   answer.ID,
		Correct:    answer.Correct(),
		Prediction: predicted,
	}, nil
}

// ===== HELPERS =====

// activeInfo returns the current active epoch, bootstrapping one on a fresh
// database.
func (s *practiceService) activeInfo(ctx context.Context) (*models.EnvironmentInfo, error) {
	var info models.EnvironmentInfo
	err := s.db.WithContext(ctx).
		Where("status = ?", models.EnvironmentActive).
		Order("id DESC").
		First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		info = models.EnvironmentInfo{Status: models.EnvironmentActive, ConfigName: s.cfg.Model}
		if err := s.db.WithContext(ctx).Create(&info).Error; err != nil {
			return nil, fmt.Errorf("creating initial environment epoch: %w", err)
		}
		s.logger.Info("Created initial environment epoch", "info_id", info.ID)
		return &info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active environment epoch: %w", err)
	}
	return &info, nil
}

func (s *practiceService) candidateItems(ctx context.Context, restrict []int64) ([]int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Item{}).Where("active")
	if len(restrict) > 0 {
		query = query.Where("id IN ?", restrict)
	}
	var items []int64
	if err := query.Order("id").Pluck("id", &items).Error; err != nil {
		return nil, fmt.Errorf("loading candidate items: %w", err)
	}
	return items, nil
}

func (s *practiceService) newEnvironment(ctx context.Context, db *gorm.DB, info *models.EnvironmentInfo) *environment.DatabaseEnvironment {
	var opts []environment.DatabaseOption
	if s.cache != nil {
		opts = append(opts, environment.WithCacheService(s.cache, time.Duration(s.cfg.CacheTTLSeconds)*time.Second))
	}
	return environment.NewDatabaseEnvironment(ctx, db, info, opts...)
}

func (s *practiceService) newModel() prediction.Model {
	return newPredictiveModel(s.cfg)
}

// newPredictiveModel resolves the configured model name; unknown names fall
// back to the prior/current reference model.
func newPredictiveModel(cfg config.PracticeConfig) prediction.Model {
	switch cfg.Model {
	case "average":
		return &prediction.AverageModel{}
	case "always_learning":
		return prediction.NewAlwaysLearningModel()
	case "shifted":
		return &prediction.ShiftedModel{
			Inner: prediction.NewPriorCurrentModel(),
			Shift: cfg.PredictionShift,
		}
	default:
		return prediction.NewPriorCurrentModel()
	}
}

func (s *practiceService) newItemSelector() selection.ItemSelector {
	var itemSelector selection.ItemSelector = selection.NewScoreItemSelector(
		s.newModel(),
		selection.WithTargetProbability(s.cfg.TargetProbability),
		selection.WithRollingWindow(s.cfg.RollingWindow),
	)
	if s.cfg.TestWrapperNth > 0 {
		itemSelector = selection.NewTestWrapperItemSelector(itemSelector, s.cfg.TestWrapperNth, nil)
	}
	return itemSelector
}

func (s *practiceService) newOptionSelector(itemSelector selection.ItemSelector) *selection.OptionSelector {
	count := selection.NewOptionsCount(selection.AdjustedCount{})
	if s.cfg.MaxOptions > 0 {
		count.MaxOptions = s.cfg.MaxOptions
	}
	count.AllowZeroOptions = s.cfg.AllowZeroOptions
	return selection.NewOptionSelector(itemSelector, count, selection.NewCompetitiveChoice(), nil)
}
