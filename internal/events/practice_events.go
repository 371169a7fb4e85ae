package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of practice events
type EventType string

const (
	// Practice events
	EventPracticeSetCreated EventType = "practice.set_created"
	EventAnswerProcessed    EventType = "practice.answer_processed"

	// Knowledge recompute events
	EventRecomputeStarted   EventType = "recompute.started"
	EventRecomputeFinished  EventType = "recompute.finished"
	EventRecomputeCancelled EventType = "recompute.cancelled"
)

// PracticeEvent is the base event structure for all practice events
type PracticeEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Practice event payloads

type PracticeSetCreatedEvent struct {
	UserID            int64     `json:"user_id"`
	ItemIDs           []int64   `json:"item_ids"`
	TargetProbability float64   `json:"target_probability"`
	CreatedAt         time.Time `json:"created_at"`
}

type AnswerProcessedEvent struct {
	AnswerID       int64     `json:"answer_id"`
	UserID         int64     `json:"user_id"`
	ItemID         int64     `json:"item_id"`
	ItemAskedID    int64     `json:"item_asked_id"`
	ItemAnsweredID *int64    `json:"item_answered_id,omitempty"`
	Correct        bool      `json:"correct"`
	Prediction     float64   `json:"prediction"`
	ResponseTime   int       `json:"response_time"` // milliseconds
	AnsweredAt     time.Time `json:"answered_at"`
}

// Recompute event payloads

type RecomputeStartedEvent struct {
	EnvironmentInfoID int64     `json:"environment_info_id"`
	ConfigName        string    `json:"config_name"`
	StartedAt         time.Time `json:"started_at"`
}

type RecomputeFinishedEvent struct {
	EnvironmentInfoID int64     `json:"environment_info_id"`
	ConfigName        string    `json:"config_name"`
	AnswersProcessed  int64     `json:"answers_processed"`
	FinishedAt        time.Time `json:"finished_at"`
}

type RecomputeCancelledEvent struct {
	EnvironmentInfoID int64     `json:"environment_info_id"`
	ConfigName        string    `json:"config_name"`
	CancelledAt       time.Time `json:"cancelled_at"`
}

// Event factory functions

func NewPracticeSetCreatedEvent(userID int64, itemIDs []int64, targetProbability float64) *PracticeEvent {
	return &PracticeEvent{
		ID:        GenerateEventID(),
		Type:      EventPracticeSetCreated,
		Timestamp: time.Now(),
		Source:    "adaptive-practice-service",
		Version:   "1.0",
		Data: PracticeSetCreatedEvent{
			UserID:            userID,
			ItemIDs:           itemIDs,
			TargetProbability: targetProbability,
			CreatedAt:         time.Now(),
		},
	}
}

func NewAnswerProcessedEvent(answerID, userID, itemID, itemAskedID int64, itemAnsweredID *int64, correct bool, prediction float64, responseTime int, answeredAt time.Time) *PracticeEvent {
	return &PracticeEvent{
		ID:        GenerateEventID(),
		Type:      EventAnswerProcessed,
		Timestamp: time.Now(),
		Source:    "adaptive-practice-service",
		Version:   "1.0",
		Data: AnswerProcessedEvent{
			AnswerID:       answerID,
			UserID:         userID,
			ItemID:         itemID,
			ItemAskedID:    itemAskedID,
			ItemAnsweredID: itemAnsweredID,
			Correct:        correct,
			Prediction:     prediction,
			ResponseTime:   responseTime,
			AnsweredAt:     answeredAt,
		},
	}
}

func NewRecomputeStartedEvent(infoID int64, configName string) *PracticeEvent {
	return &PracticeEvent{
		ID:        GenerateEventID(),
		Type:      EventRecomputeStarted,
		Timestamp: time.Now(),
		Source:    "adaptive-practice-service",
		Version:   "1.0",
		Data: RecomputeStartedEvent{
			EnvironmentInfoID: infoID,
			ConfigName:        configName,
			StartedAt:         time.Now(),
		},
	}
}

func NewRecomputeFinishedEvent(infoID int64, configName string, answersProcessed int64) *PracticeEvent {
	return &PracticeEvent{
		ID:        GenerateEventID(),
		Type:      EventRecomputeFinished,
		Timestamp: time.Now(),
		Source:    "adaptive-practice-service",
		Version:   "1.0",
		Data: RecomputeFinishedEvent{
			EnvironmentInfoID: infoID,
			ConfigName:        configName,
			AnswersProcessed:  answersProcessed,
			FinishedAt:        time.Now(),
		},
	}
}

func NewRecomputeCancelledEvent(infoID int64, configName string) *PracticeEvent {
	return &PracticeEvent{
		ID:        GenerateEventID(),
		Type:      EventRecomputeCancelled,
		Timestamp: time.Now(),
		Source:    "adaptive-practice-service",
		Version:   "1.0",
		Data: RecomputeCancelledEvent{
			EnvironmentInfoID: infoID,
			ConfigName:        configName,
			CancelledAt:       time.Now(),
		},
	}
}

// GenerateEventID returns a unique identifier for a new event
func GenerateEventID() string {
	return uuid.NewString()
}
