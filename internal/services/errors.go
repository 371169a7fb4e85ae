package services

import (
	"errors"
	"fmt"

	apperrors "github.com/SAP-F-2025/adaptive-practice-service/internal/errors"
)

// ===== COMMON SERVICE ERRORS =====

var (
	// Generic errors
	ErrNotFound         = errors.New("resource not found")
	ErrValidationFailed = errors.New("validation failed")
	ErrInternalError    = errors.New("internal server error")
	ErrBadRequest       = errors.New("bad request")
	ErrConflict         = errors.New("resource conflict")

	// Practice specific errors
	ErrNoCandidateItems = errors.New("no active items available for practice")
	ErrItemNotFound     = errors.New("item not found")
	ErrAnswerNotFound   = errors.New("answer not found")

	// Environment epoch specific errors
	ErrNoActiveEnvironment  = errors.New("no active environment epoch")
	ErrEnvironmentNotFound  = errors.New("environment epoch not found")
	ErrEpochNotLoading      = errors.New("environment epoch is not in the loading state")
	ErrEpochAlreadyDisabled = errors.New("environment epoch is already disabled")
	ErrRecomputeInProgress  = errors.New("a recompute for this configuration is already in progress")
)

// ===== CUSTOM ERROR TYPES =====

// Use shared validation errors from errors package
type ValidationError = apperrors.ValidationError
type ValidationErrors = apperrors.ValidationErrors

// StatisticError reports a failed environment operation during answer
// processing or recompute.
type StatisticError struct {
	Operation string `json:"operation"`
	AnswerID  int64  `json:"answer_id,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (se *StatisticError) Error() string {
	if se.AnswerID != 0 {
		return fmt.Sprintf("statistic error during %s (answer %d): %s", se.Operation, se.AnswerID, se.Message)
	}
	return fmt.Sprintf("statistic error during %s: %s", se.Operation, se.Message)
}

func (se *StatisticError) Unwrap() error {
	return se.Err
}

// ===== ERROR HELPERS =====

// NewValidationError creates a new validation error using the shared type
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return apperrors.NewValidationError(field, message, value)
}

func NewStatisticError(operation string, answerID int64, err error) *StatisticError {
	return &StatisticError{
		Operation: operation,
		AnswerID:  answerID,
		Message:   err.Error(),
		Err:       err,
	}
}

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrAnswerNotFound) ||
		errors.Is(err, ErrEnvironmentNotFound) ||
		errors.Is(err, ErrNoActiveEnvironment)
}

// IsValidation checks if error represents a validation failure
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidationFailed) {
		return true
	}
	var ve apperrors.ValidationErrors
	return errors.As(err, &ve)
}

// IsConflict checks if error represents a resource conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrEpochNotLoading) ||
		errors.Is(err, ErrEpochAlreadyDisabled) ||
		errors.Is(err, ErrRecomputeInProgress)
}

// IsStatistic checks if error came out of the environment layer
func IsStatistic(err error) bool {
	var se *StatisticError
	return errors.As(err, &se)
}
