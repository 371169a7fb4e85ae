package validator

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/SAP-F-2025/adaptive-practice-service/internal/models"
)

// Validator is the main validator instance that combines struct tag
// validation with the answer business rules.
type Validator struct {
	structValidator *validator.Validate
	answerValidator *AnswerValidator
}

// New creates a new centralized validator instance
func New() *Validator {
	structValidator := validator.New()

	// Register all custom validators once
	registerCustomValidators(structValidator)

	return &Validator{
		structValidator: structValidator,
		answerValidator: NewAnswerValidator(),
	}
}

// ValidateStruct validates struct tags only
func (v *Validator) ValidateStruct(s interface{}) error {
	return v.structValidator.Struct(s)
}

// Validate performs complete validation (struct tags + business rules for
// answers)
func (v *Validator) Validate(s interface{}) error {
	if err := v.ValidateStruct(s); err != nil {
		return err
	}
	if answer, ok := s.(*models.Answer); ok {
		if errs := v.answerValidator.Validate(answer); len(errs) > 0 {
			return errs
		}
	}
	return nil
}

// Answer returns the answer validator
func (v *Validator) Answer() *AnswerValidator {
	return v.answerValidator
}

// registerCustomValidators registers all custom validation functions
func registerCustomValidators(validate *validator.Validate) {
	validate.RegisterValidation("item_type", validateItemType)

	// Custom tag name function for better error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateItemType(fl validator.FieldLevel) bool {
	validTypes := []models.ItemType{
		models.ItemFlashcard,
		models.ItemQuestion,
		models.ItemTask,
	}

	value := fl.Field().String()
	for _, validType := range validTypes {
		if string(validType) == value {
			return true
		}
	}
	return false
}

// AnswerValidator checks the business rules of one answer event that struct
// tags can't express.
type AnswerValidator struct{}

func NewAnswerValidator() *AnswerValidator {
	return &AnswerValidator{}
}

// Validate returns all rule violations of the answer.
func (av *AnswerValidator) Validate(answer *models.Answer) ValidationErrors {
	var errs ValidationErrors

	if answer.Guess < 0 || answer.Guess > 1 {
		errs = append(errs, *NewValidationErrorWithRule(
			"guess", "must be between 0 and 1", "guess_probability", answer.Guess))
	}
	if answer.ResponseTime < 0 {
		errs = append(errs, *NewValidationErrorWithRule(
			"response_time", "must be a non-negative number of milliseconds", "response_time", answer.ResponseTime))
	}
	if answer.Time.IsZero() {
		errs = append(errs, *NewValidationErrorWithRule(
			"time", "is required", "required", answer.Time))
	}
	if answer.Time.After(time.Now().Add(time.Minute)) {
		errs = append(errs, *NewValidationErrorWithRule(
			"time", "must not be in the future", "past_date", answer.Time))
	}
	return errs
}
