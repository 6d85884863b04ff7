// Package validation provides unified input validation for API payloads:
// struct-tag validation via go-playground/validator plus semantic checks for
// cron expressions and timezones that tags cannot express.
package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"etl-engine/internal/common/errors"
)

// Validator wraps a shared validator instance.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator.
func New() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateStruct runs struct-tag validation and flattens the result into a
// single validation AppError listing every failed field.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.InternalError("validation failed", err)
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields = append(fields, fmt.Sprintf("%s (%s)", fieldErr.Field(), fieldErr.Tag()))
	}
	return errors.ValidationError(
		fmt.Sprintf("invalid fields: %s", strings.Join(fields, ", ")))
}

// ValidateCronExpr checks a standard 5-field cron expression.
func (v *Validator) ValidateCronExpr(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return nil
}

// ValidateTimezone checks an IANA timezone name. Empty means UTC and is valid.
func (v *Validator) ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return errors.ValidationError(fmt.Sprintf("unknown timezone %q", tz))
	}
	return nil
}
