package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingrelay/internal/types"
)

// Validator wraps go-playground/validator and translates failures into
// validation AppErrors named by JSON field.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator that reports fields by their json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. The first failing field determines the code:
//   - required      -> validation_missing_required_field
//   - url           -> validation_invalid_url
//   - anything else -> validation_invalid_field
//
// Details list every failing field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		if v.logger != nil {
			v.logger.Error("validator misuse", "error", err)
		}
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		})
	}

	first := verrs[0]
	code, message := describeFieldError(first)
	return types.NewAppErrorWithDetails(code, message, err, map[string]any{"fields": fields})
}

func describeFieldError(fe validator.FieldError) (types.ErrorCode, string) {
	switch fe.Tag() {
	case "required":
		return types.ErrCodeValidationMissingField, fmt.Sprintf("%s is required", fe.Field())
	case "url", "http_url":
		return types.ErrCodeValidationInvalidURL, fmt.Sprintf("%s must be a valid URL", fe.Field())
	default:
		return types.ErrCodeValidationInvalidField, fmt.Sprintf("%s failed the %s rule", fe.Field(), fe.Tag())
	}
}
