package template

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/midnight-protocol/admin/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateSettings checks the temperature range, token limit and sender
// address. The admin client runs it before issuing a remote call.
func ValidateSettings(s models.Settings) error {
	return asValidationError(validate.Struct(s))
}

// ValidateStruct runs the validate tags of any request struct and reports
// the first failure as a *ValidationError.
func ValidateStruct(v interface{}) error {
	return asValidationError(validate.Struct(v))
}

// ValidateContent checks that the slots required by kind are not empty.
func ValidateContent(kind models.TemplateKind, c models.Content) error {
	switch kind {
	case models.KindPrompt:
		if strings.TrimSpace(c.Body) == "" {
			return &ValidationError{Field: "body", Message: "is required"}
		}
	case models.KindEmail:
		if strings.TrimSpace(c.Subject) == "" {
			return &ValidationError{Field: "subject", Message: "is required"}
		}
		if strings.TrimSpace(c.HTML) == "" {
			return &ValidationError{Field: "html", Message: "is required"}
		}
	default:
		return &ValidationError{Field: "kind", Message: "must be prompt or email"}
	}
	return nil
}

const maxNameLength = 100

func validateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Field: "name", Message: "is required"}
	case len(name) > maxNameLength:
		return &ValidationError{Field: "name", Message: "must be at most 100 characters"}
	}
	return nil
}

func asValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Message: describeTag(fe)}
	}
	return &ValidationError{Message: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "max":
		if fe.Kind() == reflect.Slice {
			return "must have at most " + fe.Param() + " entries"
		}
		return "must be at most " + fe.Param() + " characters"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must have at least " + fe.Param() + " entries"
		}
		return "must be at least " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "is invalid"
}
