// Package validation checks tagged structs with go-playground/validator and
// reports failures as validation errors.
package validation

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"grc-cache/internal/common/errors"
)

// Validator wraps a configured validator.Validate
type Validator struct {
	validate *validator.Validate
}

var std = New()

// New creates a validator with the cache tags registered. Field names in
// messages come from the yaml tag, then the json tag, then the Go name.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"yaml", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	registerCacheValidators(v)
	return &Validator{validate: v}
}

// Struct validates s against its validate tags
func Struct(s interface{}) error {
	return std.Struct(s)
}

// Struct validates s against its validate tags
func (v *Validator) Struct(s interface{}) error {
	if err := v.validate.Struct(s); err != nil {
		return formatErrors(err)
	}
	return nil
}

// Var validates a single value against tag
func (v *Validator) Var(field interface{}, tag string) error {
	if err := v.validate.Var(field, tag); err != nil {
		return formatErrors(err)
	}
	return nil
}

// Messages returns the readable failures in err, or nil for a nil err
func Messages(err error) []string {
	var fieldErrs validator.ValidationErrors
	if err == nil {
		return nil
	}
	if !asValidationErrors(err, &fieldErrs) {
		if ae, ok := err.(*errors.AppError); ok {
			return []string{ae.Message}
		}
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, formatFieldError(fe))
	}
	return out
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if ve, ok := err.(validator.ValidationErrors); ok {
		*target = ve
		return true
	}
	if ae, ok := err.(*errors.AppError); ok && ae.Cause != nil {
		return asValidationErrors(ae.Cause, target)
	}
	return false
}

func formatErrors(err error) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ValidationError(err.Error())
	}
	msgs := Messages(fieldErrs)
	appErr := errors.ValidationError(strings.Join(msgs, "; "))
	appErr.Cause = fieldErrs
	return appErr
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "http_url":
		return fmt.Sprintf("%s must be an absolute http or https URL, got %q", fe.Field(), fe.Value())
	case "cache_key":
		return fmt.Sprintf("%s must be a non-empty key without whitespace or glob characters, got %q", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func registerCacheValidators(v *validator.Validate) {
	_ = v.RegisterValidation("http_url", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})

	// keys are matched literally by exact invalidation and as globs by
	// pattern invalidation, so they may not carry glob syntax themselves
	_ = v.RegisterValidation("cache_key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return false
		}
		return !strings.ContainsFunc(key, func(r rune) bool {
			return unicode.IsSpace(r) || strings.ContainsRune(`*?[]{}\`, r)
		})
	})
}
