// Package validation wraps go-playground/validator and converts its errors
// into apperr validation failures keyed by JSON field name.
package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	roleNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.:-]*$`)
)

// Validator is safe for concurrent use once constructed.
type Validator struct {
	v *validator.Validate
}

// New creates a validator with the identity rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("rolename", func(fl validator.FieldLevel) bool {
		return roleNamePattern.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Struct validates s and returns a Validation error with one detail per
// failing field. Values are never echoed back.
func (val *Validator) Struct(s any) error {
	return convert(val.v.Struct(s))
}

// Var validates a single value against tag, reporting it under field.
func (val *Validator) Var(field string, value any, tag string) error {
	err := val.v.Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return apperr.Validation("invalid input").WithDetail(field, describe(verrs[0]))
	}
	return apperr.Validation("invalid input")
}

func convert(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid input")
	}
	out := apperr.Validation("invalid input")
	for _, fe := range verrs {
		out = out.WithDetail(fieldPath(fe), describe(fe))
	}
	return out
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "username":
		return "may contain only letters, digits, dot, underscore and hyphen"
	case "rolename":
		return "must be a lower-case role name"
	default:
		return "is invalid"
	}
}
