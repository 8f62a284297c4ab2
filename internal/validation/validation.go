// Package validation wraps go-playground/validator with the error format
// returned by every JSON endpoint.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var messages = map[string]string{
	"required": "is required",
	"min":      "is too short",
	"max":      "is too long",
	"oneof":    "is not an allowed value",
	"url":      "must be a valid URL",
	"email":    "must be a valid email address",
	"gte":      "is too small",
	"lte":      "is too large",
}

// New returns a validator that reports fields by their json names.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// Details converts validator errors into [{field: message}] entries. Other
// errors yield an empty list.
func Details(err error) []map[string]string {
	out := make([]map[string]string, 0)
	var validationErr validator.ValidationErrors
	if !errors.As(err, &validationErr) {
		return out
	}
	for _, e := range validationErr {
		msg, ok := messages[e.Tag()]
		if !ok {
			msg = fmt.Sprintf("failed %s validation", e.Tag())
		}
		out = append(out, map[string]string{e.Field(): msg})
	}
	return out
}
