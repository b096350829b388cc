// Package validation checks request fields and query parameters and collects
// one message per offending field.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DateLayout is the layout of date query parameters.
const DateLayout = "2006-01-02"

// Validator is a function that validates a string value and returns an error message if invalid.
type Validator func(v string) string

// Required validates that a field is not empty and does not exceed maxLen characters.
// Uses rune count for proper Unicode support.
func Required(fieldName string, maxLen int) Validator {
	return func(v string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return fieldName + " is required."
		}
		if utf8.RuneCountInString(v) > maxLen {
			return fmt.Sprintf("%s cannot exceed %d characters.", fieldName, maxLen)
		}
		return ""
	}
}

// Optional validates that an optional field does not exceed maxLen characters if provided.
func Optional(fieldName string, maxLen int) Validator {
	return func(v string) string {
		if utf8.RuneCountInString(strings.TrimSpace(v)) > maxLen {
			return fmt.Sprintf("%s cannot exceed %d characters.", fieldName, maxLen)
		}
		return ""
	}
}

// Pattern validates that a non-empty field matches re.
func Pattern(fieldName string, re *regexp.Regexp) Validator {
	return func(v string) string {
		v = strings.TrimSpace(v)
		if v == "" || re.MatchString(v) {
			return ""
		}
		return fieldName + " has an invalid format."
	}
}

// Date validates that a non-empty field is a YYYY-MM-DD date.
func Date(fieldName string) Validator {
	return func(v string) string {
		if v == "" {
			return ""
		}
		if _, err := time.Parse(DateLayout, v); err != nil {
			return fieldName + " must be a date formatted as YYYY-MM-DD."
		}
		return ""
	}
}

// PositiveID validates that a non-empty field is a positive integer id.
func PositiveID(fieldName string) Validator {
	return func(v string) string {
		if v == "" {
			return ""
		}
		if n, err := strconv.ParseInt(v, 10, 64); err != nil || n < 1 {
			return fieldName + " must be a positive integer."
		}
		return ""
	}
}

// FieldValidator provides a fluent API for validating multiple fields.
type FieldValidator struct {
	errors map[string]string
}

// New creates a new FieldValidator instance.
func New() *FieldValidator {
	return &FieldValidator{errors: make(map[string]string)}
}

// Validate validates a field with one or more validators.
// It stops at the first error for each field.
func (fv *FieldValidator) Validate(field, value string, validators ...Validator) *FieldValidator {
	for _, v := range validators {
		if err := v(value); err != "" {
			fv.errors[field] = err
			break
		}
	}
	return fv
}

// Valid reports whether no field failed.
func (fv *FieldValidator) Valid() bool {
	return len(fv.errors) == 0
}

// Errors returns the accumulated validation errors.
func (fv *FieldValidator) Errors() map[string]string {
	return fv.errors
}
