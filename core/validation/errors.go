package validation

import (
	"strconv"
	"strings"
)

// FieldError is one failed rule on one field. Rule carries the rule name
// so clients can react to specific failures.
type FieldError struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error collects the failed rules of a single entity, keyed by field.
// It implements the error interface.
type Error struct {
	Fields map[string][]FieldError `json:"-"`
}

// NewError creates an empty validation error.
func NewError() *Error {
	return &Error{Fields: map[string][]FieldError{}}
}

// NotFoundError creates a validation error carrying a synthetic notFound
// rule on the entity's key field. Lookup failures surface this way so
// batch responses keep their per-field error shape.
func NotFoundError(keyField string) *Error {
	verr := NewError()
	verr.Add(keyField, "notFound", ruleMessage(keyField, "notFound", ""))
	return verr
}

// Add records a failed rule for a field.
func (e *Error) Add(field, rule, message string) {
	e.Fields[field] = append(e.Fields[field], FieldError{Rule: rule, Message: message})
}

// Empty returns true if no field has a failed rule.
func (e *Error) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// Has returns true if the field has a failed rule.
func (e *Error) Has(field string) bool {
	return e != nil && len(e.Fields[field]) > 0
}

// IsNotFound returns true if the error only carries notFound rules, i.e.
// it stems from a failed lookup rather than from invalid input.
func (e *Error) IsNotFound() bool {
	if e.Empty() {
		return false
	}
	for _, fieldErrors := range e.Fields {
		for _, fe := range fieldErrors {
			if fe.Rule != "notFound" {
				return false
			}
		}
	}
	return true
}

func (e *Error) Error() string {
	if e.Empty() {
		return "validation passed"
	}
	var sb strings.Builder
	first := true
	for field, fieldErrors := range e.Fields {
		for _, fe := range fieldErrors {
			if !first {
				sb.WriteString("; ")
			}
			first = false
			sb.WriteString(field)
			sb.WriteString(": ")
			sb.WriteString(fe.Message)
		}
	}
	return sb.String()
}

// Invalid returns the per-field error structure for response bodies.
func (e *Error) Invalid() map[string][]FieldError {
	if e == nil {
		return nil
	}
	return e.Fields
}

// ErrorList is the validation outcome of a batch request. It mirrors the
// input order exactly, with nil at positions that validated successfully.
// This lets callers zip errors back to their original request items.
type ErrorList []*Error

// Any returns true if at least one position carries an error.
func (l ErrorList) Any() bool {
	for _, verr := range l {
		if verr != nil {
			return true
		}
	}
	return false
}

// AllNotFound returns true if every error in the list is a lookup
// failure. Successful positions do not count against it.
func (l ErrorList) AllNotFound() bool {
	any := false
	for _, verr := range l {
		if verr == nil {
			continue
		}
		if !verr.IsNotFound() {
			return false
		}
		any = true
	}
	return any
}

func (l ErrorList) Error() string {
	count := 0
	for _, verr := range l {
		if verr != nil {
			count++
		}
	}
	if count == 1 {
		return "1 entity failed validation"
	}
	return strconv.Itoa(count) + " entities failed validation"
}
