package config

import (
	"fmt"
	"strings"
)

// Error is a single configuration problem, attributed to the field or
// section that caused it.
type Error struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Errors collects every configuration problem found during loading, so an
// operator sees all of them in one pass instead of fixing one field at a
// time.
type Errors struct {
	errors []*Error
}

// Add appends a problem.
func (e *Errors) Add(field, message string) {
	e.errors = append(e.errors, &Error{Field: field, Message: message})
}

// Addf appends a formatted problem.
func (e *Errors) Addf(field, format string, args ...any) {
	e.Add(field, fmt.Sprintf(format, args...))
}

// HasErrors reports whether any problem was recorded.
func (e *Errors) HasErrors() bool {
	return len(e.errors) > 0
}

// List returns the recorded problems.
func (e *Errors) List() []*Error {
	return e.errors
}

// Error implements the error interface, rendering every recorded problem.
func (e *Errors) Error() string {
	if len(e.errors) == 0 {
		return "no configuration errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d configuration error(s):\n", len(e.errors)))
	for i, err := range e.errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}
