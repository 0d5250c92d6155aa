// Package instrument - error types.
//
// Instrumentation errors carry the file position of the construct that
// could not be instrumented and, where one exists, a hint:
//
//	main.go:3:1: cgo files cannot be instrumented
//
//	Suggestion: Move the cgo code into a package excluded from tracing
package instrument

import (
	"fmt"
	"go/token"
)

// InstrumentationError reports a construct that could not be instrumented.
// It is immutable after creation.
type InstrumentationError struct {
	File       string
	Line       int
	Column     int
	Message    string
	Suggestion string
}

// Error formats the error as file:line:column: message, followed by the
// suggestion on its own paragraph when there is one.
func (e *InstrumentationError) Error() string {
	msg := fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// NewInstrumentationError creates an error positioned at pos.
func NewInstrumentationError(fset *token.FileSet, pos token.Pos, msg string) *InstrumentationError {
	p := fset.Position(pos)
	return &InstrumentationError{
		File:    p.Filename,
		Line:    p.Line,
		Column:  p.Column,
		Message: msg,
	}
}

// NewInstrumentationErrorWithSuggestion is NewInstrumentationError with a
// hint for resolving the error.
func NewInstrumentationErrorWithSuggestion(fset *token.FileSet, pos token.Pos, msg, suggestion string) *InstrumentationError {
	err := NewInstrumentationError(fset, pos, msg)
	err.Suggestion = suggestion
	return err
}
