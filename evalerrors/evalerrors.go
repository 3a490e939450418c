// Package evalerrors categorizes orchestrator failures by the taxonomy in
// SPEC_FULL.md §9 (spec.md §7) so callers branch on a typed Code instead of
// matching error strings. Modeled on the teacher's toolerrors package,
// generalized from tool-invocation failures to the six failure categories
// this domain names.
package evalerrors

import (
	"errors"
	"fmt"
)

// Code is the exhaustive set of failure categories the orchestrator's error
// handling design recognizes.
type Code string

const (
	// CodeSandbox is a transient exec/IO failure on a single sandbox operation.
	CodeSandbox Code = "sandbox_error"
	// CodeTurn is Agent.RunTurn returning nil.
	CodeTurn Code = "turn_failure"
	// CodeEvaluation is a failed commit or turn-end evaluation.
	CodeEvaluation Code = "evaluation_failure"
	// CodeCheckpoint is a failed git checkpoint command.
	CodeCheckpoint Code = "checkpoint_failure"
	// CodeAdvisor is a failed or timed-out advisor LLM call.
	CodeAdvisor Code = "advisor_failure"
	// CodeProjection is a failed checkout of the winning commit during finalization.
	CodeProjection Code = "projection_failure"
)

// Error is a structured orchestrator failure that preserves message and
// causal context while implementing the standard error interface, so
// errors.Is/As keep working across wrapped chains.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that wraps cause, categorized under code.
func Wrap(code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// Errorf formats according to a format specifier and categorizes the result.
func Errorf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf extracts the Code of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err is categorized under code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
