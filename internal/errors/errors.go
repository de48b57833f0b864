package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing failures across the controller.
const (
	ErrConfig  = "CONFIG"  // hosts file problems, unknown/duplicate ids
	ErrSSH     = "SSH"     // transport/session failures
	ErrExec    = "EXEC"    // a remote command could not be launched or awaited
	ErrCapture = "CAPTURE" // capture sink or remote capture tool failures
	ErrMonitor = "MONITOR" // discovery/monitoring protocol failures
)

// Error is a structured error carrying a category code, a human message,
// an optional remediation suggestion and the wrapped cause.
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrSSH code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrSSH,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Error implements the error interface. The format is:
//
//	✗ <what failed>
//
//	  <why it failed>
//
//	  <how to fix it>
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code == code
	}
	return false
}
