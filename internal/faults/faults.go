// Package faults is the error taxonomy shared by the pipeline components.
// Callers branch on Code, never on message text.
package faults

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeGenerationUnavailable Code = "generation_unavailable"
	CodeGenerationTimeout     Code = "generation_timeout"
	CodeMalformedOutput       Code = "malformed_output"
	CodeStoreUnavailable      Code = "store_unavailable"
	CodeConflictDetected      Code = "conflict_detected"
	CodeStaleDecision         Code = "stale_decision"
	CodeSafetyLimitExceeded   Code = "safety_limit_exceeded"
	CodePersistenceFailure    Code = "persistence_failure"
	CodeInvalidInput          Code = "invalid_input"
	CodeInvalidState          Code = "invalid_state"
)

// Retryable reports whether the owning component may retry locally.
func (c Code) Retryable() bool {
	switch c {
	case CodeGenerationUnavailable, CodeGenerationTimeout, CodeMalformedOutput:
		return true
	default:
		return false
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	ErrGenerationUnavailable = New(CodeGenerationUnavailable, "generation unavailable")
	ErrGenerationTimeout     = New(CodeGenerationTimeout, "generation timed out")
	ErrMalformedOutput       = New(CodeMalformedOutput, "malformed output")
	ErrStoreUnavailable      = New(CodeStoreUnavailable, "store unavailable")
	ErrConflictDetected      = New(CodeConflictDetected, "conflict detected")
	ErrStaleDecision         = New(CodeStaleDecision, "stale decision")
	ErrSafetyLimitExceeded   = New(CodeSafetyLimitExceeded, "safety limit exceeded")
	ErrPersistenceFailure    = New(CodePersistenceFailure, "persistence failure")
	ErrInvalidInput          = New(CodeInvalidInput, "invalid input")
	ErrInvalidState          = New(CodeInvalidState, "invalid state")
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithMetadata attaches key/value context, e.g. the offending dimension.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Has reports whether err carries the given code.
func Has(err error, code Code) bool {
	return CodeOf(err) == code
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying even if its code is retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ShouldRetry combines the code and the permanent marker.
func ShouldRetry(err error) bool {
	return err != nil && !IsPermanent(err) && CodeOf(err).Retryable()
}
