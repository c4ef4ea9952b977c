package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is a fatal error detected while running the operator.
//
// Data-level problems (undecodable keys, null keys, invalid rows) are NOT
// runtime errors; they flow through the operator as ir.UpsertError values.
// A RuntimeError means state can no longer be trusted, so the operator
// stops and recovery relies on an external restart that rehydrates from the
// previous output.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Key identifies the affected key (hex), when known.
	Key string

	// Err is the underlying cause (backend failures).
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidState indicates the previous output was not a valid
	// collection (a consolidated diff other than +1, or two live values for
	// one key).
	ErrCodeInvalidState RuntimeErrorCode = "INVALID_STATE"

	// ErrCodeInvalidInput indicates a command arrived with a non-positive diff.
	ErrCodeInvalidInput RuntimeErrorCode = "INVALID_INPUT"

	// ErrCodeBackend indicates a state backend call failed.
	ErrCodeBackend RuntimeErrorCode = "BACKEND"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsInvalidState returns true if the error is an invalid upsert state error.
// Uses errors.As to handle wrapped errors.
func IsInvalidState(err error) bool {
	return hasCode(err, ErrCodeInvalidState)
}

// IsInvalidInput returns true if the error is an invalid upsert input error.
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsBackendError returns true if the error came from the state backend.
func IsBackendError(err error) bool {
	return hasCode(err, ErrCodeBackend)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewInvalidStateError creates a RuntimeError for a corrupt previous output.
func NewInvalidStateError(key, message string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidState, Message: message, Key: key}
}

// NewInvalidInputError creates a RuntimeError for a command with a bad diff.
func NewInvalidInputError(key string, diff int64) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("invalid upsert input: diff %d is not positive", diff),
		Key:     key,
	}
}

// NewBackendError wraps a backend failure.
func NewBackendError(op string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeBackend, Message: op + " failed", Err: err}
}
