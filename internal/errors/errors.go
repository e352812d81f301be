// Package errors provides standardized error handling for the sovereign
// storage subsystem.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a standardized error code for the storage subsystem.
type ErrorCode string

const (
	// Configuration errors, surfaced before any I/O
	STORAGE_CONFIG ErrorCode = "STORAGE_CONFIG" // Missing or invalid configuration

	// Transport errors
	STORAGE_TRANSPORT ErrorCode = "STORAGE_TRANSPORT" // Channel unreachable or publish failed

	// Integrity errors
	STORAGE_INTEGRITY ErrorCode = "STORAGE_INTEGRITY" // Checksum mismatch at any layer

	// Authentication/decryption errors
	STORAGE_DECRYPT ErrorCode = "STORAGE_DECRYPT" // Wrong key or corrupted ciphertext
	STORAGE_AUTHZ   ErrorCode = "STORAGE_AUTHZ"   // Serve request not authorized

	// Timeout errors: outcome unknown, the remote side may have succeeded
	STORAGE_TIMEOUT ErrorCode = "STORAGE_TIMEOUT" // Bounded wait exceeded

	// Resource errors
	STORAGE_NOT_FOUND ErrorCode = "STORAGE_NOT_FOUND" // No replica or record available
	STORAGE_CONFLICT  ErrorCode = "STORAGE_CONFLICT"  // Concurrent operation collision

	// Server errors
	STORAGE_INTERNAL ErrorCode = "STORAGE_INTERNAL" // I/O or other internal failure
)

// Error represents a standardized error carrying a code for class-based
// handling and an optional wrapped cause.
type Error struct {
	Code          ErrorCode // Error class
	Message       string    // Human-readable message
	CorrelationID string    // Correlation ID for tracing, may be empty
	Err           error     // Wrapped cause, may be nil
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a new Error wrapping an underlying cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithCorrelation returns a copy of the error tagged with a correlation ID.
func (e *Error) WithCorrelation(id string) *Error {
	clone := *e
	clone.CorrelationID = id
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from err, or STORAGE_INTERNAL when err is
// not a subsystem error.
func CodeOf(err error) ErrorCode {
	var se *Error
	if stderrors.As(err, &se) {
		return se.Code
	}
	return STORAGE_INTERNAL
}

// IsTimeout reports whether err is a bounded-wait timeout. Timeouts mean
// "outcome unknown", not failure: the remote side may have succeeded.
func IsTimeout(err error) bool { return CodeOf(err) == STORAGE_TIMEOUT }

// IsIntegrity reports whether err is a checksum mismatch.
func IsIntegrity(err error) bool { return CodeOf(err) == STORAGE_INTEGRITY }

// IsDecrypt reports whether err is an authentication/decryption failure,
// distinguishable from generic I/O so a caller can prompt for a different
// passphrase instead of retrying the transfer.
func IsDecrypt(err error) bool { return CodeOf(err) == STORAGE_DECRYPT }

// IsNotFound reports whether err is a missing-replica/record error.
func IsNotFound(err error) bool { return CodeOf(err) == STORAGE_NOT_FOUND }
