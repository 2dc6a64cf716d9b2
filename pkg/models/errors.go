package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable failure code. Codes are part of the
// public contract; messages are not.
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "invalid_input"
	CodeNotInitialized   ErrorCode = "not_initialized"
	CodeAlreadyExists    ErrorCode = "already_exists"
	CodeNotFound         ErrorCode = "not_found"
	CodeModelUnavailable ErrorCode = "model_unavailable"
	CodeCapacityExceeded ErrorCode = "index_capacity_exceeded"
	CodeIndexCorrupt     ErrorCode = "index_corrupt"
	CodeStorageBusy      ErrorCode = "storage_busy"
	CodeStorageCorrupt   ErrorCode = "storage_corrupt"
	CodeMigrationFailed  ErrorCode = "migration_failed"
	CodePartialWrite     ErrorCode = "partial_write"
	CodeBackend          ErrorCode = "backend"
)

// Error is the typed error carried across component boundaries. Messages are
// human-readable and never include absolute file paths.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a typed error with a stable code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a typed error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsCode reports whether the first typed Error in err's chain carries the
// given code. Codes of Errors wrapped inside that one are not consulted.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error's code, or CodeBackend for untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeBackend
}
