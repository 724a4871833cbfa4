package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

// Error codes for different error categories
const (
	// General errors
	ErrUnknown      ErrorCode = "UNKNOWN"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"

	// Configuration errors
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigParse ErrorCode = "CONFIG_PARSE"

	// Metadata errors
	ErrMetaParse    ErrorCode = "META_PARSE"
	ErrBadChecksum  ErrorCode = "BAD_CHECKSUM_FORMAT"
	ErrBadVersion   ErrorCode = "BAD_VERSION"
	ErrBadSource    ErrorCode = "BAD_SOURCE"
	ErrSymlistParse ErrorCode = "SYMLIST_PARSE"

	// Resolution errors
	ErrCyclicDependency        ErrorCode = "CYCLIC_DEPENDENCY"
	ErrUnsatisfiableConstraint ErrorCode = "UNSATISFIABLE_CONSTRAINT"
	ErrDependentsExist         ErrorCode = "DEPENDENTS_EXIST"

	// Fetch errors
	ErrIntegrity ErrorCode = "INTEGRITY"
	ErrTransport ErrorCode = "TRANSPORT"

	// Symlink errors
	ErrLinkConflict    ErrorCode = "LINK_CONFLICT"
	ErrUnknownVariable ErrorCode = "UNKNOWN_VARIABLE"
	ErrLinkCreate      ErrorCode = "LINK_CREATE"

	// Store errors
	ErrStoreIO        ErrorCode = "STORE_IO"
	ErrAlreadyCurrent ErrorCode = "ALREADY_CURRENT"

	// Engine errors
	ErrExtract           ErrorCode = "EXTRACT"
	ErrStage             ErrorCode = "STAGE"
	ErrCommit            ErrorCode = "COMMIT"
	ErrSkippedDepFailure ErrorCode = "SKIPPED_DEP_FAILURE"
	ErrNoNewVersion      ErrorCode = "NO_NEW_VERSION"

	// Repository errors
	ErrRepoIndex    ErrorCode = "REPO_INDEX"
	ErrRepoNotFound ErrorCode = "REPO_NOT_FOUND"
)

// UhpmError represents a structured error with code and details
type UhpmError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implements the error interface
func (e *UhpmError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *UhpmError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface
func (e *UhpmError) Is(target error) bool {
	var targetErr *UhpmError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a new UhpmError with the given code and message
func New(code ErrorCode, message string) *UhpmError {
	return &UhpmError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new UhpmError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *UhpmError {
	return &UhpmError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a UhpmError
func Wrap(err error, code ErrorCode, message string) *UhpmError {
	if err == nil {
		return nil
	}
	return &UhpmError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *UhpmError {
	if err == nil {
		return nil
	}
	return &UhpmError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// WithDetail adds a detail to the error
func (e *UhpmError) WithDetail(key string, value interface{}) *UhpmError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var uhpmErr *UhpmError
	if errors.As(err, &uhpmErr) {
		return uhpmErr.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrUnknown if not a UhpmError
func GetErrorCode(err error) ErrorCode {
	var uhpmErr *UhpmError
	if errors.As(err, &uhpmErr) {
		return uhpmErr.Code
	}
	return ErrUnknown
}

// GetErrorDetails returns the details from an error, or nil if not a UhpmError
func GetErrorDetails(err error) map[string]interface{} {
	var uhpmErr *UhpmError
	if errors.As(err, &uhpmErr) {
		return uhpmErr.Details
	}
	return nil
}
