// Package errors provides the error taxonomy of the query orchestration engine.
package errors

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeTransient        = "TRANSIENT"
	CodeQueryFailed      = "QUERY_FAILED"
	CodeNoResults        = "NO_RESULTS"
	CodeCanceled         = "CANCELED"
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
)

// EngineError carries a code, a message, optional details and the underlying cause.
type EngineError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of the error with key set in its details.
// Sentinels are shared, so they are never mutated in place.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Sentinels, comparable with errors.Is by code.
var (
	ErrQueryTooLong = &EngineError{Code: CodeValidationFailed, Message: "query exceeds maximum length"}
	ErrNoResults    = &EngineError{Code: CodeNoResults, Message: "query succeeded but returned no result set"}
	ErrCanceled     = &EngineError{Code: CodeCanceled, Message: "query was cancelled"}
	ErrTimeout      = &EngineError{Code: CodeDeadlineExceeded, Message: "query did not finish within the polling budget"}
	ErrRunNotFound  = &EngineError{Code: CodeNotFound, Message: "run not found"}
	ErrLeaseHeld    = &EngineError{Code: CodeConflict, Message: "another run holds the lease"}
)

// New creates a new EngineError with the given code and message.
func New(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new EngineError with a formatted message.
func Newf(code, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an EngineError.
func Wrap(err error, code, message string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

func hasCode(err error, code string) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code == code
	}
	return false
}

// IsValidation reports a fatal pre-submission validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidationFailed) }

// IsTimeout reports an exhausted polling budget.
func IsTimeout(err error) bool { return hasCode(err, CodeDeadlineExceeded) }

// IsCanceled reports a cancelled query.
func IsCanceled(err error) bool { return hasCode(err, CodeCanceled) }

// IsNotFound reports a missing record.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsTransient reports a throttling condition that may still recover.
func IsTransient(err error) bool { return hasCode(err, CodeTransient) }

// IsTerminal reports an execution failure that is not retried: remote failure,
// cancellation, missing result set or timeout.
func IsTerminal(err error) bool {
	switch GetCode(err) {
	case CodeQueryFailed, CodeCanceled, CodeNoResults, CodeDeadlineExceeded:
		return true
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Message
	}
	return err.Error()
}
