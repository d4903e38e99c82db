package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the kind of failure an operation hit
type ErrorType string

const (
	ErrorTypeMalformedInput ErrorType = "malformed_input"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeHTTPStatus     ErrorType = "http_status"
	ErrorTypeSizeLimit      ErrorType = "size_limit"
	ErrorTypeInvalidImage   ErrorType = "invalid_image"
	ErrorTypeIntegrity      ErrorType = "integrity"
	ErrorTypeResource       ErrorType = "resource"
	ErrorTypeFatal          ErrorType = "fatal"
	ErrorTypeCanceled       ErrorType = "canceled"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Error carries a classified failure. Code holds an HTTP status where one applies.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error
func New(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// Wrap creates a typed error around a cause
func Wrap(t ErrorType, msg string, err error) *Error {
	return &Error{Type: t, Message: msg, Err: err}
}

// HTTPStatus creates an error for a non-2xx response
func HTTPStatus(code int) *Error {
	return &Error{Type: ErrorTypeHTTPStatus, Message: fmt.Sprintf("unexpected status %d", code), Code: code}
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var e *Error
	if As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeHTTPStatus, ErrorTypeInvalidImage:
		return true
	default:
		return false
	}
}

// As is errors.As from the standard library
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is from the standard library
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
