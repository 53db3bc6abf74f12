// Package apperror gives HTTP handlers a structured way to carry a status
// code and a wire-stable error code alongside the Go error.
package apperror

import (
	"errors"
	"net/http"
)

// Wire error codes from the coworker HTTP contract.
const (
	CodeUnauthorized      = "Unauthorized"
	CodeNotFound          = "NotFound"
	CodeInvalidArgument   = "InvalidArgument"
	CodeForbidden         = "Forbidden"
	CodeNotReady          = "NotReady"
	CodeBadState          = "BadState"
	CodeApprovalRequired  = "ApprovalRequired"
	CodeExpired           = "Expired"
	CodeMismatch          = "Mismatch"
	CodeInternal          = "Internal"
)

// AppError carries everything a Gateway handler needs to produce the
// spec's {error, code} response envelope.
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (appError *AppError) Error() string {
	if appError.Err != nil {
		return appError.Err.Error()
	}
	return appError.Message
}

func (appError *AppError) Unwrap() error {
	return appError.Err
}

func New(statusCode int, code string, message string, err error) *AppError {
	return &AppError{StatusCode: statusCode, Code: code, Message: message, Err: err}
}

func Unauthorized(message string) *AppError {
	return New(http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func NotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message, nil)
}

func InvalidArgument(message string, err error) *AppError {
	return New(http.StatusBadRequest, CodeInvalidArgument, message, err)
}

func Forbidden(message string) *AppError {
	return New(http.StatusForbidden, CodeForbidden, message, nil)
}

func NotReady(message string) *AppError {
	return New(http.StatusConflict, CodeNotReady, message, nil)
}

func BadState(message string, err error) *AppError {
	return New(http.StatusConflict, CodeBadState, message, err)
}

func ApprovalRequired(message string) *AppError {
	return New(http.StatusBadRequest, CodeApprovalRequired, message, nil)
}

func Expired(message string, err error) *AppError {
	return New(http.StatusUnauthorized, CodeExpired, message, err)
}

func Mismatch(message string, err error) *AppError {
	return New(http.StatusBadRequest, CodeMismatch, message, err)
}

func Internal(err error) *AppError {
	return New(http.StatusInternalServerError, CodeInternal, "an unexpected error occurred", err)
}

// As is a thin errors.As wrapper so callers don't need to import errors
// just to unwrap an AppError out of a returned error chain.
func As(err error) (*AppError, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError, true
	}
	return nil, false
}
