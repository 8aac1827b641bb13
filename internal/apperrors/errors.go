package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeInvalidParticipants = "INVALID_PARTICIPANTS"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeTimeout             = "TIMEOUT"
	CodeConflict            = "CONFLICT"
	CodeBadRequest          = "BAD_REQUEST"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func InvalidParticipants(message string) *AppError {
	return New(CodeInvalidParticipants, message, http.StatusBadRequest, nil)
}

func InvalidMessage(message string) *AppError {
	return New(CodeInvalidMessage, message, http.StatusBadRequest, nil)
}

func NotFound(resource string, err error) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound, err)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden, nil)
}

func Unauthenticated(message string, err error) *AppError {
	return New(CodeUnauthenticated, message, http.StatusUnauthorized, err)
}

func Timeout(message string, err error) *AppError {
	return New(CodeTimeout, message, http.StatusGatewayTimeout, err)
}

func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, http.StatusConflict, err)
}

func BadRequest(message string, err error) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest, err)
}

func RateLimited(message string) *AppError {
	return New(CodeRateLimited, message, http.StatusTooManyRequests, nil)
}

func Unavailable(message string, err error) *AppError {
	return New(CodeUnavailable, message, http.StatusServiceUnavailable, err)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, http.StatusInternalServerError, err)
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the taxonomy code for err. Context deadlines map to TIMEOUT,
// anything else unknown maps to INTERNAL_ERROR.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// From converts any error into an *AppError without losing an existing one.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("operation timed out, it may still have completed", err)
	}
	return Internal("internal error", err)
}
