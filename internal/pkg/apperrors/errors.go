package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	// Failure classes used by the settlement pipeline.
	ErrTransient     ErrorType = "TRANSIENT"
	ErrTerminal      ErrorType = "TERMINAL"
	ErrConfiguration ErrorType = "CONFIGURATION"
	ErrInvariant     ErrorType = "INVARIANT"

	// Request-facing types used by the admin API.
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrConflict       ErrorType = "CONFLICT"
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrUnavailable    ErrorType = "UNAVAILABLE"
	ErrReadOnly       ErrorType = "READ_ONLY"
	ErrRateLimited    ErrorType = "RATE_LIMITED"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Transient(msg string, cause error) *AppError {
	return New(ErrTransient, msg, cause)
}

func Terminal(msg string, cause error) *AppError {
	return New(ErrTerminal, msg, cause)
}

func Configuration(msg string, cause error) *AppError {
	return New(ErrConfiguration, msg, cause)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// TypeOf returns the type of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrInternal
}

// Class is the retry decision for a failed attempt.
type Class struct {
	Retryable bool
	Terminal  bool
}

var classes = map[ErrorType]Class{
	ErrTransient:      {Retryable: true},
	ErrTerminal:       {Terminal: true},
	ErrConfiguration:  {Terminal: true},
	ErrInvariant:      {Terminal: true},
	ErrInvalidRequest: {Terminal: true},
	ErrUnavailable:    {Retryable: true},
}

// Classify maps err to a retry decision. Errors that carry no type are
// treated as retryable network failures; cancellation stops the caller
// without marking the item terminal.
func Classify(err error) Class {
	if err == nil {
		return Class{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Class{}
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		if c, ok := classes[appErr.Type]; ok {
			return c
		}
		return Class{Retryable: true}
	}
	return Class{Retryable: true}
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrReadOnly:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrUnavailable, ErrTransient:
		return http.StatusServiceUnavailable
	case ErrTerminal, ErrConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrTransient, ErrUnavailable, ErrRateLimited:
		return "Retry later."
	case ErrConflict:
		return "Wait for the running job to finish."
	case ErrConfiguration:
		return "Check market caps and signer configuration."
	case ErrAuthFailed:
		return "Check the admin key."
	default:
		return ""
	}
}
