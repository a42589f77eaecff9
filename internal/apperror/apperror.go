// Package apperror defines the error taxonomy shared by the ledger, thread
// store, billing reconciler and conversation controller. Callers branch with
// errors.Is against the sentinels below.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrBusy            = errors.New("busy")
	ErrUpstream        = errors.New("upstream failure")
	ErrValidation      = errors.New("validation failure")
)

type AppError struct {
	Err     error  // sentinel from the list above
	Message string // human-readable message
	Cause   error  // optional underlying error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func Unauthenticated(message string) *AppError {
	return &AppError{Err: ErrUnauthenticated, Message: message}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func QuotaExceeded(userID string) *AppError {
	return &AppError{
		Err:     ErrQuotaExceeded,
		Message: fmt.Sprintf("user %s has no tokens left and no active subscription", userID),
	}
}

func Busy(message string) *AppError {
	return &AppError{Err: ErrBusy, Message: message}
}

// Upstream wraps an error returned by the billing or completion collaborator.
func Upstream(collaborator string, cause error) *AppError {
	return &AppError{
		Err:     ErrUpstream,
		Message: collaborator + " failed",
		Cause:   cause,
	}
}

func Validation(message string, cause error) *AppError {
	return &AppError{Err: ErrValidation, Message: message, Cause: cause}
}

// Kind returns a stable label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrUpstream):
		return "upstream_failure"
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	default:
		return "internal"
	}
}
