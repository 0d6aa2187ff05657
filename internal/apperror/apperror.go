// Package apperror defines the error taxonomy surfaced by the lease service.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is an error with a stable code and the HTTP status it maps to.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Internal
}

const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeCapacityExceeded      = "CAPACITY_EXCEEDED"
	CodeImageNotFound         = "IMAGE_NOT_FOUND"
	CodeHypervisorUnreachable = "HYPERVISOR_UNREACHABLE"
	CodeCreationFailed        = "CREATION_FAILED"
	CodePreconditionFailed    = "PRECONDITION_FAILED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotAllocated          = "NOT_ALLOCATED"
	CodeNotFound              = "NOT_FOUND"
	CodeConflict              = "CONFLICT"
	CodeInternal              = "INTERNAL_ERROR"
)

func New(code, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

func Wrap(err error, code, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode, Internal: err}
}

func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func CapacityExceeded(message string) *AppError {
	return New(CodeCapacityExceeded, message, http.StatusConflict)
}

func ImageNotFound(image string) *AppError {
	return New(CodeImageNotFound, fmt.Sprintf("boot image %q not found", image), http.StatusNotFound)
}

// HypervisorUnreachable is retryable by the caller.
func HypervisorUnreachable(err error) *AppError {
	return Wrap(err, CodeHypervisorUnreachable, "hypervisor control plane unreachable", http.StatusServiceUnavailable)
}

func CreationFailed(err error) *AppError {
	return Wrap(err, CodeCreationFailed, "hypervisor rejected the virtual machine", http.StatusBadGateway)
}

func PreconditionFailed(message string) *AppError {
	return New(CodePreconditionFailed, message, http.StatusPreconditionFailed)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func NotAllocated(message string) *AppError {
	return New(CodeNotAllocated, message, http.StatusConflict)
}

func NotFound(what string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", what), http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

func Internal(message string, err error) *AppError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// From converts an arbitrary error into an AppError, defaulting to an internal error.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", err)
}
