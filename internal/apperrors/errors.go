// Package apperrors defines the error vocabulary of the control plane.
// Every error that crosses a package boundary carries a stable machine code
// so transport and callers can branch without string matching.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation              Code = "VALIDATION"
	CodeTenantRequired          Code = "TENANT_REQUIRED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeStaleVersion            Code = "STALE_VERSION"
	CodeQuotaExceeded           Code = "QUOTA_EXCEEDED"
	CodeLockTimeout             Code = "LOCK_TIMEOUT"
	CodeLockNotOwned            Code = "LOCK_NOT_OWNED"
	CodeDeadlockDetected        Code = "DEADLOCK_DETECTED"
	CodeCycleDetected           Code = "CYCLE_DETECTED"
	CodeCoordinationUnavailable Code = "COORDINATION_UNAVAILABLE"
	CodeNoAgentAvailable        Code = "NO_AGENT_AVAILABLE"
	CodeAgentContended          Code = "AGENT_CONTENDED"
	CodeExecutorFailed          Code = "EXECUTOR_FAILED"
	CodeTimeout                 Code = "TIMEOUT"
	CodeCancelled               Code = "CANCELLED"
	CodeInternal                Code = "INTERNAL"
)

// Error is the control plane's error type: a code, a human message, and an
// optional wrapped cause.
type Error struct {
	Code    Code
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

// Is matches two *Error values by code, so callers can write
// errors.Is(err, apperrors.New(CodeNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the machine code from err, or CodeInternal for foreign
// errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// HTTPStatus maps an error code to the transport status the boundary
// responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeTenantRequired, CodeCycleDetected:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeStaleVersion, CodeLockTimeout,
		CodeLockNotOwned, CodeDeadlockDetected, CodeAgentContended:
		return http.StatusConflict
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeCoordinationUnavailable:
		return http.StatusServiceUnavailable
	case CodeExecutorFailed:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeNoAgentAvailable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
