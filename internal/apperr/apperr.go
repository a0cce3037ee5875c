// Package apperr defines the machine-readable error codes shared by the
// ledger, simulator, gate and risk engine.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable reason code surfaced to journals, events and the API.
type Code string

const (
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeUnknownPosition   Code = "unknown_position"
	CodeInvalidSize       Code = "invalid_size"
	CodeStalePrice        Code = "stale_price"
	CodeDuplicateSignal   Code = "duplicate_signal"
	CodeCooldown          Code = "cooldown"
	CodeGuardBlocked      Code = "guard_blocked"
	CodeExposureExceeded  Code = "exposure_exceeded"
	CodeConfigInvalid     Code = "config_invalid"
	CodeNoAction          Code = "no_action"
	CodeInvalidSignal     Code = "invalid_signal"
	CodeInternal          Code = "internal"
)

// Error carries a code plus a human-readable reason usable in notifications.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrStalePrice)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds}
	ErrUnknownPosition   = &Error{Code: CodeUnknownPosition}
	ErrInvalidSize       = &Error{Code: CodeInvalidSize}
	ErrStalePrice        = &Error{Code: CodeStalePrice}
	ErrDuplicateSignal   = &Error{Code: CodeDuplicateSignal}
	ErrCooldown          = &Error{Code: CodeCooldown}
	ErrGuardBlocked      = &Error{Code: CodeGuardBlocked}
	ErrExposureExceeded  = &Error{Code: CodeExposureExceeded}
	ErrConfigInvalid     = &Error{Code: CodeConfigInvalid}
	ErrInvalidSignal     = &Error{Code: CodeInvalidSignal}
)

// New formats a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the reason text of a coded error, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
