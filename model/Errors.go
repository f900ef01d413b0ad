package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies errors crossing component boundaries.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrFailed
	ErrNotFound
	ErrInvalidArgument
	ErrNoSpace
	ErrValidation
	ErrTimeout
	ErrNetwork
	ErrUnavailable
	ErrAlreadyExists
)

var errorCodeNames = map[ErrorCode]string{
	ErrNone:            "none",
	ErrFailed:          "failed",
	ErrNotFound:        "not found",
	ErrInvalidArgument: "invalid argument",
	ErrNoSpace:         "no space",
	ErrValidation:      "validation",
	ErrTimeout:         "timeout",
	ErrNetwork:         "network",
	ErrUnavailable:     "unavailable",
	ErrAlreadyExists:   "already exists",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Error is the error type every public component operation returns.
type Error struct {
	Code     ErrorCode
	ExitCode int
	Message  string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewExitError creates a Failed error carrying a process exit code.
func NewExitError(exitCode int, message string) *Error {
	return &Error{Code: ErrFailed, ExitCode: exitCode, Message: message}
}

// ErrorFromErr coerces an arbitrary error into *Error at a component
// boundary. A nil error yields nil.
func ErrorFromErr(err error) *Error {
	if err == nil {
		return nil
	}

	var aosErr *Error
	if errors.As(err, &aosErr) {
		return aosErr
	}

	return &Error{Code: ErrFailed, Message: err.Error()}
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var aosErr *Error
	if errors.As(err, &aosErr) {
		return aosErr.Code == code
	}
	return err == nil && code == ErrNone
}

// ErrorInfo is the user visible error payload attached to outbound
// messages.
type ErrorInfo struct {
	AosCode  int    `json:"aosCode"`
	ExitCode int    `json:"exitCode"`
	Message  string `json:"message,omitempty"`
}

// ErrorInfoFromErr converts an error to its wire representation.
func ErrorInfoFromErr(err error) *ErrorInfo {
	aosErr := ErrorFromErr(err)
	if aosErr == nil {
		return nil
	}

	return &ErrorInfo{AosCode: int(aosErr.Code), ExitCode: aosErr.ExitCode, Message: aosErr.Message}
}
