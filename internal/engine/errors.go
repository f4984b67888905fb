package engine

import (
	"errors"
	"fmt"
)

const (
	CodeUnresolvableReference = "UNRESOLVABLE_REFERENCE"
	CodeBackendUnavailable    = "BACKEND_UNAVAILABLE"
	CodeSendFailed            = "SEND_FAILED"
	CodeValidation            = "VALIDATION_ERROR"
)

// Error is the only error shape that crosses the facade boundary;
// provider-specific failures are translated before they reach the UI layer.
type Error struct {
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(code, message string, details any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsUnresolvable reports a reference to an entity that cannot exist; not
// retriable.
func IsUnresolvable(err error) bool {
	return codeOf(err) == CodeUnresolvableReference
}

// IsUnavailable reports a transient backend failure; retriable.
func IsUnavailable(err error) bool {
	return codeOf(err) == CodeBackendUnavailable
}

// IsSendFailed reports a specific optimistic entry that could not be
// confirmed; surfaced per message, never globally fatal.
func IsSendFailed(err error) bool {
	return codeOf(err) == CodeSendFailed
}
