// Package apperr defines the error taxonomy shared by the engine. Callers
// compare with errors.Is against the sentinel values; access denials carry
// the server-reported gate inputs and are extracted with errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork        = errors.New("network failure")
	ErrAuthentication = errors.New("authentication failure")
	ErrAccessDenied   = errors.New("access denied")
	ErrValidation     = errors.New("validation failure")
	ErrNotFound       = errors.New("not found")
)

// DeniedStatus is the optional gate payload the server attaches to a 403.
// Nil pointers mean the server did not report that input.
type DeniedStatus struct {
	SubscriptionActive *bool  `json:"subscription_active,omitempty"`
	VerificationStatus string `json:"verification_status,omitempty"`
	VerificationReason string `json:"verification_reason,omitempty"`
	ProfileComplete    *bool  `json:"profile_complete,omitempty"`
}

// AccessDeniedError is returned when the server rejects an action because the
// caller's gate is closed server-side.
type AccessDeniedError struct {
	Message string
	Status  DeniedStatus
}

func (e *AccessDeniedError) Error() string {
	if e.Message == "" {
		return ErrAccessDenied.Error()
	}
	return ErrAccessDenied.Error() + ": " + e.Message
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// Validation builds an ErrValidation-wrapped error with a formatted detail.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Code returns a short machine-readable code for err, used on the host bridge.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrAuthentication):
		return "authentication_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNetwork):
		return "network_failure"
	default:
		return "internal_error"
	}
}
