// Package apperr defines the error taxonomy shared by the provisioner, the
// catalog service and the HTTP boundary. Every error that reaches a client
// carries a stable Kind so callers can branch without parsing messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindProvisioning     Kind = "provisioning"
	KindStorage          Kind = "storage"
	KindTimeout          Kind = "timeout"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindRateLimited      Kind = "rate_limited"
)

// Provisioning failure reasons.
const (
	ReasonUnreachable    = "unreachable"
	ReasonAuthentication = "authentication"
	ReasonPrivileges     = "privileges"
	ReasonSchema         = "schema"
	ReasonNotInitialized = "not_initialized"
	ReasonUnknown        = "unknown"
)

// Error is a classified failure. Message is safe to show to clients; Err holds
// the underlying cause for logs and errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Err == nil
}

// Validation reports a rejected input field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// Validationf formats a validation message for field.
func Validationf(field, format string, args ...any) *Error {
	return Validation(field, fmt.Sprintf(format, args...))
}

// Conflict reports a uniqueness violation on the named key.
func Conflict(message string, cause error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: cause}
}

// NotFound reports a missing record.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Provisioning reports a failure to reach or prepare the relational store.
func Provisioning(reason, message string, cause error) *Error {
	if reason == "" {
		reason = ReasonUnknown
	}
	return &Error{Kind: KindProvisioning, Reason: reason, Message: message, Err: cause}
}

// Storage reports an unexpected store fault.
func Storage(message string, cause error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: cause}
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: cause}
}

// KindOf returns the Kind of err, classifying context deadlines as timeouts
// and anything unclassified as a storage fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindStorage
}

// As extracts the classified error from err when present.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	kind := KindOf(err)
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindProvisioning:
		if classified, ok := As(err); ok && classified.Reason == ReasonNotInitialized {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing message for err. Unclassified
// errors never leak their text.
func PublicMessage(err error) string {
	if classified, ok := As(err); ok {
		if classified.Message != "" {
			return classified.Message
		}
		return string(classified.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "operation timed out"
	}
	return "internal storage error"
}
