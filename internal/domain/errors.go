package domain

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so the HTTP layer can map them to status
// codes without inspecting messages.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindZoneValidation      Kind = "zone_validation"
	KindZoneOverlap         Kind = "zone_overlap"
	KindNotFound            Kind = "not_found"
	KindConnectionFailed    Kind = "connection_failed"
	KindPrimaryUnavailable  Kind = "primary_unavailable"
	KindNoHealthyConnection Kind = "no_healthy_connection"
	KindQueryTimeout        Kind = "query_timeout"
	KindBatchPartial        Kind = "batch_partial"
	KindWebhookDelivery     Kind = "webhook_delivery_failed"
	KindNotInitialized      Kind = "not_initialized"
	KindInternal            Kind = "internal"
)

// Error is the structured error surfaced by every public engine operation.
// Callers never see transport errors raw; they are wrapped with a Kind and,
// where useful, a Details map.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by Kind, so errors.Is(err, &Error{Kind: KindValidation})
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError constructs a structured error of the given kind.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf constructs a structured error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithDetails returns a copy of e carrying the given detail map.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the Kind from err, or KindInternal when err is not a
// structured engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
