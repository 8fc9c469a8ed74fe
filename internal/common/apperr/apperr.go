// Package apperr defines the error taxonomy shared across Sellerdesk services.
// Component operations wrap failures into one of these kinds at their boundary;
// HTTP handlers map kinds to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindMarketplace
	KindCoordination
	KindRateLimit
	KindFatal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindMarketplace:
		return "marketplace"
	case KindCoordination:
		return "coordination"
	case KindRateLimit:
		return "rate_limit"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error with optional entity context.
type Error struct {
	Kind Kind
	// EntityID identifies the agent/task/conflict/conversation involved, when known.
	EntityID string
	// StatusCode carries the downstream HTTP status for marketplace errors.
	StatusCode int
	// Marketplace names the downstream marketplace for marketplace errors.
	Marketplace string
	// RetryAfter carries the rate-limit hint, when the downstream provided one.
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation creates a validation error.
func Validation(msg string) *Error { return New(KindValidation, msg) }

// NotFound creates a not-found error for the given entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, EntityID: id, Msg: fmt.Sprintf("%s %q not found", entity, id)}
}

// Coordination wraps an internal consistency failure.
func Coordination(msg string, err error) *Error {
	return &Error{Kind: KindCoordination, Msg: msg, Err: err}
}

// Coordinationf creates a coordination error with a formatted message.
func Coordinationf(format string, args ...any) *Error {
	return Newf(KindCoordination, format, args...)
}

// Marketplace creates a downstream marketplace error.
func Marketplace(name string, status int, msg string) *Error {
	return &Error{Kind: KindMarketplace, Marketplace: name, StatusCode: status, Msg: msg}
}

// RateLimit creates a rate-limit error with a Retry-After hint.
func RateLimit(name string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Marketplace: name, RetryAfter: retryAfter, Msg: "rate limited"}
}

// KindOf extracts the kind from an error chain, KindUnknown if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether the error chain contains a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsCoordination reports whether the error chain contains a coordination error.
func IsCoordination(err error) bool { return KindOf(err) == KindCoordination }

// HTTPStatus maps an error to an HTTP status code for the transport boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMarketplace:
		return http.StatusBadGateway
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindCoordination, KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
