// Package apierror defines the typed error kinds exchanged between Stark
// components and mapped onto HTTP statuses at the API boundary.
package apierror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation         Kind = "Validation"
	KindAuth               Kind = "Auth"
	KindPolicy             Kind = "Policy"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindCanceled           Kind = "Canceled"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
)

// Error carries a stable machine-readable code alongside the human message.
// Details are optional structured context safe to return to callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error kind onto the status code contract of the
// control API. Internal errors are deliberately opaque 500s.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindPolicy:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindPreconditionFailed:
		return http.StatusConflict
	case KindBackendUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause; the cause is logged but never serialized to callers.
func Wrap(err error, kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

func NewValidation(format string, args ...interface{}) *Error {
	return New(KindValidation, "Invalid", format, args...)
}

func NewNotFound(entity, key string) *Error {
	return New(KindNotFound, "NotFound", "%s %q not found", entity, key)
}

func NewConflict(entity, key, reason string) *Error {
	return New(KindConflict, "Conflict", "%s %q: %s", entity, key, reason)
}

func NewPreconditionFailed(entity, key string) *Error {
	return New(KindPreconditionFailed, "PreconditionFailed", "%s %q was modified concurrently", entity, key)
}

func NewBackendUnavailable(err error) *Error {
	return Wrap(err, KindBackendUnavailable, "BackendUnavailable", "store backend unavailable")
}

func NewAuth(reason string) *Error {
	return New(KindAuth, "Unauthorized", "%s", reason)
}

func NewPolicy(code, format string, args ...interface{}) *Error {
	return New(KindPolicy, code, format, args...)
}

func NewInternal(err error) *Error {
	return Wrap(err, KindInternal, "Internal", "internal error")
}

// As extracts a typed Error from anywhere in the wrap chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	if e, ok := As(err); ok {
		return e.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool           { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool           { return IsKind(err, KindConflict) }
func IsPreconditionFailed(err error) bool { return IsKind(err, KindPreconditionFailed) }
func IsValidation(err error) bool         { return IsKind(err, KindValidation) }
func IsBackendUnavailable(err error) bool { return IsKind(err, KindBackendUnavailable) }
func IsPolicy(err error) bool             { return IsKind(err, KindPolicy) }
func IsAuth(err error) bool               { return IsKind(err, KindAuth) }
func IsTimeout(err error) bool            { return IsKind(err, KindTimeout) }
func IsCanceled(err error) bool           { return IsKind(err, KindCanceled) }
