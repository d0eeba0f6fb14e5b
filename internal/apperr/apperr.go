// Package apperr defines the typed errors raised by the domain services.
// Each error carries a human message and a suggested corrective action;
// the HTTP boundary maps the Kind to a status code and wire name.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a domain error with a client-safe message and action.
// Err holds the underlying cause, which is never shown to clients.
type Error struct {
	Kind    Kind
	Message string
	Action  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithCause returns a copy of e that wraps err.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

func newError(k Kind, def, defAction, message, action string) *Error {
	if message == "" {
		message = def
	}
	if action == "" {
		action = defAction
	}
	return &Error{Kind: k, Message: message, Action: action}
}

func Validation(message, action string) *Error {
	return newError(KindValidation, "Invalid data.",
		"Review the data sent and try again. If the problem persists, contact support.", message, action)
}

func Unauthorized(message, action string) *Error {
	return newError(KindUnauthorized, "User not authenticated.",
		"Verify if you are authenticated and try again.", message, action)
}

func Forbidden(message, action string) *Error {
	return newError(KindForbidden, "User not authorized.",
		"Verify the required features before continuing.", message, action)
}

func NotFound(message, action string) *Error {
	return newError(KindNotFound, "Resource not found.",
		"Verify if the resource you are trying to access exists.", message, action)
}

func Conflict(message, action string) *Error {
	return newError(KindConflict, "Resource already exists.",
		"Use different data and try again.", message, action)
}

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(err error) *Error {
	e := newError(KindInternal, "Internal server error. Please try again.",
		"An unexpected error occurred. Please contact support.", "", "")
	e.Err = err
	return e
}

// As extracts an *Error from err. Errors that are not typed are reported
// as Internal with err as the cause.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Is reports whether err is a typed error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
