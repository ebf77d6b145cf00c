// Package apperrors defines the error-kind taxonomy shared across the
// daemon (§7): Input, Auth, NotFound, Conflict, Transport, Timeout,
// Policy, Internal. Handlers map a Kind to a status code; nothing below
// the ingress layer needs to know about HTTP or JSON-RPC specifics.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Input    Kind = "input"
	Auth     Kind = "auth"
	NotFound Kind = "not_found"
	Conflict Kind = "conflict"
	Transport Kind = "transport"
	Timeout  Kind = "timeout"
	Policy   Kind = "policy"
	Internal Kind = "internal"
)

// Error wraps an underlying cause with a Kind and optional structured
// fields (store identity, limit_type, role, ...) that ingress handlers or
// log lines can surface without parsing the message string.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithField attaches a structured field and returns the same Error for
// chaining, e.g. apperrors.New(apperrors.Timeout, "...").WithField("limit_type", "per_ip").
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal for anything else so callers always get a taxonomy member.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
