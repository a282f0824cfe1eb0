package feed

import (
	"errors"
	"fmt"
)

// Kind classifies a broker failure. Kinds are themselves errors so callers
// can match them with errors.Is.
type Kind string

func (k Kind) Error() string { return string(k) }

// Label is the short metric label of the kind.
func (k Kind) Label() string {
	switch k {
	case ErrInvalidCredentials:
		return "invalid_credentials"
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrUpstreamUnavailable:
		return "upstream_unavailable"
	case ErrMalformedResponse:
		return "malformed_response"
	}
	return "unknown"
}

const (
	// ErrInvalidCredentials: login rejected by the broker. Terminal.
	ErrInvalidCredentials Kind = "invalid credentials"
	// ErrUnauthenticated: no usable session or API key. Recoverable by login.
	ErrUnauthenticated Kind = "not authenticated"
	// ErrUpstreamUnavailable: network failure or 5xx. Retried on the next tick.
	ErrUpstreamUnavailable Kind = "upstream unavailable"
	// ErrMalformedResponse: the payload did not have the expected shape.
	ErrMalformedResponse Kind = "malformed response"
)

// Error is one failed broker operation.
type Error struct {
	Kind    Kind
	Op      string // "login", "refresh", "quote", "option_chain", "candles"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s (%v)", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the kind sentinel of the error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf returns the kind carried by err, or "" when err is not a broker error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
