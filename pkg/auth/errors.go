package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the authorization and credential lifecycle.
type ErrorKind int

// Error kinds.
const (
	KindConfiguration ErrorKind = iota + 1 // missing client credentials, no bindable port
	KindNetwork                            // transport failure, timeout, non-2xx provider response
	KindProtocol                           // missing callback parameters, malformed provider response
	KindSecurity                           // anti-forgery token mismatch
	KindStorage                            // vault or file-system failure
	KindState                              // operation attempted in the wrong lifecycle state
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindNetwork:
		return "network error"
	case KindProtocol:
		return "protocol error"
	case KindSecurity:
		return "security error"
	case KindStorage:
		return "storage error"
	case KindState:
		return "state error"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by this package and its storage backends.
type Error struct {
	Kind    ErrorKind
	Op      string // operation that failed (e.g., "exchange_code")
	Message string // diagnostic text
	Err     error  // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for use with errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrSecurity      = &Error{Kind: KindSecurity}
	ErrStorage       = &Error{Kind: KindStorage}
	ErrState         = &Error{Kind: KindState}
)

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// StorageError wraps a vault or file-system failure.
func StorageError(op string, err error) *Error {
	return NewError(KindStorage, op, "", err)
}

func configurationError(op, format string, args ...any) *Error {
	return NewError(KindConfiguration, op, fmt.Sprintf(format, args...), nil)
}

func protocolError(op, format string, args ...any) *Error {
	return NewError(KindProtocol, op, fmt.Sprintf(format, args...), nil)
}

func stateError(op, format string, args ...any) *Error {
	return NewError(KindState, op, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
