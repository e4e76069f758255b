package signer

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies signing failures so callers can pick a remediation
type Code int

const (
	CodeUnknown Code = iota
	// NoSignerAvailable: nothing is active; surfaced, never retried automatically
	NoSignerAvailable
	// TransportUnreachable: dispatch failed before any reply
	TransportUnreachable
	// Timeout: no reply within the request budget
	Timeout
	// ProtocolViolation: malformed reply from the signer; fatal
	ProtocolViolation
	// IdentityMismatch: persisted session belongs to another user; discarded
	IdentityMismatch
	// UnsupportedPlatform: the runtime cannot host the backend
	UnsupportedPlatform
	// ConnectionClosed: the backend was torn down while the request was pending
	ConnectionClosed
	// RateLimited: too many sign requests in the current window
	RateLimited
	// Rejected: the signer answered with an error (declined, not permitted)
	Rejected
)

func (c Code) String() string {
	switch c {
	case NoSignerAvailable:
		return "no_signer_available"
	case TransportUnreachable:
		return "transport_unreachable"
	case Timeout:
		return "timeout"
	case ProtocolViolation:
		return "protocol_violation"
	case IdentityMismatch:
		return "identity_mismatch"
	case UnsupportedPlatform:
		return "unsupported_platform"
	case ConnectionClosed:
		return "connection_closed"
	case RateLimited:
		return "rate_limited"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is a classified signing error
type Error struct {
	Code Code
	Op   string // operation that failed, e.g. "nip46.sign_event"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

// Sentinels for errors.Is checks
var (
	ErrNoSignerAvailable    = &Error{Code: NoSignerAvailable}
	ErrTransportUnreachable = &Error{Code: TransportUnreachable}
	ErrTimeout              = &Error{Code: Timeout}
	ErrProtocolViolation    = &Error{Code: ProtocolViolation}
	ErrIdentityMismatch     = &Error{Code: IdentityMismatch}
	ErrUnsupportedPlatform  = &Error{Code: UnsupportedPlatform}
	ErrConnectionClosed     = &Error{Code: ConnectionClosed}
	ErrRateLimited          = &Error{Code: RateLimited}
	ErrRejected             = &Error{Code: Rejected}
)

// E wraps err with a code and operation. An already classified err keeps its code.
func E(code Code, op string, err error) error {
	var se *Error
	if err != nil && errors.As(err, &se) {
		return &Error{Code: se.Code, Op: op, Err: err}
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(code Code, op string, format string, args ...interface{}) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf classifies any error into the taxonomy
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return ConnectionClosed
	}
	return CodeUnknown
}

// Retryable reports whether reconnecting and trying again can help.
// False means the caller should offer a different backend instead.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case TransportUnreachable, Timeout, ConnectionClosed, RateLimited:
		return true
	default:
		return false
	}
}
