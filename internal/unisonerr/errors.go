// Package unisonerr defines the error kinds shared across the Unison
// core: wire-level, transport-level, and application-level failures.
package unisonerr

import "fmt"

// Kind classifies an Error by severity/origin, matching the error codes
// carried in ProtocolError.Code on the wire.
type Kind string

const (
	KindHandlerNotFound Kind = "HANDLER_NOT_FOUND"
	KindProtocol        Kind = "PROTOCOL"
	KindTimeout         Kind = "TIMEOUT"
	KindInternal        Kind = "INTERNAL"
	KindClosed          Kind = "CLOSED"
)

// Error is a Unison-core error carrying a Kind usable for errors.Is
// comparisons and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

// New creates an Error of the given Kind with a message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given Kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, unisonerr.New(KindClosed, "")) to match any
// *Error sharing the same Kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// ErrConnectionClosed is a sentinel matched via errors.Is to identify a
// channel or connection that has torn down.
var ErrConnectionClosed = New(KindClosed, "connection closed")

// ErrHandlerNotFound is a sentinel for an unregistered channel name.
var ErrHandlerNotFound = New(KindHandlerNotFound, "no handler registered for channel")
