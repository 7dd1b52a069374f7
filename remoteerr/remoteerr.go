// Package remoteerr defines the error taxonomy shared by every layer of
// the remoting runtime: wire, registry, handler, client and server all
// return (or wrap) one of these kinds so that callers can tell a local
// bug from a remote fault from a dead link.
package remoteerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the user-visible error categories from the
// error handling design.
type Kind int

const (
	// Protocol covers an unexpected frame or out-of-sync stream. Fatal
	// to the link.
	Protocol Kind = iota
	// UnsupportedOperation covers remoting a non-marshalable type, a
	// static method, an open generic, or a type the peer can't resolve.
	UnsupportedOperation
	// InstanceNotFound means the target id is missing on the server.
	InstanceNotFound
	// RemoteException wraps an exception thrown by the invoked method.
	RemoteException
	// LinkDown means the terminator fired while a call was pending.
	LinkDown
	// DuplicateRegistration means a caller registered an object under
	// an existing id bound to a different object, in strict mode.
	DuplicateRegistration
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "ProtocolError"
	case UnsupportedOperation:
		return "UnsupportedOperation"
	case InstanceNotFound:
		return "InstanceNotFound"
	case RemoteException:
		return "RemoteException"
	case LinkDown:
		return "LinkDown"
	case DuplicateRegistration:
		return "DuplicateRegistration"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across package boundaries.
// RemoteException additionally carries the remote type name and a
// best-effort serialised payload so callers can inspect what the peer
// actually threw.
type Error struct {
	Kind Kind

	// RemoteType is the exception type name reported by the peer.
	// Only meaningful when Kind == RemoteException.
	RemoteType string

	// Payload is the opaque serialised exception data, if any.
	Payload []byte

	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.RemoteType != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.RemoteType, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: errors.WithStack(err)}
}

// Remote builds a RemoteException carrying the peer's exception type
// name, message and serialised payload.
func Remote(typeName, msg string, payload []byte) *Error {
	return &Error{Kind: RemoteException, RemoteType: typeName, Msg: msg, Payload: payload}
}

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// LinkDownErr is the sentinel instance used when a terminator fires and
// no further detail is available.
var LinkDownErr = New(LinkDown, "link is down")
