// Package rpc implements the call-correlation engine shared by host and
// client: pending-call tracking by UUID, timeouts, procedure dispatch, and
// the error taxonomy that crosses the wire.
package rpc

import (
	"errors"
	"fmt"
	"runtime"

	"sync-rpc/message"
)

// Kind is the closed, machine-checkable error code carried across the wire.
// Callers branch on Kind (via errors.Is or KindOf); message text is not a
// contract.
type Kind string

const (
	// KindConnectionLost: the call timed out, or the owning connection
	// closed while the call was outstanding.
	KindConnectionLost Kind = "CONNECTION_LOST"
	// KindClientNotFound: the host targeted a client id that is not
	// connected.
	KindClientNotFound Kind = "CLIENT_NOT_FOUND"
	// KindServerUnavailable: a client-side call was attempted with no active
	// connection.
	KindServerUnavailable Kind = "SERVER_UNAVAILABLE"
	// KindProcedureNotRegistered: no handler at the requested path.
	KindProcedureNotRegistered Kind = "PROCEDURE_NOT_REGISTERED"
	// KindProcedureAlreadyRegistered: a handler already occupies the path.
	KindProcedureAlreadyRegistered Kind = "PROCEDURE_ALREADY_REGISTERED"
	// KindProcedureError: the remote handler returned an error or panicked.
	KindProcedureError Kind = "PROCEDURE_ERROR"
)

// Error is the runtime's error type, local or reconstructed from an
// rpc_exception. Remote errors preserve the original name, message and stack
// alongside the Kind.
type Error struct {
	Kind    Kind
	Name    string
	Message string
	Stack   string
	Extra   map[string]any
	// Remote marks errors reconstructed from the wire rather than raised
	// locally.
	Remote bool
}

func (e *Error) Error() string {
	if e.Remote && e.Name != "" {
		return fmt.Sprintf("%s (%s): %s", e.Name, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same Kind (or any *Error at all when the
// target has no Kind), enabling errors.Is(err, rpc.ErrConnectionLost).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConnectionLost             = &Error{Kind: KindConnectionLost}
	ErrClientNotFound             = &Error{Kind: KindClientNotFound}
	ErrServerUnavailable          = &Error{Kind: KindServerUnavailable}
	ErrProcedureNotRegistered     = &Error{Kind: KindProcedureNotRegistered}
	ErrProcedureAlreadyRegistered = &Error{Kind: KindProcedureAlreadyRegistered}
	ErrProcedureError             = &Error{Kind: KindProcedureError}
)

// KindOf extracts the Kind from err, or "" if err is not a runtime error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// toWire converts an outgoing handler failure into its wire form. Errors
// that are not already *Error become PROCEDURE_ERROR with a captured stack,
// so the caller on the other side still sees where the handler failed.
func toWire(err error) message.ErrorObject {
	var e *Error
	if errors.As(err, &e) {
		name := e.Name
		if name == "" {
			name = "Error"
		}
		return message.ErrorObject{
			Kind:    string(e.Kind),
			Name:    name,
			Message: e.Message,
			Stack:   e.Stack,
			Extra:   e.Extra,
		}
	}
	return message.ErrorObject{
		Kind:    string(KindProcedureError),
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Stack:   captureStack(),
	}
}

// fromWire reconstructs a received rpc_exception as a local error value.
func fromWire(obj message.ErrorObject) *Error {
	kind := Kind(obj.Kind)
	if kind == "" {
		kind = KindProcedureError
	}
	return &Error{
		Kind:    kind,
		Name:    obj.Name,
		Message: obj.Message,
		Stack:   obj.Stack,
		Extra:   obj.Extra,
		Remote:  true,
	}
}

func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
