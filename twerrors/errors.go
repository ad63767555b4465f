// Package twerrors defines the error taxonomy used throughout the TW
// client: a small set of sentinel kinds, each carrying the JSON-RPC 2.0
// numeric code it maps to, plus helpers for wrapping and inspecting them.
//
// Wrapping follows github.com/juju/errors' convention: call sites use
// Trace or Annotatef to add context while preserving the original
// cause, and callers test for a specific kind with errors.Is.
package twerrors

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind is a sentinel identifying a class of error. Kinds are comparable
// with errors.Is because *Error.Unwrap returns its Kind.
type Kind struct {
	name string
	code int
}

func (k Kind) Error() string { return k.name }

// Code returns the JSON-RPC 2.0 numeric code associated with the kind.
func (k Kind) Code() int { return k.code }

// Standard JSON-RPC 2.0 codes.
var (
	ErrParse          = Kind{"parse error", -32700}
	ErrInvalidRequest = Kind{"invalid request", -32600}
	ErrMethodNotFound = Kind{"method not found", -32601}
	ErrInvalidParams  = Kind{"invalid params", -32602}
	ErrInternal       = Kind{"internal error", -32603}
	ErrServer         = Kind{"server error", -32000}
)

// Library-defined kinds. Their codes are only meaningful locally; all
// but ErrSubscription's -32701 lie below the JSON-RPC reserved range
// (-32768 to -32000).
var (
	ErrSubscription     = Kind{"subscription error", -32701}
	ErrParamType        = Kind{"parameter type mismatch", -32800}
	ErrUnknownParam     = Kind{"unknown parameter", -32801}
	ErrIncompleteParams = Kind{"incomplete parameters", -32802}
	ErrSchedule         = Kind{"invalid schedule", -32803}
	ErrResultSet        = Kind{"result set error", -32804}
	ErrDisposed         = Kind{"object disposed", -32805}
	ErrNotStarted       = Kind{"connection not started", -32806}
	ErrNotRegistered    = Kind{"handle not registered", -32807}
	ErrNotSupported     = Kind{"operation not supported", -32808}
	ErrDisconnected     = Kind{"connection disconnected", -32809}
	ErrInvalidQuery     = Kind{"invalid query", -32810}
)

// Error pairs a Kind with a human-readable message and optional
// server-supplied detail.
type Error struct {
	Kind    Kind
	Message string
	Data    any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

// Unwrap exposes the Kind so that errors.Is(err, twerrors.ErrDisposed)
// works against a *Error returned from anywhere in the client.
func (e *Error) Unwrap() error { return e.Kind }

// Code returns the JSON-RPC numeric code for the error's kind.
func (e *Error) Code() int { return e.Kind.Code() }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches server-supplied error detail (the JSON-RPC error
// object's "data" member) to an *Error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Trace annotates err with the caller's location using juju/errors,
// without altering what errors.Is/As see when inspecting it.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return errors.Trace(err)
}

// Annotatef annotates err with a formatted message using juju/errors.
func Annotatef(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Annotatef(err, format, args...)
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Unwrap()
			continue
		}
		if k, ok := err.(Kind); ok {
			return k == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
