// Package cerr defines the error kinds surfaced by the indexer, the query
// executor and the daemon wire protocol.
package cerr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of error. The wire protocol renders it verbatim
// as "ERR <Kind>: <msg>".
type Kind string

const (
	SourceIO       Kind = "SourceIO"
	SourceMissing  Kind = "SourceMissing"
	SourceStale    Kind = "SourceStale"
	UnknownColumn  Kind = "UnknownColumn"
	MalformedRow   Kind = "MalformedRow"
	CorruptIndex   Kind = "CorruptIndex"
	NoUsableIndex  Kind = "NoUsableIndex"
	Deadline       Kind = "Deadline"
	Canceled       Kind = "Canceled"
	ProtocolError  Kind = "ProtocolError"
	InternalError  Kind = "InternalError"
	SpillFull      Kind = "SpillFull"
	OutOfSpace     Kind = "OutOfSpace"
)

// Error wraps an underlying cause with a Kind so callers can errors.As/Is
// against it and the daemon can format the wire-protocol error line
// mechanically.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to InternalError when err is
// not (or does not wrap) a *cerr.Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return InternalError
}

// Line renders the wire-protocol "ERR <Kind>: <msg>" line for err, stripping
// the trailing newline (callers append it).
func Line(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Err != nil {
			return fmt.Sprintf("ERR %s: %s: %v", ce.Kind, ce.Msg, ce.Err)
		}
		return fmt.Sprintf("ERR %s: %s", ce.Kind, ce.Msg)
	}
	return fmt.Sprintf("ERR %s: %v", InternalError, err)
}

// WarnLine renders an advisory line in the same "<Kind>: <msg>" shape as
// Line, prefixed "WARN" instead of "ERR": a condition the wire protocol
// reports but does not fail the request over (e.g. SourceStale in the
// query path).
func WarnLine(kind Kind, msg string) string {
	return fmt.Sprintf("WARN %s: %s", kind, msg)
}
