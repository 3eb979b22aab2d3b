// Package wire implements the shared byte-level primitives used by the
// PostgreSQL frontend and backend wire codecs: length-prefixed reads/writes,
// C-string scanning, and big-endian integer access.
package wire

import "fmt"

// ErrorKind classifies why a codec or masking-handler operation failed.
type ErrorKind int

const (
	// KindInvalidInput marks malformed framing or missing required fields
	// (wrong protocol version, missing "user" parameter, residual bytes).
	KindInvalidInput ErrorKind = iota
	// KindInvalidData marks semantic payload errors (missing cstr terminator).
	KindInvalidData
	// KindUnexpectedEOF marks a short read or a stream closed mid-frame.
	KindUnexpectedEOF
	// KindFatal marks a protocol invariant violation (e.g. DataRow before
	// RowDescription) that must abort the connection.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindInvalidData:
		return "invalid data"
	case KindUnexpectedEOF:
		return "unexpected eof"
	case KindFatal:
		return "fatal"
	default:
		return "unknown error kind"
	}
}

// ProtocolError is returned by every fallible decode/encode operation in
// this repository. Incomplete reads are not errors: callers signal them by
// returning a nil message and a nil error.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewError builds a *ProtocolError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) error {
	return &ProtocolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is a *ProtocolError of KindFatal.
func IsFatal(err error) bool {
	var pe *ProtocolError
	if e, ok := err.(*ProtocolError); ok {
		pe = e
	}
	return pe != nil && pe.Kind == KindFatal
}
