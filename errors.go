// Package sshmux is the root of the SSH-2 transport and channel
// multiplexing engine. It exposes Dial and Serve (client.go, server.go)
// and the shared error type; the protocol implementation lives in the
// internal packages.
package sshmux

import "github.com/postalsys/sshmux/internal/errs"

// Kind classifies a terminal or operational error so callers can branch
// on error category without string matching. It is an alias of
// internal/errs.Kind so that internal packages (which cannot import the
// root package without a cycle) and external callers share one type.
type Kind = errs.Kind

const (
	// KindProtocolFraming covers malformed packets: bad length, MAC
	// failure, truncated input.
	KindProtocolFraming = errs.KindProtocolFraming
	// KindProtocolSequencing covers messages arriving in an order the
	// state machine does not accept (e.g. CLOSE before OPEN_CONFIRMATION).
	KindProtocolSequencing = errs.KindProtocolSequencing
	// KindNegotiation covers algorithm negotiation failures.
	KindNegotiation = errs.KindNegotiation
	// KindHostKey covers host identity verification failures.
	KindHostKey = errs.KindHostKey
	// KindTransportTerminal covers DISCONNECT/UNIMPLEMENTED and other
	// conditions that end the connection.
	KindTransportTerminal = errs.KindTransportTerminal
	// KindResource covers local exhaustion (e.g. channel table full).
	KindResource = errs.KindResource
	// KindIO covers underlying socket read/write failures.
	KindIO = errs.KindIO
	// KindDropped marks an object (channel, connection) whose owner was
	// torn down from under an in-flight operation.
	KindDropped = errs.KindDropped
)

// Error is the engine's error type: a Kind plus a wrapped cause.
type Error = errs.Error

// NewError constructs an *Error, wrapping cause with %w semantics via Unwrap.
func NewError(kind Kind, op string, cause error) *Error {
	return errs.New(kind, op, cause)
}
