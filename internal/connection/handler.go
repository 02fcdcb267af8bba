// Package connection implements the channel-multiplexing layer that
// sits on top of internal/transport: the channel table, inbound and
// outbound channel-open handshakes, global requests, keepalive, and
// connection-wide shutdown (spec.md §4.H).
package connection

import (
	"context"

	"github.com/postalsys/sshmux/internal/identity"
)

// HostVerifier is consulted by the client side before it accepts a
// peer's host identity during key exchange.
type HostVerifier interface {
	Verify(ctx context.Context, hostname string, port uint16, id identity.Identity) error
}

// AgentIdentity pairs an identity with the comment string an agent
// reports alongside it.
type AgentIdentity struct {
	Identity identity.Identity
	Comment  string
}

// AuthAgent signs on behalf of a local identity. Identities is used
// during user authentication (out of scope here); Sign is also the
// shape internal/kex's server-side AuthAgent requires for the host-key
// signature over the exchange hash.
type AuthAgent interface {
	Identities(ctx context.Context) ([]AgentIdentity, error)
	Sign(ctx context.Context, id identity.Identity, data []byte, flags uint32) (identity.Signature, error)
}

// GlobalRequest is a peer-sent MSG_GLOBAL_REQUEST that did not set
// want_reply.
type GlobalRequest struct {
	Name string
	Data []byte
}

// GlobalRequestWantReply is a peer-sent MSG_GLOBAL_REQUEST with
// want_reply set. Exactly one of Accept/Reject must be called; replies
// for concurrently outstanding requests are emitted in FIFO
// arrival order regardless of decision order.
type GlobalRequestWantReply struct {
	Name string
	Data []byte

	reply func(success bool, data []byte)
}

// Accept queues MSG_REQUEST_SUCCESS(data).
func (r GlobalRequestWantReply) Accept(data []byte) { r.reply(true, data) }

// Reject queues MSG_REQUEST_FAILURE.
func (r GlobalRequestWantReply) Reject() { r.reply(false, nil) }

// DirectTCPIPRequest is an inbound MSG_CHANNEL_OPEN("direct-tcpip", ...)
// carrying the forwarding target and the peer's claimed origin.
type DirectTCPIPRequest struct {
	DstHost string
	DstPort uint32
	SrcHost string
	SrcPort uint32

	accept func() (*Channel, error)
	reject func(reasonCode uint32, description string)
}

// Accept emits MSG_CHANNEL_OPEN_CONFIRMATION and returns the resulting
// channel handle.
func (r DirectTCPIPRequest) Accept() (*Channel, error) { return r.accept() }

// Reject emits MSG_CHANNEL_OPEN_FAILURE with the given reason.
func (r DirectTCPIPRequest) Reject(reasonCode uint32, description string) {
	r.reject(reasonCode, description)
}

// SessionRequest is an inbound MSG_CHANNEL_OPEN("session") request; it
// carries no type-specific data.
type SessionRequest struct {
	accept func() (*Channel, error)
	reject func(reasonCode uint32, description string)
}

// Accept emits MSG_CHANNEL_OPEN_CONFIRMATION and returns the resulting
// channel handle.
func (r SessionRequest) Accept() (*Channel, error) { return r.accept() }

// Reject emits MSG_CHANNEL_OPEN_FAILURE with the given reason.
func (r SessionRequest) Reject(reasonCode uint32, description string) {
	r.reject(reasonCode, description)
}

// ConnectionHandler receives every user-facing event a Connection
// produces. Poll is consulted once per loop iteration; returning a
// non-nil error triggers disconnect-by-application. OnError is called
// exactly once, with the terminal error, right before the connection's
// goroutine exits.
type ConnectionHandler interface {
	Poll(ctx context.Context) error
	OnGlobalRequest(GlobalRequest)
	OnGlobalRequestWantReply(GlobalRequestWantReply)
	OnDirectTCPIPRequest(DirectTCPIPRequest)
	OnSessionRequest(SessionRequest)
	OnError(err error)
}
