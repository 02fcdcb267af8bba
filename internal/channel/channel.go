// Package channel implements one multiplexed channel's state: flow
// control windows, buffered stdin/stdout/stderr streams, the open/close
// handshake, and FIFO-ordered request/reply correlation (spec.md §4.G).
package channel

import (
	"errors"
	"sync"
)

// State is a channel's lifecycle stage.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

// ErrAlreadyClosed is returned by operations attempted on a channel that
// has completed its close handshake.
var ErrAlreadyClosed = errors.New("channel: already closed")

// ErrDoubleClose is a protocol error: a second CLOSE on a channel that
// already sent and received one, or a CLOSE before open confirmation.
var ErrDoubleClose = errors.New("channel: unsolicited close")

// ErrEOFAlreadySent reports extended data sent after EOF,
// which spec.md §4.G forbids.
var ErrEOFAlreadySent = errors.New("channel: extended data after local EOF")

// Kind distinguishes the two channel types this engine opens: an
// interactive/process session, or a forwarded TCP/IP stream.
type Kind int

const (
	KindSession Kind = iota
	KindDirectTCPIP
)

// Config carries the locally advertised flow-control parameters for a
// newly opened channel.
type Config struct {
	MaxBufferSize uint32 // mbs: local receive buffer capacity
	MaxPacketSize uint32 // lmps: largest single DATA message we accept
}

// Channel is one multiplexed stream's mutex-guarded state. The zero
// value is not usable; construct with New.
type Channel struct {
	mu sync.Mutex

	localID  uint32
	remoteID uint32
	kind     Kind
	state    State

	lws  uint32 // local window: bytes the peer may still send us
	rws  uint32 // remote window: bytes we may still send the peer
	lmps uint32 // local max packet size, advertised at open
	rmps uint32 // remote max packet size, learned from peer's open/confirm
	mbs  uint32 // configured local buffer ceiling

	recvBuf    []byte // data received via DATA, awaiting a local Read
	recvExtBuf []byte // data received via EXTENDED_DATA (stderr), awaiting a local Read
	sendBuf    []byte // data queued by a local Write, awaiting transmission

	eofSent    bool
	eofRcvd    bool
	closeSent  bool
	closeRcvd  bool
	openSent   bool
	openRcvd   bool

	outboundReplies []chan ReplyResult // FIFO of requests we sent with want_reply
	inboundPending  []*inboundRequest  // FIFO of requests we received with want_reply

	waker chan struct{} // closed and replaced to broadcast a state change
}

// ReplyResult is the outcome of a MSG_CHANNEL_REQUEST this side sent
// with want_reply set.
type ReplyResult struct {
	Success bool
	Data    []byte
}

// inboundRequest is one not-yet-fully-resolved MSG_CHANNEL_REQUEST we
// received. Decided requests sit in the queue until they reach the
// front, preserving FIFO reply order even when decisions arrive out of
// sequence.
type inboundRequest struct {
	requestType string
	data        []byte
	decided     bool
	success     bool
}

// RequestType returns the name carried by the original request.
func (r *inboundRequest) RequestType() string { return r.requestType }

// Data returns the request's type-specific payload.
func (r *inboundRequest) Data() []byte { return r.data }

// New constructs a freshly opened (but not yet confirmed) channel.
func New(localID uint32, kind Kind, cfg Config) *Channel {
	return &Channel{
		localID: localID,
		kind:    kind,
		state:   StateOpening,
		lws:     cfg.MaxBufferSize,
		lmps:    cfg.MaxPacketSize,
		mbs:     cfg.MaxBufferSize,
		waker:   make(chan struct{}),
	}
}

func (c *Channel) notifyLocked() {
	close(c.waker)
	c.waker = make(chan struct{})
}

// Waker returns a channel that closes the next time this channel's
// state changes, for callers that want to block until progress is
// possible.
func (c *Channel) Waker() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waker
}

// LocalID returns the local channel id assigned at open.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the peer's channel id, valid once the open handshake
// (inbound or outbound) has completed.
func (c *Channel) RemoteID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Kind reports whether this is a session or direct-tcpip channel.
func (c *Channel) Kind() Kind { return c.kind }

// State returns the channel's current lifecycle stage.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConfirmOutbound records the peer's MSG_CHANNEL_OPEN_CONFIRMATION for a
// channel this side opened.
func (c *Channel) ConfirmOutbound(remoteID, remoteWindow, remoteMaxPacket uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteID = remoteID
	c.rws = remoteWindow
	c.rmps = remoteMaxPacket
	c.state = StateOpen
	c.openRcvd = true
	c.notifyLocked()
}

// ConfirmInbound records that this side has sent
// MSG_CHANNEL_OPEN_CONFIRMATION for a channel the peer opened, once the
// handler accepted it.
func (c *Channel) ConfirmInbound(remoteID, remoteWindow, remoteMaxPacket uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteID = remoteID
	c.rws = remoteWindow
	c.rmps = remoteMaxPacket
	c.state = StateOpen
	c.openSent = true
	c.notifyLocked()
}

// --- Flow control ---

// CanReceive reports whether the peer is currently allowed to send us
// dataLen bytes of DATA/EXTENDED_DATA without violating the window or
// max-packet-size limits.
func (c *Channel) CanReceive(dataLen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lws > 0 && uint32(dataLen) <= c.lmps
}

// ReceiveData appends incoming DATA to the receive buffer and consumes
// window. Returns the local window size to add via
// MSG_CHANNEL_WINDOW_ADJUST, or 0 if none is due yet.
func (c *Channel) ReceiveData(data []byte) (windowAdd uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(len(data)) > c.lws {
		return 0, errors.New("channel: peer exceeded advertised window")
	}
	c.recvBuf = append(c.recvBuf, data...)
	c.lws -= uint32(len(data))
	c.notifyLocked()
	return c.maybeWindowAdjustLocked(), nil
}

// ReceiveExtendedData is the stderr-carrying counterpart of ReceiveData.
func (c *Channel) ReceiveExtendedData(data []byte) (windowAdd uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(len(data)) > c.lws {
		return 0, errors.New("channel: peer exceeded advertised window")
	}
	c.recvExtBuf = append(c.recvExtBuf, data...)
	c.lws -= uint32(len(data))
	c.notifyLocked()
	return c.maybeWindowAdjustLocked(), nil
}

// maybeWindowAdjustLocked implements spec.md §4.G's threshold: once
// buffered-plus-available drops below half the configured buffer size,
// top the window back up to the full buffer size.
func (c *Channel) maybeWindowAdjustLocked() uint32 {
	used := uint32(len(c.recvBuf) + len(c.recvExtBuf))
	if used+c.lws >= c.mbs/2 {
		return 0
	}
	add := c.mbs - c.lws - used
	c.lws += add
	return add
}

// ReadStdout drains up to max bytes of received DATA.
func (c *Channel) ReadStdout(max int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return drain(&c.recvBuf, max)
}

// ReadStderr drains up to max bytes of received EXTENDED_DATA.
func (c *Channel) ReadStderr(max int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return drain(&c.recvExtBuf, max)
}

func drain(buf *[]byte, max int) []byte {
	n := len(*buf)
	if n > max {
		n = max
	}
	out := append([]byte(nil), (*buf)[:n]...)
	*buf = (*buf)[n:]
	return out
}

// QueueWrite appends data to the local send buffer, to be chunked out
// by NextSendChunk as window and max-packet-size allow.
func (c *Channel) QueueWrite(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendBuf = append(c.sendBuf, data...)
	c.notifyLocked()
}

// PendingSendSize reports the size NextSendChunk would return right now
// (min(pending, rmps, rws)) without consuming anything, so a caller can
// check an external constraint, such as an outbound rate limit, before
// committing to the chunk.
func (c *Channel) PendingSendSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSendSizeLocked()
}

// HasPendingSendData reports whether the local send buffer still holds
// data not yet handed out by NextSendChunk, regardless of whether the
// remote window or an external throttle currently allows sending it.
// EOF must not be emitted while this is true.
func (c *Channel) HasPendingSendData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sendBuf) > 0
}

func (c *Channel) pendingSendSizeLocked() uint32 {
	if len(c.sendBuf) == 0 || c.rws == 0 {
		return 0
	}
	n := uint32(len(c.sendBuf))
	if n > c.rmps {
		n = c.rmps
	}
	if n > c.rws {
		n = c.rws
	}
	return n
}

// NextSendChunk returns the next chunk to transmit as MSG_CHANNEL_DATA,
// sized as min(pending, rmps, rws), and consumes that much of the
// remote window. An empty, non-nil result means there is pending data
// but the window is currently exhausted (rws == 0); a nil result means
// nothing is queued.
func (c *Channel) NextSendChunk() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendBuf) == 0 {
		return nil
	}
	n := c.pendingSendSizeLocked()
	if n == 0 {
		return []byte{}
	}
	chunk := append([]byte(nil), c.sendBuf[:n]...)
	c.sendBuf = c.sendBuf[n:]
	c.rws -= n
	return chunk
}

// ApplyWindowAdjust grows the remote window after MSG_CHANNEL_WINDOW_ADJUST.
func (c *Channel) ApplyWindowAdjust(add uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rws += add
	c.notifyLocked()
}

// --- EOF and close ---

// MarkEOFSent records that this side has sent MSG_CHANNEL_EOF; no
// further DATA/EXTENDED_DATA may be sent afterward.
func (c *Channel) MarkEOFSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eofSent = true
	c.notifyLocked()
}

// CanSendData reports whether this side may still send DATA or
// EXTENDED_DATA (false once local EOF has been sent).
func (c *Channel) CanSendData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.eofSent
}

// MarkEOFReceived records the peer's MSG_CHANNEL_EOF.
func (c *Channel) MarkEOFReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eofRcvd = true
	c.notifyLocked()
}

// BeginClose records that this side is sending MSG_CHANNEL_CLOSE.
// Returns ErrDoubleClose if a close was already sent or the channel
// never reached the open state.
func (c *Channel) BeginClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSent {
		return ErrDoubleClose
	}
	if c.state == StateOpening {
		return ErrDoubleClose
	}
	c.closeSent = true
	c.state = StateClosing
	c.notifyLocked()
	return c.maybeFinalizeLocked()
}

// ReceiveClose records the peer's MSG_CHANNEL_CLOSE. Returns
// ErrDoubleClose for a second close or one received before this side's
// open was confirmed, which is a protocol error the caller must treat
// as fatal to the connection.
func (c *Channel) ReceiveClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeRcvd {
		return ErrDoubleClose
	}
	if c.state == StateOpening {
		return ErrDoubleClose
	}
	c.closeRcvd = true
	c.state = StateClosing
	c.notifyLocked()
	return c.maybeFinalizeLocked()
}

// maybeFinalizeLocked transitions to StateClosed once both sides have
// sent and received CLOSE, per spec.md §4.G.
func (c *Channel) maybeFinalizeLocked() error {
	if c.closeSent && c.closeRcvd {
		c.state = StateClosed
	}
	return nil
}

// Closed reports whether both sides have completed the close handshake
// and the channel's local id may be released.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

// --- Request/reply FIFO ---

// SendRequest registers that this side has sent a MSG_CHANNEL_REQUEST
// with want_reply set. The returned channel receives the eventual
// SUCCESS (true) or FAILURE (false) in the order replies arrive.
func (c *Channel) SendRequest() <-chan ReplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan ReplyResult, 1)
	c.outboundReplies = append(c.outboundReplies, ch)
	return ch
}

// ResolveOutboundReply delivers the next outstanding reply to whichever
// SendRequest call is oldest, per the FIFO ordering spec.md §4.G
// requires.
func (c *Channel) ResolveOutboundReply(success bool, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outboundReplies) == 0 {
		return errors.New("channel: unexpected request reply with no pending request")
	}
	ch := c.outboundReplies[0]
	c.outboundReplies = c.outboundReplies[1:]
	ch <- ReplyResult{Success: success, Data: data}
	close(ch)
	return nil
}

// DropPending clears any outstanding outbound request replies and
// returns their channels so the caller can close them without a value,
// used when the owning connection tears down (spec.md §7's Dropped kind).
func (c *Channel) DropPending() []chan ReplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outboundReplies
	c.outboundReplies = nil
	return out
}

// EnqueueInboundRequest records a MSG_CHANNEL_REQUEST with want_reply
// set, returning a token the handler resolves (possibly out of order;
// FIFO wire order is preserved by DrainReadyReplies).
func (c *Channel) EnqueueInboundRequest(requestType string, data []byte) *inboundRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := &inboundRequest{requestType: requestType, data: data}
	c.inboundPending = append(c.inboundPending, req)
	return req
}

// AnswerInboundRequest marks a previously enqueued request decided.
func (c *Channel) AnswerInboundRequest(req *inboundRequest, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.decided = true
	req.success = success
	c.notifyLocked()
}

// DrainReadyReplies pops and returns every leading decided request,
// stopping at the first still-undecided one, so the caller can emit
// MSG_CHANNEL_SUCCESS/FAILURE messages in strict FIFO order even though
// decisions may have been made out of sequence.
func (c *Channel) DrainReadyReplies() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var results []bool
	for len(c.inboundPending) > 0 && c.inboundPending[0].decided {
		results = append(results, c.inboundPending[0].success)
		c.inboundPending = c.inboundPending[1:]
	}
	return results
}
