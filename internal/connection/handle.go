package connection

import (
	"errors"
	"sync"

	"github.com/postalsys/sshmux/internal/channel"
)

// ErrChannelDropped is the sentinel for a channel torn down with its
// owning Connection (spec.md §7's Dropped kind). No Channel method
// returns it: after teardown, Done is closed, Err reports the
// connection's terminal error, and pending SendRequest reply channels
// are closed without a value.
var ErrChannelDropped = errors.New("connection: channel dropped")

// ChannelRequestEvent is an inbound MSG_CHANNEL_REQUEST delivered
// through its Channel's request queue. Reply is nil when WantReply is
// false; otherwise it must be called exactly once.
type ChannelRequestEvent struct {
	Name      string
	Data      []byte
	WantReply bool
	Reply     func(success bool)
}

// Channel is the user-facing handle for one multiplexed channel. Every
// method is safe to call from any goroutine; state changes are
// serialized through the underlying channel.Channel's mutex, and wire
// sends are handed to the connection's single poll loop.
type Channel struct {
	inner *channel.Channel
	conn  *Connection

	reqMu    sync.Mutex
	reqQueue []ChannelRequestEvent
	reqWaker chan struct{}
}

func newChannelHandle(inner *channel.Channel, conn *Connection) *Channel {
	return &Channel{inner: inner, conn: conn, reqWaker: make(chan struct{})}
}

func (c *Channel) deliverRequest(ev ChannelRequestEvent) {
	c.reqMu.Lock()
	c.reqQueue = append(c.reqQueue, ev)
	old := c.reqWaker
	c.reqWaker = make(chan struct{})
	c.reqMu.Unlock()
	close(old)
}

// PollRequest pops the oldest undelivered MSG_CHANNEL_REQUEST, if any.
func (c *Channel) PollRequest() (ChannelRequestEvent, bool) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if len(c.reqQueue) == 0 {
		return ChannelRequestEvent{}, false
	}
	ev := c.reqQueue[0]
	c.reqQueue = c.reqQueue[1:]
	return ev, true
}

// RequestWaker returns a channel that closes the next time a new
// inbound request is queued.
func (c *Channel) RequestWaker() <-chan struct{} {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.reqWaker
}

// Kind reports whether this is a session or direct-tcpip channel.
func (c *Channel) Kind() channel.Kind { return c.inner.Kind() }

// LocalID returns the local channel id.
func (c *Channel) LocalID() uint32 { return c.inner.LocalID() }

// Read drains up to max bytes of received MSG_CHANNEL_DATA.
func (c *Channel) Read(max int) []byte { return c.inner.ReadStdout(max) }

// ReadStderr drains up to max bytes of received MSG_CHANNEL_EXTENDED_DATA.
func (c *Channel) ReadStderr(max int) []byte { return c.inner.ReadStderr(max) }

// Write queues data for transmission as MSG_CHANNEL_DATA, chunked by
// the connection's poll loop according to window and max-packet-size.
func (c *Channel) Write(data []byte) error {
	if !c.inner.CanSendData() {
		return errors.New("connection: write after local EOF")
	}
	c.inner.QueueWrite(data)
	c.conn.wake()
	return nil
}

// CloseWrite sends MSG_CHANNEL_EOF; no further Write calls are valid
// afterward. Idempotent.
func (c *Channel) CloseWrite() error {
	if !c.inner.CanSendData() {
		return nil
	}
	c.inner.MarkEOFSent()
	c.conn.wake()
	return nil
}

// Close begins the close handshake by sending MSG_CHANNEL_CLOSE.
// Idempotent.
func (c *Channel) Close() error {
	if err := c.inner.BeginClose(); err != nil && !errors.Is(err, channel.ErrDoubleClose) {
		return err
	}
	c.conn.wake()
	return nil
}

// SendRequest sends a MSG_CHANNEL_REQUEST. If wantReply, the returned
// channel receives the eventual success/failure in FIFO order with
// respect to this channel's other outstanding requests; it is closed
// without a value if the connection terminates first.
func (c *Channel) SendRequest(name string, wantReply bool, data []byte) (<-chan channel.ReplyResult, error) {
	var replyCh <-chan channel.ReplyResult
	if wantReply {
		replyCh = c.inner.SendRequest()
	}
	c.conn.queueChannelRequest(c.inner.LocalID(), name, wantReply, data)
	return replyCh, nil
}

// Waker returns a channel that closes the next time this channel's
// state changes.
func (c *Channel) Waker() <-chan struct{} { return c.inner.Waker() }

// State returns the channel's current lifecycle stage.
func (c *Channel) State() channel.State { return c.inner.State() }

// Done returns a channel closed once the owning connection tears down.
func (c *Channel) Done() <-chan struct{} { return c.conn.Done() }

// Err returns the owning connection's terminal error, valid once Done
// is closed.
func (c *Channel) Err() error { return c.conn.Err() }
