package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/sshmux/internal/channel"
	"github.com/postalsys/sshmux/internal/errs"
	"github.com/postalsys/sshmux/internal/logging"
	"github.com/postalsys/sshmux/internal/metrics"
	"github.com/postalsys/sshmux/internal/msg"
	"github.com/postalsys/sshmux/internal/transport"
	"github.com/postalsys/sshmux/internal/wire"
)

// ErrConnectionClosed is returned by any in-flight Open or
// CheckWithKeepalive call when the connection tears down before a reply
// arrives; SendGlobalRequest's reply channel is closed without a value
// instead.
var ErrConnectionClosed = errors.New("connection: closed")

// keepaliveRequestName is the OpenSSH convention this engine answers
// unconditionally with MSG_REQUEST_FAILURE, proving liveness without
// involving the handler (spec.md §9, open question iii).
const keepaliveRequestName = "keepalive@openssh.com"

// Config bounds a Connection's channel table and the per-channel
// flow-control parameters it advertises, plus how long Poll blocks
// before a loop iteration returns to drain queued channel and
// global-request work (spec.md §5).
type Config struct {
	MaxChannels   int
	MaxBufferSize uint32
	MaxPacketSize uint32
	PollInterval  time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	// OutboundBytesPerSecond caps the aggregate rate at which this side
	// flushes MSG_CHANNEL_DATA across all channels, 0 meaning unlimited.
	// Throttled chunks stay queued in the channel's send buffer and are
	// retried on a later tick rather than blocking the poll loop.
	OutboundBytesPerSecond int
}

func (c Config) channelConfig() channel.Config {
	return channel.Config{MaxBufferSize: c.MaxBufferSize, MaxPacketSize: c.MaxPacketSize}
}

// GlobalReplyResult is the outcome of a MSG_GLOBAL_REQUEST this side
// sent with want_reply set.
type GlobalReplyResult struct {
	Success bool
	Data    []byte
}

type pendingOpen struct {
	ch  *Channel
	err error
}

// pendingGlobalReply is one not-yet-answered peer-sent global request,
// queued so replies are emitted in strict FIFO arrival order even when
// the handler decides them out of order (mirrors channel.inboundRequest).
type pendingGlobalReply struct {
	decided bool
	success bool
	data    []byte
}

// Connection multiplexes channels and global requests over a single
// Transport, driven exclusively by its own Run goroutine (spec.md
// §4.H, §5). Every exported method besides Run is safe to call from
// any goroutine; they hand work to Run via an internal command queue.
type Connection struct {
	tr      *transport.Transport
	table   *Table
	handler ConnectionHandler
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	cmdMu sync.Mutex
	cmds  []func() error

	wakeCh chan struct{}

	handles map[uint32]*Channel

	openMu          sync.Mutex
	pendingOpens    map[uint32]chan pendingOpen
	pendingOpenType map[uint32]string

	globalMu      sync.Mutex
	globalReplies []chan GlobalReplyResult

	inboundGlobalMu sync.Mutex
	inboundGlobal   []*pendingGlobalReply

	eofEmitted   map[uint32]bool
	closeEmitted map[uint32]bool

	closeOnce sync.Once
	done      chan struct{}

	termMu  sync.Mutex
	termErr error
}

// New constructs a Connection over a Transport that has already
// completed its first key exchange and service-request handshake.
func New(tr *transport.Transport, handler ConnectionHandler, cfg Config) *Connection {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Metrics.RecordConnectionOpen()
	var limiter *rate.Limiter
	if cfg.OutboundBytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OutboundBytesPerSecond), int(cfg.MaxPacketSize))
	}
	return &Connection{
		tr:           tr,
		table:        NewTable(cfg.MaxChannels),
		handler:      handler,
		cfg:          cfg,
		log:          logger,
		limiter:      limiter,
		wakeCh:       make(chan struct{}, 1),
		handles:         make(map[uint32]*Channel),
		pendingOpens:    make(map[uint32]chan pendingOpen),
		pendingOpenType: make(map[uint32]string),
		eofEmitted:   make(map[uint32]bool),
		closeEmitted: make(map[uint32]bool),
		done:         make(chan struct{}),
	}
}

// Done returns a channel closed once the connection has torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, valid once Done is closed.
func (c *Connection) Err() error {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	return c.termErr
}

// Close triggers an orderly shutdown: best-effort DISCONNECT, every
// live channel dropped, and the handler's OnError invoked once. Safe
// to call more than once and from any goroutine.
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

func (c *Connection) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// nextPollDeadline returns "now" if a wake is pending, so the next
// Poll call returns immediately instead of blocking the full interval.
func (c *Connection) nextPollDeadline() time.Time {
	select {
	case <-c.wakeCh:
		return time.Now()
	default:
		return time.Now().Add(c.cfg.PollInterval)
	}
}

func (c *Connection) enqueueSend(fn func() error) {
	c.cmdMu.Lock()
	c.cmds = append(c.cmds, fn)
	c.cmdMu.Unlock()
	c.wake()
}

func (c *Connection) drainCmds() error {
	c.cmdMu.Lock()
	cmds := c.cmds
	c.cmds = nil
	c.cmdMu.Unlock()
	for _, fn := range cmds {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) sendMsg(m msg.Message) error {
	return c.tr.Send(m.Marshal())
}

func (c *Connection) protocolError(format string, args ...any) error {
	return errs.New(errs.KindProtocolSequencing, "connection", fmt.Errorf(format, args...))
}

// Run drives the connection's single cooperative loop: service queued
// sends, flush channel progress, consult the handler, rekey if due,
// then block (bounded by PollInterval or an outstanding wake) for the
// next inbound message. It returns the terminal error, which is also
// observable afterward via Err.
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return c.shutdown(ctx.Err())
		default:
		}

		if err := c.drainCmds(); err != nil {
			return c.shutdown(err)
		}
		if err := c.pumpChannels(); err != nil {
			return c.shutdown(err)
		}
		if err := c.handler.Poll(ctx); err != nil {
			return c.shutdown(err)
		}
		if c.tr.NeedsRekey(time.Now()) {
			if err := c.tr.StartKex(); err != nil {
				return c.shutdown(err)
			}
		}

		if err := c.tr.SetReadDeadline(c.nextPollDeadline()); err != nil {
			return c.shutdown(errs.New(errs.KindIO, "connection", err))
		}
		payload, err := c.tr.Poll(ctx)
		if err != nil {
			return c.shutdown(err)
		}
		if payload == nil {
			continue
		}
		if err := c.dispatch(ctx, payload); err != nil {
			c.tr.Consume()
			return c.shutdown(err)
		}
		c.tr.Consume()
	}
}

func (c *Connection) shutdown(cause error) error {
	c.closeOnce.Do(func() {
		c.termMu.Lock()
		c.termErr = cause
		c.termMu.Unlock()

		desc := "connection closing"
		kind := ""
		if cause != nil {
			desc = cause.Error()
			var sshErr *errs.Error
			if errors.As(cause, &sshErr) {
				kind = sshErr.Kind.String()
			} else {
				kind = errs.KindIO.String()
			}
		}
		c.cfg.Metrics.RecordConnectionClosed(kind)
		if err := c.tr.DisconnectByApplication(desc); err != nil {
			c.log.Debug("disconnect send failed during shutdown", logging.KeyError, err)
		}

		for _, ch := range c.table.All() {
			_ = ch.BeginClose()
			for _, rc := range ch.DropPending() {
				close(rc)
			}
		}

		c.openMu.Lock()
		c.pendingOpens = nil
		c.pendingOpenType = nil
		c.openMu.Unlock()

		c.globalMu.Lock()
		pending := c.globalReplies
		c.globalReplies = nil
		c.globalMu.Unlock()
		for _, ch := range pending {
			close(ch)
		}

		if c.handler != nil {
			c.handler.OnError(cause)
		}

		close(c.done)
		if err := c.tr.Close(); err != nil {
			c.log.Debug("transport close failed during shutdown", logging.KeyError, err)
		}
	})
	if cause == nil {
		return c.Err()
	}
	return cause
}

// --- Dispatch ---

func (c *Connection) dispatch(ctx context.Context, payload []byte) error {
	m, err := msg.Decode(payload)
	if err != nil {
		// Unrecognized payload: the transport layer already answers
		// recognized-but-unhandled transport messages; anything else
		// reaching here is simply ignored per RFC 4253 §11.4.
		return nil
	}
	switch v := m.(type) {
	case msg.GlobalRequest:
		return c.dispatchGlobalRequest(v)
	case msg.RequestSuccess:
		return c.resolveGlobalReply(true, v.Data)
	case msg.RequestFailure:
		return c.resolveGlobalReply(false, nil)
	case msg.ChannelOpen:
		return c.dispatchChannelOpen(v)
	case msg.ChannelOpenConfirmation:
		return c.resolveOutboundOpen(v.RecipientChannel, v.SenderChannel, v.InitialWindowSize, v.MaxPacketSize, nil)
	case msg.ChannelOpenFailure:
		cause := errs.New(errs.KindResource, "channel open",
			fmt.Errorf("peer rejected (reason %d): %s", v.ReasonCode, v.Description))
		return c.resolveOutboundOpen(v.RecipientChannel, 0, 0, 0, cause)
	case msg.ChannelWindowAdjust:
		ch := c.table.Get(v.RecipientChannel)
		if ch == nil {
			return c.protocolError("window adjust: unknown channel %d", v.RecipientChannel)
		}
		ch.ApplyWindowAdjust(v.BytesToAdd)
		return nil
	case msg.ChannelData:
		return c.dispatchChannelData(v)
	case msg.ChannelExtendedData:
		return c.dispatchChannelExtendedData(v)
	case msg.ChannelEOF:
		ch := c.table.Get(v.RecipientChannel)
		if ch == nil {
			return c.protocolError("eof: unknown channel %d", v.RecipientChannel)
		}
		ch.MarkEOFReceived()
		return nil
	case msg.ChannelClose:
		return c.dispatchChannelClose(v)
	case msg.ChannelRequest:
		return c.dispatchChannelRequest(v)
	case msg.ChannelSuccess:
		return c.resolveChannelReply(v.RecipientChannel, true, nil)
	case msg.ChannelFailure:
		return c.resolveChannelReply(v.RecipientChannel, false, nil)
	}
	return nil
}

// --- Global requests ---

func (c *Connection) dispatchGlobalRequest(v msg.GlobalRequest) error {
	if !v.WantReply {
		c.handler.OnGlobalRequest(GlobalRequest{Name: v.Name, Data: v.Data})
		return nil
	}
	if v.Name == keepaliveRequestName {
		c.cfg.Metrics.RecordKeepaliveReceived()
		req := &pendingGlobalReply{decided: true, success: false}
		c.inboundGlobalMu.Lock()
		c.inboundGlobal = append(c.inboundGlobal, req)
		c.inboundGlobalMu.Unlock()
		c.enqueueSend(c.drainGlobalReplies)
		return nil
	}

	req := &pendingGlobalReply{}
	c.inboundGlobalMu.Lock()
	c.inboundGlobal = append(c.inboundGlobal, req)
	c.inboundGlobalMu.Unlock()

	reply := func(success bool, data []byte) {
		c.inboundGlobalMu.Lock()
		req.decided = true
		req.success = success
		req.data = data
		c.inboundGlobalMu.Unlock()
		c.enqueueSend(c.drainGlobalReplies)
	}
	c.handler.OnGlobalRequestWantReply(GlobalRequestWantReply{Name: v.Name, Data: v.Data, reply: reply})
	return nil
}

// drainGlobalReplies pops and sends every leading decided inbound
// global request's reply, in the order the requests arrived.
func (c *Connection) drainGlobalReplies() error {
	c.inboundGlobalMu.Lock()
	var ready []*pendingGlobalReply
	for len(c.inboundGlobal) > 0 && c.inboundGlobal[0].decided {
		ready = append(ready, c.inboundGlobal[0])
		c.inboundGlobal = c.inboundGlobal[1:]
	}
	c.inboundGlobalMu.Unlock()
	for _, r := range ready {
		var m msg.Message
		if r.success {
			m = msg.RequestSuccess{Data: r.data}
		} else {
			m = msg.RequestFailure{}
		}
		if err := c.sendMsg(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) resolveGlobalReply(success bool, data []byte) error {
	c.globalMu.Lock()
	if len(c.globalReplies) == 0 {
		c.globalMu.Unlock()
		return c.protocolError("global request reply with nothing pending")
	}
	ch := c.globalReplies[0]
	c.globalReplies = c.globalReplies[1:]
	c.globalMu.Unlock()
	ch <- GlobalReplyResult{Success: success, Data: data}
	close(ch)
	return nil
}

// SendGlobalRequest sends MSG_GLOBAL_REQUEST. If wantReply, the
// returned channel receives the eventual reply in FIFO order with
// respect to this connection's other outstanding global requests, or
// is closed without a value if the connection terminates first.
func (c *Connection) SendGlobalRequest(name string, wantReply bool, data []byte) <-chan GlobalReplyResult {
	var replyCh chan GlobalReplyResult
	if wantReply {
		replyCh = make(chan GlobalReplyResult, 1)
		c.globalMu.Lock()
		c.globalReplies = append(c.globalReplies, replyCh)
		c.globalMu.Unlock()
	}
	c.enqueueSend(func() error {
		return c.sendMsg(msg.GlobalRequest{Name: name, WantReply: wantReply, Data: data})
	})
	return replyCh
}

// CheckWithKeepalive proves liveness by sending a
// keepalive@openssh.com global request and waiting for any reply;
// per spec.md §9 (open question iii), a peer may legitimately answer
// with REQUEST_FAILURE, which still counts as proof of life.
func (c *Connection) CheckWithKeepalive(ctx context.Context) error {
	c.cfg.Metrics.RecordKeepaliveSent()
	replyCh := c.SendGlobalRequest(keepaliveRequestName, true, nil)
	select {
	case _, ok := <-replyCh:
		if !ok {
			return errs.New(errs.KindDropped, "keepalive", ErrConnectionClosed)
		}
		return nil
	case <-c.done:
		return errs.New(errs.KindDropped, "keepalive", ErrConnectionClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Channel open ---

func channelKindForType(t string) (channel.Kind, bool) {
	switch t {
	case "session":
		return channel.KindSession, true
	case "direct-tcpip":
		return channel.KindDirectTCPIP, true
	default:
		return 0, false
	}
}

func decodeDirectTCPIPOpenData(data []byte) (dstHost string, dstPort uint32, srcHost string, srcPort uint32, err error) {
	r := wire.NewReader(data)
	if dstHost, err = r.String(); err != nil {
		return
	}
	if dstPort, err = r.U32(); err != nil {
		return
	}
	if srcHost, err = r.String(); err != nil {
		return
	}
	srcPort, err = r.U32()
	return
}

func (c *Connection) dispatchChannelOpen(v msg.ChannelOpen) error {
	kind, ok := channelKindForType(v.ChannelType)
	if !ok {
		senderChannel := v.SenderChannel
		c.enqueueSend(func() error {
			return c.sendMsg(msg.ChannelOpenFailure{
				RecipientChannel: senderChannel,
				ReasonCode:       msg.OpenUnknownChannelType,
				Description:      "unsupported channel type: " + v.ChannelType,
			})
		})
		return nil
	}

	inner, err := c.table.Alloc(kind, c.cfg.channelConfig())
	if err != nil {
		c.cfg.Metrics.RecordChannelOpenFailed("resource-shortage")
		c.log.Debug("channel open rejected: table full", logging.KeyMsgType, v.ChannelType)
		senderChannel := v.SenderChannel
		c.enqueueSend(func() error {
			return c.sendMsg(msg.ChannelOpenFailure{
				RecipientChannel: senderChannel,
				ReasonCode:       msg.OpenResourceShortage,
				Description:      "channel table full",
			})
		})
		return nil
	}

	localID := inner.LocalID()
	senderChannel := v.SenderChannel
	initialWindow := v.InitialWindowSize
	maxPacket := v.MaxPacketSize
	channelType := v.ChannelType

	accept := func() (*Channel, error) {
		inner.ConfirmInbound(senderChannel, initialWindow, maxPacket)
		h := newChannelHandle(inner, c)
		c.cfg.Metrics.RecordChannelOpened(channelType, "inbound")
		c.enqueueSend(func() error {
			c.handles[localID] = h
			return c.sendMsg(msg.ChannelOpenConfirmation{
				RecipientChannel:  senderChannel,
				SenderChannel:     localID,
				InitialWindowSize: c.cfg.MaxBufferSize,
				MaxPacketSize:     c.cfg.MaxPacketSize,
			})
		})
		return h, nil
	}
	reject := func(reasonCode uint32, description string) {
		c.cfg.Metrics.RecordChannelOpenFailed("local-reject")
		c.enqueueSend(func() error {
			c.table.Free(localID)
			return c.sendMsg(msg.ChannelOpenFailure{
				RecipientChannel: senderChannel,
				ReasonCode:       reasonCode,
				Description:      description,
			})
		})
	}

	switch kind {
	case channel.KindDirectTCPIP:
		dstHost, dstPort, srcHost, srcPort, derr := decodeDirectTCPIPOpenData(v.Data)
		if derr != nil {
			reject(msg.OpenConnectFailed, "malformed direct-tcpip open data")
			return nil
		}
		c.log.Debug("direct-tcpip channel open requested",
			logging.KeyChannelID, localID, logging.KeyPeer, srcHost)
		c.handler.OnDirectTCPIPRequest(DirectTCPIPRequest{
			DstHost: dstHost, DstPort: dstPort,
			SrcHost: srcHost, SrcPort: srcPort,
			accept: accept, reject: reject,
		})
	case channel.KindSession:
		c.handler.OnSessionRequest(SessionRequest{accept: accept, reject: reject})
	}
	return nil
}

func (c *Connection) resolveOutboundOpen(localID, remoteID, remoteWindow, remoteMaxPacket uint32, failErr error) error {
	c.openMu.Lock()
	var replyCh chan pendingOpen
	var channelType string
	if c.pendingOpens != nil {
		replyCh = c.pendingOpens[localID]
		delete(c.pendingOpens, localID)
		channelType = c.pendingOpenType[localID]
		delete(c.pendingOpenType, localID)
	}
	c.openMu.Unlock()
	if replyCh == nil {
		return c.protocolError("open reply for unknown pending channel %d", localID)
	}
	if failErr != nil {
		c.cfg.Metrics.RecordChannelOpenFailed("remote-reject")
		c.table.Free(localID)
		replyCh <- pendingOpen{err: failErr}
		close(replyCh)
		return nil
	}
	inner := c.table.Get(localID)
	if inner == nil {
		return c.protocolError("open confirmation for freed channel %d", localID)
	}
	inner.ConfirmOutbound(remoteID, remoteWindow, remoteMaxPacket)
	h := newChannelHandle(inner, c)
	c.handles[localID] = h
	c.cfg.Metrics.RecordChannelOpened(channelType, "outbound")
	replyCh <- pendingOpen{ch: h}
	close(replyCh)
	return nil
}

// Open sends MSG_CHANNEL_OPEN and blocks until the peer's confirmation
// or failure arrives, the context is cancelled, or the connection
// terminates first.
func (c *Connection) Open(ctx context.Context, channelType string, typeData []byte, kind channel.Kind) (*Channel, error) {
	inner, err := c.table.Alloc(kind, c.cfg.channelConfig())
	if err != nil {
		c.cfg.Metrics.RecordChannelOpenFailed("resource-shortage")
		return nil, errs.New(errs.KindResource, "channel open", err)
	}
	localID := inner.LocalID()

	replyCh := make(chan pendingOpen, 1)
	c.openMu.Lock()
	c.pendingOpens[localID] = replyCh
	c.pendingOpenType[localID] = channelType
	c.openMu.Unlock()

	c.enqueueSend(func() error {
		return c.sendMsg(msg.ChannelOpen{
			ChannelType:       channelType,
			SenderChannel:     localID,
			InitialWindowSize: c.cfg.MaxBufferSize,
			MaxPacketSize:     c.cfg.MaxPacketSize,
			Data:              typeData,
		})
	})

	select {
	case res := <-replyCh:
		return res.ch, res.err
	case <-c.done:
		return nil, errs.New(errs.KindDropped, "channel open", ErrConnectionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenSession opens a "session" channel.
func (c *Connection) OpenSession(ctx context.Context) (*Channel, error) {
	return c.Open(ctx, "session", nil, channel.KindSession)
}

// OpenDirectTCPIP opens a "direct-tcpip" forwarding channel toward
// dstHost:dstPort, reporting srcHost:srcPort as this side's origin.
func (c *Connection) OpenDirectTCPIP(ctx context.Context, dstHost string, dstPort uint32, srcHost string, srcPort uint32) (*Channel, error) {
	w := wire.NewWriter(0)
	w.PutString(dstHost).PutU32(dstPort).PutString(srcHost).PutU32(srcPort)
	return c.Open(ctx, "direct-tcpip", w.Bytes(), channel.KindDirectTCPIP)
}

// --- Channel data / EOF / close ---

func (c *Connection) dispatchChannelData(v msg.ChannelData) error {
	ch := c.table.Get(v.RecipientChannel)
	if ch == nil {
		return c.protocolError("data: unknown channel %d", v.RecipientChannel)
	}
	add, err := ch.ReceiveData(v.Data)
	if err != nil {
		return errs.New(errs.KindProtocolSequencing, "channel data", err)
	}
	c.cfg.Metrics.RecordBytesRx("data", len(v.Data))
	if add > 0 {
		remoteID := ch.RemoteID()
		c.enqueueSend(func() error {
			return c.sendMsg(msg.ChannelWindowAdjust{RecipientChannel: remoteID, BytesToAdd: add})
		})
	}
	return nil
}

func (c *Connection) dispatchChannelExtendedData(v msg.ChannelExtendedData) error {
	ch := c.table.Get(v.RecipientChannel)
	if ch == nil {
		return c.protocolError("extended data: unknown channel %d", v.RecipientChannel)
	}
	if ch.Kind() != channel.KindSession {
		return c.protocolError("extended data on non-session channel %d", v.RecipientChannel)
	}
	if v.DataTypeCode != msg.ExtendedDataStderr {
		return nil
	}
	add, err := ch.ReceiveExtendedData(v.Data)
	if err != nil {
		return errs.New(errs.KindProtocolSequencing, "channel extended data", err)
	}
	c.cfg.Metrics.RecordBytesRx("extended-data", len(v.Data))
	if add > 0 {
		remoteID := ch.RemoteID()
		c.enqueueSend(func() error {
			return c.sendMsg(msg.ChannelWindowAdjust{RecipientChannel: remoteID, BytesToAdd: add})
		})
	}
	return nil
}

func (c *Connection) dispatchChannelClose(v msg.ChannelClose) error {
	ch := c.table.Get(v.RecipientChannel)
	if ch == nil {
		return c.protocolError("close: unknown channel %d", v.RecipientChannel)
	}
	if err := ch.ReceiveClose(); err != nil {
		return errs.New(errs.KindProtocolSequencing, "channel close", err)
	}
	// Echo the close if this side has not already initiated one.
	_ = ch.BeginClose()
	return nil
}

// --- Channel requests ---

func (c *Connection) dispatchChannelRequest(v msg.ChannelRequest) error {
	ch := c.table.Get(v.RecipientChannel)
	if ch == nil {
		return c.protocolError("request: unknown channel %d", v.RecipientChannel)
	}
	handle := c.handles[v.RecipientChannel]
	if handle == nil {
		return c.protocolError("request: no handle registered for channel %d", v.RecipientChannel)
	}
	ev := ChannelRequestEvent{Name: v.RequestType, Data: v.Data, WantReply: v.WantReply}
	if v.WantReply {
		req := ch.EnqueueInboundRequest(v.RequestType, v.Data)
		ev.Reply = func(success bool) {
			ch.AnswerInboundRequest(req, success)
			c.enqueueSend(func() error { return c.drainChannelReplies(ch) })
		}
	}
	handle.deliverRequest(ev)
	return nil
}

func (c *Connection) drainChannelReplies(ch *channel.Channel) error {
	for _, success := range ch.DrainReadyReplies() {
		var m msg.Message
		if success {
			m = msg.ChannelSuccess{RecipientChannel: ch.RemoteID()}
		} else {
			m = msg.ChannelFailure{RecipientChannel: ch.RemoteID()}
		}
		if err := c.sendMsg(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) resolveChannelReply(localID uint32, success bool, data []byte) error {
	ch := c.table.Get(localID)
	if ch == nil {
		return c.protocolError("channel reply for unknown channel %d", localID)
	}
	if err := ch.ResolveOutboundReply(success, data); err != nil {
		return errs.New(errs.KindProtocolSequencing, "channel reply", err)
	}
	return nil
}

// queueChannelRequest sends MSG_CHANNEL_REQUEST for a channel a Channel
// handle owns; called from handle.go's SendRequest.
func (c *Connection) queueChannelRequest(localID uint32, name string, wantReply bool, data []byte) {
	c.enqueueSend(func() error {
		ch := c.table.Get(localID)
		if ch == nil {
			return nil
		}
		return c.sendMsg(msg.ChannelRequest{
			RecipientChannel: ch.RemoteID(),
			RequestType:      name,
			WantReply:        wantReply,
			Data:             data,
		})
	})
}

// --- Per-tick channel send pump ---

func (c *Connection) pumpChannels() error {
	for _, ch := range c.table.All() {
		if err := c.pumpChannel(ch); err != nil {
			return err
		}
	}
	return nil
}

// pumpChannel flushes one channel's pending DATA, then EOF, then CLOSE,
// in that wire order, each emitted at most once. The connection (not
// channel.Channel) tracks what has actually reached the wire, since the
// channel's own flags reflect local intent the instant a user calls
// Write/CloseWrite/Close, ahead of when this single-writer pump gets a
// chance to run.
func (c *Connection) pumpChannel(ch *channel.Channel) error {
	if ch.State() == channel.StateOpening {
		return nil
	}
	id := ch.LocalID()

	for {
		pending := ch.PendingSendSize()
		if pending == 0 {
			break // nothing queued, or window exhausted until WINDOW_ADJUST arrives
		}
		if c.limiter != nil && !c.limiter.AllowN(time.Now(), int(pending)) {
			// Over the configured outbound rate; leave the data queued
			// (PendingSendSize did not consume it) and retry next tick.
			break
		}
		chunk := ch.NextSendChunk()
		if len(chunk) == 0 {
			break
		}
		if err := c.sendMsg(msg.ChannelData{RecipientChannel: ch.RemoteID(), Data: chunk}); err != nil {
			return err
		}
		c.cfg.Metrics.RecordBytesTx("data", len(chunk))
	}

	if !ch.CanSendData() && !ch.HasPendingSendData() && !c.eofEmitted[id] {
		if err := c.sendMsg(msg.ChannelEOF{RecipientChannel: ch.RemoteID()}); err != nil {
			return err
		}
		c.eofEmitted[id] = true
	}

	if state := ch.State(); state == channel.StateClosing || state == channel.StateClosed {
		if !c.closeEmitted[id] {
			if err := c.sendMsg(msg.ChannelClose{RecipientChannel: ch.RemoteID()}); err != nil {
				return err
			}
			c.closeEmitted[id] = true
		}
		if ch.Closed() {
			c.table.Free(id)
			delete(c.eofEmitted, id)
			delete(c.closeEmitted, id)
			delete(c.handles, id)
			c.cfg.Metrics.RecordChannelClosed()
		}
	}
	return nil
}
