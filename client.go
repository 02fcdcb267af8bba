package sshmux

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/sshmux/internal/config"
	"github.com/postalsys/sshmux/internal/connection"
	"github.com/postalsys/sshmux/internal/kex"
	"github.com/postalsys/sshmux/internal/logging"
	"github.com/postalsys/sshmux/internal/metrics"
	"github.com/postalsys/sshmux/internal/transceiver"
	"github.com/postalsys/sshmux/internal/transport"
)

// serviceName is the only SSH service this engine requests or offers;
// spec.md scopes out user authentication, so the multiplexing layer
// starts the instant the service request is accepted.
const serviceName = "ssh-connection"

// HostVerifier is consulted by Dial before it accepts a server's
// offered host identity during key exchange.
type HostVerifier = connection.HostVerifier

// ClientConfig bounds a Dial call: the configuration surface from
// internal/config, the host verifier, the handler that receives
// server-initiated events, and an optional metrics sink.
type ClientConfig struct {
	Config   *config.Config
	Verifier HostVerifier
	Handler  connection.ConnectionHandler
	Metrics  *metrics.Metrics
}

// Client is an established sshmux connection in the client role. It
// embeds *connection.Connection so callers use OpenSession,
// OpenDirectTCPIP, SendGlobalRequest, and Close directly.
type Client struct {
	*connection.Connection
}

// Dial connects to addr, exchanges identification banners, completes
// the initial key exchange, requests the ssh-connection service, and
// starts the connection's poll loop in a background goroutine. It
// returns once the service request has been accepted.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewError(KindIO, "dial", err)
	}

	c, err := newClient(ctx, conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// newClient drives the handshake over an already-connected net.Conn,
// letting tests substitute an in-memory pipe for addr's TCP dial.
func newClient(ctx context.Context, conn net.Conn, addr string, cfg ClientConfig) (*Client, error) {
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	host, port := splitHostPort(addr)

	tr := transceiver.New(conn, transceiverConfig(cfg.Config))
	if err := tr.WriteIdentification(cfg.Config.Identification); err != nil {
		return nil, NewError(KindIO, "client identification", err)
	}
	peerBanner, err := tr.ReadIdentification(false)
	if err != nil {
		return nil, NewError(KindNegotiation, "client identification", err)
	}

	machine := kex.NewClientMachine([]byte(cfg.Config.Identification), host, port, cfg.Verifier,
		cfg.Config.Rekey.Interval, uint64(cfg.Config.Rekey.Bytes))
	machine.SetPeerBanner([]byte(peerBanner))

	logger := logging.NewLogger(cfg.Config.LogLevel, cfg.Config.LogFormat)
	tp := transport.New(tr, machine, transport.Config{Logger: logger, Metrics: cfg.Metrics})

	if err := tp.StartKex(); err != nil {
		return nil, NewError(KindNegotiation, "client kex", err)
	}
	if err := driveUntilServiceAccepted(ctx, tp, serviceName); err != nil {
		return nil, err
	}

	handler := cfg.Handler
	if handler == nil {
		handler = noopHandler{}
	}
	c := connection.New(tp, handler, connectionConfig(cfg.Config, logger, cfg.Metrics))
	go c.Run(ctx)

	return &Client{Connection: c}, nil
}

// driveUntilServiceAccepted polls tp until the initial key exchange has
// assigned a session ID, then requests name and polls, answering
// nothing itself, until the service is confirmed or the transport fails.
func driveUntilServiceAccepted(ctx context.Context, tp *transport.Transport, name string) error {
	for len(tp.SessionID()) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := tp.Poll(ctx); err != nil {
			return NewError(KindNegotiation, "client kex", err)
		}
		tp.Consume()
	}
	if err := tp.RequestService(name); err != nil {
		return NewError(KindNegotiation, "client service request", err)
	}
	for !tp.ServiceAccepted() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := tp.Poll(ctx); err != nil {
			return NewError(KindNegotiation, "client service request", err)
		}
		tp.Consume()
	}
	return nil
}

func transceiverConfig(cfg *config.Config) transceiver.Config {
	return transceiver.Config{
		RxBufferMin: int(cfg.Buffers.RxMin),
		RxBufferMax: int(cfg.Buffers.RxMax),
		TxBufferMin: int(cfg.Buffers.TxMin),
		TxBufferMax: int(cfg.Buffers.TxMax),
	}
}

func connectionConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) connection.Config {
	return connection.Config{
		MaxChannels:            cfg.Channels.MaxCount,
		MaxBufferSize:          uint32(cfg.Channels.MaxBufferSize),
		MaxPacketSize:          uint32(cfg.Channels.MaxPacketSize),
		OutboundBytesPerSecond: int(cfg.Channels.OutboundBytesPerSecond),
		Logger:                 logger,
		Metrics:                m,
	}
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// noopHandler is used when a caller dials without a handler, for
// purely outbound-driven use (opening channels, never accepting any).
type noopHandler struct{}

func (noopHandler) Poll(ctx context.Context) error                            { return nil }
func (noopHandler) OnGlobalRequest(connection.GlobalRequest)                  {}
func (noopHandler) OnGlobalRequestWantReply(r connection.GlobalRequestWantReply) { r.Reject() }
func (noopHandler) OnDirectTCPIPRequest(r connection.DirectTCPIPRequest) {
	r.Reject(0, "no handler configured")
}
func (noopHandler) OnSessionRequest(r connection.SessionRequest) {
	r.Reject(0, "no handler configured")
}
func (noopHandler) OnError(error) {}
