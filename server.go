package sshmux

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"

	"github.com/postalsys/sshmux/internal/config"
	"github.com/postalsys/sshmux/internal/connection"
	"github.com/postalsys/sshmux/internal/identity"
	"github.com/postalsys/sshmux/internal/kex"
	"github.com/postalsys/sshmux/internal/logging"
	"github.com/postalsys/sshmux/internal/metrics"
	"github.com/postalsys/sshmux/internal/msg"
	"github.com/postalsys/sshmux/internal/transceiver"
	"github.com/postalsys/sshmux/internal/transport"
)

// HostSigner signs the exchange hash on a server's behalf during key
// exchange; LocalHostSigner wraps a plain in-memory Ed25519 key, the
// only form internal/identity.LoadOrCreateHostKey produces.
type HostSigner = kex.AuthAgent

// LocalHostSigner is a HostSigner backed by an in-process Ed25519
// private key, persisted via internal/identity.LoadOrCreateHostKey.
type LocalHostSigner struct {
	Identity *identity.Ed25519Identity
	Priv     ed25519.PrivateKey
}

// NewLocalHostSigner wraps a freshly generated or loaded Ed25519 host
// key pair.
func NewLocalHostSigner(priv ed25519.PrivateKey) *LocalHostSigner {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		panic("sshmux: ed25519 private key has unexpected public key type")
	}
	return &LocalHostSigner{
		Identity: &identity.Ed25519Identity{Key: pub},
		Priv:     priv,
	}
}

// Sign implements kex.AuthAgent.
func (s *LocalHostSigner) Sign(ctx context.Context, id identity.Identity, data []byte, flags uint32) (identity.Signature, error) {
	return identity.Signature{Algorithm: identity.AlgEd25519, Blob: ed25519.Sign(s.Priv, data)}, nil
}

// ServerConfig bounds a Server: the configuration surface, the host
// key signer presented during key exchange, the handler invoked for
// every inbound connection's events, and optional metrics.
type ServerConfig struct {
	Config  *config.Config
	Signer  *LocalHostSigner
	Handler func(remoteAddr net.Addr) connection.ConnectionHandler
	Metrics *metrics.Metrics
}

// Server accepts inbound sshmux connections on a net.Listener and
// drives each one's full handshake and poll loop in its own goroutine.
type Server struct {
	ln  net.Listener
	cfg ServerConfig
}

// Serve starts accepting connections on ln. It blocks until ln.Accept
// returns any error (typically because ln was closed) or ctx is
// cancelled.
func Serve(ctx context.Context, ln net.Listener, cfg ServerConfig) error {
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if cfg.Signer == nil {
		return NewError(KindResource, "serve", fmt.Errorf("server config requires a host signer"))
	}
	s := &Server{ln: ln, cfg: cfg}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return NewError(KindIO, "accept", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	c, err := s.accept(ctx, conn)
	if err != nil {
		conn.Close()
		return
	}
	c.Run(ctx)
}

// accept drives one inbound connection's handshake: identification
// exchange, initial key exchange, and service-request acceptance.
func (s *Server) accept(ctx context.Context, conn net.Conn) (*connection.Connection, error) {
	cfg := s.cfg
	tr := transceiver.New(conn, transceiverConfig(cfg.Config))
	if err := tr.WriteIdentification(cfg.Config.Identification); err != nil {
		return nil, NewError(KindIO, "server identification", err)
	}
	peerBanner, err := tr.ReadIdentification(true)
	if err != nil {
		return nil, NewError(KindNegotiation, "server identification", err)
	}

	machine := kex.NewServerMachine([]byte(cfg.Config.Identification), cfg.Signer.Identity, cfg.Signer,
		cfg.Config.Rekey.Interval, uint64(cfg.Config.Rekey.Bytes))
	machine.SetPeerBanner([]byte(peerBanner))

	logger := logging.NewLogger(cfg.Config.LogLevel, cfg.Config.LogFormat)
	tp := transport.New(tr, machine, transport.Config{Logger: logger, Metrics: cfg.Metrics})

	if err := driveServerHandshake(ctx, tp, serviceName); err != nil {
		return nil, err
	}

	var handler connection.ConnectionHandler
	if cfg.Handler != nil {
		handler = cfg.Handler(conn.RemoteAddr())
	} else {
		handler = noopHandler{}
	}
	return connection.New(tp, handler, connectionConfig(cfg.Config, logger, cfg.Metrics)), nil
}

// driveServerHandshake polls tp until the peer's initial MSG_KEX_INIT
// has triggered a completed kex round and a matching MSG_SERVICE_REQUEST
// has been accepted.
func driveServerHandshake(ctx context.Context, tp *transport.Transport, offered string) error {
	if err := tp.StartKex(); err != nil {
		return NewError(KindNegotiation, "server kex", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		payload, err := tp.Poll(ctx)
		if err != nil {
			return NewError(KindNegotiation, "server handshake", err)
		}
		if payload == nil {
			continue
		}
		decoded, decodeErr := msg.Decode(payload)
		tp.Consume()
		if decodeErr != nil {
			continue
		}
		req, ok := decoded.(msg.ServiceRequest)
		if !ok {
			continue
		}
		return tp.AcceptService(req.Name, offered)
	}
}
