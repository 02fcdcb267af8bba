// Package transport drives the binary-packet transceiver and the key
// exchange state machine together: it owns the receive/send loop
// contract from spec.md §4.F, gates non-transport traffic while a kex
// round is critical, triggers rekeys, and performs the initial
// service-request handshake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/sshmux/internal/cipher"
	"github.com/postalsys/sshmux/internal/kex"
	"github.com/postalsys/sshmux/internal/logging"
	"github.com/postalsys/sshmux/internal/metrics"
	"github.com/postalsys/sshmux/internal/msg"
	"github.com/postalsys/sshmux/internal/transceiver"
)

// ErrServiceNotAvailable is returned when the peer requests or accepts
// a service name this side does not offer.
var ErrServiceNotAvailable = errors.New("transport: service not available")

// ErrCriticalGatingViolation is returned when the peer sends a
// non-transport payload while kex_rx_critical forbids it (spec.md §4.E,
// invariant I6).
var ErrCriticalGatingViolation = errors.New("transport: non-transport payload received during critical kex window")

// Disconnected wraps a received or locally-originated MSG_DISCONNECT,
// terminal for the whole connection.
type Disconnected struct {
	ReasonCode  uint32
	Description string
}

func (d *Disconnected) Error() string {
	return fmt.Sprintf("transport: disconnected (reason %d): %s", d.ReasonCode, d.Description)
}

// Transport couples a Transceiver to a kex Machine and runs the loop
// contract described in spec.md §4.F. Callers drive it by calling Poll
// once per iteration of their own event loop.
type Transport struct {
	tr  *transceiver.Transceiver
	kex *kex.Machine
	log *slog.Logger

	serviceName string
	serviceUp   bool

	txBytes, rxBytes uint64

	metrics    *metrics.Metrics
	kexStarted time.Time
	kexRound   int
}

// Config carries the logger and metrics sink used by a Transport; the
// rekey thresholds live in the kex Machine.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// New builds a Transport over an already-identification-exchanged
// transceiver and a kex machine that has not yet started its first
// round.
func New(tr *transceiver.Transceiver, m *kex.Machine, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{tr: tr, kex: m, log: logger, metrics: cfg.Metrics}
}

// StartKex sends the initial (or a forced re-) MSG_KEX_INIT.
func (t *Transport) StartKex() error {
	init, err := t.kex.BeginKex()
	if err != nil {
		t.metrics.RecordKexFailure("negotiation")
		return fmt.Errorf("transport: build kexinit: %w", err)
	}
	t.kexStarted = time.Now()
	t.metrics.RecordKexStart(t.kex.RekeyTriggeredByBytes(t.txBytes, t.rxBytes))
	return t.sendTransport(init)
}

func (t *Transport) sendTransport(m msg.Message) error {
	payload := m.Marshal()
	if err := t.tr.SendPayload(payload); err != nil {
		return err
	}
	t.txBytes += uint64(len(payload))
	return nil
}

// RequestService sends MSG_SERVICE_REQUEST and is answered by the next
// Poll cycle's dispatch of MSG_SERVICE_ACCEPT; callers poll until
// ServiceAccepted reports true or an error surfaces.
func (t *Transport) RequestService(name string) error {
	t.serviceName = name
	return t.sendTransport(msg.ServiceRequest{Name: name})
}

// ServiceAccepted reports whether the peer has accepted the requested
// service.
func (t *Transport) ServiceAccepted() bool { return t.serviceUp }

// AcceptService is the server-side counterpart: reply SERVICE_ACCEPT if
// name matches the one this side offers, otherwise DISCONNECT.
func (t *Transport) AcceptService(requested, offered string) error {
	if requested != offered {
		_ = t.sendTransport(msg.Disconnect{
			ReasonCode:  msg.DisconnectProtocolError,
			Description: "service not available: " + requested,
		})
		return fmt.Errorf("%w: %s", ErrServiceNotAvailable, requested)
	}
	return t.sendTransport(msg.ServiceAccept{Name: requested})
}

// NeedsRekey reports whether the configured interval or byte threshold
// has elapsed since the last completed kex round.
func (t *Transport) NeedsRekey(now time.Time) bool {
	return t.kex.NeedsRekey(now, t.txBytes, t.rxBytes)
}

// SessionID exposes the immutable session identifier once the first kex
// round has completed.
func (t *Transport) SessionID() []byte { return t.kex.SessionID() }

// SetReadDeadline forwards to the underlying transceiver so a caller
// running a single-goroutine poll loop can bound how long Poll blocks
// waiting for the next byte, to periodically interleave other pending
// work (spec.md §5).
func (t *Transport) SetReadDeadline(deadline time.Time) error {
	return t.tr.SetReadDeadline(deadline)
}

// isTimeout reports whether err is a deadline expiry on the underlying
// connection rather than a real framing or I/O failure.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Poll implements one iteration of the loop contract: drain
// transport-own messages from the receive side (stopping at the first
// non-transport payload, or when kex_rx_critical forbids further
// reads), let the kex machine progress, flush, and return the next
// application payload if one is ready.
//
// A nil, nil return means no application payload is available yet;
// callers should try again after their own suspension point (another
// socket read).
func (t *Transport) Poll(ctx context.Context) ([]byte, error) {
	for {
		payload, err := t.tr.Peek()
		if err != nil {
			if isTimeout(err) {
				return nil, nil
			}
			return nil, err
		}
		handled, terminal := t.dispatchTransportMessage(ctx, payload)
		if terminal != nil {
			t.tr.Consume()
			return nil, terminal
		}
		if !handled {
			if t.kex.RxCritical() {
				// I6: no non-transport payload may arrive while this side
				// has received MSG_KEX_INIT and not yet MSG_NEWKEYS.
				t.log.Debug("non-transport payload rejected during critical kex window",
					logging.KeyDirection, "rx", logging.KeyBytes, len(payload))
				t.tr.Consume()
				return nil, ErrCriticalGatingViolation
			}
			// Non-transport payload: leave it for the caller, who will
			// call Consume once it has copied the payload out.
			t.rxBytes += uint64(len(payload))
			return payload, nil
		}
		t.rxBytes += uint64(len(payload))
		t.tr.Consume()

		if t.kex.RxCritical() {
			// Only transport-own messages may appear while a kex round
			// is in flight in the receive direction; loop back and
			// drain another one if buffered.
			continue
		}
		return nil, nil
	}
}

// dispatchTransportMessage decodes one payload and, if it belongs to
// the transport layer, applies its effect and reports handled=true. A
// non-nil terminal error means the connection must end (DISCONNECT,
// UNIMPLEMENTED, or a kex failure).
func (t *Transport) dispatchTransportMessage(ctx context.Context, payload []byte) (handled bool, terminal error) {
	m, decodeErr := msg.Decode(payload)
	if decodeErr != nil {
		// Unparseable payloads are left for the caller; msg.Decode
		// fails on an empty buffer, an unregistered type number or a
		// truncated body, and RFC 4253 says unrecognized types should be answered with
		// UNIMPLEMENTED rather than treated as fatal framing errors.
		return false, nil
	}
	switch v := m.(type) {
	case msg.Disconnect:
		return true, &Disconnected{ReasonCode: v.ReasonCode, Description: v.Description}
	case msg.Unimplemented:
		t.log.Debug("peer reported unimplemented message", logging.KeySeq, v.SeqNum)
		return true, fmt.Errorf("transport: peer does not implement message seq %d", v.SeqNum)
	case msg.Ignore:
		return true, nil
	case msg.Debug:
		level := slog.LevelDebug
		if v.AlwaysDisplay {
			level = slog.LevelInfo
		}
		t.log.Log(ctx, level, "peer debug message", "text", v.Message)
		return true, nil
	case msg.KexInit:
		if !t.kex.HasLocalKexInit() {
			// The peer started this round unilaterally (RFC 4253 permits
			// either side to do so at any time); mirror it with our own
			// MSG_KEX_INIT before negotiating.
			init, err := t.kex.BeginKex()
			if err != nil {
				t.metrics.RecordKexFailure("negotiation")
				return true, fmt.Errorf("transport: build kexinit: %w", err)
			}
			t.kexStarted = time.Now()
			t.metrics.RecordKexStart(t.kex.RekeyTriggeredByBytes(t.txBytes, t.rxBytes))
			if sendErr := t.sendTransport(init); sendErr != nil {
				return true, sendErr
			}
		}
		if err := t.kex.ReceiveKexInit(v); err != nil {
			t.metrics.RecordKexFailure("negotiation")
			return true, fmt.Errorf("transport: kex negotiation: %w", err)
		}
		if t.kex.Role() == kex.RoleClient {
			init, err := t.kex.ClientGenerateECDHInit()
			if err != nil {
				t.metrics.RecordKexFailure("negotiation")
				return true, fmt.Errorf("transport: generate ecdh init: %w", err)
			}
			if sendErr := t.sendTransport(init); sendErr != nil {
				return true, sendErr
			}
		}
		return true, nil
	case msg.KexECDHInit:
		reply, err := t.kex.ServerProcessECDHInit(ctx, v)
		if err != nil {
			t.metrics.RecordKexFailure("signature")
			return true, fmt.Errorf("transport: kex ecdh init: %w", err)
		}
		if sendErr := t.sendTransport(reply); sendErr != nil {
			return true, sendErr
		}
		if sendErr := t.sendTransport(msg.NewKeys{}); sendErr != nil {
			return true, sendErr
		}
		t.installTxKeys()
		return true, nil
	case msg.KexECDHReply:
		if err := t.kex.ClientProcessECDHReply(ctx, v); err != nil {
			t.metrics.RecordKexFailure("hostkey")
			return true, fmt.Errorf("transport: kex ecdh reply: %w", err)
		}
		if sendErr := t.sendTransport(msg.NewKeys{}); sendErr != nil {
			return true, sendErr
		}
		t.installTxKeys()
		return true, nil
	case msg.NewKeys:
		t.installRxKeys()
		t.kex.ClearRxCritical()
		t.kex.ResetCounters(time.Now(), t.txBytes, t.rxBytes)
		if !t.kexStarted.IsZero() {
			t.kexRound++
			t.metrics.RecordKexSuccess(time.Since(t.kexStarted).Seconds())
			t.log.Debug("kex round completed",
				logging.KeyKexRound, t.kexRound,
				logging.KeyAlgorithm, t.kex.NegotiatedAlgorithms().Kex,
				logging.KeyBytes, t.txBytes+t.rxBytes,
			)
			t.kexStarted = time.Time{}
		}
		return true, nil
	case msg.ServiceAccept:
		if v.Name == t.serviceName {
			t.serviceUp = true
		}
		return true, nil
	case msg.ServiceRequest:
		// Server-role handling (AcceptService/reject) is driven by the
		// caller, which owns the set of offered services; surface it as
		// a non-transport payload so that code can see it.
		return false, nil
	}
	return false, nil
}

func (t *Transport) installTxKeys() {
	keys := t.kex.TxKeys()
	t.tr.SetTxCipher(cipher.NewChaCha20Poly1305(keys.PacketCipherKeys()))
	t.kex.ClearTxCritical()
	t.kex.ResetCounters(time.Now(), t.txBytes, t.rxBytes)
}

func (t *Transport) installRxKeys() {
	keys := t.kex.RxKeys()
	t.tr.SetRxCipher(cipher.NewChaCha20Poly1305(keys.PacketCipherKeys()))
}

// Consume acknowledges the application payload last returned by Poll.
func (t *Transport) Consume() { t.tr.Consume() }

// Send transmits a non-transport payload, refusing while tx_critical
// forbids it.
func (t *Transport) Send(payload []byte) error {
	if t.kex.TxCritical() {
		return errors.New("transport: cannot send application payload while kex is critical")
	}
	return t.sendTransport(rawPayload(payload))
}

type rawPayload []byte

func (rawPayload) Type() msg.Type    { return 0 }
func (p rawPayload) Marshal() []byte { return []byte(p) }

// DisconnectByApplication sends a best-effort MSG_DISCONNECT with the
// given description and the BY_APPLICATION reason code.
func (t *Transport) DisconnectByApplication(description string) error {
	return t.sendTransport(msg.Disconnect{
		ReasonCode:  msg.DisconnectByApplication,
		Description: description,
	})
}

// Close releases the underlying transceiver's connection.
func (t *Transport) Close() error { return t.tr.Close() }
