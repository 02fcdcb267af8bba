package kex

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/postalsys/sshmux/internal/identity"
	"github.com/postalsys/sshmux/internal/msg"
)

// Role distinguishes the client and server sides of a key exchange;
// each drives a different half of the ECDH round and signs (server) or
// verifies (client) the host identity.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ErrHostKeyNotVerifiable is returned when the configured HostVerifier
// rejects the peer's offered identity.
var ErrHostKeyNotVerifiable = errors.New("kex: host key not verifiable")

// ErrExchangeHashMismatch indicates the peer's signature does not cover
// the locally computed exchange hash — a corrupted or spoofed reply.
var ErrExchangeHashMismatch = errors.New("kex: exchange hash signature invalid")

// Machine is one side's key exchange state machine, reused across the
// initial kex and every subsequent rekey. Besides its configuration and
// the banners, only the session ID survives a rekey; per-round state is
// overwritten as each round runs, and finishKex clears the recorded
// MSG_KEX_INIT payloads.
type Machine struct {
	role Role

	localBanner []byte
	peerBanner  []byte

	hostIdentity identity.Identity // server only
	hostVerifier HostVerifier      // client only
	authAgent    AuthAgent         // server only
	hostname     string            // client only, passed to HostVerifier
	port         uint16

	rekeyInterval time.Duration
	rekeyBytes    uint64

	localKexInit []byte
	peerKexInit  []byte
	negotiated   Negotiated

	ephemeral EphemeralKeypair

	sessionID    []byte
	sharedSecret *big.Int
	exchangeHash [32]byte

	keysC DirectionKeys // client -> server
	keysD DirectionKeys // server -> client

	txCritical bool
	rxCritical bool

	lastKexAt    time.Time
	txBytesAtKex uint64
	rxBytesAtKex uint64
}

// NewClientMachine constructs the client-side kex state machine.
func NewClientMachine(banner []byte, hostname string, port uint16, verifier HostVerifier, rekeyInterval time.Duration, rekeyBytes uint64) *Machine {
	return &Machine{
		role:          RoleClient,
		localBanner:   banner,
		hostVerifier:  verifier,
		hostname:      hostname,
		port:          port,
		rekeyInterval: rekeyInterval,
		rekeyBytes:    rekeyBytes,
		lastKexAt:     time.Now(),
	}
}

// NewServerMachine constructs the server-side kex state machine.
func NewServerMachine(banner []byte, hostIdentity identity.Identity, agent AuthAgent, rekeyInterval time.Duration, rekeyBytes uint64) *Machine {
	return &Machine{
		role:          RoleServer,
		localBanner:   banner,
		hostIdentity:  hostIdentity,
		authAgent:     agent,
		rekeyInterval: rekeyInterval,
		rekeyBytes:    rekeyBytes,
		lastKexAt:     time.Now(),
	}
}

// SetPeerBanner records the peer's identification banner, needed as an
// exchange-hash input; it does not change across rekeys.
func (m *Machine) SetPeerBanner(b []byte) { m.peerBanner = b }

// Role reports whether this machine drives the client or server half of
// the exchange.
func (m *Machine) Role() Role { return m.role }

// SessionID returns the immutable session identifier, empty before the
// first kex completes.
func (m *Machine) SessionID() []byte { return m.sessionID }

// NegotiatedAlgorithms returns the algorithm set agreed on during the
// most recently completed negotiation, for diagnostic logging.
func (m *Machine) NegotiatedAlgorithms() Negotiated { return m.negotiated }

// TxCritical reports whether non-transport traffic must currently be
// suppressed in the send direction.
func (m *Machine) TxCritical() bool { return m.txCritical }

// RxCritical reports whether non-transport traffic must currently be
// suppressed in the receive direction.
func (m *Machine) RxCritical() bool { return m.rxCritical }

// ClearTxCritical is called once this side has sent MSG_NEWKEYS.
func (m *Machine) ClearTxCritical() { m.txCritical = false }

// ClearRxCritical is called once this side has received MSG_NEWKEYS.
func (m *Machine) ClearRxCritical() { m.rxCritical = false }

// HasLocalKexInit reports whether this side has already sent its own
// MSG_KEX_INIT for the round currently in progress. A peer that observes
// an unsolicited MSG_KEX_INIT (RFC 4253 allows either side to start a
// round at any time) uses this to decide whether it still needs to call
// BeginKex before negotiating.
func (m *Machine) HasLocalKexInit() bool { return m.localKexInit != nil }

// BeginKex starts a new round (initial or rekey): generates a fresh
// MSG_KEX_INIT and marks the send direction critical. It does not touch
// peerKexInit: a peer's MSG_KEX_INIT may already have been recorded by
// ReceiveKexInit before the local side decided to start its own round,
// and discarding it here would corrupt the exchange hash.
func (m *Machine) BeginKex() (msg.KexInit, error) {
	init, err := BuildKexInit()
	if err != nil {
		return msg.KexInit{}, err
	}
	m.localKexInit = init.Marshal()
	m.txCritical = true
	return init, nil
}

// ReceiveKexInit records the peer's MSG_KEX_INIT, marks the receive
// direction critical, and negotiates algorithms once both sides' lists
// are known. The caller is responsible for calling BeginKex first when
// HasLocalKexInit is false, so that an unsolicited peer-initiated round
// gets a matching local MSG_KEX_INIT sent back.
func (m *Machine) ReceiveKexInit(peer msg.KexInit) error {
	m.peerKexInit = peer.Marshal()
	m.rxCritical = true
	if m.localKexInit == nil {
		return nil
	}
	return m.negotiate(peer)
}

func (m *Machine) negotiate(peer msg.KexInit) error {
	local, err := BuildKexInitAlgorithms()
	if err != nil {
		return err
	}
	peerAlgos := ToNegotiationAlgorithms(peer)

	var client, server Algorithms
	if m.role == RoleClient {
		client, server = local, peerAlgos
	} else {
		client, server = peerAlgos, local
	}
	n, err := Negotiate(client, server)
	if err != nil {
		return err
	}
	m.negotiated = n
	return nil
}

// BuildKexInitAlgorithms returns the algorithm lists this engine offers,
// without the cookie — used both to build the outbound MSG_KEX_INIT and
// to negotiate against a peer's lists.
func BuildKexInitAlgorithms() (Algorithms, error) {
	init, err := BuildKexInit()
	if err != nil {
		return Algorithms{}, err
	}
	return ToNegotiationAlgorithms(init), nil
}

// ClientGenerateECDHInit generates the client's ephemeral keypair and
// the MSG_KEX_ECDH_INIT to send. Must be called after negotiation (both
// kex-inits exchanged).
func (m *Machine) ClientGenerateECDHInit() (msg.KexECDHInit, error) {
	if m.role != RoleClient {
		return msg.KexECDHInit{}, errors.New("kex: ClientGenerateECDHInit called on server machine")
	}
	kp, err := GenerateEphemeral()
	if err != nil {
		return msg.KexECDHInit{}, err
	}
	m.ephemeral = kp
	return msg.KexECDHInit{ClientPublicKey: kp.Public[:]}, nil
}

// ClientProcessECDHReply verifies the server's identity and signature,
// computes the shared secret and exchange hash, assigns the session ID
// on the first kex, and derives both directions' AEAD keys.
func (m *Machine) ClientProcessECDHReply(ctx context.Context, reply msg.KexECDHReply) error {
	if m.role != RoleClient {
		return errors.New("kex: ClientProcessECDHReply called on server machine")
	}
	hostID, err := identity.Decode(reply.HostKey)
	if err != nil {
		return fmt.Errorf("kex: decode host identity: %w", err)
	}
	if m.hostVerifier != nil {
		if err := m.hostVerifier.Verify(ctx, m.hostname, m.port, hostID); err != nil {
			return fmt.Errorf("%w: %v", ErrHostKeyNotVerifiable, err)
		}
	}

	var serverPublic [32]byte
	if len(reply.ServerPublicKey) != 32 {
		return errors.New("kex: bad server ECDH public key length")
	}
	copy(serverPublic[:], reply.ServerPublicKey)

	shared, err := SharedSecret(m.ephemeral.Secret, serverPublic)
	if err != nil {
		return err
	}
	m.sharedSecret = shared

	h := ComputeExchangeHash(ExchangeHashInput{
		ClientBanner:     m.localBanner,
		ServerBanner:     m.peerBanner,
		ClientKexInit:    m.localKexInit,
		ServerKexInit:    m.peerKexInit,
		HostKeyBlob:      reply.HostKey,
		ClientECDHPublic: m.ephemeral.Public[:],
		ServerECDHPublic: reply.ServerPublicKey,
		SharedSecret:     shared,
	})
	m.exchangeHash = h

	sig, err := identity.DecodeSignature(reply.Signature)
	if err != nil {
		return fmt.Errorf("kex: decode host signature: %w", err)
	}
	if !hostID.Verify(h[:], sig) {
		return ErrExchangeHashMismatch
	}

	m.finishKex()
	return nil
}

// ServerProcessECDHInit computes the shared secret and exchange hash
// from the client's ephemeral public key, signs it via the configured
// AuthAgent, assigns the session ID on the first kex, derives both
// directions' AEAD keys, and returns the MSG_KEX_ECDH_REPLY to send.
func (m *Machine) ServerProcessECDHInit(ctx context.Context, init msg.KexECDHInit) (msg.KexECDHReply, error) {
	if m.role != RoleServer {
		return msg.KexECDHReply{}, errors.New("kex: ServerProcessECDHInit called on client machine")
	}
	kp, err := GenerateEphemeral()
	if err != nil {
		return msg.KexECDHReply{}, err
	}
	m.ephemeral = kp

	var clientPublic [32]byte
	if len(init.ClientPublicKey) != 32 {
		return msg.KexECDHReply{}, errors.New("kex: bad client ECDH public key length")
	}
	copy(clientPublic[:], init.ClientPublicKey)

	shared, err := SharedSecret(kp.Secret, clientPublic)
	if err != nil {
		return msg.KexECDHReply{}, err
	}
	m.sharedSecret = shared

	hostBlob := m.hostIdentity.Marshal()
	h := ComputeExchangeHash(ExchangeHashInput{
		ClientBanner:     m.peerBanner,
		ServerBanner:     m.localBanner,
		ClientKexInit:    m.peerKexInit,
		ServerKexInit:    m.localKexInit,
		HostKeyBlob:      hostBlob,
		ClientECDHPublic: init.ClientPublicKey,
		ServerECDHPublic: kp.Public[:],
		SharedSecret:     shared,
	})
	m.exchangeHash = h

	sig, err := m.authAgent.Sign(ctx, m.hostIdentity, h[:], 0)
	if err != nil {
		return msg.KexECDHReply{}, fmt.Errorf("kex: host signature: %w", err)
	}

	m.finishKex()

	return msg.KexECDHReply{
		HostKey:         hostBlob,
		ServerPublicKey: kp.Public[:],
		Signature:       sig.Marshal(),
	}, nil
}

func (m *Machine) finishKex() {
	if m.sessionID == nil {
		id := make([]byte, len(m.exchangeHash))
		copy(id, m.exchangeHash[:])
		m.sessionID = id
	}
	m.keysC = DeriveDirectionKeys(m.sharedSecret, m.exchangeHash, m.sessionID, DirectionC)
	m.keysD = DeriveDirectionKeys(m.sharedSecret, m.exchangeHash, m.sessionID, DirectionD)
	m.localKexInit = nil
	m.peerKexInit = nil
}

// TxKeys returns the AEAD keys this side uses to send, derived from the
// most recently completed kex round.
func (m *Machine) TxKeys() DirectionKeys {
	if m.role == RoleClient {
		return m.keysC
	}
	return m.keysD
}

// RxKeys returns the AEAD keys this side uses to receive.
func (m *Machine) RxKeys() DirectionKeys {
	if m.role == RoleClient {
		return m.keysD
	}
	return m.keysC
}

// ResetCounters records the point (time and byte counters) a completed
// kex round becomes the new baseline for rekey-trigger evaluation.
func (m *Machine) ResetCounters(now time.Time, txBytes, rxBytes uint64) {
	m.lastKexAt = now
	m.txBytesAtKex = txBytes
	m.rxBytesAtKex = rxBytes
}

// NeedsRekey reports whether the configured interval or byte threshold
// has been exceeded since the last completed kex round.
func (m *Machine) NeedsRekey(now time.Time, txBytes, rxBytes uint64) bool {
	if m.rekeyInterval > 0 && now.Sub(m.lastKexAt) >= m.rekeyInterval {
		return true
	}
	if m.rekeyBytes > 0 {
		if txBytes-m.txBytesAtKex >= m.rekeyBytes {
			return true
		}
		if rxBytes-m.rxBytesAtKex >= m.rekeyBytes {
			return true
		}
	}
	return false
}

// RekeyTriggeredByBytes reports whether the byte threshold (rather than
// the timer) is what currently requires a new kex round; used only to
// classify a rekey for metrics, not to decide whether one is needed.
func (m *Machine) RekeyTriggeredByBytes(txBytes, rxBytes uint64) bool {
	if m.rekeyBytes == 0 {
		return false
	}
	return txBytes-m.txBytesAtKex >= m.rekeyBytes || rxBytes-m.rxBytesAtKex >= m.rekeyBytes
}

// constantTimeEqual compares two session IDs in constant time when
// their lengths match; a length mismatch returns false at once.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
