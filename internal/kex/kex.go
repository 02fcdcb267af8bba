// Package kex implements the curve25519-sha256 key exchange state
// machine: algorithm negotiation, ephemeral ECDH, exchange-hash and
// session-id derivation, and per-direction key-stream generation
// (spec.md §4.E).
package kex

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/postalsys/sshmux/internal/cipher"
	"github.com/postalsys/sshmux/internal/identity"
	"github.com/postalsys/sshmux/internal/msg"
	"github.com/postalsys/sshmux/internal/wire"
)

// Algorithm name negotiated by this engine. Only one of each category is
// implemented; negotiation still runs the general algorithm so future
// additions stay a one-line change.
const (
	KexCurve25519SHA256 = "curve25519-sha256@libssh.org"
	CipherChaCha20      = "chacha20-poly1305@openssh.com"
	CompressionNone     = "none"
)

// ErrNoCommonAlgorithm is returned by Negotiate when a category has no
// overlap between the two peers' offered lists.
var ErrNoCommonAlgorithm = errors.New("kex: no common algorithm")

// Direction tags mixed into key derivation, per spec.md §4.E.
type Direction byte

const (
	DirectionC Direction = 'C'
	DirectionD Direction = 'D'
)

// HostVerifier is consulted by the client side before it accepts a
// MSG_ECDH_REPLY's host identity.
type HostVerifier interface {
	Verify(ctx context.Context, hostname string, port uint16, id identity.Identity) error
}

// AuthAgent produces the server side's signature over the exchange hash.
type AuthAgent interface {
	Sign(ctx context.Context, id identity.Identity, data []byte, flags uint32) (identity.Signature, error)
}

// Algorithms holds the four ordered preference lists from MSG_KEX_INIT
// that this engine negotiates (kex, server host key, and encryption in
// each direction); the MAC, compression and language lists are accepted
// on the wire but not negotiated.
type Algorithms struct {
	Kex                    []string
	ServerHostKey          []string
	EncryptionClientServer []string
	EncryptionServerClient []string
}

// Negotiated holds the result of matching a local and peer algorithm
// list in one category.
type Negotiated struct {
	Kex                    string
	ServerHostKey          string
	EncryptionClientServer string
	EncryptionServerClient string
}

// firstCommon returns the first entry of client that also appears in
// server, per spec.md §4.E's client-list-priority rule.
func firstCommon(client, server []string) (string, error) {
	serverSet := make(map[string]bool, len(server))
	for _, s := range server {
		serverSet[s] = true
	}
	for _, c := range client {
		if serverSet[c] {
			return c, nil
		}
	}
	return "", ErrNoCommonAlgorithm
}

// Negotiate selects one algorithm per category, always preferring the
// client's list order regardless of which side is running the
// negotiation.
func Negotiate(client, server Algorithms) (Negotiated, error) {
	var n Negotiated
	var err error
	if n.Kex, err = firstCommon(client.Kex, server.Kex); err != nil {
		return n, fmt.Errorf("kex: %w in category kex", err)
	}
	if n.ServerHostKey, err = firstCommon(client.ServerHostKey, server.ServerHostKey); err != nil {
		return n, fmt.Errorf("kex: %w in category server-host-key", err)
	}
	if n.EncryptionClientServer, err = firstCommon(client.EncryptionClientServer, server.EncryptionClientServer); err != nil {
		return n, fmt.Errorf("kex: %w in category encryption-client-to-server", err)
	}
	if n.EncryptionServerClient, err = firstCommon(client.EncryptionServerClient, server.EncryptionServerClient); err != nil {
		return n, fmt.Errorf("kex: %w in category encryption-server-to-client", err)
	}
	return n, nil
}

// RandomCookie returns 16 random bytes for a MSG_KEX_INIT cookie.
func RandomCookie() ([16]byte, error) {
	var c [16]byte
	_, err := rand.Read(c[:])
	return c, err
}

// EphemeralKeypair is a single X25519 key exchange's local secret and
// public share.
type EphemeralKeypair struct {
	Secret [32]byte
	Public [32]byte
}

// GenerateEphemeral creates a fresh X25519 ephemeral keypair.
func GenerateEphemeral() (EphemeralKeypair, error) {
	var kp EphemeralKeypair
	if _, err := rand.Read(kp.Secret[:]); err != nil {
		return kp, fmt.Errorf("kex: generate ephemeral secret: %w", err)
	}
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("kex: derive ephemeral public: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes X25519(localSecret, remotePublic) as an
// unsigned big integer, the form the exchange hash and key derivation
// treat it as (spec.md §4.E).
func SharedSecret(localSecret, remotePublic [32]byte) (*big.Int, error) {
	shared, err := curve25519.X25519(localSecret[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("kex: ECDH failed (possible low-order point): %w", err)
	}
	return new(big.Int).SetBytes(shared), nil
}

// ExchangeHashInput collects the eight length-framed fields hashed to
// produce the exchange hash H, per spec.md §4.E.
type ExchangeHashInput struct {
	ClientBanner     []byte
	ServerBanner     []byte
	ClientKexInit    []byte
	ServerKexInit    []byte
	HostKeyBlob      []byte
	ClientECDHPublic []byte
	ServerECDHPublic []byte
	SharedSecret     *big.Int
}

// ComputeExchangeHash computes H = SHA-256 of the concatenation of each
// field, each framed as an SSH string (mpint for the shared secret).
func ComputeExchangeHash(in ExchangeHashInput) [32]byte {
	w := wire.NewWriter(0)
	w.PutString(string(in.ClientBanner)).
		PutString(string(in.ServerBanner)).
		PutBytes(in.ClientKexInit).
		PutBytes(in.ServerKexInit).
		PutBytes(in.HostKeyBlob).
		PutBytes(in.ClientECDHPublic).
		PutBytes(in.ServerECDHPublic).
		PutMPInt(in.SharedSecret)
	return sha256.Sum256(w.Bytes())
}

// DeriveKeyStream extends key material for direction d to at least
// need bytes, following spec.md §4.E's chained-SHA-256 construction:
// the first block is SHA-256(mpint(K) || H || D || session_id); each
// further block is SHA-256(mpint(K) || H || output-so-far).
func DeriveKeyStream(sharedSecret *big.Int, exchangeHash [32]byte, sessionID []byte, d Direction, need int) []byte {
	mpint := wire.EncodeMPInt(sharedSecret)

	first := sha256.New()
	first.Write(mpint)
	first.Write(exchangeHash[:])
	first.Write([]byte{byte(d)})
	first.Write(sessionID)
	out := first.Sum(nil)

	for len(out) < need {
		h := sha256.New()
		h.Write(mpint)
		h.Write(exchangeHash[:])
		h.Write(out)
		out = append(out, h.Sum(nil)...)
	}
	return out[:need]
}

// DirectionKeys are the two AEAD keys derived for one direction: K2
// (body/Poly1305-key-derivation) comes from the first 32 bytes of the
// key stream, K1 (length-field) from the next 32, per spec.md §4.E.
type DirectionKeys struct {
	K2 [32]byte
	K1 [32]byte
}

// DeriveDirectionKeys derives both AEAD keys for one direction in one
// call.
func DeriveDirectionKeys(sharedSecret *big.Int, exchangeHash [32]byte, sessionID []byte, d Direction) DirectionKeys {
	stream := DeriveKeyStream(sharedSecret, exchangeHash, sessionID, d, 64)
	var dk DirectionKeys
	copy(dk.K2[:], stream[:32])
	copy(dk.K1[:], stream[32:64])
	return dk
}

// PacketCipherKeys converts DirectionKeys into the cipher package's key
// layout.
func (dk DirectionKeys) PacketCipherKeys() cipher.Keys {
	return cipher.Keys{K1: dk.K1, K2: dk.K2}
}

// BuildKexInit assembles a MSG_KEX_INIT from this engine's single
// supported algorithm per category, with a freshly generated cookie.
func BuildKexInit() (msg.KexInit, error) {
	cookie, err := RandomCookie()
	if err != nil {
		return msg.KexInit{}, err
	}
	return msg.KexInit{
		Cookie: cookie,
		Algorithms: msg.KexAlgorithms{
			Kex:                     []string{KexCurve25519SHA256},
			ServerHostKey:           []string{identity.AlgEd25519Cert, identity.AlgEd25519},
			EncryptionClientServer:  []string{CipherChaCha20},
			EncryptionServerClient:  []string{CipherChaCha20},
			MACClientServer:         nil,
			MACServerClient:         nil,
			CompressionClientServer: []string{CompressionNone},
			CompressionServerClient: []string{CompressionNone},
		},
	}, nil
}

// ToNegotiationAlgorithms projects a decoded MSG_KEX_INIT onto the
// categories Negotiate understands.
func ToNegotiationAlgorithms(k msg.KexInit) Algorithms {
	return Algorithms{
		Kex:                    k.Algorithms.Kex,
		ServerHostKey:          k.Algorithms.ServerHostKey,
		EncryptionClientServer: k.Algorithms.EncryptionClientServer,
		EncryptionServerClient: k.Algorithms.EncryptionServerClient,
	}
}
