// Package identity implements SSH host/user public key identities and
// signature verification: plain Ed25519 and RSA keys, OpenSSH-style
// Ed25519 certificates, and an "other" fallback for unknown algorithm
// names encountered on the wire.
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 4253 ssh-rsa signatures are defined over SHA-1.
	"errors"
	"fmt"
	"math/big"

	"github.com/postalsys/sshmux/internal/wire"
)

// Algorithm names recognized on the wire (spec.md §6).
const (
	AlgEd25519     = "ssh-ed25519"
	AlgRSA         = "ssh-rsa"
	AlgEd25519Cert = "ssh-ed25519-cert-v01@openssh.com"
)

// Identity is implemented by every public-key variant this engine
// understands. Marshal produces the exact wire blob (algorithm name
// plus key material) used both on the wire and as the exchange-hash
// host-key field.
type Identity interface {
	Algorithm() string
	Marshal() []byte
	Verify(data []byte, sig Signature) bool
}

// Signature pairs an algorithm name with its raw signature blob, the
// wire shape of every SSH signature field.
type Signature struct {
	Algorithm string
	Blob      []byte
}

// Marshal encodes the signature as a length-framed (algorithm, blob) pair.
func (s Signature) Marshal() []byte {
	w := wire.NewWriter(0)
	w.PutString(s.Algorithm).PutBytes(s.Blob)
	return w.Bytes()
}

// DecodeSignature decodes a Signature from its wire form.
func DecodeSignature(b []byte) (Signature, error) {
	r := wire.NewReader(b)
	alg, err := r.String()
	if err != nil {
		return Signature{}, fmt.Errorf("identity: decode signature algorithm: %w", err)
	}
	blob, err := r.Bytes()
	if err != nil {
		return Signature{}, fmt.Errorf("identity: decode signature blob: %w", err)
	}
	if err := r.Done(); err != nil {
		return Signature{}, err
	}
	return Signature{Algorithm: alg, Blob: blob}, nil
}

// Ed25519Identity is the ssh-ed25519 public-key variant.
type Ed25519Identity struct {
	Key ed25519.PublicKey
}

func (i *Ed25519Identity) Algorithm() string { return AlgEd25519 }

func (i *Ed25519Identity) Marshal() []byte {
	w := wire.NewWriter(0)
	w.PutString(AlgEd25519).PutBytes(i.Key)
	return w.Bytes()
}

func (i *Ed25519Identity) Verify(data []byte, sig Signature) bool {
	if sig.Algorithm != AlgEd25519 || len(sig.Blob) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(i.Key, data, sig.Blob)
}

// RSAIdentity is the ssh-rsa public-key variant. Verification only, per
// spec.md §6.
type RSAIdentity struct {
	E *big.Int
	N *big.Int
}

func (i *RSAIdentity) Algorithm() string { return AlgRSA }

func (i *RSAIdentity) Marshal() []byte {
	w := wire.NewWriter(0)
	w.PutString(AlgRSA).PutMPInt(i.E).PutMPInt(i.N)
	return w.Bytes()
}

func (i *RSAIdentity) Verify(data []byte, sig Signature) bool {
	if sig.Algorithm != AlgRSA {
		return false
	}
	if !i.E.IsInt64() {
		return false
	}
	pub := &rsa.PublicKey{N: i.N, E: int(i.E.Int64())}
	h := sha1.Sum(data) //nolint:gosec // RFC 4253 mandates SHA-1 for ssh-rsa.
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, h[:], sig.Blob) == nil
}

// OtherIdentity is retained for any algorithm name this engine does not
// implement. It decodes successfully but can never verify a signature.
type OtherIdentity struct {
	Name string
	Blob []byte
}

func (i *OtherIdentity) Algorithm() string { return i.Name }
func (i *OtherIdentity) Marshal() []byte   { return i.Blob }
func (i *OtherIdentity) Verify([]byte, Signature) bool {
	return false
}

// Decode parses an identity blob, dispatching on its leading algorithm
// name. Unknown names decode to OtherIdentity rather than failing, so
// that a peer offering an unsupported host-key algorithm can still be
// rejected cleanly at the negotiation stage instead of at decode time.
func Decode(blob []byte) (Identity, error) {
	r := wire.NewReader(blob)
	name, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("identity: decode algorithm name: %w", err)
	}
	switch name {
	case AlgEd25519:
		key, err := r.Bytes()
		if err != nil {
			return nil, fmt.Errorf("identity: decode ed25519 key: %w", err)
		}
		if err := r.Done(); err != nil {
			return nil, err
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, errors.New("identity: bad ed25519 key length")
		}
		return &Ed25519Identity{Key: ed25519.PublicKey(key)}, nil
	case AlgRSA:
		e, err := r.MPInt()
		if err != nil {
			return nil, fmt.Errorf("identity: decode rsa exponent: %w", err)
		}
		n, err := r.MPInt()
		if err != nil {
			return nil, fmt.Errorf("identity: decode rsa modulus: %w", err)
		}
		if err := r.Done(); err != nil {
			return nil, err
		}
		return &RSAIdentity{E: e, N: n}, nil
	case AlgEd25519Cert:
		return decodeCertBody(blob, r)
	default:
		return &OtherIdentity{Name: name, Blob: append([]byte(nil), blob...)}, nil
	}
}
