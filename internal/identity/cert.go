package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/sshmux/internal/cidr"
	"github.com/postalsys/sshmux/internal/wire"
)

// Certificate type markers (RFC 4253-extension / OpenSSH cert spec).
const (
	CertTypeUser uint32 = 1
	CertTypeHost uint32 = 2
)

// Option is a single name/data pair from a certificate's critical
// options or extensions list.
type Option struct {
	Name string
	Data []byte
}

// SourceAddressOption is the well-known critical option name that
// restricts which client addresses may present a user certificate.
const SourceAddressOption = "source-address"

// Ed25519CertIdentity is the ssh-ed25519-cert-v01@openssh.com variant:
// an embedded Ed25519 public key plus the certificate envelope (nonce,
// serial, type, validity window, principals, options, extensions) and
// the issuing authority's identity and signature.
type Ed25519CertIdentity struct {
	Nonce            []byte
	Key              ed25519.PublicKey
	Serial           uint64
	CertType         uint32
	KeyID            string
	ValidPrincipals  []string
	ValidAfter       uint64
	ValidBefore      uint64
	CriticalOptions  []Option
	Extensions       []Option
	Reserved         []byte
	AuthorityKeyBlob []byte
	AuthoritySig     Signature

	// raw holds the exact bytes of the certificate body excluding the
	// trailing signature field, as required for signature verification.
	raw []byte
}

func (c *Ed25519CertIdentity) Algorithm() string { return AlgEd25519Cert }

func (c *Ed25519CertIdentity) Marshal() []byte {
	w := wire.NewWriter(len(c.raw) + len(c.AuthoritySig.Marshal()) + 4)
	w.PutRaw(c.raw)
	w.PutBytes(c.AuthoritySig.Marshal())
	return w.Bytes()
}

// Verify checks a data signature against the certificate's own embedded
// public key (not the issuing authority).
func (c *Ed25519CertIdentity) Verify(data []byte, sig Signature) bool {
	if sig.Algorithm != AlgEd25519 || len(sig.Blob) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(c.Key, data, sig.Blob)
}

// encodedPrefix returns the exact bytes the CA signature is computed
// over: the certificate encoded without its trailing signature field.
func (c *Ed25519CertIdentity) encodedPrefix() []byte {
	return c.raw
}

// VerifyCASignature checks the authority's signature over this
// certificate's prefix. It is independent of the signing algorithm: any
// Identity decoded from AuthorityKeyBlob may have produced it.
func (c *Ed25519CertIdentity) VerifyCASignature() (bool, error) {
	authority, err := Decode(c.AuthorityKeyBlob)
	if err != nil {
		return false, fmt.Errorf("identity: decode certificate authority key: %w", err)
	}
	return authority.Verify(c.encodedPrefix(), c.AuthoritySig), nil
}

func decodeCertBody(fullBlob []byte, r *wire.Reader) (*Ed25519CertIdentity, error) {
	// fullBlob still has the algorithm-name field at its head; the
	// signed prefix is everything up to (not including) the trailing
	// signature field, so we track how many bytes remain once the
	// signature has been read off.
	c := &Ed25519CertIdentity{}

	var err error
	if c.Nonce, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("identity: cert nonce: %w", err)
	}
	key, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("identity: cert key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.New("identity: cert embedded key has bad length")
	}
	c.Key = ed25519.PublicKey(key)
	if c.Serial, err = r.U64(); err != nil {
		return nil, fmt.Errorf("identity: cert serial: %w", err)
	}
	if c.CertType, err = r.U32(); err != nil {
		return nil, fmt.Errorf("identity: cert type: %w", err)
	}
	if c.KeyID, err = r.String(); err != nil {
		return nil, fmt.Errorf("identity: cert key id: %w", err)
	}
	principalsBlob, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("identity: cert valid principals: %w", err)
	}
	if c.ValidPrincipals, err = decodeStringList(principalsBlob); err != nil {
		return nil, fmt.Errorf("identity: cert valid principals: %w", err)
	}
	if c.ValidAfter, err = r.U64(); err != nil {
		return nil, fmt.Errorf("identity: cert valid-after: %w", err)
	}
	if c.ValidBefore, err = r.U64(); err != nil {
		return nil, fmt.Errorf("identity: cert valid-before: %w", err)
	}
	critBlob, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("identity: cert critical options: %w", err)
	}
	if c.CriticalOptions, err = decodeOptionList(critBlob); err != nil {
		return nil, fmt.Errorf("identity: cert critical options: %w", err)
	}
	extBlob, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("identity: cert extensions: %w", err)
	}
	if c.Extensions, err = decodeOptionList(extBlob); err != nil {
		return nil, fmt.Errorf("identity: cert extensions: %w", err)
	}
	if c.Reserved, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("identity: cert reserved: %w", err)
	}
	if c.AuthorityKeyBlob, err = r.Bytes(); err != nil {
		return nil, fmt.Errorf("identity: cert authority key: %w", err)
	}

	// The signed prefix is fullBlob minus the trailing framed signature
	// field; r.Remaining() at this point is exactly that field.
	sigFieldLen := r.Remaining()
	c.raw = append([]byte(nil), fullBlob[:len(fullBlob)-sigFieldLen]...)

	sigBlob, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("identity: cert signature: %w", err)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	if c.AuthoritySig, err = DecodeSignature(sigBlob); err != nil {
		return nil, fmt.Errorf("identity: cert signature: %w", err)
	}

	return c, nil
}

func decodeStringList(blob []byte) ([]string, error) {
	r := wire.NewReader(blob)
	var out []string
	for r.Remaining() > 0 {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeOptionList(blob []byte) ([]Option, error) {
	r := wire.NewReader(blob)
	var out []Option
	for r.Remaining() > 0 {
		name, err := r.String()
		if err != nil {
			return nil, err
		}
		data, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, Option{Name: name, Data: data})
	}
	return out, nil
}

// recognizedCriticalOptions lists the critical option names this engine
// understands. Any other critical option name makes a certificate
// invalid, per RFC convention: an implementation MUST reject a
// certificate with critical options it does not recognize.
var recognizedCriticalOptions = map[string]bool{
	SourceAddressOption: true,
}

func (c *Ed25519CertIdentity) criticalOptionsRecognized() bool {
	for _, opt := range c.CriticalOptions {
		if !recognizedCriticalOptions[opt.Name] {
			return false
		}
	}
	return true
}

func (c *Ed25519CertIdentity) validAt(now time.Time) bool {
	sec := uint64(now.Unix())
	return sec >= c.ValidAfter && sec < c.ValidBefore
}

func (c *Ed25519CertIdentity) hasPrincipal(name string) bool {
	if len(c.ValidPrincipals) == 0 {
		return true
	}
	for _, p := range c.ValidPrincipals {
		if p == name {
			return true
		}
	}
	return false
}

// HostValid reports whether c is a valid host certificate for hostname
// at the current time, per spec.md §4.B.
func HostValid(c *Ed25519CertIdentity, hostname string, now time.Time) (bool, error) {
	if c.CertType != CertTypeHost {
		return false, nil
	}
	if !c.hasPrincipal(hostname) {
		return false, nil
	}
	if !c.validAt(now) {
		return false, nil
	}
	if !c.criticalOptionsRecognized() {
		return false, nil
	}
	return c.VerifyCASignature()
}

// ClientValid reports whether c is a valid user certificate for username
// connecting from addr at the current time, per spec.md §4.B. If a
// source-address critical option is present, addr must lie in at least
// one of its comma-separated CIDR ranges.
func ClientValid(c *Ed25519CertIdentity, username string, addr net.IP, now time.Time) (bool, error) {
	if c.CertType != CertTypeUser {
		return false, nil
	}
	if !c.hasPrincipal(username) {
		return false, nil
	}
	if !c.validAt(now) {
		return false, nil
	}
	if !c.criticalOptionsRecognized() {
		return false, nil
	}
	for _, opt := range c.CriticalOptions {
		if opt.Name == SourceAddressOption {
			if addr == nil || !cidr.AnyContains(string(opt.Data), addr) {
				return false, nil
			}
		}
	}
	return c.VerifyCASignature()
}
