// Package cipher implements the SSH binary packet cipher: an initial
// null cipher and chacha20-poly1305@openssh.com, the only AEAD this
// engine negotiates (spec.md §4.C).
package cipher

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// ErrMACMismatch is returned by Decrypt when the authentication tag does
// not match, a ProtocolFraming error at the caller's level.
var ErrMACMismatch = errors.New("cipher: MAC verification failed")

const (
	// blockSize is the cipher block size both variants pad to.
	blockSize = 8
	// minPacketSize is the minimum total packet size (length field
	// included) required by spec.md §3.
	minPacketSize = 16
	// KeySize is the size in bytes of each of the two AEAD keys.
	KeySize = 32
	// MACSize is the Poly1305 tag length.
	MACSize = 16
)

// Keys holds the symmetric key material for one direction's packet
// cipher. It must be zeroized once retired (on rekey or connection
// close).
type Keys struct {
	K1 [KeySize]byte // length-field key
	K2 [KeySize]byte // body + Poly1305-key-derivation key
}

// Zero overwrites both keys.
func (k *Keys) Zero() {
	for i := range k.K1 {
		k.K1[i] = 0
	}
	for i := range k.K2 {
		k.K2[i] = 0
	}
}

// PacketCipher encrypts and decrypts SSH binary packets for one
// direction of one session.
type PacketCipher interface {
	// BlockSize returns the padding block size.
	BlockSize() int
	// MACLen returns the trailing authentication tag length (0 for Plain).
	MACLen() int
	// PaddingLen returns the padding length to use for a payload of the
	// given length, per spec.md §4.C.
	PaddingLen(payloadLen int) int
	// Encrypt encrypts buf in place. buf must be laid out as
	// length(4) | padding_length(1) | payload | padding | tag-space(MACLen),
	// with the length field already holding the big-endian packet length
	// (1 + len(payload) + len(padding)) and the tag space present but
	// uninitialized.
	Encrypt(seq uint64, buf []byte) error
	// DecryptLen decrypts only the 4-byte length field, returning the
	// plaintext packet length. The caller must bound-check the result
	// before allocating a buffer for the rest of the packet.
	DecryptLen(seq uint64, encLen [4]byte) (uint32, error)
	// Decrypt verifies and decrypts the packet body in place. buf must
	// contain the full wire packet: the still-encrypted length field,
	// the encrypted body, and the trailing tag.
	Decrypt(seq uint64, buf []byte) error
}

// PaddingLen is the shared padding calculation used by both variants:
// the smallest p >= 4 with (1+payloadLen+p) a multiple of block, then
// grown in block-sized steps until the whole packet (length field
// included) reaches at least 16 bytes.
func PaddingLen(payloadLen, block int) int {
	p := 4
	for (1+payloadLen+p)%block != 0 {
		p++
	}
	total := 4 + 1 + payloadLen + p
	for total < minPacketSize {
		p += block
		total += block
	}
	return p
}

func seqNonce(seq uint64) [12]byte {
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// ---------------------------------------------------------------------
// Plain: the initial, unauthenticated "none" cipher.
// ---------------------------------------------------------------------

// Plain is the identity cipher used before the first key exchange
// completes: no encryption, no MAC, minimal 4-byte padding.
type Plain struct{}

func (Plain) BlockSize() int { return blockSize }
func (Plain) MACLen() int    { return 0 }
func (Plain) PaddingLen(payloadLen int) int {
	return PaddingLen(payloadLen, blockSize)
}
func (Plain) Encrypt(seq uint64, buf []byte) error { return nil }
func (Plain) DecryptLen(seq uint64, encLen [4]byte) (uint32, error) {
	return binary.BigEndian.Uint32(encLen[:]), nil
}
func (Plain) Decrypt(seq uint64, buf []byte) error { return nil }

// ---------------------------------------------------------------------
// ChaCha20Poly1305: chacha20-poly1305@openssh.com.
// ---------------------------------------------------------------------

// ChaCha20Poly1305 implements the length-hiding AEAD construction used
// by chacha20-poly1305@openssh.com: the 4-byte length field is XORed
// with an independent keystream (K1) so that an observer who does not
// hold K1 cannot see packet boundaries, and the body (padding-length
// byte, payload, padding) is encrypted under a second keystream (K2)
// whose first block also yields the Poly1305 one-time key.
type ChaCha20Poly1305 struct {
	keys Keys
}

// NewChaCha20Poly1305 constructs a packet cipher bound to keys. It takes
// ownership of keys in the sense that callers should not reuse them
// elsewhere; Close zeros them.
func NewChaCha20Poly1305(keys Keys) *ChaCha20Poly1305 {
	return &ChaCha20Poly1305{keys: keys}
}

// Close zeroizes the underlying key material.
func (c *ChaCha20Poly1305) Close() { c.keys.Zero() }

func (c *ChaCha20Poly1305) BlockSize() int { return blockSize }
func (c *ChaCha20Poly1305) MACLen() int    { return MACSize }
func (c *ChaCha20Poly1305) PaddingLen(payloadLen int) int {
	return PaddingLen(payloadLen, blockSize)
}

func (c *ChaCha20Poly1305) lengthCipher(seq uint64) (*chacha20.Cipher, error) {
	nonce := seqNonce(seq)
	return chacha20.NewUnauthenticatedCipher(c.keys.K1[:], nonce[:])
}

func (c *ChaCha20Poly1305) bodyCipherAndPolyKey(seq uint64) (*chacha20.Cipher, [32]byte, error) {
	nonce := seqNonce(seq)
	ciph, err := chacha20.NewUnauthenticatedCipher(c.keys.K2[:], nonce[:])
	if err != nil {
		return nil, [32]byte{}, err
	}
	var polyKeyBlock [64]byte
	ciph.XORKeyStream(polyKeyBlock[:], polyKeyBlock[:])
	var polyKey [32]byte
	copy(polyKey[:], polyKeyBlock[:32])
	return ciph, polyKey, nil
}

// Encrypt implements PacketCipher.
func (c *ChaCha20Poly1305) Encrypt(seq uint64, buf []byte) error {
	if len(buf) < 4+MACSize {
		return errors.New("cipher: buffer too small for AEAD packet")
	}
	bodyLen := len(buf) - 4 - MACSize
	lenField := buf[:4]
	body := buf[4 : 4+bodyLen]
	tagSpace := buf[4+bodyLen:]

	lenCiph, err := c.lengthCipher(seq)
	if err != nil {
		return err
	}
	lenCiph.XORKeyStream(lenField, lenField)

	bodyCiph, polyKey, err := c.bodyCipherAndPolyKey(seq)
	if err != nil {
		return err
	}
	bodyCiph.XORKeyStream(body, body)

	var tag [MACSize]byte
	poly1305.Sum(&tag, buf[:4+bodyLen], &polyKey)
	copy(tagSpace, tag[:])
	return nil
}

// DecryptLen implements PacketCipher.
func (c *ChaCha20Poly1305) DecryptLen(seq uint64, encLen [4]byte) (uint32, error) {
	lenCiph, err := c.lengthCipher(seq)
	if err != nil {
		return 0, err
	}
	var out [4]byte
	lenCiph.XORKeyStream(out[:], encLen[:])
	return binary.BigEndian.Uint32(out[:]), nil
}

// Decrypt implements PacketCipher. buf holds the still-encrypted length
// field, the encrypted body, and the trailing tag.
func (c *ChaCha20Poly1305) Decrypt(seq uint64, buf []byte) error {
	if len(buf) < 4+MACSize {
		return fmt.Errorf("cipher: packet too small: %d bytes", len(buf))
	}
	bodyLen := len(buf) - 4 - MACSize
	aadAndBody := buf[:4+bodyLen]
	tag := buf[4+bodyLen:]

	_, polyKey, err := c.bodyCipherAndPolyKey(seq)
	if err != nil {
		return err
	}
	var want [MACSize]byte
	poly1305.Sum(&want, aadAndBody, &polyKey)
	if subtle.ConstantTimeCompare(want[:], tag) != 1 {
		return ErrMACMismatch
	}

	bodyCiph, _, err := c.bodyCipherAndPolyKey(seq)
	if err != nil {
		return err
	}
	body := buf[4 : 4+bodyLen]
	bodyCiph.XORKeyStream(body, body)
	return nil
}
