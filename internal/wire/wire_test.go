package wire

import (
	"math/big"
	"testing"
)

func TestRoundTripPrimitives(t *testing.T) {
	w := NewWriter(0)
	w.PutU8(0x42).
		PutU32(0xdeadbeef).
		PutU64(0x0102030405060708).
		PutBool(true).
		PutBytes([]byte("hello")).
		PutString("world").
		PutNameList([]string{"a", "bb", "ccc"}).
		PutMPInt(big.NewInt(1234567890))

	r := NewReader(w.Bytes())

	if v, err := r.U8(); err != nil || v != 0x42 {
		t.Fatalf("U8: %v %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("U32: %v %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("U64: %v %v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != true {
		t.Fatalf("Bool: %v %v", v, err)
	}
	if v, err := r.Bytes(); err != nil || string(v) != "hello" {
		t.Fatalf("Bytes: %v %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "world" {
		t.Fatalf("String: %v %v", v, err)
	}
	if v, err := r.NameList(); err != nil || len(v) != 3 || v[0] != "a" || v[2] != "ccc" {
		t.Fatalf("NameList: %v %v", v, err)
	}
	if v, err := r.MPInt(); err != nil || v.Cmp(big.NewInt(1234567890)) != 0 {
		t.Fatalf("MPInt: %v %v", v, err)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("Done: %v", err)
	}
}

func TestEmptyNameList(t *testing.T) {
	w := NewWriter(0)
	w.PutNameList(nil)
	r := NewReader(w.Bytes())
	v, err := r.NameList()
	if err != nil || v != nil {
		t.Fatalf("expected nil, nil, got %v, %v", v, err)
	}
}

func TestMPIntZero(t *testing.T) {
	w := NewWriter(0)
	w.PutMPInt(new(big.Int))
	if len(w.Bytes()) != 4 {
		t.Fatalf("expected 4-byte (empty) framed mpint, got %d bytes", len(w.Bytes()))
	}
	r := NewReader(w.Bytes())
	v, err := r.MPInt()
	if err != nil || v.Sign() != 0 {
		t.Fatalf("expected zero, got %v, %v", v, err)
	}
}

func TestMPIntHighBitGetsLeadingZero(t *testing.T) {
	// 0x80 alone would be read as negative; encoder must prefix 0x00.
	n := big.NewInt(0x80)
	enc := EncodeMPInt(n)
	if len(enc) != 2 || enc[0] != 0x00 || enc[1] != 0x80 {
		t.Fatalf("expected [0x00 0x80], got %x", enc)
	}
	back, err := DecodeMPInt(enc)
	if err != nil || back.Cmp(n) != 0 {
		t.Fatalf("round trip failed: %v %v", back, err)
	}
}

func TestMPIntRejectsUnnecessaryLeadingZero(t *testing.T) {
	_, err := DecodeMPInt([]byte{0x00, 0x01})
	if err == nil {
		t.Fatal("expected rejection of unnecessary leading 0x00")
	}
}

func TestTruncatedInputFails(t *testing.T) {
	r := NewReader([]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'})
	if _, err := r.Bytes(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestTrailingDataRejected(t *testing.T) {
	w := NewWriter(0)
	w.PutU8(1)
	r := NewReader(append(w.Bytes(), 0xff))
	if _, err := r.U8(); err != nil {
		t.Fatal(err)
	}
	if err := r.Done(); err == nil {
		t.Fatal("expected ErrTrailingData")
	}
}

func TestSecretZero(t *testing.T) {
	s := NewSecret([]byte{1, 2, 3, 4})
	s.Zero()
	for _, b := range s.Bytes() {
		if b != 0 {
			t.Fatal("secret not zeroed")
		}
	}
	var nilSecret *Secret
	nilSecret.Zero() // must not panic
}
