package transceiver

import (
	"bytes"
	"crypto/rand"
	"net"
	"testing"

	"github.com/postalsys/sshmux/internal/cipher"
)

func testConfig() Config {
	return Config{RxBufferMin: 64, RxBufferMax: 1 << 16, TxBufferMin: 64, TxBufferMax: 1 << 16}
}

func TestIdentificationExchange(t *testing.T) {
	a, b := bufferedPipe()
	defer a.Close()
	defer b.Close()

	client := New(a, testConfig())
	server := New(b, testConfig())

	done := make(chan error, 1)
	go func() {
		if err := server.WriteIdentification("SSH-2.0-sshmux_server"); err != nil {
			done <- err
			return
		}
		_, err := server.ReadIdentification(true)
		done <- err
	}()

	if err := client.WriteIdentification("SSH-2.0-sshmux_client"); err != nil {
		t.Fatal(err)
	}
	banner, err := client.ReadIdentification(false)
	if err != nil {
		t.Fatal(err)
	}
	if banner != "SSH-2.0-sshmux_server" {
		t.Fatalf("unexpected banner %q", banner)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestClientToleratesPreambleLines(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := New(a, testConfig())

	go func() {
		b.Write([]byte("Welcome to our server\r\n"))
		b.Write([]byte("Another greeting line\r\n"))
		b.Write([]byte("SSH-2.0-sshmux_server\r\n"))
	}()

	banner, err := client.ReadIdentification(false)
	if err != nil {
		t.Fatal(err)
	}
	if banner != "SSH-2.0-sshmux_server" {
		t.Fatalf("unexpected banner %q", banner)
	}
}

func TestServerRejectsNonBannerFirstLine(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	server := New(a, testConfig())
	go func() { b.Write([]byte("not a banner\r\n")) }()

	if _, err := server.ReadIdentification(true); err == nil {
		t.Fatal("expected server to reject a non-SSH- first line")
	}
}

func TestPlainCipherPacketRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sender := New(a, testConfig())
	receiver := New(b, testConfig())

	payload := []byte("hello over the wire")
	errCh := make(chan error, 1)
	go func() { errCh <- sender.SendPayload(payload) }()

	got, err := receiver.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
	receiver.Consume()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func sharedKeys() cipher.Keys {
	var k cipher.Keys
	rand.Read(k.K1[:])
	rand.Read(k.K2[:])
	return k
}

func TestChaCha20Poly1305PacketRoundTripMultiple(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sender := New(a, testConfig())
	receiver := New(b, testConfig())

	keys := sharedKeys()
	sender.SetTxCipher(cipher.NewChaCha20Poly1305(keys))
	receiver.SetRxCipher(cipher.NewChaCha20Poly1305(keys))

	messages := [][]byte{
		[]byte("first message"),
		[]byte(""),
		bytes.Repeat([]byte{0x42}, 5000),
		[]byte("last message"),
	}

	errCh := make(chan error, 1)
	go func() {
		for _, m := range messages {
			if err := sender.SendPayload(m); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for _, want := range messages {
		got, err := receiver.Peek()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload mismatch: got %d bytes want %d bytes", len(got), len(want))
		}
		receiver.Consume()
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestAllocRejectsConcurrentSend(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	tr := New(a, testConfig())

	if _, err := tr.Alloc(10); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Alloc(10); err != ErrExclusiveSend {
		t.Fatalf("expected ErrExclusiveSend, got %v", err)
	}
}
