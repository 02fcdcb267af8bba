package sshmux

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/postalsys/sshmux/internal/config"
	"github.com/postalsys/sshmux/internal/connection"
	"github.com/postalsys/sshmux/internal/identity"
)

type acceptAnyVerifier struct{}

func (acceptAnyVerifier) Verify(ctx context.Context, hostname string, port uint16, id identity.Identity) error {
	return nil
}

func startTestServer(t *testing.T, handler func(net.Addr) connection.ConnectionHandler) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go Serve(ctx, ln, ServerConfig{
		Config:  config.Default(),
		Signer:  NewLocalHostSigner(priv),
		Handler: handler,
	})
	return ln.Addr().String()
}

func TestDial_HandshakeAndSessionOpen(t *testing.T) {
	sessionOpened := make(chan struct{}, 1)
	addr := startTestServer(t, func(remote net.Addr) connection.ConnectionHandler {
		return &testServerHandler{opened: sessionOpened}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, ClientConfig{Verifier: acceptAnyVerifier{}})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	ch, err := client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	defer ch.Close()

	select {
	case <-sessionOpened:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the session channel open")
	}
}

func TestServe_RejectsWhenNoSignerConfigured(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	err = Serve(context.Background(), ln, ServerConfig{})
	if err == nil {
		t.Fatal("expected Serve to reject a config with no host signer")
	}
}

func TestDial_FailsAgainstUnreachableAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, "127.0.0.1:1", ClientConfig{Verifier: acceptAnyVerifier{}})
	if err == nil {
		t.Fatal("expected Dial to fail against an unreachable address")
	}
}

type testServerHandler struct {
	opened chan struct{}
}

func (h *testServerHandler) Poll(ctx context.Context) error { return nil }
func (h *testServerHandler) OnGlobalRequest(connection.GlobalRequest) {}
func (h *testServerHandler) OnGlobalRequestWantReply(r connection.GlobalRequestWantReply) {
	r.Reject()
}
func (h *testServerHandler) OnDirectTCPIPRequest(r connection.DirectTCPIPRequest) {
	r.Reject(0, "not supported in test")
}
func (h *testServerHandler) OnSessionRequest(r connection.SessionRequest) {
	ch, err := r.Accept()
	if err != nil {
		return
	}
	select {
	case h.opened <- struct{}{}:
	default:
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = ch.Close()
	}()
}
func (h *testServerHandler) OnError(error) {}
