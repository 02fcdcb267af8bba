package connection

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/sshmux/internal/channel"
	"github.com/postalsys/sshmux/internal/identity"
	"github.com/postalsys/sshmux/internal/kex"
	"github.com/postalsys/sshmux/internal/metrics"
	"github.com/postalsys/sshmux/internal/msg"
	"github.com/postalsys/sshmux/internal/transceiver"
	"github.com/postalsys/sshmux/internal/transport"
	"github.com/postalsys/sshmux/internal/wire"
)

type testVerifier struct{}

func (testVerifier) Verify(ctx context.Context, hostname string, port uint16, id identity.Identity) error {
	return nil
}

type testSigner struct{ priv ed25519.PrivateKey }

func (s *testSigner) Sign(ctx context.Context, id identity.Identity, data []byte, flags uint32) (identity.Signature, error) {
	return identity.Signature{Algorithm: identity.AlgEd25519, Blob: ed25519.Sign(s.priv, data)}, nil
}

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWithRegistry(prometheus.NewRegistry())
}

// handshakedTransports returns a pair of transports that have already
// completed identification exchange, an initial kex round, and the
// ssh-connection service request/accept, mirroring the handshake
// client.go's Dial and server.go's Server.accept drive in the root
// package (which this package cannot import without a cycle).
func handshakedTransports(t *testing.T, rekeyBytes uint64, clientMetrics, serverMetrics *metrics.Metrics) (client, server *transport.Transport) {
	t.Helper()
	a, b := bufferedPipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	cfg := transceiver.Config{RxBufferMin: 64, RxBufferMax: 1 << 20, TxBufferMin: 64, TxBufferMax: 1 << 20}
	clientTr := transceiver.New(a, cfg)
	serverTr := transceiver.New(b, cfg)

	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostIdentity := &identity.Ed25519Identity{Key: hostPub}
	signer := &testSigner{priv: hostPriv}

	if err := clientTr.WriteIdentification(transceiver.Identification); err != nil {
		t.Fatal(err)
	}
	if err := serverTr.WriteIdentification(transceiver.Identification); err != nil {
		t.Fatal(err)
	}
	if _, err := clientTr.ReadIdentification(false); err != nil {
		t.Fatal(err)
	}
	if _, err := serverTr.ReadIdentification(true); err != nil {
		t.Fatal(err)
	}

	clientMachine := kex.NewClientMachine([]byte(transceiver.Identification), "test-host", 22, testVerifier{}, 0, rekeyBytes)
	serverMachine := kex.NewServerMachine([]byte(transceiver.Identification), hostIdentity, signer, 0, rekeyBytes)
	clientMachine.SetPeerBanner([]byte(transceiver.Identification))
	serverMachine.SetPeerBanner([]byte(transceiver.Identification))

	client = transport.New(clientTr, clientMachine, transport.Config{Metrics: clientMetrics})
	server = transport.New(serverTr, serverMachine, transport.Config{Metrics: serverMetrics})

	ctx := context.Background()
	if err := client.StartKex(); err != nil {
		t.Fatal(err)
	}
	if err := server.StartKex(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200 && (client.SessionID() == nil || server.SessionID() == nil); i++ {
		if _, err := client.Poll(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := server.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if client.SessionID() == nil || server.SessionID() == nil {
		t.Fatal("initial kex never completed")
	}

	if err := client.RequestService("ssh-connection"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200 && !client.ServiceAccepted(); i++ {
		payload, err := server.Poll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if payload != nil {
			decoded, derr := msg.Decode(payload)
			server.Consume()
			if derr == nil {
				if req, ok := decoded.(msg.ServiceRequest); ok {
					if err := server.AcceptService(req.Name, "ssh-connection"); err != nil {
						t.Fatal(err)
					}
				}
			}
		}
		if _, err := client.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if !client.ServiceAccepted() {
		t.Fatal("client never observed service accept")
	}
	return client, server
}

// testHandler is a configurable ConnectionHandler for exercising one
// scenario at a time; unset callbacks fall back to a reasonable default.
type testHandler struct {
	onGlobalRequest          func(GlobalRequest)
	onGlobalRequestWantReply func(GlobalRequestWantReply)
	onDirectTCPIP            func(DirectTCPIPRequest)
	onSession                func(SessionRequest)
	onError                  func(error)
}

func (h *testHandler) Poll(ctx context.Context) error { return nil }

func (h *testHandler) OnGlobalRequest(r GlobalRequest) {
	if h.onGlobalRequest != nil {
		h.onGlobalRequest(r)
	}
}

func (h *testHandler) OnGlobalRequestWantReply(r GlobalRequestWantReply) {
	if h.onGlobalRequestWantReply != nil {
		h.onGlobalRequestWantReply(r)
		return
	}
	r.Reject()
}

func (h *testHandler) OnDirectTCPIPRequest(r DirectTCPIPRequest) {
	if h.onDirectTCPIP != nil {
		h.onDirectTCPIP(r)
		return
	}
	r.Reject(msg.OpenAdministrativelyProhibited, "no handler configured")
}

func (h *testHandler) OnSessionRequest(r SessionRequest) {
	if h.onSession != nil {
		h.onSession(r)
		return
	}
	r.Reject(msg.OpenAdministrativelyProhibited, "no handler configured")
}

func (h *testHandler) OnError(err error) {
	if h.onError != nil {
		h.onError(err)
	}
}

func testConfig(maxChannels int, m *metrics.Metrics) Config {
	return Config{
		MaxChannels:   maxChannels,
		MaxBufferSize: 1 << 16,
		MaxPacketSize: 1 << 15,
		PollInterval:  5 * time.Millisecond,
		Metrics:       m,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true within timeout")
}

func TestOpenDirectTCPIPRejected(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	clientTp, serverTp := handshakedTransports(t, 0, cm, sm)

	serverHandler := &testHandler{
		onDirectTCPIP: func(r DirectTCPIPRequest) {
			r.Reject(msg.OpenAdministrativelyProhibited, "forwarding disabled")
		},
	}
	clientHandler := &testHandler{}

	client := New(clientTp, clientHandler, testConfig(8, cm))
	server := New(serverTp, serverHandler, testConfig(8, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	_, err := client.OpenDirectTCPIP(ctx, "example.com", 80, "127.0.0.1", 1234)
	if err == nil {
		t.Fatal("expected direct-tcpip open to be rejected")
	}
}

func TestOpenAcceptThenPeerDrop(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	clientTp, serverTp := handshakedTransports(t, 0, cm, sm)

	serverHandler := &testHandler{
		onSession: func(r SessionRequest) {
			_, _ = r.Accept()
		},
	}
	clientHandler := &testHandler{}

	client := New(clientTp, clientHandler, testConfig(8, cm))
	server := New(serverTp, serverHandler, testConfig(8, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	ch, err := client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	server.Close()

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel never observed the connection tearing down after peer drop")
	}
	if ch.Err() == nil {
		t.Fatal("expected a non-nil terminal error after the peer dropped the connection")
	}
}

func TestCleanShutdownViaEOFAndExitStatus(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	clientTp, serverTp := handshakedTransports(t, 0, cm, sm)

	serverHandler := &testHandler{
		onSession: func(r SessionRequest) {
			ch, err := r.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := ch.Write([]byte("hello")); err != nil {
					return
				}
				status := wire.NewWriter(4)
				status.PutU32(0)
				if _, err := ch.SendRequest("exit-status", false, status.Bytes()); err != nil {
					return
				}
				_ = ch.CloseWrite()
				time.Sleep(20 * time.Millisecond)
				_ = ch.Close()
			}()
		},
	}
	clientHandler := &testHandler{}

	client := New(clientTp, clientHandler, testConfig(8, cm))
	server := New(serverTp, serverHandler, testConfig(8, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	ch, err := client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	var got []byte
	waitFor(t, 5*time.Second, func() bool {
		got = append(got, ch.Read(1024)...)
		return bytes.Equal(got, []byte("hello"))
	})

	var ev ChannelRequestEvent
	waitFor(t, 5*time.Second, func() bool {
		e, ok := ch.PollRequest()
		if !ok {
			return false
		}
		ev = e
		return true
	})
	if ev.Name != "exit-status" {
		t.Fatalf("expected exit-status request, got %q", ev.Name)
	}

	waitFor(t, 5*time.Second, func() bool {
		return ch.State() == channel.StateClosed || ch.State() == channel.StateClosing
	})
}

func TestKeepaliveRoundTrip(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	clientTp, serverTp := handshakedTransports(t, 0, cm, sm)

	client := New(clientTp, &testHandler{}, testConfig(8, cm))
	server := New(serverTp, &testHandler{}, testConfig(8, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	if err := client.CheckWithKeepalive(ctx); err != nil {
		t.Fatalf("keepalive round trip failed: %v", err)
	}
}

func TestForcedRekeyByByteThreshold(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	const rekeyBytes = 512
	clientTp, serverTp := handshakedTransports(t, rekeyBytes, cm, sm)

	var recvMu sync.Mutex
	var received []byte
	serverHandler := &testHandler{
		onSession: func(r SessionRequest) {
			ch, err := r.Accept()
			if err != nil {
				return
			}
			go func() {
				for {
					select {
					case <-ch.Done():
						return
					default:
					}
					chunk := ch.Read(4096)
					if len(chunk) > 0 {
						recvMu.Lock()
						received = append(received, chunk...)
						recvMu.Unlock()
					}
					time.Sleep(time.Millisecond)
				}
			}()
		},
	}

	client := New(clientTp, &testHandler{}, testConfig(8, cm))
	server := New(serverTp, serverHandler, testConfig(8, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	ch, err := client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5a}, rekeyBytes*3)
	if err := ch.Write(payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return testutil.ToFloat64(cm.RekeysByBytes) >= 1
	})

	waitFor(t, 10*time.Second, func() bool {
		recvMu.Lock()
		n := len(received)
		recvMu.Unlock()
		return n == len(payload)
	})
}

func TestResourceShortageOnInboundOpen(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	clientTp, serverTp := handshakedTransports(t, 0, cm, sm)

	serverHandler := &testHandler{
		onSession: func(r SessionRequest) {
			_, _ = r.Accept()
		},
	}

	client := New(clientTp, &testHandler{}, testConfig(8, cm))
	server := New(serverTp, serverHandler, testConfig(1, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	first, err := client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("first OpenSession failed: %v", err)
	}
	defer first.Close()

	_, err = client.OpenSession(ctx)
	if err == nil {
		t.Fatal("expected second OpenSession to fail once the server's channel table is full")
	}
}

// TestOutboundRateLimiting checks that a configured
// OutboundBytesPerSecond still delivers the full payload intact; the
// limiter is expected to spread a write larger than its burst across
// several poll ticks rather than drop or reorder any of it.
func TestOutboundRateLimiting(t *testing.T) {
	cm, sm := newTestMetrics(), newTestMetrics()
	clientTp, serverTp := handshakedTransports(t, 0, cm, sm)

	var recvMu sync.Mutex
	var received []byte
	serverHandler := &testHandler{
		onSession: func(r SessionRequest) {
			ch, err := r.Accept()
			if err != nil {
				return
			}
			go func() {
				for {
					select {
					case <-ch.Done():
						return
					default:
					}
					chunk := ch.Read(4096)
					if len(chunk) > 0 {
						recvMu.Lock()
						received = append(received, chunk...)
						recvMu.Unlock()
					}
					time.Sleep(time.Millisecond)
				}
			}()
		},
	}

	clientCfg := testConfig(8, cm)
	clientCfg.OutboundBytesPerSecond = 4096
	client := New(clientTp, &testHandler{}, clientCfg)
	server := New(serverTp, serverHandler, testConfig(8, sm))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	ch, err := client.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	// Bigger than the limiter's burst (tied to MaxPacketSize, 32768
	// bytes here) so at least one chunk must wait for tokens to refill.
	payload := bytes.Repeat([]byte{0xa5}, 49152)
	if err := ch.Write(payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		recvMu.Lock()
		n := len(received)
		recvMu.Unlock()
		return n == len(payload)
	})
	recvMu.Lock()
	defer recvMu.Unlock()
	if !bytes.Equal(received, payload) {
		t.Fatal("rate-limited payload arrived corrupted or reordered")
	}
}
