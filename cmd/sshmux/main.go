// Package main provides the CLI entry point for the sshmux demo
// harness: a thin serve/dial wrapper around the engine, not part of
// the core library.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/sshmux"
	"github.com/postalsys/sshmux/internal/config"
	"github.com/postalsys/sshmux/internal/connection"
	"github.com/postalsys/sshmux/internal/identity"
	"github.com/postalsys/sshmux/internal/metrics"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sshmux",
		Short:   "sshmux - SSH-2 transport and channel multiplexing engine",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dialCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		configPath string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for inbound sshmux connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			priv, created, err := identity.LoadOrCreateHostKey(dataDir)
			if err != nil {
				return fmt.Errorf("host key: %w", err)
			}
			if created {
				fmt.Printf("generated new host key in %s\n", dataDir)
			}

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer ln.Close()

			m := metrics.Default()
			fmt.Printf("sshmux serving on %s (buffers %s-%s, channel max %d)\n",
				ln.Addr(), humanize.Bytes(uint64(cfg.Buffers.RxMin)), humanize.Bytes(uint64(cfg.Buffers.RxMax)),
				cfg.Channels.MaxCount)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go waitForSignal(cancel)

			return sshmux.Serve(ctx, ln, sshmux.ServerConfig{
				Config:  cfg,
				Signer:  sshmux.NewLocalHostSigner(priv),
				Metrics: m,
				Handler: func(remote net.Addr) connection.ConnectionHandler {
					fmt.Printf("connection from %s\n", remote)
					return &echoHandler{remote: remote}
				},
			})
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "0.0.0.0:2222", "Address to listen on")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults embedded if omitted)")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory holding the persisted host key")
	return cmd
}

func dialCmd() *cobra.Command {
	var (
		targetAddr string
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to an sshmux server and open a session channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			start := time.Now()
			client, err := sshmux.Dial(ctx, targetAddr, sshmux.ClientConfig{
				Config:   cfg,
				Verifier: acceptAnyHostVerifier{},
				Metrics:  metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("dial %s: %w", targetAddr, err)
			}
			defer client.Close()
			fmt.Printf("connected to %s in %s\n", targetAddr, time.Since(start))

			ch, err := client.OpenSession(ctx)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			fmt.Println("session channel opened, closing")
			return ch.Close()
		},
	}

	cmd.Flags().StringVarP(&targetAddr, "addr", "a", "127.0.0.1:2222", "Server address (host:port)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults embedded if omitted)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Dial and handshake timeout")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
	cancel()
}

// acceptAnyHostVerifier accepts any host identity offered during key
// exchange. known_hosts-style pinning is an explicit Non-goal; real
// deployments must supply their own sshmux.HostVerifier.
type acceptAnyHostVerifier struct{}

func (acceptAnyHostVerifier) Verify(ctx context.Context, hostname string, port uint16, id identity.Identity) error {
	return nil
}

// echoHandler is the demo harness's inbound connection behavior: it
// accepts session channels and rejects everything else, logging
// sessions, no-reply global requests and connection errors to stdout.
type echoHandler struct {
	remote net.Addr
}

func (h *echoHandler) Poll(ctx context.Context) error { return nil }

func (h *echoHandler) OnGlobalRequest(r connection.GlobalRequest) {
	fmt.Printf("[%s] global request %q (no reply wanted)\n", h.remote, r.Name)
}

func (h *echoHandler) OnGlobalRequestWantReply(r connection.GlobalRequestWantReply) {
	r.Reject()
}

func (h *echoHandler) OnDirectTCPIPRequest(r connection.DirectTCPIPRequest) {
	r.Reject(0, "direct-tcpip not supported by the demo harness")
}

func (h *echoHandler) OnSessionRequest(r connection.SessionRequest) {
	ch, err := r.Accept()
	if err != nil {
		fmt.Printf("[%s] session accept failed: %v\n", h.remote, err)
		return
	}
	fmt.Printf("[%s] session channel opened\n", h.remote)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = ch.Close()
	}()
}

func (h *echoHandler) OnError(err error) {
	if err != nil {
		fmt.Printf("[%s] connection ended: %v\n", h.remote, err)
	}
}
