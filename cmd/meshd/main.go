// Command meshd is a two-node demonstration of the mesh stack: it creates
// two identities, "alice" and "bob", wires them together over an in-process
// Pipe interface, lets bob discover alice via her announce, establishes a
// link, and runs a request/response exchange over it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvsouth/meshwire/destination"
	"github.com/cvsouth/meshwire/iface"
	"github.com/cvsouth/meshwire/identity"
	"github.com/cvsouth/meshwire/link"
	"github.com/cvsouth/meshwire/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== meshd %s ===\n", Version)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aliceID, bobID := createIdentities()
	aliceIface, bobIface, err := iface.NewPipePair("alice-link", "bob-link", iface.ModeFull, logger)
	if err != nil {
		fmt.Printf("failed to wire pipe pair: %v\n", err)
		os.Exit(1)
	}

	aliceTransport := startTransport(ctx, aliceID, aliceIface, logger.With("node", "alice"))
	bobTransport := startTransport(ctx, bobID, bobIface, logger.With("node", "bob"))
	defer aliceTransport.Stop()
	defer bobTransport.Stop()

	aliceDest, err := destination.New(aliceID, destination.In, destination.Single, "meshd", "chat")
	if err != nil {
		fmt.Printf("failed to create alice's destination: %v\n", err)
		os.Exit(1)
	}

	handle := &transport.DestinationHandle{
		Destination:        aliceDest,
		AcceptLinkRequests: true,
		OnLinkRequest: func(l *link.Link) {
			l.RegisterRequestHandler("ping", func(data []byte) ([]byte, error) {
				return append([]byte("pong: "), data...), nil
			})
		},
	}
	if err := aliceTransport.RegisterDestination(handle); err != nil {
		fmt.Printf("failed to register alice's destination: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("alice announcing...")
	if err := aliceTransport.Announce(aliceDest, []byte("alice online")); err != nil {
		fmt.Printf("announce failed: %v\n", err)
		os.Exit(1)
	}

	waitForPath(bobTransport, aliceDest.DestinationHash, 2*time.Second)

	fmt.Println("bob establishing link to alice...")
	l, err := bobTransport.EstablishLink(aliceDest.DestinationHash)
	if err != nil {
		fmt.Printf("establish link failed: %v\n", err)
		os.Exit(1)
	}

	if !waitForLinkActive(l, 2*time.Second) {
		fmt.Println("link did not become active in time")
		os.Exit(1)
	}
	fmt.Printf("link active, rtt=%s\n", l.RTT())

	respCh := make(chan []byte, 1)
	failCh := make(chan error, 1)
	if err := bobTransport.Request(l, "ping", []byte("hello alice"), func(data []byte) {
		respCh <- data
	}, func(err error) {
		failCh <- err
	}, 5*time.Second); err != nil {
		fmt.Printf("request failed: %v\n", err)
		os.Exit(1)
	}

	select {
	case data := <-respCh:
		fmt.Printf("bob received response: %q\n", data)
	case err := <-failCh:
		fmt.Printf("request failed: %v\n", err)
	case <-time.After(5 * time.Second):
		fmt.Println("timed out waiting for response")
	case <-ctx.Done():
		return
	}

	<-ctx.Done()
	fmt.Println("shutting down")
}

func createIdentities() (alice, bob *identity.Identity) {
	var err error
	alice, err = identity.Create()
	if err != nil {
		fmt.Printf("failed to create alice's identity: %v\n", err)
		os.Exit(1)
	}
	bob, err = identity.Create()
	if err != nil {
		fmt.Printf("failed to create bob's identity: %v\n", err)
		os.Exit(1)
	}
	return alice, bob
}

func startTransport(ctx context.Context, id *identity.Identity, i iface.Interface, logger *slog.Logger) *transport.Transport {
	t := transport.New(transport.Config{
		EnableTransport: true,
		RespondToProbes: true,
		Logger:          logger,
	})
	if err := t.RegisterInterface(i); err != nil {
		fmt.Printf("failed to register interface: %v\n", err)
		os.Exit(1)
	}
	if err := i.Start(ctx); err != nil {
		fmt.Printf("failed to start interface: %v\n", err)
		os.Exit(1)
	}
	if err := t.Start(ctx, id); err != nil {
		fmt.Printf("failed to start transport: %v\n", err)
		os.Exit(1)
	}
	return t
}

func waitForPath(t *transport.Transport, dest [16]byte, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.HasPath(dest) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForLinkActive(l *link.Link, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.State() == link.Active {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("meshd-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
