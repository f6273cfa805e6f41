package transport

import (
	"context"
	"testing"
	"time"

	"github.com/cvsouth/meshwire/destination"
	"github.com/cvsouth/meshwire/iface"
	"github.com/cvsouth/meshwire/identity"
	"github.com/cvsouth/meshwire/link"
)

func newTestTransport(t *testing.T, i iface.Interface) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.Create()
	if err != nil {
		t.Fatal(err)
	}
	tr := New(Config{
		EnableTransport: true,
		RespondToProbes: true,
		TickInterval:    10 * time.Millisecond,
	})
	if err := tr.RegisterInterface(i); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := i.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, id
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// S3/S4: an announce propagates to a directly connected peer, the peer
// resolves a path, establishes a link, and completes a request/response
// round trip over it.
func TestTransportAnnounceLinkAndRequest(t *testing.T) {
	aliceIface, bobIface, err := iface.NewPipePair("alice", "bob", iface.ModeFull, nil)
	if err != nil {
		t.Fatal(err)
	}

	aliceTransport, aliceID := newTestTransport(t, aliceIface)
	bobTransport, _ := newTestTransport(t, bobIface)

	aliceDest, err := destination.New(aliceID, destination.In, destination.Single, "test", "chat")
	if err != nil {
		t.Fatal(err)
	}

	handlerCalled := make(chan struct{}, 1)
	handle := &DestinationHandle{
		Destination:        aliceDest,
		AcceptLinkRequests: true,
		OnLinkRequest: func(l *link.Link) {
			l.RegisterRequestHandler("ping", func(data []byte) ([]byte, error) {
				handlerCalled <- struct{}{}
				return append([]byte("pong:"), data...), nil
			})
		},
	}
	if err := aliceTransport.RegisterDestination(handle); err != nil {
		t.Fatal(err)
	}

	if err := aliceTransport.Announce(aliceDest, []byte("hello")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	if !waitUntil(t, 2*time.Second, func() bool { return bobTransport.HasPath(aliceDest.DestinationHash) }) {
		t.Fatal("bob never resolved a path to alice")
	}
	hops, ok := bobTransport.HopsTo(aliceDest.DestinationHash)
	if !ok || hops != 0 {
		t.Fatalf("hops = %d, ok=%v, want 0 hops for a direct announce", hops, ok)
	}

	l, err := bobTransport.EstablishLink(aliceDest.DestinationHash)
	if err != nil {
		t.Fatalf("establish link: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return l.State() == link.Active }) {
		t.Fatalf("link never reached ACTIVE, state=%s", l.State())
	}
	if l.RTT() <= 0 {
		t.Fatalf("initiator RTT = %s, want > 0", l.RTT())
	}

	respCh := make(chan []byte, 1)
	failCh := make(chan error, 1)
	if err := bobTransport.Request(l, "ping", []byte("hi"), func(data []byte) {
		respCh <- data
	}, func(err error) {
		failCh <- err
	}, 5*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case <-handlerCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("alice's request handler was never invoked")
	}

	select {
	case data := <-respCh:
		if string(data) != "pong:hi" {
			t.Fatalf("response = %q, want %q", data, "pong:hi")
		}
	case err := <-failCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRegisterInterfaceRejectsDuplicateName(t *testing.T) {
	a, b, err := iface.NewPipePair("dup", "dup-peer", iface.ModeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr := New(Config{})
	if err := tr.RegisterInterface(a); err != nil {
		t.Fatal(err)
	}
	dup, _, err := iface.NewPipePair("dup", "dup-peer-2", iface.ModeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.RegisterInterface(dup); err == nil {
		t.Fatal("expected an error registering a duplicate interface name")
	}
	_ = b
}

func TestDeregisterInterfaceDropsItsPaths(t *testing.T) {
	tr := New(Config{})
	a, _, err := iface.NewPipePair("gone", "gone-peer", iface.ModeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.RegisterInterface(a); err != nil {
		t.Fatal(err)
	}
	var dest [16]byte
	dest[0] = 1
	tr.paths.update(dest, PathEntry{NextHopIface: a, Hops: 1, Expiry: time.Now().Add(time.Hour)}, time.Now())

	if err := tr.DeregisterInterface("gone"); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.paths.lookup(dest); ok {
		t.Fatal("path routed through a deregistered interface should have been removed")
	}
}

func TestEstablishLinkWithoutPathFails(t *testing.T) {
	tr := New(Config{})
	tr.mu.Lock()
	tr.started = true
	tr.mu.Unlock()

	_, err := tr.EstablishLink([16]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected an error establishing a link with no known path")
	}
}
