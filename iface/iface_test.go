package iface

import (
	"context"
	"testing"
	"time"
)

func TestDeriveIFACKeyDeterministic(t *testing.T) {
	k1, err := DeriveIFACKey("my-private-net")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveIFACKey("my-private-net")
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatal("same netname must derive the same key")
	}
	k3, err := DeriveIFACKey("a-different-net")
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k3 {
		t.Fatal("different netnames must derive different keys")
	}
}

func TestModePathExpiry(t *testing.T) {
	cases := map[Mode]time.Duration{
		ModeFull:         7 * 24 * time.Hour,
		ModePointToPoint: 7 * 24 * time.Hour,
		ModeBoundary:     7 * 24 * time.Hour,
		ModeGateway:      7 * 24 * time.Hour,
		ModeRoaming:      6 * time.Hour,
		ModeAccessPoint:  24 * time.Hour,
	}
	for mode, want := range cases {
		if got := mode.PathExpiry(); got != want {
			t.Fatalf("%s: expected expiry %s, got %s", mode, want, got)
		}
	}
}

func TestPipePairDeliversAcrossChannel(t *testing.T) {
	a, b, err := NewPipePair("a", "b", ModeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	received := make(chan []byte, 1)
	b.SetOnPacketReceived(func(data []byte, from Interface) {
		received <- data
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Detach()
	defer b.Detach()

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.ProcessOutgoing(payload); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if len(got) != len(payload) {
			t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	stats := a.Stats()
	if stats.TxPackets != 1 {
		t.Fatalf("expected 1 tx packet recorded, got %d", stats.TxPackets)
	}
}

func TestLoopbackDeliversToSelf(t *testing.T) {
	lb, err := NewLoopback("lb", nil)
	if err != nil {
		t.Fatal(err)
	}
	received := make(chan []byte, 1)
	lb.SetOnPacketReceived(func(data []byte, from Interface) { received <- data })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lb.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer lb.Detach()

	payload := make([]byte, 30)
	if err := lb.ProcessOutgoing(payload); err != nil {
		t.Fatal(err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loopback delivery")
	}
}

func TestProcessOutgoingFailsWhenOffline(t *testing.T) {
	a, _, err := NewPipePair("a", "b", ModeFull, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessOutgoing([]byte("hi")); err == nil {
		t.Fatal("expected error when sending before Start")
	}
}
