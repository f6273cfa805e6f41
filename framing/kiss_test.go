package framing

import (
	"bytes"
	"testing"
)

func TestKISSRoundTrip(t *testing.T) {
	payload := []byte{0xC0, 0xDB, 0x01, 0x02, 0xC0}
	frame := KISSFrame(2, KISSCommandData, payload)
	d := NewKISSDeframer()
	results := d.Feed(frame)
	if len(results) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(results))
	}
	if results[0].Port != 2 || results[0].Command != KISSCommandData {
		t.Fatalf("port/command mismatch: %+v", results[0])
	}
	if !bytes.Equal(results[0].Payload, payload) {
		t.Fatalf("payload mismatch: got %x want %x", results[0].Payload, payload)
	}
}

func TestKISSNonDataCommandNotDelivered(t *testing.T) {
	frame := KISSFrame(0, 0x05, []byte{0x01, 0x02, 0x03}) // e.g. a TXDELAY control frame
	d := NewKISSDeframer()
	results := d.Feed(frame)
	if len(results) != 0 {
		t.Fatalf("expected non-DATA command to be consumed silently, got %d frames", len(results))
	}
}

func TestKISSEmbeddedFENDResyncs(t *testing.T) {
	d := NewKISSDeframer()
	// Two back-to-back FENDs between frames (common on noisy KISS links)
	// must not produce a spurious frame.
	stream := append(KISSFrame(0, KISSCommandData, []byte("first-payload-longer")), 0xC0)
	stream = append(stream, KISSFrame(0, KISSCommandData, []byte("second"))...)
	results := d.Feed(stream)
	if len(results) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(results))
	}
	if string(results[0].Payload) != "first-payload-longer" || string(results[1].Payload) != "second" {
		t.Fatalf("unexpected payloads: %+v", results)
	}
}
