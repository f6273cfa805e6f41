package framing

import (
	"bytes"
	"testing"
)

func TestHDLCRoundTrip(t *testing.T) {
	payloads := [][]byte{
		bytes.Repeat([]byte{0x41}, 25),
		bytes.Repeat([]byte{0x7E, 0x7D, 0x00, 0x7E, 0x7D}, 5),
		bytes.Repeat([]byte{0xFF}, 100),
	}
	d := NewHDLCDeframer()
	var got [][]byte
	for _, p := range payloads {
		frame := HDLCFrame(p)
		got = append(got, d.Feed(frame)...)
	}
	if len(got) != len(payloads) {
		t.Fatalf("expected %d frames, got %d", len(payloads), len(got))
	}
	for i, p := range payloads {
		if !bytes.Equal(got[i], p) {
			t.Fatalf("frame %d mismatch: got %x want %x", i, got[i], p)
		}
	}
}

// S6: two flags with an empty body yields no frame.
func TestHDLCEmptyFrameDiscarded(t *testing.T) {
	d := NewHDLCDeframer()
	frames := d.Feed([]byte{hdlcFlag, hdlcFlag})
	if len(frames) != 0 {
		t.Fatalf("expected no frames from an empty body, got %d", len(frames))
	}
}

// S6: a 20-byte body between flags yields exactly one frame.
func TestHDLCExactlyAboveGuardDelivered(t *testing.T) {
	body := bytes.Repeat([]byte{0x01}, 20)
	d := NewHDLCDeframer()
	frames := d.Feed(HDLCFrame(body))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], body) {
		t.Fatal("frame payload mismatch")
	}
}

func TestHDLCGuardDropsShortFrame(t *testing.T) {
	body := bytes.Repeat([]byte{0x01}, 19) // exactly HEADER_MIN: must be dropped
	d := NewHDLCDeframer()
	frames := d.Feed(HDLCFrame(body))
	if len(frames) != 0 {
		t.Fatalf("expected the 19-byte body to be silently dropped, got %d frames", len(frames))
	}
}

func TestHDLCFeedByteAtATime(t *testing.T) {
	body := bytes.Repeat([]byte{0x7E, 0x7D, 0x10}, 10) // plenty of bytes needing escape
	frame := HDLCFrame(body)
	d := NewHDLCDeframer()
	var got [][]byte
	for _, b := range frame {
		got = append(got, d.Feed([]byte{b})...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 frame fed byte at a time, got %d", len(got))
	}
	if !bytes.Equal(got[0], body) {
		t.Fatal("byte-at-a-time round trip mismatch")
	}
}

func TestHDLCResyncsAfterMalformedEscape(t *testing.T) {
	d := NewHDLCDeframer()
	// A bad escape sequence (0x7D followed by a byte that isn't 0x5E/0x5D)
	// should drop the in-progress frame but resync cleanly on the next one.
	bad := []byte{hdlcFlag, hdlcEscape, 0x00, hdlcFlag}
	if frames := d.Feed(bad); len(frames) != 0 {
		t.Fatalf("malformed frame should not be delivered, got %d", len(frames))
	}
	good := bytes.Repeat([]byte{0x22}, 25)
	frames := d.Feed(HDLCFrame(good))
	if len(frames) != 1 || !bytes.Equal(frames[0], good) {
		t.Fatal("deframer should resync after a malformed escape")
	}
}
