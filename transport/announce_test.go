package transport

import (
	"testing"
	"time"

	"github.com/cvsouth/meshwire/iface"
)

func modePtr(m iface.Mode) *iface.Mode { return &m }

// S3: announces rebroadcast on every permitted interface per the §4.3
// mode-filtered forwarding table.
func TestShouldForward(t *testing.T) {
	cases := []struct {
		name               string
		outMode            iface.Mode
		isLocalDestination bool
		sourceMode         *iface.Mode
		want               bool
	}{
		{"access point never forwards", iface.ModeAccessPoint, true, nil, false},
		{"full always forwards", iface.ModeFull, false, modePtr(iface.ModeRoaming), true},
		{"point to point always forwards", iface.ModePointToPoint, false, nil, true},
		{"gateway always forwards", iface.ModeGateway, false, nil, true},
		{"roaming forwards local destination", iface.ModeRoaming, true, nil, true},
		{"roaming blocks unknown source", iface.ModeRoaming, false, nil, false},
		{"roaming blocks roaming source", iface.ModeRoaming, false, modePtr(iface.ModeRoaming), false},
		{"roaming blocks boundary source", iface.ModeRoaming, false, modePtr(iface.ModeBoundary), false},
		{"roaming allows full source", iface.ModeRoaming, false, modePtr(iface.ModeFull), true},
		{"boundary forwards local destination", iface.ModeBoundary, true, nil, true},
		{"boundary blocks unknown source", iface.ModeBoundary, false, nil, false},
		{"boundary blocks roaming source", iface.ModeBoundary, false, modePtr(iface.ModeRoaming), false},
		{"boundary allows boundary source", iface.ModeBoundary, false, modePtr(iface.ModeBoundary), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := shouldForward(c.outMode, c.isLocalDestination, c.sourceMode)
			if got != c.want {
				t.Fatalf("shouldForward(%s, %v, %v) = %v, want %v", c.outMode, c.isLocalDestination, c.sourceMode, got, c.want)
			}
		})
	}
}

func TestAnnounceQueueCollapsesPendingByDestination(t *testing.T) {
	q := newAnnounceQueue(1_000_000)
	var dest [16]byte
	dest[0] = 1

	q.enqueue(dest, []byte("first"))
	q.enqueue(dest, []byte("second"))

	if len(q.order) != 1 {
		t.Fatalf("order len = %d, want 1 (collapsed)", len(q.order))
	}
	if string(q.pending[dest]) != "second" {
		t.Fatalf("pending = %q, want %q (latest wins)", q.pending[dest], "second")
	}
}

func TestAnnounceQueueDrainRespectsRateLimit(t *testing.T) {
	// a tiny bitrate floors the rate at 1 byte/s with a 514-byte burst,
	// too small for a 4096-byte announce
	q := newAnnounceQueue(8)
	var dest [16]byte
	dest[0] = 1
	q.enqueue(dest, make([]byte, 4096))

	out := q.drain()
	if len(out) != 0 {
		t.Fatalf("drain returned %d items, want 0 under a tiny rate limit", len(out))
	}
	if _, stillPending := q.pending[dest]; !stillPending {
		t.Fatal("undrained announce should remain queued")
	}
}

func TestAnnounceQueueSetThrottleHalvesLimit(t *testing.T) {
	q := newAnnounceQueue(1_000_000)
	before := float64(q.limiter.Limit())
	q.setThrottle(true, 1_000_000)
	after := float64(q.limiter.Limit())
	if after >= before {
		t.Fatalf("throttled limit %.2f not less than unthrottled %.2f", after, before)
	}
	want := before / 2
	if diff := after - want; diff > 1 || diff < -1 {
		t.Fatalf("throttled limit = %.2f, want ~%.2f", after, want)
	}
}

func TestAnnounceQueueDrainEventuallySucceeds(t *testing.T) {
	q := newAnnounceQueue(8_000_000)
	var dest [16]byte
	dest[0] = 9
	q.enqueue(dest, []byte("small announce"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := q.drain(); len(out) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("announce never drained within budget")
}
