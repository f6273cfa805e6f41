package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cvsouth/meshwire/iface"
)

// announceCapFraction is ANNOUNCE_CAP from §4.3: announces are throttled to
// at most this fraction of an interface's bitrate.
const announceCapFraction = 0.02

// shouldForward implements the mode-filtered forwarding table of §4.3. A
// nil sourceMode (e.g. a locally originated announce) is treated as
// blocking ROAMING/BOUNDARY out-paths unless the destination is local.
func shouldForward(outMode iface.Mode, isLocalDestination bool, sourceMode *iface.Mode) bool {
	switch outMode {
	case iface.ModeAccessPoint:
		return false
	case iface.ModeRoaming:
		if isLocalDestination {
			return true
		}
		if sourceMode == nil {
			return false
		}
		return *sourceMode != iface.ModeRoaming && *sourceMode != iface.ModeBoundary
	case iface.ModeBoundary:
		if isLocalDestination {
			return true
		}
		if sourceMode == nil {
			return false
		}
		return *sourceMode != iface.ModeRoaming
	default: // FULL, POINT_TO_POINT, GATEWAY
		return true
	}
}

// announceQueue is the per-interface outgoing announce queue: a token
// bucket sized to ANNOUNCE_CAP of the interface's bitrate, draining
// entries deduplicated by destination hash (only the most recent announce
// for a given destination is kept queued).
type announceQueue struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	pending map[[16]byte][]byte
	order   [][16]byte
}

func newAnnounceQueue(bitrateBps uint64) *announceQueue {
	bytesPerSec := float64(bitrateBps) * announceCapFraction / 8
	if bytesPerSec < 1 {
		bytesPerSec = 1
	}
	return &announceQueue{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), 2*int(bytesPerSec)+512),
		pending: make(map[[16]byte][]byte),
	}
}

// setThrottle halves the effective rate when the power-saving collaborator
// reports should_throttle (§4.3).
func (q *announceQueue) setThrottle(halved bool, bitrateBps uint64) {
	bytesPerSec := float64(bitrateBps) * announceCapFraction / 8
	if halved {
		bytesPerSec /= 2
	}
	if bytesPerSec < 1 {
		bytesPerSec = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// enqueue replaces any pending announce for the same destination
// (collapsing redundant announces, per §4.3 outbound pipeline).
func (q *announceQueue) enqueue(dest [16]byte, packetBytes []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.pending[dest]; !exists {
		q.order = append(q.order, dest)
	}
	q.pending[dest] = packetBytes
}

// drain returns the announces that fit within the current token budget,
// removing them from the queue in FIFO order by destination.
func (q *announceQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [][]byte
	remaining := q.order[:0:0]
	now := time.Now()
	for _, dest := range q.order {
		data, ok := q.pending[dest]
		if !ok {
			continue
		}
		if !q.limiter.AllowN(now, len(data)) {
			remaining = append(remaining, dest)
			continue
		}
		out = append(out, data)
		delete(q.pending, dest)
	}
	q.order = remaining
	return out
}
