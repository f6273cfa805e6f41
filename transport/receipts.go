package transport

import (
	"sync"
	"time"
)

// receipt tracks an outstanding request for a packet-delivery proof: the
// application asked Transport to tell it when packetHash was proven
// received, within timeout.
type receipt struct {
	created  time.Time
	timeout  time.Duration
	callback func(proven bool)
	done     bool
}

type receiptTable struct {
	mu      sync.Mutex
	entries map[[16]byte]*receipt
}

func newReceiptTable() *receiptTable {
	return &receiptTable{entries: make(map[[16]byte]*receipt)}
}

// RequestReceipt registers interest in a proof for packetHash. callback is
// invoked at most once, either when a matching PROOF arrives (proven=true)
// or when the receipt culls for timeout (proven=false).
func (t *Transport) RequestReceipt(packetHash [16]byte, timeout time.Duration, callback func(proven bool)) {
	if timeout <= 0 {
		timeout = receiptDefaultTimeout
	}
	t.receipts.mu.Lock()
	defer t.receipts.mu.Unlock()
	t.receipts.entries[packetHash] = &receipt{created: time.Now(), timeout: timeout, callback: callback}
}

// resolve marks packetHash as proven, invoking its callback once. It
// reports whether a matching receipt existed.
func (rt *receiptTable) resolve(packetHash [16]byte, proven bool) bool {
	rt.mu.Lock()
	r, ok := rt.entries[packetHash]
	if ok {
		delete(rt.entries, packetHash)
	}
	rt.mu.Unlock()
	if !ok || r.done {
		return false
	}
	r.done = true
	if r.callback != nil {
		r.callback(proven)
	}
	return true
}

// cullTimedOut drops and fires (proven=false) every receipt older than its
// own timeout (§4.3 job 5).
func (rt *receiptTable) cullTimedOut(now time.Time) int {
	rt.mu.Lock()
	var expired []*receipt
	for hash, r := range rt.entries {
		if now.Sub(r.created) > r.timeout {
			expired = append(expired, r)
			delete(rt.entries, hash)
		}
	}
	rt.mu.Unlock()
	for _, r := range expired {
		r.done = true
		if r.callback != nil {
			r.callback(false)
		}
	}
	return len(expired)
}
