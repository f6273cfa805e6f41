package transport

import (
	"sync"
	"time"

	"github.com/cvsouth/meshwire/iface"
)

// LinkTableEntry lets an intermediate transport node forward link-layer
// packets (LINKREQUEST/PROOF/DATA carrying a link_id) along the pinned
// path used during establishment, without terminating the link itself
// (§3.6).
type LinkTableEntry struct {
	EstablishedAt time.Time
	NextHopIface  iface.Interface
	PeerIface     iface.Interface
	RTT           time.Duration
	ExpectedHops  uint8
	ProofTimeout  time.Time
}

type linkTable struct {
	mu      sync.RWMutex
	entries map[[16]byte]LinkTableEntry
}

func newLinkTable() *linkTable {
	return &linkTable{entries: make(map[[16]byte]LinkTableEntry)}
}

func (t *linkTable) put(linkID [16]byte, e LinkTableEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[linkID] = e
}

func (t *linkTable) get(linkID [16]byte) (LinkTableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[linkID]
	return e, ok
}

func (t *linkTable) remove(linkID [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, linkID)
}

// cullExpiredProofs drops pinned entries whose establishment proof never
// arrived within ProofTimeout, freeing intermediate-hop state for links
// that never completed.
func (t *linkTable) cullExpiredProofs(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if !e.ProofTimeout.IsZero() && now.After(e.ProofTimeout) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
