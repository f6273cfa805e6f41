package transport

import (
	"sync"
	"time"

	"github.com/cvsouth/meshwire/iface"
)

// PathEntry is everything Transport remembers about the best known route to
// a destination: the interface and next-hop id the route was learned over,
// the hop count, when it expires, the raw announce bytes (for rebroadcast
// and persistence), and the mode of the interface it arrived on.
type PathEntry struct {
	NextHopIface iface.Interface
	NextHopID    [16]byte
	Hops         uint8
	Expiry       time.Time
	Announce     []byte
	SourceMode   iface.Mode
	Timestamp    time.Time // announce's own random_hash timestamp, for tie-breaking
}

// persistedPath is the JSON-serializable form of a PathEntry: the next-hop
// interface can't survive a process restart, so only the fields needed to
// replay the cached announce once interfaces re-register are kept.
type persistedPath struct {
	NextHopIfaceName string    `json:"next_hop_iface"`
	NextHopID        [16]byte  `json:"next_hop_id"`
	Hops             uint8     `json:"hops"`
	Expiry           time.Time `json:"expiry"`
	Announce         []byte    `json:"announce"`
	SourceMode       iface.Mode `json:"source_mode"`
	Timestamp        time.Time `json:"timestamp"`
}

// pathTable is the process-wide map of destination_hash -> PathEntry,
// guarded by its own lock per the shared-resource policy of §5.
type pathTable struct {
	mu      sync.RWMutex
	entries map[[16]byte]PathEntry
}

func newPathTable() *pathTable {
	return &pathTable{entries: make(map[[16]byte]PathEntry)}
}

// lookup returns the current entry for a destination hash, if any.
func (t *pathTable) lookup(dest [16]byte) (PathEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dest]
	return e, ok
}

// shouldReplace implements the §3.4 replacement rule: a path is replaced
// only if the new announce has strictly fewer hops, or the same hops with
// a strictly newer announce timestamp, or the old entry is expired.
func shouldReplace(old PathEntry, hadOld bool, newHops uint8, newTimestamp time.Time, now time.Time) bool {
	if !hadOld {
		return true
	}
	if now.After(old.Expiry) {
		return true
	}
	if newHops < old.Hops {
		return true
	}
	if newHops == old.Hops && newTimestamp.After(old.Timestamp) {
		return true
	}
	return false
}

// update applies a candidate path to the table, honoring the replacement
// rule. It reports whether the entry was accepted (inserted or replaced).
func (t *pathTable) update(dest [16]byte, candidate PathEntry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, had := t.entries[dest]
	if !shouldReplace(old, had, candidate.Hops, candidate.Timestamp, now) {
		return false
	}
	t.entries[dest] = candidate
	return true
}

// cull removes every entry whose expiry has passed. Returns the number
// removed, for maintenance-job logging.
func (t *pathTable) cull(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if now.After(e.Expiry) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// hops returns the hop count to a destination, if a path is known.
func (t *pathTable) hops(dest [16]byte) (uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dest]
	if !ok {
		return 0, false
	}
	return e.Hops, true
}

// snapshot returns a copy of every entry, for persistence.
func (t *pathTable) snapshot() map[[16]byte]PathEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[[16]byte]PathEntry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// restore replaces the table wholesale, used when loading persisted state.
// Entries already expired at load time are dropped.
func (t *pathTable) restore(entries map[[16]byte]PathEntry, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[[16]byte]PathEntry, len(entries))
	for k, v := range entries {
		if now.Before(v.Expiry) {
			t.entries[k] = v
		}
	}
}

// remove drops a single entry, used when its next-hop interface goes offline
// or is deregistered.
func (t *pathTable) remove(dest [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, dest)
}

// removeByInterface drops every entry whose next hop is the given interface
// name, called on interface deregistration.
func (t *pathTable) removeByInterface(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.NextHopIface != nil && e.NextHopIface.Name() == name {
			delete(t.entries, k)
		}
	}
}
