package transport

import (
	"sync"
	"time"

	"github.com/cvsouth/meshwire/identity"
)

// knownDestinationEntry is what Transport remembers about any destination
// hash it has ever seen an announce for, independent of whether a path to
// it is currently cached (§3.1: "recalled from destination hash via a
// process-wide known_destinations map").
type knownDestinationEntry struct {
	PublicKeys [identity.PublicKeySize]byte
	LastSeen   time.Time
	AppData    []byte
}

type knownDestinations struct {
	mu      sync.RWMutex
	entries map[[16]byte]knownDestinationEntry
}

func newKnownDestinations() *knownDestinations {
	return &knownDestinations{entries: make(map[[16]byte]knownDestinationEntry)}
}

func (k *knownDestinations) observe(dest [16]byte, pub [identity.PublicKeySize]byte, appData []byte, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[dest] = knownDestinationEntry{PublicKeys: pub, LastSeen: now, AppData: append([]byte(nil), appData...)}
}

func (k *knownDestinations) lookup(dest [16]byte) (knownDestinationEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[dest]
	return e, ok
}

// recall reconstructs a remote identity from a previously observed
// announce, mirroring Identity.recall in the source design.
func (k *knownDestinations) recall(dest [16]byte) (*identity.Identity, bool) {
	e, ok := k.lookup(dest)
	if !ok {
		return nil, false
	}
	id, err := identity.FromPublicKeys(e.PublicKeys[:])
	if err != nil {
		return nil, false
	}
	return id, true
}

// cull drops entries older than maxAge (§4.3 job 8, hourly, 7-day default).
func (k *knownDestinations) cull(maxAge time.Duration, now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for dh, e := range k.entries {
		if now.Sub(e.LastSeen) > maxAge {
			delete(k.entries, dh)
			n++
		}
	}
	return n
}
