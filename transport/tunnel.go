package transport

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/cvsouth/meshwire/iface"
)

// TunnelID identifies a tunnel interface persistently across
// disconnections (§4.3): the first 16 bytes of the SHA-256 of the bytes
// given to DeriveTunnelID. Transport derives the id of a wants_tunnel
// interface from the interface's name, not from an identity public key
// (iface.Interface exposes none), so a reconnecting tunnel keeps its id
// only if it keeps its name.
type TunnelID [16]byte

// DeriveTunnelID computes a tunnel's persistent identifier from a stable
// byte string naming the tunnel; handleAnnounce passes the interface name.
func DeriveTunnelID(ifaceIdentityPub []byte) TunnelID {
	sum := sha256.Sum256(ifaceIdentityPub)
	var out TunnelID
	copy(out[:], sum[:16])
	return out
}

// tunnelEntry is the announce-replay set remembered for one tunnel.
type tunnelEntry struct {
	Announces  [][]byte
	LastOnline time.Time
}

// tunnelStore persistently remembers announces received over
// wants_tunnel interfaces so a reconnecting tunnel can rehydrate the path
// table without waiting for fresh announces (§4.3).
type tunnelStore struct {
	mu      sync.Mutex
	entries map[TunnelID]*tunnelEntry
	// pending marks tunnel interfaces that came online since the last
	// synthesis pass and are awaiting replay.
	pending map[string]TunnelID
}

func newTunnelStore() *tunnelStore {
	return &tunnelStore{
		entries: make(map[TunnelID]*tunnelEntry),
		pending: make(map[string]TunnelID),
	}
}

// remember appends announceBytes to the tunnel's replay set, capped at 64
// entries (a tunnel interface is expected to carry few distinct
// destinations, not an unbounded log).
func (s *tunnelStore) remember(id TunnelID, announceBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &tunnelEntry{}
		s.entries[id] = e
	}
	e.Announces = append(e.Announces, announceBytes)
	if len(e.Announces) > 64 {
		e.Announces = e.Announces[len(e.Announces)-64:]
	}
}

// markOnline flags that ifaceName (a wants_tunnel interface identified by
// id) came online and should be replayed to on the next synthesis pass.
func (s *tunnelStore) markOnline(ifaceName string, id TunnelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ifaceName] = id
}

func (s *tunnelStore) takePending() map[string]TunnelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = make(map[string]TunnelID)
	return out
}

func (s *tunnelStore) replaySet(id TunnelID) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return append([][]byte(nil), e.Announces...)
}

func (s *tunnelStore) snapshot() map[TunnelID][][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[TunnelID][][]byte, len(s.entries))
	for k, v := range s.entries {
		out[k] = append([][]byte(nil), v.Announces...)
	}
	return out
}

func (s *tunnelStore) restore(data map[TunnelID][][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[TunnelID]*tunnelEntry, len(data))
	for k, v := range data {
		s.entries[k] = &tunnelEntry{Announces: v}
	}
}

// synthesizeTunnels replays stored announces for interfaces that have come
// online since the last pass (§4.3 job 6, every minute), feeding them back
// through replayAnnounce so the path table rehydrates exactly as if the
// announces had just arrived. It bypasses the dedup ring deliberately: a
// replayed announce is byte-identical to the one already hashed into the
// ring at original receipt, so routing it through the ordinary Inbound
// path would drop it as a duplicate every time.
func (t *Transport) synthesizeTunnels() {
	pending := t.tunnels.takePending()
	for ifaceName, id := range pending {
		out, ok := t.interfaceByName(ifaceName)
		if !ok {
			continue
		}
		for _, raw := range t.tunnels.replaySet(id) {
			t.replayAnnounce(raw, out)
		}
	}
}

// NotifyTunnelOnline should be called by the out-of-scope driver when a
// wants_tunnel interface reconnects, so the next synthesis pass replays
// its remembered announces.
func (t *Transport) NotifyTunnelOnline(i iface.Interface, tunnelID TunnelID) {
	if !i.WantsTunnel() {
		return
	}
	t.tunnels.markOnline(i.Name(), tunnelID)
}
