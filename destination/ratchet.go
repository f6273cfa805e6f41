package destination

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

// MaxRatchets and RatchetExpiry bound how long an old ratchet private key
// is retained to decrypt in-flight traffic after rotation (§4.4).
const (
	MaxRatchets          = 512
	RatchetExpiry        = 30 * 24 * time.Hour
	RatchetRotationEvery = 30 * time.Minute
)

type ratchetEntry struct {
	priv      [RatchetSize]byte
	pub       [RatchetSize]byte
	createdAt time.Time
}

// RatchetStore holds the decrypt-side history of ratchet private keys and
// the single current encrypt-side public key advertised in announces.
type RatchetStore struct {
	mu sync.Mutex

	history       []ratchetEntry // newest last
	encryptPublic *[RatchetSize]byte
	lastRotation  time.Time
}

func newRatchetStore() *RatchetStore {
	return &RatchetStore{}
}

// add registers a decrypt-side ratchet private key, evicting the oldest
// entry once MaxRatchets is exceeded.
func (r *RatchetStore) add(priv [RatchetSize]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	var entry ratchetEntry
	entry.priv = priv
	copy(entry.pub[:], pub)
	entry.createdAt = time.Now()
	r.history = append(r.history, entry)
	if len(r.history) > MaxRatchets {
		r.history = r.history[len(r.history)-MaxRatchets:]
	}
}

// setEncryptSide installs the ratchet public key to use for future
// encryption to this destination, rejecting the low-order all-zero point
// (the one degenerate X25519 input worth guarding against up front; X25519
// itself accepts any other 32-byte string by contract).
func (r *RatchetStore) setEncryptSide(pub [RatchetSize]byte) error {
	var zero [RatchetSize]byte
	if pub == zero {
		return fmt.Errorf("destination: ratchet public key is all-zero")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := pub
	r.encryptPublic = &cp
	return nil
}

func (r *RatchetStore) currentPublic() *[RatchetSize]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encryptPublic == nil {
		return nil
	}
	cp := *r.encryptPublic
	return &cp
}

// privatesNewestFirst returns the decrypt-side history ordered newest
// first, as Identity.Decrypt expects to try.
func (r *RatchetStore) privatesNewestFirst() [][RatchetSize]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][RatchetSize]byte, len(r.history))
	for i, e := range r.history {
		out[len(r.history)-1-i] = e.priv
	}
	return out
}

// Rotate generates a fresh ratchet keypair if RatchetRotationEvery has
// elapsed since the last rotation, registers the private half for
// decryption, and returns the new public half to publish in the next
// announce. Returns nil, nil if rotation is not yet due.
func (r *RatchetStore) Rotate(now time.Time) (*[RatchetSize]byte, error) {
	r.mu.Lock()
	due := r.lastRotation.IsZero() || now.Sub(r.lastRotation) >= RatchetRotationEvery
	r.mu.Unlock()
	if !due {
		return nil, nil
	}

	var priv [RatchetSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("ratchet rotate: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ratchet rotate: %w", err)
	}

	r.add(priv)
	var pubArr [RatchetSize]byte
	copy(pubArr[:], pub)
	if err := r.setEncryptSide(pubArr); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.lastRotation = now
	r.mu.Unlock()
	return &pubArr, nil
}

// Expire drops decrypt-side history entries older than RatchetExpiry.
func (r *RatchetStore) Expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.history[:0]
	for _, e := range r.history {
		if now.Sub(e.createdAt) <= RatchetExpiry {
			kept = append(kept, e)
		}
	}
	r.history = kept
}
