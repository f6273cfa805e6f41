// Package destination implements named endpoints derived from an
// identity, an application name, and a sequence of aspects: destination
// hash derivation, announce construction and parsing, and per-destination
// ratchet storage.
package destination

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cvsouth/meshwire/identity"
)

// Type is the destination kind.
type Type uint8

const (
	Single Type = iota
	Group
	Plain
	Link
)

// Direction is whether a destination is owned locally and receives
// inbound traffic (In) or is a remote endpoint that traffic is sent to (Out).
type Direction uint8

const (
	In Direction = iota
	Out
)

const (
	NameHashSize        = 10
	DestinationHashSize = 16
	RandomHashSize      = 10
	RatchetSize         = 32
	RatchetIDSize       = 10

	// AnnounceMaxAge is the freshness window: an announce older than this
	// is rejected (§4.3).
	AnnounceMaxAge = 24 * time.Hour
	// AnnounceMaxSkew tolerates a small amount of clock drift for
	// announces that appear to be from the future.
	AnnounceMaxSkew = 10 * time.Second
)

var (
	// ErrConfigurationError mirrors the taxonomy's programmer-error kind:
	// surfaced at construction time, never at runtime.
	ErrConfigurationError = errors.New("destination: configuration error")
)

// Destination is a named endpoint.
type Destination struct {
	Type      Type
	Direction Direction
	AppName   string
	Aspects   []string
	Identity  *identity.Identity // nil for PLAIN

	NameHash        [NameHashSize]byte
	DestinationHash [DestinationHashSize]byte

	// GroupKey is the shared symmetric token key for GROUP destinations,
	// 32 or 64 bytes.
	GroupKey []byte

	ratchets *RatchetStore
}

// New validates and constructs a Destination, computing its name_hash and
// destination_hash.
func New(id *identity.Identity, dir Direction, typ Type, appName string, aspects ...string) (*Destination, error) {
	if strings.Contains(appName, ".") {
		return nil, fmt.Errorf("%w: app_name must not contain '.'", ErrConfigurationError)
	}
	for _, a := range aspects {
		if strings.Contains(a, ".") {
			return nil, fmt.Errorf("%w: aspect %q must not contain '.'", ErrConfigurationError, a)
		}
	}
	if typ == Plain && id != nil {
		return nil, fmt.Errorf("%w: PLAIN destinations must not hold an identity", ErrConfigurationError)
	}
	if (typ == Single || typ == Group) && dir == Out && id == nil {
		return nil, fmt.Errorf("%w: outbound SINGLE/GROUP destinations require an identity", ErrConfigurationError)
	}

	d := &Destination{
		Type:      typ,
		Direction: dir,
		AppName:   appName,
		Aspects:   append([]string(nil), aspects...),
		Identity:  id,
		ratchets:  newRatchetStore(),
	}
	d.NameHash = nameHash(appName, aspects)
	d.DestinationHash = destinationHash(typ, d.NameHash, id)
	return d, nil
}

func nameHash(appName string, aspects []string) [NameHashSize]byte {
	parts := append([]string{appName}, aspects...)
	sum := sha256.Sum256([]byte(strings.Join(parts, ".")))
	var out [NameHashSize]byte
	copy(out[:], sum[:NameHashSize])
	return out
}

func destinationHash(typ Type, nameHash [NameHashSize]byte, id *identity.Identity) [DestinationHashSize]byte {
	var out [DestinationHashSize]byte
	if typ == Plain {
		sum := sha256.Sum256(nameHash[:])
		copy(out[:], sum[:DestinationHashSize])
		return out
	}
	var idHash [16]byte
	if id != nil {
		idHash = id.Hash()
	}
	buf := make([]byte, 0, NameHashSize+len(idHash))
	buf = append(buf, nameHash[:]...)
	buf = append(buf, idHash[:]...)
	sum := sha256.Sum256(buf)
	copy(out[:], sum[:DestinationHashSize])
	return out
}

// Announce is the parsed payload of an ANNOUNCE packet.
type Announce struct {
	PublicKeys [identity.PublicKeySize]byte
	NameHash   [NameHashSize]byte
	RandomHash [RandomHashSize]byte
	Ratchet    *[RatchetSize]byte
	Signature  [ed25519.SignatureSize]byte
	AppData    []byte
}

// BuildAnnounce composes an ANNOUNCE payload. Only valid for SINGLE, IN
// destinations that own an identity with a private key.
func (d *Destination) BuildAnnounce(appData []byte) (*Announce, bool, error) {
	if d.Type != Single || d.Direction != In {
		return nil, false, fmt.Errorf("%w: announce is only valid for SINGLE, IN destinations", ErrConfigurationError)
	}
	if d.Identity == nil || !d.Identity.HasPrivateKey() {
		return nil, false, fmt.Errorf("%w: announce requires a local identity", ErrConfigurationError)
	}

	randomHash, err := newRandomHash()
	if err != nil {
		return nil, false, fmt.Errorf("destination announce: %w", err)
	}

	pk := d.Identity.PublicKeys()
	ratchetPub := d.ratchets.currentPublic()

	signedData := make([]byte, 0, DestinationHashSize+identity.PublicKeySize+NameHashSize+RandomHashSize+RatchetSize+len(appData))
	signedData = append(signedData, d.DestinationHash[:]...)
	signedData = append(signedData, pk[:]...)
	signedData = append(signedData, d.NameHash[:]...)
	signedData = append(signedData, randomHash[:]...)
	if ratchetPub != nil {
		signedData = append(signedData, ratchetPub[:]...)
	}
	signedData = append(signedData, appData...)

	sig, err := d.Identity.Sign(signedData)
	if err != nil {
		return nil, false, fmt.Errorf("destination announce: %w", err)
	}

	a := &Announce{
		PublicKeys: pk,
		NameHash:   d.NameHash,
		RandomHash: randomHash,
		Ratchet:    ratchetPub,
		AppData:    append([]byte(nil), appData...),
	}
	copy(a.Signature[:], sig)
	return a, ratchetPub != nil, nil
}

// Pack serializes an Announce into the wire payload carried by an ANNOUNCE
// packet: pubkeys || name_hash || random_hash || [ratchet] || signature ||
// app_data.
func (a *Announce) Pack() []byte {
	size := identity.PublicKeySize + NameHashSize + RandomHashSize + ed25519.SignatureSize + len(a.AppData)
	if a.Ratchet != nil {
		size += RatchetSize
	}
	out := make([]byte, 0, size)
	out = append(out, a.PublicKeys[:]...)
	out = append(out, a.NameHash[:]...)
	out = append(out, a.RandomHash[:]...)
	if a.Ratchet != nil {
		out = append(out, a.Ratchet[:]...)
	}
	out = append(out, a.Signature[:]...)
	out = append(out, a.AppData...)
	return out
}

// UnpackAnnounce parses a wire announce payload. hasRatchet must be set
// from the packet's context flag, since the ratchet field has no length
// prefix of its own.
func UnpackAnnounce(data []byte, hasRatchet bool) (*Announce, error) {
	min := identity.PublicKeySize + NameHashSize + RandomHashSize + ed25519.SignatureSize
	if hasRatchet {
		min += RatchetSize
	}
	if len(data) < min {
		return nil, fmt.Errorf("destination: announce payload too short: %d bytes, need at least %d", len(data), min)
	}
	a := &Announce{}
	off := 0
	copy(a.PublicKeys[:], data[off:off+identity.PublicKeySize])
	off += identity.PublicKeySize
	copy(a.NameHash[:], data[off:off+NameHashSize])
	off += NameHashSize
	copy(a.RandomHash[:], data[off:off+RandomHashSize])
	off += RandomHashSize
	if hasRatchet {
		var r [RatchetSize]byte
		copy(r[:], data[off:off+RatchetSize])
		a.Ratchet = &r
		off += RatchetSize
	}
	copy(a.Signature[:], data[off:off+ed25519.SignatureSize])
	off += ed25519.SignatureSize
	a.AppData = append([]byte(nil), data[off:]...)
	return a, nil
}

// SignedData reconstructs the bytes the originator signed, given the
// destination_hash the announce was addressed to.
func (a *Announce) SignedData(destinationHash [DestinationHashSize]byte) []byte {
	size := DestinationHashSize + identity.PublicKeySize + NameHashSize + RandomHashSize + len(a.AppData)
	if a.Ratchet != nil {
		size += RatchetSize
	}
	out := make([]byte, 0, size)
	out = append(out, destinationHash[:]...)
	out = append(out, a.PublicKeys[:]...)
	out = append(out, a.NameHash[:]...)
	out = append(out, a.RandomHash[:]...)
	if a.Ratchet != nil {
		out = append(out, a.Ratchet[:]...)
	}
	out = append(out, a.AppData...)
	return out
}

// Verify checks the announce signature against its own embedded public
// keys and validates freshness.
func (a *Announce) Verify(destinationHash [DestinationHashSize]byte, now time.Time) error {
	id, err := identity.FromPublicKeys(a.PublicKeys[:])
	if err != nil {
		return fmt.Errorf("destination: announce verify: %w", err)
	}
	if !id.Verify(a.SignedData(destinationHash), a.Signature[:]) {
		return fmt.Errorf("destination: announce signature invalid")
	}
	ts := a.Timestamp()
	age := now.Sub(ts)
	if age > AnnounceMaxAge {
		return fmt.Errorf("destination: announce too old (%s)", age)
	}
	if age < -AnnounceMaxSkew {
		return fmt.Errorf("destination: announce timestamped in the future (skew %s)", -age)
	}
	return nil
}

// Timestamp extracts the seconds-since-epoch trailer of random_hash: the
// last 5 bytes, big-endian.
func (a *Announce) Timestamp() time.Time {
	return time.Unix(decode40(a.RandomHash[5:10]), 0).UTC()
}

func newRandomHash() ([RandomHashSize]byte, error) {
	var out [RandomHashSize]byte
	if _, err := rand.Read(out[:5]); err != nil {
		return out, fmt.Errorf("random component: %w", err)
	}
	encode40(out[5:10], time.Now().Unix())
	return out, nil
}

func encode40(dst []byte, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	copy(dst, buf[3:8])
}

func decode40(src []byte) int64 {
	var buf [8]byte
	copy(buf[3:8], src)
	return int64(binary.BigEndian.Uint64(buf[:]))
}

// Encrypt dispatches encryption by destination type: PLAIN passes through,
// SINGLE uses the identity's token format with optional ratchet, GROUP
// uses the shared symmetric key, LINK is forbidden (handled by the link
// package).
func (d *Destination) Encrypt(plaintext []byte) ([]byte, error) {
	switch d.Type {
	case Plain:
		return append([]byte(nil), plaintext...), nil
	case Single:
		if d.Identity == nil {
			return nil, fmt.Errorf("%w: SINGLE encrypt requires an identity", ErrConfigurationError)
		}
		ratchetPub := d.ratchets.currentPublic()
		return d.Identity.EncryptWithSalt(plaintext, d.DestinationHash[:], ratchetPub)
	case Group:
		if len(d.GroupKey) != 32 && len(d.GroupKey) != 64 {
			return nil, fmt.Errorf("%w: GROUP encrypt requires a 32 or 64 byte key", ErrConfigurationError)
		}
		return encryptGroupToken(plaintext, d.GroupKey, d.DestinationHash[:])
	case Link:
		return nil, fmt.Errorf("%w: LINK destinations are encrypted by the link session, not Destination", ErrConfigurationError)
	default:
		return nil, fmt.Errorf("%w: unknown destination type", ErrConfigurationError)
	}
}

// Decrypt reverses Encrypt. A decryption mismatch is never an error to the
// caller: it returns (nil, false) and the caller treats it as a dropped
// packet, per the taxonomy's AuthenticationFailed semantics.
func (d *Destination) Decrypt(ciphertext []byte) ([]byte, bool) {
	switch d.Type {
	case Plain:
		return append([]byte(nil), ciphertext...), true
	case Single:
		if d.Identity == nil || !d.Identity.HasPrivateKey() {
			return nil, false
		}
		privs := d.ratchets.privatesNewestFirst()
		pt, err := d.Identity.DecryptWithSalt(ciphertext, d.DestinationHash[:], privs, len(privs) > 0)
		if err != nil {
			return nil, false
		}
		return pt, true
	case Group:
		if len(d.GroupKey) != 32 && len(d.GroupKey) != 64 {
			return nil, false
		}
		pt, err := decryptGroupToken(ciphertext, d.GroupKey, d.DestinationHash[:])
		if err != nil {
			return nil, false
		}
		return pt, true
	default:
		return nil, false
	}
}

// AddRatchet registers a decrypt-side ratchet private key (newest last is
// not required; RatchetStore tracks insertion order for eviction).
func (d *Destination) AddRatchet(priv [RatchetSize]byte) { d.ratchets.add(priv) }

// SetRatchet installs the current encrypt-side ratchet public key, as
// learned from a remote announce.
func (d *Destination) SetRatchet(pub [RatchetSize]byte) { d.ratchets.setEncryptSide(pub) }

// RatchetID returns the short identifier of a ratchet public key used to
// reference it without repeating the full 32 bytes: SHA-256(pub)[:10].
func RatchetID(pub [RatchetSize]byte) [RatchetIDSize]byte {
	sum := sha256.Sum256(pub[:])
	var out [RatchetIDSize]byte
	copy(out[:], sum[:RatchetIDSize])
	return out
}

// Ratchets exposes the destination's ratchet store for maintenance jobs
// (rotation, expiry) run by transport.
func (d *Destination) Ratchets() *RatchetStore { return d.ratchets }
