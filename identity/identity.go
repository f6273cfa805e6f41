// Package identity implements the long-term X25519 + Ed25519 keypair that
// names every endpoint in the mesh: hashing, the encrypt/decrypt token
// format, signing, and file persistence.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize       = 32
	PublicKeySize = 2 * KeySize // x25519 pub || ed25519 pub
	PrivateSize   = 2 * KeySize // x25519 seed || ed25519 seed
	HashSize      = 16

	tokenEphemeralSize = KeySize
	tokenIVSize        = aes.BlockSize
	tokenMACSize       = sha256.Size
	tokenOverhead      = tokenEphemeralSize + tokenIVSize + tokenMACSize
)

// Sentinel errors surfaced at the boundaries named in the error taxonomy:
// ErrInvalidKey for wrong-sized key or ciphertext material, and
// ErrAuthenticationFailed for any MAC, padding or ratchet failure in Decrypt.
var (
	ErrInvalidKey            = errors.New("identity: invalid key material")
	ErrAuthenticationFailed  = errors.New("identity: authentication failed")
)

// Identity is a long-term X25519 (encryption) + Ed25519 (signing) keypair.
// Private material is optional: an Identity recalled from an announce or
// constructed with FromPublicKeys only holds public keys.
type Identity struct {
	pubX  [KeySize]byte
	pubEd [KeySize]byte

	hasPrivate bool
	privX      [KeySize]byte // clamped X25519 seed
	privEdSeed [KeySize]byte // Ed25519 seed
}

// Create generates a fresh keypair. The X25519 seed is clamped per RFC 7748
// before use: bits 0,1,2 of byte 0 cleared, bit 7 of byte 31 cleared, bit 6
// of byte 31 set.
func Create() (*Identity, error) {
	var priv [PrivateSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("identity create: %w", err)
	}
	clampX25519Seed(priv[:KeySize])
	return fromPrivateMaterial(priv)
}

// FromPrivateKey reconstructs an Identity from 64 bytes of combined private
// material: the X25519 seed (32 B) followed by the Ed25519 seed (32 B), the
// same layout persisted by ToFile.
func FromPrivateKey(data []byte) (*Identity, error) {
	if len(data) != PrivateSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKey, PrivateSize, len(data))
	}
	var priv [PrivateSize]byte
	copy(priv[:], data)
	return fromPrivateMaterial(priv)
}

func fromPrivateMaterial(priv [PrivateSize]byte) (*Identity, error) {
	var seed [KeySize]byte
	copy(seed[:], priv[:KeySize])

	pubX, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}

	var edSeed [KeySize]byte
	copy(edSeed[:], priv[KeySize:])
	edPriv := ed25519.NewKeyFromSeed(edSeed[:])
	edPub := edPriv.Public().(ed25519.PublicKey)

	id := &Identity{hasPrivate: true, privEdSeed: edSeed}
	copy(id.privX[:], seed[:])
	copy(id.pubX[:], pubX)
	copy(id.pubEd[:], edPub)
	return id, nil
}

// FromPublicKeys constructs a remote, public-only identity from 64 bytes of
// concatenated public material (x25519 pub || ed25519 pub), as carried in
// an announce.
func FromPublicKeys(data []byte) (*Identity, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("%w: public keys must be %d bytes, got %d", ErrInvalidKey, PublicKeySize, len(data))
	}
	edPart := data[KeySize:]
	if _, err := new(edwards25519.Point).SetBytes(edPart); err != nil {
		return nil, fmt.Errorf("%w: ed25519 public key is not a valid curve point: %v", ErrInvalidKey, err)
	}
	id := &Identity{}
	copy(id.pubX[:], data[:KeySize])
	copy(id.pubEd[:], edPart)
	return id, nil
}

// FromFile loads a combined private key persisted by ToFile.
func FromFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	id, err := FromPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("identity: load %s: %w", path, err)
	}
	return id, nil
}

// ToFile persists the combined private key (64 bytes, no header) to path.
func (id *Identity) ToFile(path string) error {
	if !id.hasPrivate {
		return fmt.Errorf("identity: cannot persist a public-only identity")
	}
	var out [PrivateSize]byte
	copy(out[:KeySize], id.privX[:])
	copy(out[KeySize:], id.privEdSeed[:])
	if err := os.WriteFile(path, out[:], 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// PublicKeys returns the 64-byte concatenation of the x25519 and ed25519
// public keys, as carried in an announce.
func (id *Identity) PublicKeys() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	copy(out[:KeySize], id.pubX[:])
	copy(out[KeySize:], id.pubEd[:])
	return out
}

// PublicKeyX25519 returns the encryption public key.
func (id *Identity) PublicKeyX25519() [KeySize]byte { return id.pubX }

// PublicKeyEd25519 returns the signing public key.
func (id *Identity) PublicKeyEd25519() [KeySize]byte { return id.pubEd }

// HasPrivateKey reports whether this Identity can sign and decrypt.
func (id *Identity) HasPrivateKey() bool { return id.hasPrivate }

// Hash returns the truncated SHA-256 of the concatenated public keys. Two
// identities with the same hash are considered equal.
func (id *Identity) Hash() [HashSize]byte {
	pk := id.PublicKeys()
	sum := sha256.Sum256(pk[:])
	var out [HashSize]byte
	copy(out[:], sum[:HashSize])
	return out
}

// Sign produces a 64-byte Ed25519 signature over message. Requires a
// private key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if !id.hasPrivate {
		return nil, fmt.Errorf("%w: sign requires a private key", ErrInvalidKey)
	}
	edPriv := ed25519.NewKeyFromSeed(id.privEdSeed[:])
	return ed25519.Sign(edPriv, message), nil
}

// Verify checks an Ed25519 signature produced by Sign.
func (id *Identity) Verify(message, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.pubEd[:], message, sig)
}

// Encrypt encrypts plaintext for this identity (the recipient), salting
// the key derivation with the recipient's own hash. Destination-level
// callers that need a distinct salt (the owning destination_hash rather
// than the bare identity hash) should use EncryptWithSalt directly.
func (id *Identity) Encrypt(plaintext []byte, ratchetPub *[KeySize]byte) ([]byte, error) {
	salt := id.Hash()
	return id.EncryptWithSalt(plaintext, salt[:], ratchetPub)
}

// EncryptWithSalt is Encrypt with an explicit HKDF salt (the owning
// destination_hash, when called through destination.Destination).
func (id *Identity) EncryptWithSalt(plaintext, salt []byte, ratchetPub *[KeySize]byte) ([]byte, error) {
	var ephPriv [KeySize]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("identity encrypt: generate ephemeral key: %w", err)
	}
	clampX25519Seed(ephPriv[:])
	defer clear(ephPriv[:])

	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: derive ephemeral public: %w", err)
	}

	target := id.pubX
	if ratchetPub != nil {
		target = *ratchetPub
	}
	shared, err := curve25519.X25519(ephPriv[:], target[:])
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: ecdh: %w", err)
	}
	defer clear(shared)

	signingKey, encKey, err := deriveTokenKeys(shared, salt)
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: %w", err)
	}
	defer clear(signingKey)
	defer clear(encKey)

	iv := make([]byte, tokenIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("identity encrypt: generate iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("identity encrypt: new cipher: %w", err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := computeTokenMAC(signingKey, iv, ct)

	out := make([]byte, 0, tokenOverhead+len(ct))
	out = append(out, ephPub...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, mac...)
	return out, nil
}

// Decrypt reverses Encrypt. If ratchetPrivs is non-empty, each is tried in
// the given order (callers pass newest first); if enforceRatchets is true
// and none succeed, Decrypt fails without falling back to the identity's
// own private key. Decrypt never distinguishes HMAC failure from padding
// failure to the caller — both collapse to ErrAuthenticationFailed, per
// the no-oracle discipline of AuthenticationFailed.
func (id *Identity) Decrypt(ciphertext []byte, ratchetPrivs [][KeySize]byte, enforceRatchets bool) ([]byte, error) {
	salt := id.Hash()
	return id.DecryptWithSalt(ciphertext, salt[:], ratchetPrivs, enforceRatchets)
}

// DecryptWithSalt is Decrypt with an explicit HKDF salt.
func (id *Identity) DecryptWithSalt(ciphertext, salt []byte, ratchetPrivs [][KeySize]byte, enforceRatchets bool) ([]byte, error) {
	if len(ciphertext) < tokenOverhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidKey)
	}
	ephPub := ciphertext[:tokenEphemeralSize]
	iv := ciphertext[tokenEphemeralSize : tokenEphemeralSize+tokenIVSize]
	ct := ciphertext[tokenEphemeralSize+tokenIVSize : len(ciphertext)-tokenMACSize]
	mac := ciphertext[len(ciphertext)-tokenMACSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block-aligned", ErrInvalidKey)
	}

	attempt := func(priv [KeySize]byte) ([]byte, bool) {
		shared, err := curve25519.X25519(priv[:], ephPub)
		if err != nil {
			return nil, false
		}
		defer clear(shared)
		signingKey, encKey, err := deriveTokenKeys(shared, salt)
		if err != nil {
			return nil, false
		}
		defer clear(signingKey)
		defer clear(encKey)

		expected := computeTokenMAC(signingKey, iv, ct)
		if !hmac.Equal(expected, mac) {
			return nil, false
		}
		block, err := aes.NewCipher(encKey)
		if err != nil {
			return nil, false
		}
		pt := make([]byte, len(ct))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
		unpadded, ok := pkcs7Unpad(pt)
		return unpadded, ok
	}

	for _, rp := range ratchetPrivs {
		if pt, ok := attempt(rp); ok {
			return pt, nil
		}
	}
	if len(ratchetPrivs) > 0 && enforceRatchets {
		return nil, ErrAuthenticationFailed
	}
	if !id.hasPrivate {
		return nil, ErrAuthenticationFailed
	}
	if pt, ok := attempt(id.privX); ok {
		return pt, nil
	}
	return nil, ErrAuthenticationFailed
}

func deriveTokenKeys(shared, salt []byte) (signingKey, encKey []byte, err error) {
	kdf := hkdf.New(sha256.New, shared, salt, nil)
	derived := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return derived[:KeySize], derived[KeySize:], nil
}

func computeTokenMAC(signingKey, iv, ct []byte) []byte {
	h := hmac.New(sha256.New, signingKey)
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)
}

// clampX25519Seed applies the RFC 7748 clamp in place.
func clampX25519Seed(seed []byte) {
	seed[0] &= 248
	seed[31] &= 127
	seed[31] |= 64
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, false
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}
