package destination

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// GROUP destinations use a shared symmetric key rather than an asymmetric
// handshake. The blob format and MAC-then-decrypt discipline are grounded
// on the v3 onion-service descriptor layer: SALT || ENCRYPTED || MAC,
// keys derived with SHAKE256 over (groupKey || salt || destinationHash).
const (
	groupSaltSize = 16
	groupMACSize  = 32
	groupKeyLen   = 32 // AES-256
	groupIVLen    = 16
)

func encryptGroupToken(plaintext, groupKey, destinationHash []byte) ([]byte, error) {
	salt := make([]byte, groupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("group encrypt: %w", err)
	}
	encKey, iv, macKey := deriveGroupKeys(groupKey, salt, destinationHash)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("group encrypt: %w", err)
	}
	ct := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ct, plaintext)

	mac := groupMAC(macKey, salt, ct)

	out := make([]byte, 0, groupSaltSize+len(ct)+groupMACSize)
	out = append(out, salt...)
	out = append(out, ct...)
	out = append(out, mac...)
	return out, nil
}

func decryptGroupToken(blob, groupKey, destinationHash []byte) ([]byte, error) {
	if len(blob) < groupSaltSize+groupMACSize {
		return nil, fmt.Errorf("group decrypt: blob too short")
	}
	salt := blob[:groupSaltSize]
	ct := blob[groupSaltSize : len(blob)-groupMACSize]
	mac := blob[len(blob)-groupMACSize:]

	encKey, iv, macKey := deriveGroupKeys(groupKey, salt, destinationHash)

	expected := groupMAC(macKey, salt, ct)
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, fmt.Errorf("group decrypt: mac mismatch")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("group decrypt: %w", err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCTR(block, iv).XORKeyStream(pt, ct)
	return pt, nil
}

func deriveGroupKeys(groupKey, salt, destinationHash []byte) (encKey, iv, macKey []byte) {
	input := make([]byte, 0, len(groupKey)+len(salt)+len(destinationHash))
	input = append(input, groupKey...)
	input = append(input, salt...)
	input = append(input, destinationHash...)

	total := groupKeyLen + groupIVLen + groupMACSize
	out := make([]byte, total)
	shake := sha3.NewShake256()
	shake.Write(input)
	_, _ = shake.Read(out)

	return out[:groupKeyLen], out[groupKeyLen : groupKeyLen+groupIVLen], out[groupKeyLen+groupIVLen:]
}

func groupMAC(macKey, salt, ct []byte) []byte {
	h := sha3.New256()
	h.Write(macKey)
	h.Write(salt)
	h.Write(ct)
	return h.Sum(nil)
}
