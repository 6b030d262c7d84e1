package crypto

import (
	"crypto/rand"
	"errors"
)

// NonceSize is the size of an encryption nonce in bytes.
const NonceSize = 24

// Nonce is a 24-byte value used for symmetric encryption and for envelope
// replay detection.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// NonceFromBytes copies a byte slice into a Nonce.
func NonceFromBytes(b []byte) (Nonce, error) {
	var nonce Nonce
	if len(b) != NonceSize {
		return nonce, errors.New("nonce must be 24 bytes")
	}
	copy(nonce[:], b)
	return nonce, nil
}
