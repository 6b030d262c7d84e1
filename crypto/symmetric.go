package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// MaxMessageSize caps plaintext size for symmetric encryption (1MB).
const MaxMessageSize = 1024 * 1024

// EncryptSymmetric encrypts a message with an authenticated symmetric cipher
// (NaCl secretbox). The same (key, nonce) pair must never be reused.
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}
	if isZeroKey(key) {
		return nil, ErrInvalidKey
	}

	return secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key)), nil
}

// DecryptSymmetric decrypts and authenticates a secretbox ciphertext.
// Tampered or corrupted input fails with ErrAuthenticationFailed and
// produces no plaintext.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) < secretbox.Overhead {
		return nil, ErrAuthenticationFailed
	}
	if isZeroKey(key) {
		return nil, ErrInvalidKey
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}
