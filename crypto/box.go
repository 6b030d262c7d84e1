package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// Encrypt seals a message to a recipient's exchange public key with
// sender authentication (NaCl box). The same (key pair, nonce)
// combination must never be reused.
func Encrypt(message []byte, nonce Nonce, recipientPK [32]byte, senderSK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}
	if isZeroKey(recipientPK) || isZeroKey(senderSK) {
		return nil, ErrInvalidKey
	}

	return box.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&recipientPK), (*[32]byte)(&senderSK)), nil
}

// Decrypt opens a box sealed by the sender's exchange key. Tampered or
// corrupted input fails with ErrAuthenticationFailed and produces no
// plaintext.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK [32]byte, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, ErrAuthenticationFailed
	}
	if isZeroKey(senderPK) || isZeroKey(recipientSK) {
		return nil, ErrInvalidKey
	}

	plaintext, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&senderPK), (*[32]byte)(&recipientSK))
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}
