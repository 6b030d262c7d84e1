package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Sentinel errors for cryptographic failures. Callers match these with
// errors.Is; they are never wrapped with additional secret material.
var (
	// ErrInvalidKey indicates malformed or degenerate key material.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrAuthenticationFailed indicates a ciphertext or signature that did
	// not authenticate. No plaintext is ever returned alongside it.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// KeyPair is a raw 32-byte public/private key pair. For signing keys the
// private half is an Ed25519 seed; for exchange keys it is an X25519 scalar.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv.Seed())

	return kp, nil
}

// SigningKeyPairFromSeed reconstructs an Ed25519 key pair from a 32-byte seed.
func SigningKeyPairFromSeed(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, ErrInvalidKey
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &KeyPair{Private: seed}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))

	return kp, nil
}

// Sign creates an Ed25519 signature over message using the seed private key.
func Sign(message []byte, privateSeed [32]byte) (Signature, error) {
	if isZeroKey(privateSeed) {
		return Signature{}, ErrInvalidKey
	}

	priv := ed25519.NewKeyFromSeed(privateSeed[:])
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, message))

	return sig, nil
}

// Verify reports whether sig is a valid signature over message by publicKey.
func Verify(message []byte, sig Signature, publicKey [32]byte) bool {
	if isZeroKey(publicKey) {
		return false
	}
	return ed25519.Verify(publicKey[:], message, sig[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
