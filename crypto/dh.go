package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateExchangeKeyPair creates a new random X25519 key pair.
func GenerateExchangeKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	clampScalar(&priv)

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)

	return kp, nil
}

// ExchangeKeyPairFromSeed derives a deterministic X25519 key pair from a
// 32-byte seed. The seed is hashed before clamping so the exchange scalar
// is independent of the signing seed it may share storage with.
func ExchangeKeyPairFromSeed(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, ErrInvalidKey
	}

	h := sha512.Sum512(seed[:])
	var priv [32]byte
	copy(priv[:], h[:32])
	clampScalar(&priv)

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)

	return kp, nil
}

// ComputeShared performs an X25519 key agreement between a private scalar
// and a peer public key. A degenerate shared secret (all zeros, produced by
// low-order peer points) is rejected with ErrInvalidKey.
func ComputeShared(private [32]byte, peerPublic [32]byte) ([32]byte, error) {
	var shared [32]byte

	if isZeroKey(peerPublic) {
		return shared, ErrInvalidKey
	}

	out, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	copy(shared[:], out)
	if isZeroKey(shared) {
		return [32]byte{}, ErrInvalidKey
	}

	return shared, nil
}

// clampScalar applies the standard X25519 clamp in place.
func clampScalar(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
