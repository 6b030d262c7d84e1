package crypto

import (
	"fmt"
)

// pseudonymLabel domain-separates pseudonym derivation from every other
// KDF use of the master secret.
const pseudonymLabel = "wisp/pseudonym/v1"

// DerivePseudonym deterministically derives a per-community identity from
// the account's master secret and the community identifier.
//
// Properties:
//   - The same (secret, communityID) pair always yields the same identity.
//   - Different community IDs yield identities that are computationally
//     unlinkable to each other and to the master identity.
//   - The derivation is one-way: the pseudonym reveals nothing about the
//     master secret.
func DerivePseudonym(masterSecret [32]byte, communityID string) (*Identity, error) {
	if isZeroKey(masterSecret) {
		return nil, ErrInvalidKey
	}
	if communityID == "" {
		return nil, fmt.Errorf("empty community id")
	}

	seed, err := DeriveKey32(masterSecret[:], []byte(communityID), pseudonymLabel)
	if err != nil {
		return nil, err
	}

	id, err := IdentityFromSeed(seed)
	if err != nil {
		return nil, err
	}
	ZeroBytes(seed[:])

	return id, nil
}
