package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Secret store entry names for identity persistence. The SecretStore
// collaborator owns encryption-at-rest; this package only names the entries.
const (
	secretNameMaster = "identity.master_seed"
)

// SecretStore is the minimal contract Wisp requires from a secure key-value
// store for private key material. Implementations live outside this package
// (see the storage package for a bbolt-backed one).
type SecretStore interface {
	StoreSecret(name string, data []byte) error
	LoadSecret(name string) ([]byte, error)
}

// Identity holds the local account's key material: an Ed25519 signing key
// pair and an X25519 exchange key pair derived from the same master seed.
// The master seed doubles as the derivation secret for community pseudonyms.
type Identity struct {
	Signing  *KeyPair
	Exchange *KeyPair

	master [32]byte
}

// NewIdentity generates a fresh identity from a random master seed.
func NewIdentity() (*Identity, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generate master seed: %w", err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed reconstructs an identity from a 32-byte master seed.
func IdentityFromSeed(seed [32]byte) (*Identity, error) {
	signing, err := SigningKeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	exchange, err := ExchangeKeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("exchange key: %w", err)
	}

	return &Identity{
		Signing:  signing,
		Exchange: exchange,
		master:   seed,
	}, nil
}

// LoadOrCreateIdentity loads the identity seed from the secret store, or
// generates and persists a fresh one on first run.
func LoadOrCreateIdentity(store SecretStore) (*Identity, error) {
	if store == nil {
		return nil, fmt.Errorf("nil secret store")
	}

	data, err := store.LoadSecret(secretNameMaster)
	if err == nil && len(data) == 32 {
		var seed [32]byte
		copy(seed[:], data)
		ZeroBytes(data)
		return IdentityFromSeed(seed)
	}

	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}

	if err := store.StoreSecret(secretNameMaster, id.master[:]); err != nil {
		return nil, fmt.Errorf("persist master seed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "LoadOrCreateIdentity",
		"public_key": fmt.Sprintf("%x", id.Signing.Public[:8]),
	}).Info("Generated new identity")

	return id, nil
}

// PublicKey returns the identity's Ed25519 public key, which is the peer's
// stable address on the network.
func (id *Identity) PublicKey() [32]byte {
	return id.Signing.Public
}

// Sign signs message with the identity's signing key.
func (id *Identity) Sign(message []byte) (Signature, error) {
	return Sign(message, id.Signing.Private)
}

// DH performs an X25519 key agreement between the identity's exchange key
// and a peer's exchange public key.
func (id *Identity) DH(peerExchangePublic [32]byte) ([32]byte, error) {
	return ComputeShared(id.Exchange.Private, peerExchangePublic)
}

// MasterSecret returns the derivation secret for pseudonyms. Callers must
// not persist or transmit it.
func (id *Identity) MasterSecret() [32]byte {
	return id.master
}

// Wipe erases the identity's private material. The identity is unusable
// afterwards; only explicit account deletion should call this.
func (id *Identity) Wipe() {
	ZeroBytes(id.Signing.Private[:])
	ZeroBytes(id.Exchange.Private[:])
	ZeroBytes(id.master[:])
}
