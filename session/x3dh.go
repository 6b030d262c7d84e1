package session

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/wisp/crypto"
)

var (
	// ErrBadBundle indicates a bundle whose signed prekey signature does
	// not verify against its identity key.
	ErrBadBundle = errors.New("prekey bundle signature invalid")
	// ErrMalformedBundle indicates bundle bytes that do not decode.
	ErrMalformedBundle = errors.New("malformed prekey bundle")
)

// rootLabel is the HKDF label for the X3DH root key derivation.
const rootLabel = "wisp/x3dh/v1"

// OneTimeKey is a single-use X25519 public key inside a bundle. The ID
// lets the responder find the matching private key.
type OneTimeKey struct {
	ID  uint32
	Key [32]byte
}

// PreKeyBundle is the public key-agreement material an identity
// publishes so peers can initiate sessions while it is offline.
type PreKeyBundle struct {
	// IdentityKey is the owner's Ed25519 identity key.
	IdentityKey [32]byte
	// IdentityDH is the owner's long-term X25519 exchange key.
	IdentityDH [32]byte
	// SignedPreKey is a medium-term X25519 key, rotated occasionally.
	SignedPreKey [32]byte
	// Signature is the Ed25519 signature over SignedPreKey by
	// IdentityKey.
	Signature crypto.Signature
	// OneTimeKeys are single-use keys; each initiation consumes one.
	OneTimeKeys []OneTimeKey
}

// Marshal encodes the bundle for publication.
func (b *PreKeyBundle) Marshal() ([]byte, error) {
	return cbor.Marshal(b)
}

// UnmarshalBundle decodes and structurally validates published bundle
// bytes. The prekey signature is checked here; a bundle that fails
// verification is never used.
func UnmarshalBundle(data []byte) (*PreKeyBundle, error) {
	var b PreKeyBundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if !crypto.Verify(b.SignedPreKey[:], b.Signature, b.IdentityKey) {
		return nil, ErrBadBundle
	}
	return &b, nil
}

// TakeOneTime returns the first advertised one-time key, or nil when
// the bundle has none left.
func (b *PreKeyBundle) TakeOneTime() *OneTimeKey {
	if len(b.OneTimeKeys) == 0 {
		return nil
	}
	otk := b.OneTimeKeys[0]
	return &otk
}

// InitMessage is the first flight of a session establishment, sent
// under the session-init envelope kind. It carries everything the
// responder needs to mirror the initiator's derivation, plus the first
// chain-encrypted ciphertext as confirmation.
type InitMessage struct {
	// IdentityKey is the initiator's Ed25519 identity key.
	IdentityKey [32]byte
	// IdentityDH is the initiator's long-term X25519 key.
	IdentityDH [32]byte
	// EphemeralKey is the initiator's fresh X25519 ephemeral public key.
	EphemeralKey [32]byte
	// OneTimeKeyID names the consumed one-time key, if any.
	OneTimeKeyID *uint32 `cbor:",omitempty"`
	// Ciphertext is the first message encrypted under the new session.
	Ciphertext []byte
}

// Marshal encodes the init message for the wire.
func (m *InitMessage) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// UnmarshalInit decodes a session-init body.
func UnmarshalInit(data []byte) (*InitMessage, error) {
	var m InitMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed session init: %w", err)
	}
	return &m, nil
}

// initiatorRoot derives the session root key on the initiating side:
//
//	DH1 = DH(our identity, peer signed prekey)
//	DH2 = DH(our ephemeral, peer identity)
//	DH3 = DH(our ephemeral, peer signed prekey)
//	DH4 = DH(our ephemeral, peer one-time key)   when one is available
//
// The root is HKDF over the concatenation in that fixed order, with
// DH4 omitted when the bundle has no one-time key left.
func initiatorRoot(identity *crypto.Identity, eph *crypto.KeyPair, bundle *PreKeyBundle, otk *OneTimeKey) ([32]byte, error) {
	var zero [32]byte

	dh1, err := crypto.ComputeShared(identity.Exchange.Private, bundle.SignedPreKey)
	if err != nil {
		return zero, fmt.Errorf("x3dh dh1: %w", err)
	}
	dh2, err := crypto.ComputeShared(eph.Private, bundle.IdentityDH)
	if err != nil {
		return zero, fmt.Errorf("x3dh dh2: %w", err)
	}
	dh3, err := crypto.ComputeShared(eph.Private, bundle.SignedPreKey)
	if err != nil {
		return zero, fmt.Errorf("x3dh dh3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if otk != nil {
		dh4, err := crypto.ComputeShared(eph.Private, otk.Key)
		if err != nil {
			return zero, fmt.Errorf("x3dh dh4: %w", err)
		}
		concat = append(concat, dh4[:]...)
		crypto.ZeroBytes(dh4[:])
	}

	root, err := crypto.DeriveKey32(concat, nil, rootLabel)
	crypto.ZeroBytes(concat)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])
	if err != nil {
		return zero, fmt.Errorf("x3dh root: %w", err)
	}
	return root, nil
}

// responderRoot mirrors initiatorRoot with the responder's private
// keys. otkPriv is the private half of the consumed one-time key, nil
// when the init message names none.
func responderRoot(identity *crypto.Identity, spk *crypto.KeyPair, otkPriv *crypto.KeyPair, init *InitMessage) ([32]byte, error) {
	var zero [32]byte

	dh1, err := crypto.ComputeShared(spk.Private, init.IdentityDH)
	if err != nil {
		return zero, fmt.Errorf("x3dh dh1: %w", err)
	}
	dh2, err := crypto.ComputeShared(identity.Exchange.Private, init.EphemeralKey)
	if err != nil {
		return zero, fmt.Errorf("x3dh dh2: %w", err)
	}
	dh3, err := crypto.ComputeShared(spk.Private, init.EphemeralKey)
	if err != nil {
		return zero, fmt.Errorf("x3dh dh3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if otkPriv != nil {
		dh4, err := crypto.ComputeShared(otkPriv.Private, init.EphemeralKey)
		if err != nil {
			return zero, fmt.Errorf("x3dh dh4: %w", err)
		}
		concat = append(concat, dh4[:]...)
		crypto.ZeroBytes(dh4[:])
	}

	root, err := crypto.DeriveKey32(concat, nil, rootLabel)
	crypto.ZeroBytes(concat)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])
	if err != nil {
		return zero, fmt.Errorf("x3dh root: %w", err)
	}
	return root, nil
}
