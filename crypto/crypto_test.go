package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewIdentity(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	if isZeroKey(id.Signing.Public) {
		t.Error("NewIdentity() returned zero signing public key")
	}
	if isZeroKey(id.Exchange.Public) {
		t.Error("NewIdentity() returned zero exchange public key")
	}

	id2, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}
	if id.Signing.Public == id2.Signing.Public {
		t.Error("two NewIdentity() calls produced identical signing keys")
	}
}

func TestIdentityFromSeedDeterministic(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i + 1)
	}

	a, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("IdentityFromSeed() error: %v", err)
	}
	b, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("IdentityFromSeed() error: %v", err)
	}

	if a.Signing.Public != b.Signing.Public {
		t.Error("same seed produced different signing keys")
	}
	if a.Exchange.Public != b.Exchange.Public {
		t.Error("same seed produced different exchange keys")
	}
}

func TestIdentityFromSeedRejectsZero(t *testing.T) {
	if _, err := IdentityFromSeed([32]byte{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("IdentityFromSeed(zero) error = %v, want ErrInvalidKey", err)
	}
}

func TestSignVerify(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	message := []byte("the quick brown fox")
	sig, err := id.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	if !Verify(message, sig, id.PublicKey()) {
		t.Error("Verify() rejected a valid signature")
	}

	// Flipping one payload byte must invalidate the signature.
	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0x01
	if Verify(tampered, sig, id.PublicKey()) {
		t.Error("Verify() accepted a signature over tampered data")
	}

	// A different key must not verify.
	other, _ := NewIdentity()
	if Verify(message, sig, other.PublicKey()) {
		t.Error("Verify() accepted a signature under the wrong key")
	}
}

func TestComputeSharedSymmetry(t *testing.T) {
	alice, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}
	bob, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	ab, err := alice.DH(bob.Exchange.Public)
	if err != nil {
		t.Fatalf("alice.DH() error: %v", err)
	}
	ba, err := bob.DH(alice.Exchange.Public)
	if err != nil {
		t.Fatalf("bob.DH() error: %v", err)
	}

	if ab != ba {
		t.Error("X25519 agreement is not symmetric")
	}
	if isZeroKey(ab) {
		t.Error("shared secret is zero")
	}
}

func TestComputeSharedRejectsZeroPeer(t *testing.T) {
	id, _ := NewIdentity()
	if _, err := ComputeShared(id.Exchange.Private, [32]byte{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("ComputeShared(zero peer) error = %v, want ErrInvalidKey", err)
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error: %v", err)
	}

	zero := Nonce{}
	if bytes.Equal(nonce[:], zero[:]) {
		t.Error("GenerateNonce() returned zero nonce")
	}

	nonce2, _ := GenerateNonce()
	if bytes.Equal(nonce[:], nonce2[:]) {
		t.Error("two GenerateNonce() calls produced identical nonces")
	}
}

func TestEncryptDecryptSymmetric(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(255 - i)
	}
	nonce, _ := GenerateNonce()

	cases := []struct {
		name    string
		message []byte
		wantErr bool
	}{
		{name: "Normal message", message: []byte("hello, wisp"), wantErr: false},
		{name: "Binary payload", message: []byte{0, 1, 2, 255, 254}, wantErr: false},
		{name: "Empty message", message: nil, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := EncryptSymmetric(tc.message, nonce, key)
			if tc.wantErr {
				if err == nil {
					t.Fatal("EncryptSymmetric() expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("EncryptSymmetric() error: %v", err)
			}

			plaintext, err := DecryptSymmetric(ciphertext, nonce, key)
			if err != nil {
				t.Fatalf("DecryptSymmetric() error: %v", err)
			}
			if !bytes.Equal(plaintext, tc.message) {
				t.Errorf("round trip mismatch: got %x, want %x", plaintext, tc.message)
			}
		})
	}
}

func TestDecryptSymmetricTamper(t *testing.T) {
	var key [32]byte
	key[0] = 1
	nonce, _ := GenerateNonce()

	ciphertext, err := EncryptSymmetric([]byte("sealed"), nonce, key)
	if err != nil {
		t.Fatalf("EncryptSymmetric() error: %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0x80
	plaintext, err := DecryptSymmetric(ciphertext, nonce, key)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("DecryptSymmetric(tampered) error = %v, want ErrAuthenticationFailed", err)
	}
	if plaintext != nil {
		t.Error("DecryptSymmetric(tampered) returned plaintext")
	}
}

func TestDerivePseudonym(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}
	master := id.MasterSecret()

	p1, err := DerivePseudonym(master, "community-alpha")
	if err != nil {
		t.Fatalf("DerivePseudonym() error: %v", err)
	}
	p2, err := DerivePseudonym(master, "community-alpha")
	if err != nil {
		t.Fatalf("DerivePseudonym() error: %v", err)
	}

	if p1.Signing.Public != p2.Signing.Public {
		t.Error("pseudonym derivation is not deterministic")
	}

	p3, err := DerivePseudonym(master, "community-beta")
	if err != nil {
		t.Fatalf("DerivePseudonym() error: %v", err)
	}
	if p1.Signing.Public == p3.Signing.Public {
		t.Error("different communities produced linkable pseudonyms")
	}
	if p1.Signing.Public == id.Signing.Public {
		t.Error("pseudonym equals master identity")
	}

	// A pseudonym must still be able to sign.
	sig, err := p1.Sign([]byte("pseudonymous"))
	if err != nil {
		t.Fatalf("pseudonym Sign() error: %v", err)
	}
	if !Verify([]byte("pseudonymous"), sig, p1.PublicKey()) {
		t.Error("pseudonym signature did not verify")
	}
}

func TestDeriveKeyLabelsIndependent(t *testing.T) {
	secret := []byte("input keying material")

	a, err := DeriveKey(secret, nil, "label-a", 32)
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}
	b, err := DeriveKey(secret, nil, "label-b", 32)
	if err != nil {
		t.Fatalf("DeriveKey() error: %v", err)
	}

	if bytes.Equal(a, b) {
		t.Error("distinct labels produced identical keys")
	}
}

type memorySecretStore struct {
	secrets map[string][]byte
}

func (m *memorySecretStore) StoreSecret(name string, data []byte) error {
	if m.secrets == nil {
		m.secrets = make(map[string][]byte)
	}
	m.secrets[name] = append([]byte(nil), data...)
	return nil
}

func (m *memorySecretStore) LoadSecret(name string) ([]byte, error) {
	data, ok := m.secrets[name]
	if !ok {
		return nil, errors.New("secret not found")
	}
	return append([]byte(nil), data...), nil
}

func TestLoadOrCreateIdentity(t *testing.T) {
	store := &memorySecretStore{}

	first, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error: %v", err)
	}

	second, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() second call error: %v", err)
	}

	if first.Signing.Public != second.Signing.Public {
		t.Error("identity did not persist across LoadOrCreateIdentity calls")
	}
}

func TestWipeIdentity(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	id.Wipe()

	if !isZeroKey(id.Signing.Private) {
		t.Error("Wipe() left signing private key intact")
	}
	if !isZeroKey(id.Exchange.Private) {
		t.Error("Wipe() left exchange private key intact")
	}
}

func TestEncryptDecryptBox(t *testing.T) {
	sender, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("GenerateExchangeKeyPair() error: %v", err)
	}
	recipient, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("GenerateExchangeKeyPair() error: %v", err)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error: %v", err)
	}

	message := []byte("sealed to one recipient")
	ciphertext, err := Encrypt(message, nonce, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	plaintext, err := Decrypt(ciphertext, nonce, sender.Public, recipient.Private)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if string(plaintext) != string(message) {
		t.Errorf("Decrypt() = %q, want %q", plaintext, message)
	}

	// A third party cannot open it.
	eve, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("GenerateExchangeKeyPair() error: %v", err)
	}
	if _, err := Decrypt(ciphertext, nonce, sender.Public, eve.Private); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt(wrong key) error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestDecryptBoxTamper(t *testing.T) {
	sender, _ := GenerateExchangeKeyPair()
	recipient, _ := GenerateExchangeKeyPair()
	nonce, _ := GenerateNonce()

	ciphertext, err := Encrypt([]byte("intact"), nonce, recipient.Public, sender.Private)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	ciphertext[0] ^= 0x01

	if _, err := Decrypt(ciphertext, nonce, sender.Public, recipient.Private); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt(tampered) error = %v, want ErrAuthenticationFailed", err)
	}
}
