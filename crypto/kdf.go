package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret material into outLen bytes using HKDF-SHA256
// with a domain-separation label. Distinct labels yield independent keys
// from the same input material.
func DeriveKey(secret, salt []byte, label string, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(label))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", label, err)
	}
	return out, nil
}

// DeriveKey32 is DeriveKey fixed to a 32-byte output.
func DeriveKey32(secret, salt []byte, label string) ([32]byte, error) {
	var key [32]byte
	out, err := DeriveKey(secret, salt, label, 32)
	if err != nil {
		return key, err
	}
	copy(key[:], out)
	ZeroBytes(out)
	return key, nil
}
