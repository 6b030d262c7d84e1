// Package community implements pseudonymous group messaging: a shared
// media encryption key (MEK) per community with generation-based
// rotation, a multi-subkey community record holding roster and channel
// state, and a request/response protocol between members and the
// hosting node.
package community

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/wisp/crypto"
)

// keyringDepth is how many retired generations stay usable for
// decrypting already-received history.
const keyringDepth = 4

const generationSize = 4

var (
	// ErrStaleKey indicates content sealed with a generation this node
	// does not hold.
	ErrStaleKey = errors.New("unknown media key generation")
	// ErrNoMediaKey indicates sealing before any media key was
	// established or received.
	ErrNoMediaKey = errors.New("no media key established")
	// ErrMalformedContent indicates sealed bytes too short to carry a
	// generation, nonce and box.
	ErrMalformedContent = errors.New("malformed sealed content")
)

// MediaKey is one generation of a community's shared content key.
type MediaKey struct {
	Generation uint32
	Key        [32]byte
}

// GenerateMEK creates generation zero of a fresh media key.
func GenerateMEK() (*MediaKey, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate media key: %w", err)
	}
	return &MediaKey{Generation: 0, Key: key}, nil
}

// Rotate derives nothing from the old key: each generation is fresh
// random material, so holding generation N says nothing about N+1.
func Rotate(old *MediaKey) (*MediaKey, error) {
	if old == nil {
		return GenerateMEK()
	}
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to rotate media key: %w", err)
	}
	return &MediaKey{Generation: old.Generation + 1, Key: key}, nil
}

// SealMessage encrypts content under this key generation. The sealed
// shape is generation(4 LE) followed by the nonce and the secretbox.
func (mk *MediaKey) SealMessage(plaintext []byte) ([]byte, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	box, err := crypto.EncryptSymmetric(plaintext, nonce, mk.Key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, generationSize+crypto.NonceSize+len(box))
	binary.LittleEndian.PutUint32(out, mk.Generation)
	copy(out[generationSize:], nonce[:])
	copy(out[generationSize+crypto.NonceSize:], box)
	return out, nil
}

// OpenMessage decrypts content sealed with exactly this generation.
// Content from any other generation fails with ErrStaleKey.
func (mk *MediaKey) OpenMessage(sealed []byte) ([]byte, error) {
	gen, nonce, box, err := splitSealed(sealed)
	if err != nil {
		return nil, err
	}
	if gen != mk.Generation {
		return nil, fmt.Errorf("generation %d with key at %d: %w", gen, mk.Generation, ErrStaleKey)
	}
	return crypto.DecryptSymmetric(box, nonce, mk.Key)
}

func splitSealed(sealed []byte) (uint32, crypto.Nonce, []byte, error) {
	var nonce crypto.Nonce
	if len(sealed) < generationSize+crypto.NonceSize+1 {
		return 0, nonce, nil, ErrMalformedContent
	}
	gen := binary.LittleEndian.Uint32(sealed)
	copy(nonce[:], sealed[generationSize:])
	return gen, nonce, sealed[generationSize+crypto.NonceSize:], nil
}

// Keyring holds a community's current media key plus a bounded set of
// retired generations so history received before a rotation stays
// readable.
type Keyring struct {
	mu      sync.Mutex
	current *MediaKey
	old     map[uint32][32]byte
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{old: make(map[uint32][32]byte)}
}

// Install adopts a media key. An older or duplicate generation than
// the current one is kept only as history; a newer one retires the
// current key into history and prunes generations past the retention
// depth.
func (kr *Keyring) Install(mk *MediaKey) {
	if mk == nil {
		return
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.current == nil {
		copied := *mk
		kr.current = &copied
		return
	}
	if mk.Generation <= kr.current.Generation {
		if mk.Generation != kr.current.Generation {
			kr.old[mk.Generation] = mk.Key
			kr.pruneLocked()
		}
		return
	}

	kr.old[kr.current.Generation] = kr.current.Key
	copied := *mk
	kr.current = &copied
	kr.pruneLocked()
}

// pruneLocked drops retired generations beyond the retention depth.
func (kr *Keyring) pruneLocked() {
	if kr.current == nil {
		return
	}
	for gen := range kr.old {
		if gen+keyringDepth < kr.current.Generation {
			delete(kr.old, gen)
		}
	}
}

// Current returns a copy of the active media key, or nil when none is
// established.
func (kr *Keyring) Current() *MediaKey {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.current == nil {
		return nil
	}
	copied := *kr.current
	return &copied
}

// Generation returns the active generation and whether a key exists.
func (kr *Keyring) Generation() (uint32, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.current == nil {
		return 0, false
	}
	return kr.current.Generation, true
}

// Seal encrypts content with the current media key.
func (kr *Keyring) Seal(plaintext []byte) ([]byte, error) {
	current := kr.Current()
	if current == nil {
		return nil, ErrNoMediaKey
	}
	return current.SealMessage(plaintext)
}

// Open decrypts sealed content with whichever held generation it names,
// current or retired.
func (kr *Keyring) Open(sealed []byte) ([]byte, error) {
	gen, nonce, box, err := splitSealed(sealed)
	if err != nil {
		return nil, err
	}

	kr.mu.Lock()
	var key [32]byte
	found := false
	if kr.current != nil && kr.current.Generation == gen {
		key = kr.current.Key
		found = true
	} else if old, ok := kr.old[gen]; ok {
		key = old
		found = true
	}
	kr.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("generation %d: %w", gen, ErrStaleKey)
	}
	return crypto.DecryptSymmetric(box, nonce, key)
}

// Wipe zeroes all key material.
func (kr *Keyring) Wipe() {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.current != nil {
		crypto.ZeroBytes(kr.current.Key[:])
		kr.current = nil
	}
	kr.old = make(map[uint32][32]byte)
}
