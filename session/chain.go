package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/wisp/crypto"
)

const (
	// MaxSkippedKeys caps the out-of-order message key cache per chain.
	MaxSkippedKeys = 512

	chainLabelInitiator = "wisp/chain/initiator/v1"
	chainLabelResponder = "wisp/chain/responder/v1"
	chainStepLabel      = "wisp/chain/step/v1"

	counterSize = 4
)

var (
	// ErrSkippedKeyNotFound indicates a counter older than the chain
	// position whose message key was already consumed or evicted.
	ErrSkippedKeyNotFound = errors.New("skipped message key not found")
	// ErrSkipLimitExceeded indicates a counter too far ahead of the
	// chain position to derive safely.
	ErrSkipLimitExceeded = errors.New("message skips past the cache limit")
	// ErrMalformedCiphertext indicates ciphertext bytes too short to
	// carry a counter and an AEAD box.
	ErrMalformedCiphertext = errors.New("malformed session ciphertext")
)

// chainState is one established session's symmetric ratchet: a sending
// and a receiving chain seeded from the X3DH root. Each message key is
// derived from its chain key and the chain advanced; chains never move
// backward. Out-of-order delivery is served from a bounded cache of
// skipped keys.
type chainState struct {
	sendCK  [32]byte
	recvCK  [32]byte
	sendN   uint32
	recvN   uint32
	skipped map[uint32][32]byte
}

// newChainState seeds both chains from the root key. The initiator's
// sending chain is the responder's receiving chain and vice versa, so
// the two sides derive mirrored state from the same root.
func newChainState(root [32]byte, initiator bool) (*chainState, error) {
	initCK, err := crypto.DeriveKey32(root[:], nil, chainLabelInitiator)
	if err != nil {
		return nil, fmt.Errorf("chain derivation: %w", err)
	}
	respCK, err := crypto.DeriveKey32(root[:], nil, chainLabelResponder)
	if err != nil {
		return nil, fmt.Errorf("chain derivation: %w", err)
	}

	cs := &chainState{skipped: make(map[uint32][32]byte)}
	if initiator {
		cs.sendCK, cs.recvCK = initCK, respCK
	} else {
		cs.sendCK, cs.recvCK = respCK, initCK
	}
	return cs, nil
}

// stepChain derives the next chain key and the message key for the
// current position.
func stepChain(ck [32]byte) (next [32]byte, mk [32]byte, err error) {
	out, err := crypto.DeriveKey(ck[:], nil, chainStepLabel, 64)
	if err != nil {
		return next, mk, fmt.Errorf("chain step: %w", err)
	}
	copy(next[:], out[:32])
	copy(mk[:], out[32:])
	crypto.ZeroBytes(out)
	return next, mk, nil
}

// aeadNonce builds the 12-byte ChaCha20-Poly1305 nonce for a message
// counter. Message keys are single-use, so a counter nonce is safe.
func aeadNonce(n uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint32(nonce[chacha20poly1305.NonceSize-counterSize:], n)
	return nonce
}

func sealChacha(mk [32]byte, n uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	var ad [counterSize]byte
	binary.LittleEndian.PutUint32(ad[:], n)
	return aead.Seal(nil, aeadNonce(n), plaintext, ad[:]), nil
}

func openChacha(mk [32]byte, n uint32, box []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	var ad [counterSize]byte
	binary.LittleEndian.PutUint32(ad[:], n)
	return aead.Open(nil, aeadNonce(n), box, ad[:])
}

// Seal encrypts plaintext with the next sending key and advances the
// chain. The wire shape is counter(4 LE) followed by the AEAD box.
func (c *chainState) Seal(plaintext []byte) ([]byte, error) {
	next, mk, err := stepChain(c.sendCK)
	if err != nil {
		return nil, err
	}

	n := c.sendN
	box, err := sealChacha(mk, n, plaintext)
	crypto.ZeroBytes(mk[:])
	if err != nil {
		return nil, err
	}

	c.sendCK = next
	c.sendN++

	wire := make([]byte, counterSize+len(box))
	binary.LittleEndian.PutUint32(wire, n)
	copy(wire[counterSize:], box)
	return wire, nil
}

// Open decrypts a sealed message. Counters behind the chain position
// are served from the skipped-key cache; counters ahead advance the
// chain, caching the keys in between. State only moves on successful
// authentication, so a forged ciphertext cannot desynchronize the
// chain.
func (c *chainState) Open(wire []byte) ([]byte, error) {
	if len(wire) < counterSize+chacha20poly1305.Overhead {
		return nil, ErrMalformedCiphertext
	}
	n := binary.LittleEndian.Uint32(wire)
	box := wire[counterSize:]

	if n < c.recvN {
		mk, ok := c.skipped[n]
		if !ok {
			return nil, fmt.Errorf("counter %d behind chain position %d: %w", n, c.recvN, ErrSkippedKeyNotFound)
		}
		pt, err := openChacha(mk, n, box)
		if err != nil {
			return nil, fmt.Errorf("session open: %w", crypto.ErrAuthenticationFailed)
		}
		delete(c.skipped, n)
		crypto.ZeroBytes(mk[:])
		return pt, nil
	}

	if n-c.recvN > MaxSkippedKeys {
		return nil, fmt.Errorf("counter %d with chain at %d: %w", n, c.recvN, ErrSkipLimitExceeded)
	}

	// Derive forward on scratch state; commit only after the box opens.
	ck := c.recvCK
	pos := c.recvN
	type skippedKey struct {
		n  uint32
		mk [32]byte
	}
	var cached []skippedKey

	for pos < n {
		next, mk, err := stepChain(ck)
		if err != nil {
			return nil, err
		}
		cached = append(cached, skippedKey{n: pos, mk: mk})
		ck = next
		pos++
	}

	next, mk, err := stepChain(ck)
	if err != nil {
		return nil, err
	}

	pt, err := openChacha(mk, n, box)
	crypto.ZeroBytes(mk[:])
	if err != nil {
		return nil, fmt.Errorf("session open: %w", crypto.ErrAuthenticationFailed)
	}

	for _, sk := range cached {
		c.rememberSkipped(sk.n, sk.mk)
	}
	c.recvCK = next
	c.recvN = pos + 1
	return pt, nil
}

// rememberSkipped caches a derived-but-unused message key, evicting the
// lowest counter once the cache is full.
func (c *chainState) rememberSkipped(n uint32, mk [32]byte) {
	if len(c.skipped) >= MaxSkippedKeys {
		lowest := n
		for k := range c.skipped {
			if k < lowest {
				lowest = k
			}
		}
		delete(c.skipped, lowest)
	}
	c.skipped[n] = mk
}

// wipe zeroes all chain material.
func (c *chainState) wipe() {
	crypto.ZeroBytes(c.sendCK[:])
	crypto.ZeroBytes(c.recvCK[:])
	for n, mk := range c.skipped {
		crypto.ZeroBytes(mk[:])
		delete(c.skipped, n)
	}
}
