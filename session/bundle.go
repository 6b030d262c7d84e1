package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
)

// DefaultOneTimeKeys is how many one-time keys a fresh bundle carries.
const DefaultOneTimeKeys = 8

// ErrOneTimeKeyConsumed indicates an init message naming a one-time key
// that was already used or never existed. The handshake is rejected so
// a replayed or doubled initiation can never share key material.
var ErrOneTimeKeyConsumed = errors.New("one-time key already consumed")

// LocalBundle holds this node's published key-agreement material
// together with the private halves: the signed prekey and the pool of
// one-time keys.
type LocalBundle struct {
	mu       sync.Mutex
	identity *crypto.Identity
	spk      *crypto.KeyPair
	spkSig   crypto.Signature
	oneTime  map[uint32]*crypto.KeyPair
	nextID   uint32
}

// NewLocalBundle generates a signed prekey and count one-time keys for
// the identity.
func NewLocalBundle(identity *crypto.Identity, count int) (*LocalBundle, error) {
	if identity == nil {
		return nil, errors.New("identity cannot be nil")
	}
	if count < 0 {
		count = DefaultOneTimeKeys
	}

	spk, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	sig, err := identity.Sign(spk.Public[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}

	lb := &LocalBundle{
		identity: identity,
		spk:      spk,
		spkSig:   sig,
		oneTime:  make(map[uint32]*crypto.KeyPair),
		nextID:   1,
	}
	if err := lb.generateLocked(count); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewLocalBundle",
		"one_time_keys": count,
	}).Info("Generated prekey bundle")

	return lb, nil
}

// generateLocked adds count fresh one-time keys. Callers hold lb.mu or
// have exclusive access.
func (lb *LocalBundle) generateLocked(count int) error {
	for i := 0; i < count; i++ {
		kp, err := crypto.GenerateExchangeKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate one-time key: %w", err)
		}
		lb.oneTime[lb.nextID] = kp
		lb.nextID++
	}
	return nil
}

// Bundle returns the public snapshot for publication, one-time keys
// sorted by ID.
func (lb *LocalBundle) Bundle() *PreKeyBundle {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ids := make([]uint32, 0, len(lb.oneTime))
	for id := range lb.oneTime {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bundle := &PreKeyBundle{
		IdentityKey:  lb.identity.PublicKey(),
		IdentityDH:   lb.identity.Exchange.Public,
		SignedPreKey: lb.spk.Public,
		Signature:    lb.spkSig,
	}
	for _, id := range ids {
		bundle.OneTimeKeys = append(bundle.OneTimeKeys, OneTimeKey{ID: id, Key: lb.oneTime[id].Public})
	}
	return bundle
}

// ConsumeOneTime removes and returns the private half of a one-time
// key. Concurrent consumers of the same ID are serialized; the second
// fails with ErrOneTimeKeyConsumed.
func (lb *LocalBundle) ConsumeOneTime(id uint32) (*crypto.KeyPair, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	kp, ok := lb.oneTime[id]
	if !ok {
		return nil, fmt.Errorf("one-time key %d: %w", id, ErrOneTimeKeyConsumed)
	}
	delete(lb.oneTime, id)
	return kp, nil
}

// Remaining returns how many one-time keys are left unconsumed.
func (lb *LocalBundle) Remaining() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.oneTime)
}

// Replenish tops the pool back up to target and reports whether new
// keys were added, in which case the bundle should be republished.
func (lb *LocalBundle) Replenish(target int) (bool, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	missing := target - len(lb.oneTime)
	if missing <= 0 {
		return false, nil
	}
	if err := lb.generateLocked(missing); err != nil {
		return false, err
	}
	return true, nil
}

// SignedPreKeyPair returns the signed prekey with its private half, for
// the responder side of key agreement.
func (lb *LocalBundle) SignedPreKeyPair() *crypto.KeyPair {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.spk
}

// Wipe zeroes all private key material in the bundle.
func (lb *LocalBundle) Wipe() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	crypto.WipeKeyPair(lb.spk)
	for id, kp := range lb.oneTime {
		crypto.WipeKeyPair(kp)
		delete(lb.oneTime, id)
	}
}
