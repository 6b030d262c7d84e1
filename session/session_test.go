package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wisp/crypto"
)

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	return id
}

// establish wires two managers into one established session and
// returns them with their identities.
func establish(t *testing.T) (alice, bob *Manager, aliceID, bobID *crypto.Identity) {
	t.Helper()
	aliceID = newIdentity(t)
	bobID = newIdentity(t)

	var err error
	alice, err = NewManager(aliceID, DefaultOneTimeKeys)
	require.NoError(t, err)
	bob, err = NewManager(bobID, DefaultOneTimeKeys)
	require.NoError(t, err)

	bundleBytes, err := bob.Bundle()
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(bundleBytes)
	require.NoError(t, err)

	init, err := alice.Initiate(bobID.PublicKey(), bundle, []byte("first contact"))
	require.NoError(t, err)

	initBytes, err := init.Marshal()
	require.NoError(t, err)
	first, err := bob.HandleInit(context.Background(), aliceID.PublicKey(), initBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("first contact"), first)

	return alice, bob, aliceID, bobID
}

func TestBundleRoundTrip(t *testing.T) {
	id := newIdentity(t)
	lb, err := NewLocalBundle(id, 3)
	require.NoError(t, err)

	data, err := lb.Bundle().Marshal()
	require.NoError(t, err)

	bundle, err := UnmarshalBundle(data)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), bundle.IdentityKey)
	assert.Equal(t, id.Exchange.Public, bundle.IdentityDH)
	assert.Len(t, bundle.OneTimeKeys, 3)
}

func TestBundleRejectsBadSignature(t *testing.T) {
	id := newIdentity(t)
	lb, err := NewLocalBundle(id, 1)
	require.NoError(t, err)

	bundle := lb.Bundle()
	bundle.Signature[0] ^= 0x01
	data, err := bundle.Marshal()
	require.NoError(t, err)

	_, err = UnmarshalBundle(data)
	assert.ErrorIs(t, err, ErrBadBundle)
}

func TestUnmarshalBundleGarbage(t *testing.T) {
	_, err := UnmarshalBundle([]byte{0xFF, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrMalformedBundle)
}

func TestEstablishAndExchange(t *testing.T) {
	alice, bob, aliceID, bobID := establish(t)

	assert.Equal(t, StateEstablished, alice.State(bobID.PublicKey()))
	assert.Equal(t, StateEstablished, bob.State(aliceID.PublicKey()))

	// Alice to Bob.
	ct, err := alice.Encrypt(bobID.PublicKey(), []byte("hello bob"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(aliceID.PublicKey(), ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), pt)

	// Bob to Alice over the mirrored chain.
	ct, err = bob.Encrypt(aliceID.PublicKey(), []byte("hello alice"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(bobID.PublicKey(), ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), pt)

	// A longer run in one direction.
	for i := 0; i < 20; i++ {
		msg := []byte{byte(i), 0xA0}
		ct, err := alice.Encrypt(bobID.PublicKey(), msg)
		require.NoError(t, err)
		pt, err := bob.Decrypt(aliceID.PublicKey(), ct)
		require.NoError(t, err)
		assert.Equal(t, msg, pt)
	}
}

func TestEncryptWithoutSession(t *testing.T) {
	alice, err := NewManager(newIdentity(t), 0)
	require.NoError(t, err)
	stranger := newIdentity(t)

	_, err = alice.Encrypt(stranger.PublicKey(), []byte("x"))
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = alice.Decrypt(stranger.PublicKey(), []byte("junk"))
	assert.ErrorIs(t, err, ErrNoSession)

	assert.Equal(t, StateUninitiated, alice.State(stranger.PublicKey()))
}

func TestDecryptRejectsTampering(t *testing.T) {
	alice, bob, aliceID, bobID := establish(t)

	ct, err := alice.Encrypt(bobID.PublicKey(), []byte("authentic"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = bob.Decrypt(aliceID.PublicKey(), ct)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailed)

	// A forged box must not desynchronize the chain: the genuine
	// message still decrypts.
	ct[len(ct)-1] ^= 0x01
	pt, err := bob.Decrypt(aliceID.PublicKey(), ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("authentic"), pt)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob, aliceID, bobID := establish(t)

	var cts [][]byte
	for i := 0; i < 3; i++ {
		ct, err := alice.Encrypt(bobID.PublicKey(), []byte{byte('a' + i)})
		require.NoError(t, err)
		cts = append(cts, ct)
	}

	// Deliver the last message first; the earlier keys are cached.
	pt, err := bob.Decrypt(aliceID.PublicKey(), cts[2])
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), pt)

	pt, err = bob.Decrypt(aliceID.PublicKey(), cts[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), pt)

	pt, err = bob.Decrypt(aliceID.PublicKey(), cts[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), pt)
}

func TestMessageKeysNeverReused(t *testing.T) {
	alice, bob, aliceID, bobID := establish(t)

	ct, err := alice.Encrypt(bobID.PublicKey(), []byte("once only"))
	require.NoError(t, err)

	_, err = bob.Decrypt(aliceID.PublicKey(), ct)
	require.NoError(t, err)

	// The consumed key is gone; replaying the ciphertext fails.
	_, err = bob.Decrypt(aliceID.PublicKey(), ct)
	assert.ErrorIs(t, err, ErrSkippedKeyNotFound)
}

func TestSkipLimit(t *testing.T) {
	root := [32]byte{1, 2, 3}
	sender, err := newChainState(root, true)
	require.NoError(t, err)
	receiver, err := newChainState(root, false)
	require.NoError(t, err)

	// Advance the sender far past the receiver's skipped-key cap.
	var last []byte
	for i := 0; i <= MaxSkippedKeys+1; i++ {
		last, err = sender.Seal([]byte("x"))
		require.NoError(t, err)
	}

	_, err = receiver.Open(last)
	assert.ErrorIs(t, err, ErrSkipLimitExceeded)
}

func TestEstablishWithoutOneTimeKeys(t *testing.T) {
	aliceID := newIdentity(t)
	bobID := newIdentity(t)

	alice, err := NewManager(aliceID, 0)
	require.NoError(t, err)
	bob, err := NewManager(bobID, 0)
	require.NoError(t, err)

	bundleBytes, err := bob.Bundle()
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(bundleBytes)
	require.NoError(t, err)
	require.Empty(t, bundle.OneTimeKeys)

	init, err := alice.Initiate(bobID.PublicKey(), bundle, []byte("no otk"))
	require.NoError(t, err)
	assert.Nil(t, init.OneTimeKeyID)

	initBytes, err := init.Marshal()
	require.NoError(t, err)
	first, err := bob.HandleInit(context.Background(), aliceID.PublicKey(), initBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("no otk"), first)
}

func TestOneTimeKeyConsumption(t *testing.T) {
	id := newIdentity(t)
	lb, err := NewLocalBundle(id, 2)
	require.NoError(t, err)

	_, err = lb.ConsumeOneTime(1)
	require.NoError(t, err)
	assert.Equal(t, 1, lb.Remaining())

	_, err = lb.ConsumeOneTime(1)
	assert.ErrorIs(t, err, ErrOneTimeKeyConsumed)

	added, err := lb.Replenish(4)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 4, lb.Remaining())
}

func TestReplayedInitRejected(t *testing.T) {
	aliceID := newIdentity(t)
	bobID := newIdentity(t)

	alice, err := NewManager(aliceID, DefaultOneTimeKeys)
	require.NoError(t, err)
	bob, err := NewManager(bobID, DefaultOneTimeKeys)
	require.NoError(t, err)

	bundleBytes, err := bob.Bundle()
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(bundleBytes)
	require.NoError(t, err)

	init, err := alice.Initiate(bobID.PublicKey(), bundle, nil)
	require.NoError(t, err)
	initBytes, err := init.Marshal()
	require.NoError(t, err)

	_, err = bob.HandleInit(context.Background(), aliceID.PublicKey(), initBytes)
	require.NoError(t, err)

	// The same init again names a consumed one-time key.
	_, err = bob.HandleInit(context.Background(), aliceID.PublicKey(), initBytes)
	assert.ErrorIs(t, err, ErrOneTimeKeyConsumed)
}

func TestRepublishAfterConsumption(t *testing.T) {
	aliceID := newIdentity(t)
	bobID := newIdentity(t)

	alice, err := NewManager(aliceID, DefaultOneTimeKeys)
	require.NoError(t, err)
	bob, err := NewManager(bobID, DefaultOneTimeKeys)
	require.NoError(t, err)

	republished := make(chan []byte, 1)
	bob.SetRepublishHandler(func(ctx context.Context, bundle []byte) error {
		republished <- bundle
		return nil
	})

	bundleBytes, err := bob.Bundle()
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(bundleBytes)
	require.NoError(t, err)

	init, err := alice.Initiate(bobID.PublicKey(), bundle, nil)
	require.NoError(t, err)
	initBytes, err := init.Marshal()
	require.NoError(t, err)
	_, err = bob.HandleInit(context.Background(), aliceID.PublicKey(), initBytes)
	require.NoError(t, err)

	select {
	case data := <-republished:
		fresh, err := UnmarshalBundle(data)
		require.NoError(t, err)
		// The pool is topped back up and the consumed ID is retired.
		assert.Len(t, fresh.OneTimeKeys, DefaultOneTimeKeys)
		for _, otk := range fresh.OneTimeKeys {
			assert.NotEqual(t, *init.OneTimeKeyID, otk.ID)
		}
	default:
		t.Fatal("bundle was not republished after one-time key consumption")
	}
}

func TestContinuityWarningOnChangedIdentityDH(t *testing.T) {
	alice, bob, aliceID, bobID := establish(t)
	_ = alice

	var warned bool
	bob.SetContinuityHandler(func(peer [32]byte, pinned, observed [32]byte) {
		warned = true
		assert.Equal(t, aliceID.PublicKey(), peer)
		assert.NotEqual(t, pinned, observed)
	})

	// A second init claims Alice's signing identity with a different
	// exchange key.
	impostor := newIdentity(t)
	impostorMgr, err := NewManager(impostor, 0)
	require.NoError(t, err)

	bundleBytes, err := bob.Bundle()
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(bundleBytes)
	require.NoError(t, err)

	init, err := impostorMgr.Initiate(bobID.PublicKey(), bundle, nil)
	require.NoError(t, err)
	init.IdentityKey = aliceID.PublicKey()
	initBytes, err := init.Marshal()
	require.NoError(t, err)

	_, err = bob.HandleInit(context.Background(), aliceID.PublicKey(), initBytes)
	assert.ErrorIs(t, err, ErrIdentityChanged)
	assert.True(t, warned, "continuity handler must fire")

	// The original session is untouched.
	assert.Equal(t, StateEstablished, bob.State(aliceID.PublicKey()))
}

func TestInitiateRejectsMismatchedBundle(t *testing.T) {
	aliceID := newIdentity(t)
	bobID := newIdentity(t)
	eveID := newIdentity(t)

	alice, err := NewManager(aliceID, 0)
	require.NoError(t, err)
	eve, err := NewManager(eveID, 0)
	require.NoError(t, err)

	// Eve's bundle presented as Bob's.
	bundleBytes, err := eve.Bundle()
	require.NoError(t, err)
	bundle, err := UnmarshalBundle(bundleBytes)
	require.NoError(t, err)

	_, err = alice.Initiate(bobID.PublicKey(), bundle, nil)
	assert.ErrorIs(t, err, ErrIdentityChanged)
}

func TestManagerClose(t *testing.T) {
	alice, bob, aliceID, bobID := establish(t)
	_ = bob

	alice.Close()

	_, err := alice.Encrypt(bobID.PublicKey(), []byte("after close"))
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, StateUninitiated, alice.State(bobID.PublicKey()))
	_ = aliceID
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitiated", StateUninitiated.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "established", StateEstablished.String())
}
