package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
)

var (
	// ErrNoSession indicates an encrypt or decrypt against a peer with
	// no established session.
	ErrNoSession = errors.New("no established session with peer")
	// ErrIdentityChanged indicates key material that contradicts the
	// identity previously pinned for a peer. Raised alongside a
	// continuity warning; the session is never silently replaced.
	ErrIdentityChanged = errors.New("peer identity key changed")
)

// State names a peer session's position in the lifecycle. There is no
// transition back to StateUninitiated.
type State int

const (
	// StateUninitiated means no key agreement has been attempted.
	StateUninitiated State = iota
	// StateHandshaking means key agreement is in flight.
	StateHandshaking
	// StateEstablished means both chains are live.
	StateEstablished
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateUninitiated:
		return "uninitiated"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ContinuityFunc is called when a peer's key material contradicts what
// was pinned earlier. pinned is the exchange key on record, observed
// the one that arrived.
type ContinuityFunc func(peer [32]byte, pinned, observed [32]byte)

// RepublishFunc pushes updated bundle bytes back out to the node's
// presence record after one-time keys are consumed.
type RepublishFunc func(ctx context.Context, bundle []byte) error

// peerSession is the per-peer session slot. Its lock serializes ratchet
// operations for that peer only.
type peerSession struct {
	mu         sync.Mutex
	state      State
	identityDH [32]byte
	chain      *chainState
}

// Manager owns all peer sessions and this node's published bundle.
type Manager struct {
	identity *crypto.Identity
	local    *LocalBundle

	mu       sync.RWMutex
	sessions map[[32]byte]*peerSession

	onContinuity ContinuityFunc
	onRepublish  RepublishFunc
}

// NewManager creates a session manager with a fresh local bundle of
// oneTimeCount single-use keys.
func NewManager(identity *crypto.Identity, oneTimeCount int) (*Manager, error) {
	local, err := NewLocalBundle(identity, oneTimeCount)
	if err != nil {
		return nil, err
	}
	return &Manager{
		identity: identity,
		local:    local,
		sessions: make(map[[32]byte]*peerSession),
	}, nil
}

// SetContinuityHandler registers the continuity warning callback.
func (m *Manager) SetContinuityHandler(f ContinuityFunc) {
	m.mu.Lock()
	m.onContinuity = f
	m.mu.Unlock()
}

// SetRepublishHandler registers the bundle republish hook.
func (m *Manager) SetRepublishHandler(f RepublishFunc) {
	m.mu.Lock()
	m.onRepublish = f
	m.mu.Unlock()
}

// Bundle returns the current public bundle bytes for publication.
func (m *Manager) Bundle() ([]byte, error) {
	return m.local.Bundle().Marshal()
}

// State reports the session state for a peer.
func (m *Manager) State(peer [32]byte) State {
	m.mu.RLock()
	ps := m.sessions[peer]
	m.mu.RUnlock()
	if ps == nil {
		return StateUninitiated
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// slot returns the peer's session entry, creating it on first use.
func (m *Manager) slot(peer [32]byte) *peerSession {
	m.mu.RLock()
	ps := m.sessions[peer]
	m.mu.RUnlock()
	if ps != nil {
		return ps
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ps = m.sessions[peer]; ps == nil {
		ps = &peerSession{state: StateUninitiated}
		m.sessions[peer] = ps
	}
	return ps
}

func (m *Manager) continuity(peer [32]byte, pinned, observed [32]byte) {
	m.mu.RLock()
	f := m.onContinuity
	m.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "continuity",
		"peer":     fmt.Sprintf("%x", peer[:8]),
		"pinned":   fmt.Sprintf("%x", pinned[:8]),
		"observed": fmt.Sprintf("%x", observed[:8]),
	}).Warn("Peer key continuity violated")

	if f != nil {
		f(peer, pinned, observed)
	}
}

// Initiate performs the initiator side of key agreement against a
// peer's published bundle and returns the session-init message to send.
// firstPlaintext rides inside it as the first chain-encrypted message.
// On success the session is Established.
func (m *Manager) Initiate(peer [32]byte, bundle *PreKeyBundle, firstPlaintext []byte) (*InitMessage, error) {
	if bundle == nil {
		return nil, ErrMalformedBundle
	}
	if bundle.IdentityKey != peer {
		m.continuity(peer, peer, bundle.IdentityKey)
		return nil, fmt.Errorf("bundle identity does not match peer: %w", ErrIdentityChanged)
	}
	if !crypto.Verify(bundle.SignedPreKey[:], bundle.Signature, bundle.IdentityKey) {
		return nil, ErrBadBundle
	}

	ps := m.slot(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.state == StateEstablished && ps.identityDH != bundle.IdentityDH {
		m.continuity(peer, ps.identityDH, bundle.IdentityDH)
		return nil, ErrIdentityChanged
	}

	// A failed attempt must not tear down a live session.
	prev := ps.state
	ps.state = StateHandshaking
	defer func() {
		if ps.state != StateEstablished {
			ps.state = prev
		}
	}()

	eph, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	otk := bundle.TakeOneTime()

	root, err := initiatorRoot(m.identity, eph, bundle, otk)
	if err != nil {
		return nil, err
	}

	chain, err := newChainState(root, true)
	crypto.ZeroBytes(root[:])
	if err != nil {
		return nil, err
	}

	ciphertext, err := chain.Seal(firstPlaintext)
	if err != nil {
		return nil, err
	}

	init := &InitMessage{
		IdentityKey:  m.identity.PublicKey(),
		IdentityDH:   m.identity.Exchange.Public,
		EphemeralKey: eph.Public,
		Ciphertext:   ciphertext,
	}
	if otk != nil {
		id := otk.ID
		init.OneTimeKeyID = &id
	}

	if ps.chain != nil {
		ps.chain.wipe()
	}
	ps.chain = chain
	ps.identityDH = bundle.IdentityDH
	ps.state = StateEstablished
	crypto.WipeKeyPair(eph)

	logrus.WithFields(logrus.Fields{
		"function":     "Initiate",
		"peer":         fmt.Sprintf("%x", peer[:8]),
		"one_time_key": init.OneTimeKeyID != nil,
	}).Info("Session established as initiator")

	return init, nil
}

// HandleInit performs the responder side of key agreement for a
// session-init message from peer (the verified envelope sender) and
// returns the decrypted first message.
func (m *Manager) HandleInit(ctx context.Context, peer [32]byte, data []byte) ([]byte, error) {
	first, consumed, err := m.handleInit(peer, data)
	if consumed {
		// Republish outside the session lock; it reaches the network.
		m.republish(ctx)
	}
	return first, err
}

func (m *Manager) handleInit(peer [32]byte, data []byte) ([]byte, bool, error) {
	init, err := UnmarshalInit(data)
	if err != nil {
		return nil, false, err
	}
	if init.IdentityKey != peer {
		m.continuity(peer, peer, init.IdentityKey)
		return nil, false, fmt.Errorf("init identity does not match sender: %w", ErrIdentityChanged)
	}

	ps := m.slot(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.state == StateEstablished && ps.identityDH != init.IdentityDH {
		m.continuity(peer, ps.identityDH, init.IdentityDH)
		return nil, false, ErrIdentityChanged
	}

	// A failed attempt must not tear down a live session.
	prev := ps.state
	ps.state = StateHandshaking
	defer func() {
		if ps.state != StateEstablished {
			ps.state = prev
		}
	}()

	consumed := false
	var otkPriv *crypto.KeyPair
	if init.OneTimeKeyID != nil {
		otkPriv, err = m.local.ConsumeOneTime(*init.OneTimeKeyID)
		if err != nil {
			return nil, false, err
		}
		consumed = true
	}

	root, err := responderRoot(m.identity, m.local.SignedPreKeyPair(), otkPriv, init)
	if otkPriv != nil {
		crypto.WipeKeyPair(otkPriv)
	}
	if err != nil {
		return nil, consumed, err
	}

	chain, err := newChainState(root, false)
	crypto.ZeroBytes(root[:])
	if err != nil {
		return nil, consumed, err
	}

	first, err := chain.Open(init.Ciphertext)
	if err != nil {
		chain.wipe()
		return nil, consumed, err
	}

	if ps.chain != nil {
		ps.chain.wipe()
	}
	ps.chain = chain
	ps.identityDH = init.IdentityDH
	ps.state = StateEstablished

	logrus.WithFields(logrus.Fields{
		"function": "HandleInit",
		"peer":     fmt.Sprintf("%x", peer[:8]),
	}).Info("Session established as responder")

	return first, consumed, nil
}

// republish regenerates consumed one-time keys and pushes the updated
// bundle out through the registered hook.
func (m *Manager) republish(ctx context.Context) {
	m.mu.RLock()
	hook := m.onRepublish
	m.mu.RUnlock()

	added, err := m.local.Replenish(DefaultOneTimeKeys)
	if err != nil {
		logrus.WithError(err).Warn("Failed to replenish one-time keys")
		return
	}
	if !added || hook == nil {
		return
	}

	data, err := m.Bundle()
	if err != nil {
		logrus.WithError(err).Warn("Failed to marshal bundle for republish")
		return
	}
	if err := hook(ctx, data); err != nil {
		logrus.WithError(err).Warn("Failed to republish bundle")
	}
}

// Encrypt seals plaintext for the peer, advancing its sending chain.
// Calls are serialized per peer; plaintexts are encrypted in call
// order.
func (m *Manager) Encrypt(peer [32]byte, plaintext []byte) ([]byte, error) {
	ps := m.slot(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.state != StateEstablished {
		return nil, fmt.Errorf("peer %x in state %s: %w", peer[:8], ps.state, ErrNoSession)
	}
	return ps.chain.Seal(plaintext)
}

// Decrypt opens a sealed message from the peer. Tampered or corrupted
// input fails with crypto.ErrAuthenticationFailed and yields nothing.
func (m *Manager) Decrypt(peer [32]byte, ciphertext []byte) ([]byte, error) {
	ps := m.slot(peer)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.state != StateEstablished {
		return nil, fmt.Errorf("peer %x in state %s: %w", peer[:8], ps.state, ErrNoSession)
	}
	return ps.chain.Open(ciphertext)
}

// Remove wipes and forgets the session with one peer. The next message
// exchange starts from a fresh handshake.
func (m *Manager) Remove(peer [32]byte) {
	m.mu.Lock()
	ps := m.sessions[peer]
	delete(m.sessions, peer)
	m.mu.Unlock()

	if ps == nil {
		return
	}
	ps.mu.Lock()
	if ps.chain != nil {
		ps.chain.wipe()
		ps.chain = nil
	}
	ps.state = StateUninitiated
	ps.mu.Unlock()
}

// Close wipes every session chain and the local bundle's private
// material.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, ps := range m.sessions {
		ps.mu.Lock()
		if ps.chain != nil {
			ps.chain.wipe()
		}
		ps.mu.Unlock()
		delete(m.sessions, peer)
	}
	m.local.Wipe()
}
