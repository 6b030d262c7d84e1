package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
)

var (
	// ErrNoPeerKey indicates no static key is registered for the peer,
	// so a Noise handshake cannot be initiated.
	ErrNoPeerKey = errors.New("no static key known for peer")
	// ErrNoiseSessionNotFound indicates no established session with the peer.
	ErrNoiseSessionNotFound = errors.New("noise session not found for peer")
)

const (
	// handshakeTimeout is the maximum lifetime of an incomplete handshake.
	handshakeTimeout = 30 * time.Second
	// sessionIdleTimeout is the maximum idle time for an established session.
	sessionIdleTimeout = 5 * time.Minute
	// sessionSweepInterval is how often stale sessions are removed.
	sessionSweepInterval = 10 * time.Second
	// maxPendingPackets bounds the per-session queue of packets waiting
	// for a handshake to complete. Oldest packets drop first.
	maxPendingPackets = 32
)

// noiseSession tracks handshake and cipher state for one peer address.
type noiseSession struct {
	mu         sync.Mutex
	hs         *noise.HandshakeState
	send       *noise.CipherState
	recv       *noise.CipherState
	initiator  bool
	complete   bool
	pending    []*Packet
	createdAt  time.Time
	lastActive time.Time
}

// NoiseTransport wraps another Transport with Noise-IK encryption.
//
// Handshake packets travel in the clear; every other packet type is
// serialized, encrypted under the session cipher, and carried inside a
// PacketNoiseMessage. Packets sent while a handshake is still in flight
// are queued and flushed once it completes. There is no plaintext
// fallback: sending to a peer with no registered static key fails with
// ErrNoPeerKey.
type NoiseTransport struct {
	underlying Transport
	staticKey  noise.DHKey

	mu       sync.RWMutex
	sessions map[string]*noiseSession
	peerKeys map[string][32]byte

	handlersMu sync.RWMutex
	handlers   map[PacketType]PacketHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNoiseTransport wraps underlying with Noise-IK encryption using the
// given long-term exchange keypair as the static key.
func NewNoiseTransport(underlying Transport, exchange *crypto.KeyPair) (*NoiseTransport, error) {
	if underlying == nil {
		return nil, errors.New("underlying transport cannot be nil")
	}
	if exchange == nil {
		return nil, errors.New("exchange keypair cannot be nil")
	}

	static := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(static.Private, exchange.Private[:])
	copy(static.Public, exchange.Public[:])

	nt := &NoiseTransport{
		underlying: underlying,
		staticKey:  static,
		sessions:   make(map[string]*noiseSession),
		peerKeys:   make(map[string][32]byte),
		handlers:   make(map[PacketType]PacketHandler),
		stopCh:     make(chan struct{}),
	}

	underlying.RegisterHandler(PacketNoiseHandshake, nt.handleHandshakePacket)
	underlying.RegisterHandler(PacketNoiseMessage, nt.handleEncryptedPacket)

	go nt.sweepStaleSessions()

	logrus.WithFields(logrus.Fields{
		"function":   "NewNoiseTransport",
		"public_key": exchange.Public[:8],
	}).Info("Noise transport created")

	return nt, nil
}

// SetPeerKey registers a peer's static public key so handshakes can be
// initiated toward addr.
func (nt *NoiseTransport) SetPeerKey(addr net.Addr, publicKey [32]byte) error {
	if publicKey == ([32]byte{}) {
		return fmt.Errorf("peer key for %v: %w", addr, crypto.ErrInvalidKey)
	}

	nt.mu.Lock()
	nt.peerKeys[addr.String()] = publicKey
	nt.mu.Unlock()
	return nil
}

// Send encrypts and transmits a packet. If no session exists yet the
// packet is queued and a handshake is initiated.
func (nt *NoiseTransport) Send(packet *Packet, addr net.Addr) error {
	if packet.PacketType == PacketNoiseHandshake {
		return nt.underlying.Send(packet, addr)
	}

	addrKey := addr.String()
	nt.mu.RLock()
	session := nt.sessions[addrKey]
	nt.mu.RUnlock()

	if session != nil {
		session.mu.Lock()
		if session.complete {
			session.lastActive = time.Now()
			encrypted, err := nt.sealLocked(session, packet)
			session.mu.Unlock()
			if err != nil {
				return err
			}
			return nt.underlying.Send(encrypted, addr)
		}
		session.enqueueLocked(packet)
		session.mu.Unlock()
		return nil
	}

	return nt.beginHandshake(packet, addr)
}

// beginHandshake creates an initiator session for addr, queues the
// packet that triggered it, and sends the first handshake message.
func (nt *NoiseTransport) beginHandshake(packet *Packet, addr net.Addr) error {
	addrKey := addr.String()

	nt.mu.Lock()
	// Re-check under the write lock; another sender may have raced us.
	if existing := nt.sessions[addrKey]; existing != nil {
		nt.mu.Unlock()
		existing.mu.Lock()
		if existing.complete {
			existing.lastActive = time.Now()
			encrypted, err := nt.sealLocked(existing, packet)
			existing.mu.Unlock()
			if err != nil {
				return err
			}
			return nt.underlying.Send(encrypted, addr)
		}
		existing.enqueueLocked(packet)
		existing.mu.Unlock()
		return nil
	}

	peerKey, known := nt.peerKeys[addrKey]
	if !known {
		nt.mu.Unlock()
		return fmt.Errorf("send to %v: %w", addr, ErrNoPeerKey)
	}

	hs, err := nt.newHandshakeState(true, peerKey[:])
	if err != nil {
		nt.mu.Unlock()
		return fmt.Errorf("failed to create handshake: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		nt.mu.Unlock()
		return fmt.Errorf("failed to write handshake message: %w", err)
	}

	now := time.Now()
	session := &noiseSession{
		hs:         hs,
		initiator:  true,
		createdAt:  now,
		lastActive: now,
		pending:    []*Packet{packet},
	}
	nt.sessions[addrKey] = session
	nt.mu.Unlock()

	return nt.underlying.Send(&Packet{PacketType: PacketNoiseHandshake, Data: msg}, addr)
}

// newHandshakeState builds a Noise-IK handshake state. peerStatic is
// required for the initiator and ignored for the responder.
func (nt *NoiseTransport) newHandshakeState(initiator bool, peerStatic []byte) (*noise.HandshakeState, error) {
	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		StaticKeypair: nt.staticKey,
	}
	if initiator {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerStatic)
	}
	return noise.NewHandshakeState(config)
}

// handleHandshakePacket advances the handshake state machine for addr.
func (nt *NoiseTransport) handleHandshakePacket(packet *Packet, addr net.Addr) error {
	addrKey := addr.String()

	nt.mu.Lock()
	session := nt.sessions[addrKey]
	if session != nil && session.isComplete() {
		// The peer restarted and is handshaking again; drop the old session.
		delete(nt.sessions, addrKey)
		session = nil
	}
	if session == nil {
		hs, err := nt.newHandshakeState(false, nil)
		if err != nil {
			nt.mu.Unlock()
			return fmt.Errorf("failed to create responder handshake: %w", err)
		}
		now := time.Now()
		session = &noiseSession{hs: hs, createdAt: now, lastActive: now}
		nt.sessions[addrKey] = session
	}
	nt.mu.Unlock()

	session.mu.Lock()
	if session.initiator {
		err := nt.finishInitiatorLocked(session, packet.Data)
		session.mu.Unlock()
		if err != nil {
			nt.dropSession(addrKey)
			return err
		}
		nt.flushPending(session, addr)
		return nil
	}

	response, err := nt.respondLocked(session, packet.Data)
	session.mu.Unlock()
	if err != nil {
		nt.dropSession(addrKey)
		return err
	}
	if err := nt.underlying.Send(&Packet{PacketType: PacketNoiseHandshake, Data: response}, addr); err != nil {
		return err
	}
	nt.flushPending(session, addr)
	return nil
}

// finishInitiatorLocked consumes the responder's reply and installs the
// transport ciphers. The first cipher from Split encrypts initiator to
// responder traffic.
func (nt *NoiseTransport) finishInitiatorLocked(session *noiseSession, message []byte) error {
	if session.complete {
		return nil
	}
	_, cs0, cs1, err := session.hs.ReadMessage(nil, message)
	if err != nil {
		return fmt.Errorf("handshake response rejected: %w", err)
	}
	session.send = cs0
	session.recv = cs1
	session.complete = true
	session.lastActive = time.Now()
	return nil
}

// respondLocked consumes the initiator's first message and produces the
// responder's reply, completing the handshake on this side.
func (nt *NoiseTransport) respondLocked(session *noiseSession, message []byte) ([]byte, error) {
	if _, _, _, err := session.hs.ReadMessage(nil, message); err != nil {
		return nil, fmt.Errorf("handshake message rejected: %w", err)
	}
	response, cs0, cs1, err := session.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake response: %w", err)
	}
	session.send = cs1
	session.recv = cs0
	session.complete = true
	session.lastActive = time.Now()
	return response, nil
}

// handleEncryptedPacket decrypts an incoming Noise message and forwards
// the inner packet to the registered handler.
func (nt *NoiseTransport) handleEncryptedPacket(packet *Packet, addr net.Addr) error {
	addrKey := addr.String()

	nt.mu.RLock()
	session := nt.sessions[addrKey]
	nt.mu.RUnlock()

	if session == nil || !session.isComplete() {
		return ErrNoiseSessionNotFound
	}

	session.mu.Lock()
	session.lastActive = time.Now()
	plaintext, err := session.recv.Decrypt(nil, nil, packet.Data)
	session.mu.Unlock()
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	inner, err := ParsePacket(plaintext)
	if err != nil {
		return fmt.Errorf("malformed inner packet: %w", err)
	}

	nt.handlersMu.RLock()
	handler, ok := nt.handlers[inner.PacketType]
	nt.handlersMu.RUnlock()

	if ok {
		go handler(inner, addr)
	}
	return nil
}

// sealLocked serializes and encrypts packet under the session's send
// cipher. The session mutex must be held.
func (nt *NoiseTransport) sealLocked(session *noiseSession, packet *Packet) (*Packet, error) {
	serialized, err := packet.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	encrypted, err := session.send.Encrypt(nil, nil, serialized)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return &Packet{PacketType: PacketNoiseMessage, Data: encrypted}, nil
}

// flushPending sends every packet queued while the handshake was in
// flight.
func (nt *NoiseTransport) flushPending(session *noiseSession, addr net.Addr) {
	session.mu.Lock()
	queued := session.pending
	session.pending = nil
	session.mu.Unlock()

	for _, p := range queued {
		if err := nt.Send(p, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushPending",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Warn("Failed to flush queued packet")
		}
	}
}

// RegisterHandler registers a handler for decrypted inner packets.
func (nt *NoiseTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	nt.handlersMu.Lock()
	nt.handlers[packetType] = handler
	nt.handlersMu.Unlock()
}

// LocalAddr returns the local address of the underlying transport.
func (nt *NoiseTransport) LocalAddr() net.Addr {
	return nt.underlying.LocalAddr()
}

// Close shuts down the transport. Safe to call more than once.
func (nt *NoiseTransport) Close() error {
	var err error
	nt.stopOnce.Do(func() {
		close(nt.stopCh)
		nt.mu.Lock()
		nt.sessions = make(map[string]*noiseSession)
		nt.mu.Unlock()
		err = nt.underlying.Close()
	})
	return err
}

// dropSession removes the session for addrKey, if any.
func (nt *NoiseTransport) dropSession(addrKey string) {
	nt.mu.Lock()
	delete(nt.sessions, addrKey)
	nt.mu.Unlock()
}

// sweepStaleSessions removes timed-out handshakes and idle sessions
// until the transport closes.
func (nt *NoiseTransport) sweepStaleSessions() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nt.removeStaleSessions(time.Now())
		case <-nt.stopCh:
			return
		}
	}
}

func (nt *NoiseTransport) removeStaleSessions(now time.Time) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	removed := 0
	for addrKey, session := range nt.sessions {
		if session.isStale(now) {
			delete(nt.sessions, addrKey)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "removeStaleSessions",
			"removed_count": removed,
		}).Debug("Removed stale noise sessions")
	}
}

// isComplete reports whether the handshake has finished.
func (ns *noiseSession) isComplete() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.complete
}

// isStale reports whether the session should be swept.
func (ns *noiseSession) isStale(now time.Time) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if !ns.complete {
		return now.Sub(ns.createdAt) > handshakeTimeout
	}
	return now.Sub(ns.lastActive) > sessionIdleTimeout
}

// enqueueLocked appends a packet to the pending queue, evicting the
// oldest entry once maxPendingPackets is reached. The session mutex
// must be held.
func (ns *noiseSession) enqueueLocked(packet *Packet) {
	if len(ns.pending) >= maxPendingPackets {
		ns.pending = ns.pending[1:]
	}
	ns.pending = append(ns.pending, packet)
}
