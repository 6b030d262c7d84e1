package wisp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/community"
	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/delivery"
	"github.com/opd-ai/wisp/envelope"
	"github.com/opd-ai/wisp/presence"
	"github.com/opd-ai/wisp/records"
	"github.com/opd-ai/wisp/route"
	"github.com/opd-ai/wisp/session"
	"github.com/opd-ai/wisp/storage"
	"github.com/opd-ai/wisp/transport"
)

var (
	// ErrNotRunning indicates an operation after Shutdown.
	ErrNotRunning = errors.New("node is shut down")
	// ErrUnknownPeer indicates an operation against a peer that was
	// never added.
	ErrUnknownPeer = errors.New("peer has not been added")
	// ErrNoKeyMaterial indicates a send with no established session, no
	// reachable key bundle, and plaintext first contact disabled.
	ErrNoKeyMaterial = errors.New("no key material for peer")
)

// Secret store entry names owned by the facade. The identity seed name
// lives in the crypto package.
const (
	secretPresenceKey = "presence.record_key"
	secretPeers       = "peers.registry"
	secretCommunities = "community.registry"
)

// maxTrackedSends bounds the nonce-to-delivery-ID map used to match
// inbound receipts to sent messages.
const maxTrackedSends = 512

// databaseFile is the node database name under Options.DataDir.
const databaseFile = "wisp.db"

// MessageFunc receives a delivered message. authenticated is false only
// for plaintext first-contact payloads accepted by explicit opt-in.
type MessageFunc func(peer [32]byte, message []byte, sentAt time.Time, authenticated bool)

// TypingFunc receives a typing indicator from a peer.
type TypingFunc func(peer [32]byte)

// ReceiptFunc reports that a sent message reached the peer. messageID
// is the ID SendMessage returned.
type ReceiptFunc func(peer [32]byte, messageID uuid.UUID)

// PresenceFunc receives presence events for watched peers.
type PresenceFunc func(ev presence.Event)

// DeliveryFailedFunc reports a message discarded after exhausting its
// redelivery attempts.
type DeliveryFailedFunc func(messageID uuid.UUID, peer [32]byte, reason error)

// ContinuityFunc warns that a peer's key material contradicts what was
// pinned at first contact.
type ContinuityFunc func(peer [32]byte, pinned, observed [32]byte)

// CommunityInviteFunc receives a community invite pushed by a peer over
// a secure session. Joining remains an explicit JoinCommunity call.
type CommunityInviteFunc func(peer [32]byte, inv *community.Invite)

// Peer is a snapshot of one added peer.
type Peer struct {
	PublicKey   [32]byte
	DisplayName string
	PresenceKey records.Key
}

// peerEntry is the facade's per-peer state. bundle holds the
// key-agreement material from the invite as a bootstrap fallback for
// when the peer's presence record is not reachable yet.
type peerEntry struct {
	displayName string
	presenceKey records.Key
	bundle      []byte
}

// storedPeer is the persisted form of a peer registration.
type storedPeer struct {
	PublicKey   [32]byte    `cbor:"public_key"`
	DisplayName string      `cbor:"display_name"`
	PresenceKey records.Key `cbor:"presence_key"`
	Bundle      []byte      `cbor:"bundle,omitempty"`
}

// storedCommunity is the persisted form of a community attachment.
type storedCommunity struct {
	ID        string      `cbor:"id"`
	RecordKey records.Key `cbor:"record_key"`
	Hosting   bool        `cbor:"hosting"`
}

// Wisp is a running node: one identity, its published records, and the
// messaging pipeline. All methods are safe for concurrent use.
type Wisp struct {
	options  *Options
	identity *crypto.Identity

	store      records.Store
	transport  transport.Transport
	secure     storage.SecureStore
	ownsSecure bool
	history    storage.HistorySink

	publisher   *presence.Publisher
	watcher     *presence.Watcher
	directory   *route.Directory
	sessions    *session.Manager
	delivery    *delivery.Service
	communities *community.Manager

	mu     sync.RWMutex
	peers  map[[32]byte]*peerEntry
	name   string
	closed bool

	sentMu    sync.Mutex
	sentIDs   map[string]uuid.UUID
	sentOrder []string

	cbMu              sync.RWMutex
	onMessage         MessageFunc
	onTyping          TypingFunc
	onReceipt         ReceiptFunc
	onPresence        PresenceFunc
	onFailed          DeliveryFailedFunc
	onCommunity       community.EventFunc
	onCommunityInvite CommunityInviteFunc
	onContinuity      ContinuityFunc

	shutdownOnce sync.Once
}

// New creates and starts a node. The identity is loaded from the secure
// store or generated on first run; presence, mailbox, and route records
// are published; previously added peers and communities are restored.
func New(options *Options) (*Wisp, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.RecordStore == nil {
		return nil, errors.New("options.RecordStore is required")
	}
	if options.Transport == nil {
		return nil, errors.New("options.Transport is required")
	}

	w := &Wisp{
		options:   options,
		store:     options.RecordStore,
		transport: options.Transport,
		history:   options.History,
		name:      options.DisplayName,
		peers:     make(map[[32]byte]*peerEntry),
		sentIDs:   make(map[string]uuid.UUID),
	}
	if err := w.initSecureStore(); err != nil {
		return nil, err
	}

	started := false
	defer func() {
		if !started {
			w.teardown()
		}
	}()

	identity, err := crypto.LoadOrCreateIdentity(w.secure)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	w.identity = identity

	ctx := context.Background()
	if err := w.initPresence(ctx); err != nil {
		return nil, err
	}

	w.directory = route.NewDirectory(w.store, w.identity, func() []byte {
		return transport.AddrToken(w.transport.LocalAddr())
	})
	if _, err := w.directory.AllocateLocal(ctx); err != nil {
		return nil, fmt.Errorf("allocate route: %w", err)
	}
	w.directory.SetSink(w.publisher)

	w.sessions, err = session.NewManager(w.identity, options.OneTimeKeys)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}
	w.sessions.SetRepublishHandler(w.publisher.SetKeyBundle)
	w.sessions.SetContinuityHandler(w.continuityWarning)

	bundle, err := w.sessions.Bundle()
	if err != nil {
		return nil, fmt.Errorf("marshal key bundle: %w", err)
	}
	if err := w.publisher.SetKeyBundle(ctx, bundle); err != nil {
		return nil, fmt.Errorf("publish key bundle: %w", err)
	}
	if err := w.directory.PublishLocal(ctx); err != nil {
		return nil, fmt.Errorf("publish route: %w", err)
	}

	w.watcher = presence.NewWatcher(w.store, w.presenceEvent)

	w.delivery = delivery.NewService(w.transport, w.directory, options.RetryInterval)
	w.delivery.SetFailedHandler(w.deliveryFailed)
	w.registerHandlers()

	w.communities = community.NewManager(w.identity, w.store, w.delivery)
	w.communities.SetEventHandler(w.communityEvent)
	w.communities.SetLocalRoute(func() []byte { return w.directory.LocalToken() })
	w.communities.SetSecureSend(w.secureSend)

	if options.DisplayName != "" {
		if err := w.publisher.SetDisplayName(ctx, options.DisplayName); err != nil {
			return nil, fmt.Errorf("publish display name: %w", err)
		}
	}
	if options.StatusMessage != "" {
		if err := w.publisher.SetStatusMessage(ctx, options.StatusMessage); err != nil {
			return nil, fmt.Errorf("publish status message: %w", err)
		}
	}
	if err := w.publisher.SetStatus(ctx, presence.StatusOnline); err != nil {
		return nil, fmt.Errorf("publish status: %w", err)
	}

	w.restorePeers(ctx)
	w.restoreCommunities(ctx)

	self := w.identity.PublicKey()
	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"public_key": fmt.Sprintf("%x", self[:8]),
	}).Info("Wisp node started")

	started = true
	return w, nil
}

// initSecureStore resolves the secret store per Options: caller's,
// bbolt under DataDir, or in-memory as a last resort.
func (w *Wisp) initSecureStore() error {
	switch {
	case w.options.SecureStore != nil:
		w.secure = w.options.SecureStore
	case w.options.DataDir != "":
		if err := os.MkdirAll(w.options.DataDir, 0700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		bs, err := storage.NewBoltStore(filepath.Join(w.options.DataDir, databaseFile))
		if err != nil {
			return err
		}
		w.secure = bs
		w.ownsSecure = true
		if w.history == nil {
			w.history = bs
		}
	default:
		w.secure = storage.NewMemSecureStore()
		w.ownsSecure = true
		logrus.WithField("function", "initSecureStore").
			Warn("No secure store configured, identity will not survive restart")
	}
	return nil
}

// initPresence reopens the node's presence record from the persisted
// key, or creates a fresh record and persists its key.
func (w *Wisp) initPresence(ctx context.Context) error {
	if data, err := w.secure.LoadSecret(secretPresenceKey); err == nil && len(data) == records.KeySize {
		var key records.Key
		copy(key[:], data)
		pub, err := presence.OpenPublisher(ctx, w.store, w.identity, key)
		if err == nil {
			w.publisher = pub
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "initPresence",
			"error":    err,
		}).Warn("Stored presence record unavailable, creating fresh")
	}

	pub, err := presence.NewPublisher(ctx, w.store, w.identity)
	if err != nil {
		return fmt.Errorf("create presence record: %w", err)
	}
	w.publisher = pub

	key := pub.Key()
	if err := w.secure.StoreSecret(secretPresenceKey, key[:]); err != nil {
		return fmt.Errorf("persist presence key: %w", err)
	}
	return nil
}

func (w *Wisp) registerHandlers() {
	w.delivery.RegisterHandler(envelope.KindChat, w.handleChat)
	w.delivery.RegisterHandler(envelope.KindSessionInit, w.handleSessionInit)
	w.delivery.RegisterHandler(envelope.KindTyping, w.handleTyping)
	w.delivery.RegisterHandler(envelope.KindReceipt, w.handleReceipt)
	w.delivery.RegisterHandler(envelope.KindPresenceProbe, w.handlePresenceProbe)
	w.delivery.RegisterHandler(envelope.KindCommunityRPC, w.handleCommunityRPC)
	w.delivery.RegisterHandler(envelope.KindMEKDistribute, w.handleKeyDrop)
	w.delivery.RegisterHandler(envelope.KindFirstContact, w.handleFirstContact)
	w.delivery.RegisterHandler(envelope.KindCommunityInvite, w.handleCommunityInvite)
}

// isClosed reports whether Shutdown has begun.
func (w *Wisp) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

func conversationID(peer [32]byte) string {
	return hex.EncodeToString(peer[:])
}

// --- callbacks ---

// OnMessageReceived registers the message delivery callback.
func (w *Wisp) OnMessageReceived(f MessageFunc) {
	w.cbMu.Lock()
	w.onMessage = f
	w.cbMu.Unlock()
}

// OnTyping registers the typing indicator callback.
func (w *Wisp) OnTyping(f TypingFunc) {
	w.cbMu.Lock()
	w.onTyping = f
	w.cbMu.Unlock()
}

// OnReceipt registers the delivery receipt callback.
func (w *Wisp) OnReceipt(f ReceiptFunc) {
	w.cbMu.Lock()
	w.onReceipt = f
	w.cbMu.Unlock()
}

// OnPresenceChanged registers the presence event callback.
func (w *Wisp) OnPresenceChanged(f PresenceFunc) {
	w.cbMu.Lock()
	w.onPresence = f
	w.cbMu.Unlock()
}

// OnDeliveryFailed registers the permanent delivery failure callback.
func (w *Wisp) OnDeliveryFailed(f DeliveryFailedFunc) {
	w.cbMu.Lock()
	w.onFailed = f
	w.cbMu.Unlock()
}

// OnCommunityEvent registers the community event callback.
func (w *Wisp) OnCommunityEvent(f community.EventFunc) {
	w.cbMu.Lock()
	w.onCommunity = f
	w.cbMu.Unlock()
}

// OnCommunityInvite registers the callback for community invites pushed
// by peers.
func (w *Wisp) OnCommunityInvite(f CommunityInviteFunc) {
	w.cbMu.Lock()
	w.onCommunityInvite = f
	w.cbMu.Unlock()
}

// OnContinuityWarning registers the TOFU violation callback.
func (w *Wisp) OnContinuityWarning(f ContinuityFunc) {
	w.cbMu.Lock()
	w.onContinuity = f
	w.cbMu.Unlock()
}

func (w *Wisp) emitMessage(peer [32]byte, message []byte, tsMillis uint64, authenticated bool) {
	w.cbMu.RLock()
	f := w.onMessage
	w.cbMu.RUnlock()
	if f != nil {
		f(peer, message, time.UnixMilli(int64(tsMillis)), authenticated)
	}
}

func (w *Wisp) presenceEvent(ev presence.Event) {
	w.cbMu.RLock()
	f := w.onPresence
	w.cbMu.RUnlock()
	if f != nil {
		f(ev)
	}
}

func (w *Wisp) communityEvent(ev community.Event) {
	if ev.Kind == community.EventMessage {
		w.recordHistory(ev.Community+"/"+ev.Channel, ev.Author, ev.Content, nowMillis())
	}
	w.cbMu.RLock()
	f := w.onCommunity
	w.cbMu.RUnlock()
	if f != nil {
		f(ev)
	}
}

func (w *Wisp) continuityWarning(peer [32]byte, pinned, observed [32]byte) {
	w.cbMu.RLock()
	f := w.onContinuity
	w.cbMu.RUnlock()
	if f != nil {
		f(peer, pinned, observed)
	}
}

func (w *Wisp) deliveryFailed(id uuid.UUID, target [32]byte, reason error) {
	w.cbMu.RLock()
	f := w.onFailed
	w.cbMu.RUnlock()
	if f != nil {
		f(id, target, reason)
	}
}

func (w *Wisp) recordHistory(conversation string, sender [32]byte, body []byte, tsMillis uint64) {
	if w.history == nil {
		return
	}
	if err := w.history.AppendMessage(conversation, sender, body, tsMillis); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recordHistory",
			"error":    err,
		}).Debug("History append failed")
	}
}

// --- inbound handlers ---

func (w *Wisp) handleChat(peer [32]byte, env *envelope.Envelope, body []byte) {
	plaintext, err := w.sessions.Decrypt(peer, body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChat",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Dropped undecryptable chat message")
		return
	}
	w.recordHistory(conversationID(peer), peer, plaintext, env.Timestamp)
	w.emitMessage(peer, plaintext, env.Timestamp, true)
	w.sendReceipt(peer, env.Nonce)
}

func (w *Wisp) handleSessionInit(peer [32]byte, env *envelope.Envelope, body []byte) {
	first, err := w.sessions.HandleInit(context.Background(), peer, body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionInit",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Rejected session initiation")
		return
	}
	w.recordHistory(conversationID(peer), peer, first, env.Timestamp)
	w.emitMessage(peer, first, env.Timestamp, true)
	w.sendReceipt(peer, env.Nonce)
}

func (w *Wisp) handleTyping(peer [32]byte, _ *envelope.Envelope, _ []byte) {
	w.cbMu.RLock()
	f := w.onTyping
	w.cbMu.RUnlock()
	if f != nil {
		f(peer)
	}
}

func (w *Wisp) handleReceipt(peer [32]byte, _ *envelope.Envelope, body []byte) {
	id, ok := w.takeSent(body)
	if !ok {
		return
	}
	w.cbMu.RLock()
	f := w.onReceipt
	w.cbMu.RUnlock()
	if f != nil {
		f(peer, id)
	}
}

func (w *Wisp) handlePresenceProbe(peer [32]byte, _ *envelope.Envelope, _ []byte) {
	if err := w.directory.PublishLocal(context.Background()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePresenceProbe",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Failed to republish route on probe")
	}
}

func (w *Wisp) handleCommunityRPC(peer [32]byte, _ *envelope.Envelope, body []byte) {
	w.communities.HandleRPC(peer, body)
}

func (w *Wisp) handleKeyDrop(peer [32]byte, _ *envelope.Envelope, body []byte) {
	plaintext, err := w.sessions.Decrypt(peer, body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleKeyDrop",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Dropped undecryptable key distribution")
		return
	}
	w.communities.HandleKeyDrop(peer, plaintext)
}

func (w *Wisp) handleFirstContact(peer [32]byte, env *envelope.Envelope, body []byte) {
	if !w.options.AllowPlaintextFirstContact {
		logrus.WithFields(logrus.Fields{
			"function": "handleFirstContact",
			"peer":     fmt.Sprintf("%x", peer[:8]),
		}).Warn("Rejected plaintext first contact")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleFirstContact",
		"peer":     fmt.Sprintf("%x", peer[:8]),
	}).Warn("Accepted plaintext first contact without end-to-end encryption")
	w.emitMessage(peer, body, env.Timestamp, false)
}

func (w *Wisp) handleCommunityInvite(peer [32]byte, _ *envelope.Envelope, body []byte) {
	plaintext, err := w.sessions.Decrypt(peer, body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCommunityInvite",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Dropped undecryptable community invite")
		return
	}
	inv, err := community.UnmarshalInvite(plaintext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCommunityInvite",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Dropped malformed community invite")
		return
	}
	w.cbMu.RLock()
	f := w.onCommunityInvite
	w.cbMu.RUnlock()
	if f != nil {
		f(peer, inv)
	}
}

// --- receipts ---

func (w *Wisp) rememberSent(nonce []byte, id uuid.UUID) {
	w.sentMu.Lock()
	defer w.sentMu.Unlock()

	key := string(nonce)
	if _, ok := w.sentIDs[key]; ok {
		return
	}
	w.sentIDs[key] = id
	w.sentOrder = append(w.sentOrder, key)
	if len(w.sentOrder) > maxTrackedSends {
		oldest := w.sentOrder[0]
		w.sentOrder = w.sentOrder[1:]
		delete(w.sentIDs, oldest)
	}
}

func (w *Wisp) takeSent(nonce []byte) (uuid.UUID, bool) {
	w.sentMu.Lock()
	defer w.sentMu.Unlock()

	key := string(nonce)
	id, ok := w.sentIDs[key]
	if ok {
		delete(w.sentIDs, key)
	}
	return id, ok
}

func (w *Wisp) sendReceipt(peer [32]byte, nonce []byte) {
	env, err := w.buildEnvelope(envelope.KindReceipt, nonce)
	if err != nil {
		return
	}
	if _, err := w.delivery.Send(context.Background(), peer, env, delivery.ClassEphemeral); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendReceipt",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err,
		}).Debug("Receipt not sent")
	}
}

func (w *Wisp) buildEnvelope(kind envelope.Kind, body []byte) (*envelope.Envelope, error) {
	return envelope.Build(w.identity, envelope.FramePayload(kind, body), nowMillis())
}

// --- messaging ---

// SendMessage delivers text to the peer end-to-end encrypted, returning
// the delivery ID receipts and failure callbacks refer to. The first
// message to a peer performs key agreement against the peer's published
// bundle. With no session and no bundle the send fails, unless
// plaintext first contact is enabled, in which case the payload travels
// unencrypted and the use is audited.
func (w *Wisp) SendMessage(ctx context.Context, peer [32]byte, text string) (uuid.UUID, error) {
	if w.isClosed() {
		return uuid.Nil, ErrNotRunning
	}

	plaintext := []byte(text)
	var payload []byte
	authenticated := true

	if w.sessions.State(peer) == session.StateEstablished {
		ciphertext, err := w.sessions.Encrypt(peer, plaintext)
		if err != nil {
			return uuid.Nil, err
		}
		payload = envelope.FramePayload(envelope.KindChat, ciphertext)
	} else if bundle, err := w.peerBundle(ctx, peer); err == nil {
		init, err := w.sessions.Initiate(peer, bundle, plaintext)
		if err != nil {
			return uuid.Nil, err
		}
		data, err := init.Marshal()
		if err != nil {
			return uuid.Nil, err
		}
		payload = envelope.FramePayload(envelope.KindSessionInit, data)
	} else if w.options.AllowPlaintextFirstContact {
		logrus.WithFields(logrus.Fields{
			"function": "SendMessage",
			"peer":     fmt.Sprintf("%x", peer[:8]),
		}).Warn("Sending plaintext first contact without end-to-end encryption")
		payload = envelope.FramePayload(envelope.KindFirstContact, plaintext)
		authenticated = false
	} else {
		return uuid.Nil, fmt.Errorf("peer %x: %w", peer[:8], ErrNoKeyMaterial)
	}

	env, err := envelope.Build(w.identity, payload, nowMillis())
	if err != nil {
		return uuid.Nil, err
	}
	id, err := w.delivery.Send(ctx, peer, env, delivery.ClassFireAndForget)
	if err != nil {
		return uuid.Nil, err
	}
	w.rememberSent(env.Nonce, id)
	if authenticated {
		w.recordHistory(conversationID(peer), w.identity.PublicKey(), plaintext, env.Timestamp)
	}
	return id, nil
}

// peerBundle fetches the peer's key-agreement bundle: live from the
// presence record when reachable, falling back to the copy embedded in
// the invite the peer was added with.
func (w *Wisp) peerBundle(ctx context.Context, peer [32]byte) (*session.PreKeyBundle, error) {
	data, err := w.watcher.KeyBundle(ctx, peer)
	if err != nil || len(data) == 0 {
		w.mu.RLock()
		entry := w.peers[peer]
		w.mu.RUnlock()
		if entry == nil || len(entry.bundle) == 0 {
			return nil, fmt.Errorf("peer %x: %w", peer[:8], ErrNoKeyMaterial)
		}
		data = entry.bundle
	}
	return session.UnmarshalBundle(data)
}

// SendTyping sends an ephemeral typing indicator. It is never queued;
// an unreachable peer simply misses it.
func (w *Wisp) SendTyping(ctx context.Context, peer [32]byte) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	env, err := w.buildEnvelope(envelope.KindTyping, nil)
	if err != nil {
		return err
	}
	_, err = w.delivery.Send(ctx, peer, env, delivery.ClassEphemeral)
	return err
}

// ProbePresence asks the peer to refresh its published presence and
// route. Ephemeral like typing.
func (w *Wisp) ProbePresence(ctx context.Context, peer [32]byte) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	env, err := w.buildEnvelope(envelope.KindPresenceProbe, nil)
	if err != nil {
		return err
	}
	_, err = w.delivery.Send(ctx, peer, env, delivery.ClassEphemeral)
	return err
}

// --- peers ---

// CreateInvite issues a signed invite string for this node.
func (w *Wisp) CreateInvite() (string, error) {
	if w.isClosed() {
		return "", ErrNotRunning
	}
	bundle, err := w.sessions.Bundle()
	if err != nil {
		return "", err
	}
	inv := &PeerInvite{
		PublicKey:   w.identity.PublicKey(),
		DisplayName: w.DisplayName(),
		MailboxKey:  presence.MailboxKey(w.identity.PublicKey()),
		PresenceKey: w.publisher.Key(),
		RouteToken:  w.directory.LocalToken(),
		KeyBundle:   bundle,
	}
	if err := signInvite(inv, w.identity); err != nil {
		return "", err
	}
	return inv.Encode()
}

// AddPeer registers a peer from its invite string: the invite signature
// is verified, the peer's presence record is watched, and its route is
// seeded from the invite. Returns the peer's public key.
func (w *Wisp) AddPeer(ctx context.Context, invite string) ([32]byte, error) {
	if w.isClosed() {
		return [32]byte{}, ErrNotRunning
	}
	inv, err := ParsePeerInvite(invite)
	if err != nil {
		return [32]byte{}, err
	}
	if inv.PublicKey == w.identity.PublicKey() {
		return [32]byte{}, errors.New("cannot add self as peer")
	}

	w.directory.RegisterPeer(inv.PublicKey, inv.PresenceKey)
	w.directory.Seed(inv.PublicKey, route.Token(inv.RouteToken))
	if err := w.watcher.Watch(ctx, inv.PublicKey, inv.PresenceKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddPeer",
			"peer":     fmt.Sprintf("%x", inv.PublicKey[:8]),
			"error":    err,
		}).Warn("Peer presence record not reachable yet")
	}

	w.mu.Lock()
	w.peers[inv.PublicKey] = &peerEntry{
		displayName: inv.DisplayName,
		presenceKey: inv.PresenceKey,
		bundle:      inv.KeyBundle,
	}
	w.mu.Unlock()
	w.savePeers()

	logrus.WithFields(logrus.Fields{
		"function": "AddPeer",
		"peer":     fmt.Sprintf("%x", inv.PublicKey[:8]),
		"name":     inv.DisplayName,
	}).Info("Added peer")

	return inv.PublicKey, nil
}

// RemovePeer forgets a peer: presence watch, cached route, session
// material, and registry entry.
func (w *Wisp) RemovePeer(peer [32]byte) error {
	w.mu.Lock()
	entry := w.peers[peer]
	delete(w.peers, peer)
	w.mu.Unlock()
	if entry == nil {
		return ErrUnknownPeer
	}

	w.watcher.Unwatch(peer)
	w.directory.ForgetPeer(peer)
	w.sessions.Remove(peer)
	w.savePeers()
	return nil
}

// Peers returns a snapshot of all added peers.
func (w *Wisp) Peers() []Peer {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Peer, 0, len(w.peers))
	for pk, entry := range w.peers {
		out = append(out, Peer{
			PublicKey:   pk,
			DisplayName: entry.displayName,
			PresenceKey: entry.presenceKey,
		})
	}
	return out
}

// PeerPresence returns the cached presence record of a watched peer.
func (w *Wisp) PeerPresence(peer [32]byte) (presence.PeerRecord, bool) {
	return w.watcher.Peer(peer)
}

// PeerAvatar fetches a watched peer's avatar bytes on demand.
func (w *Wisp) PeerAvatar(ctx context.Context, peer [32]byte) ([]byte, error) {
	return w.watcher.Avatar(ctx, peer)
}

// SessionState reports the secure session state with a peer.
func (w *Wisp) SessionState(peer [32]byte) session.State {
	return w.sessions.State(peer)
}

// PendingDeliveries returns a snapshot of the retry queue.
func (w *Wisp) PendingDeliveries() []delivery.PendingDelivery {
	return w.delivery.Pending()
}

func (w *Wisp) savePeers() {
	w.mu.RLock()
	list := make([]storedPeer, 0, len(w.peers))
	for pk, entry := range w.peers {
		list = append(list, storedPeer{
			PublicKey:   pk,
			DisplayName: entry.displayName,
			PresenceKey: entry.presenceKey,
			Bundle:      entry.bundle,
		})
	}
	w.mu.RUnlock()

	data, err := cbor.Marshal(list)
	if err == nil {
		err = w.secure.StoreSecret(secretPeers, data)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "savePeers",
			"error":    err,
		}).Warn("Failed to persist peer registry")
	}
}

func (w *Wisp) restorePeers(ctx context.Context) {
	data, err := w.secure.LoadSecret(secretPeers)
	if err != nil {
		return
	}
	var list []storedPeer
	if err := cbor.Unmarshal(data, &list); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restorePeers",
			"error":    err,
		}).Warn("Peer registry unreadable, starting empty")
		return
	}

	for _, sp := range list {
		w.directory.RegisterPeer(sp.PublicKey, sp.PresenceKey)
		if err := w.watcher.Watch(ctx, sp.PublicKey, sp.PresenceKey); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "restorePeers",
				"peer":     fmt.Sprintf("%x", sp.PublicKey[:8]),
				"error":    err,
			}).Warn("Peer presence record not reachable yet")
		}
		w.mu.Lock()
		w.peers[sp.PublicKey] = &peerEntry{
			displayName: sp.DisplayName,
			presenceKey: sp.PresenceKey,
			bundle:      sp.Bundle,
		}
		w.mu.Unlock()
	}

	logrus.WithFields(logrus.Fields{
		"function": "restorePeers",
		"peers":    len(list),
	}).Info("Restored peer registry")
}

// --- self ---

// PublicKey returns this node's identity key.
func (w *Wisp) PublicKey() [32]byte {
	return w.identity.PublicKey()
}

// DisplayName returns the current display name.
func (w *Wisp) DisplayName() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.name
}

// SetDisplayName publishes a new display name. It is also the name used
// when joining communities from now on.
func (w *Wisp) SetDisplayName(ctx context.Context, name string) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	w.mu.Lock()
	w.name = name
	w.mu.Unlock()
	return w.publisher.SetDisplayName(ctx, name)
}

// SetStatus publishes the availability status.
func (w *Wisp) SetStatus(ctx context.Context, status presence.Status) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	return w.publisher.SetStatus(ctx, status)
}

// SetStatusMessage publishes the free-form status line.
func (w *Wisp) SetStatusMessage(ctx context.Context, message string) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	return w.publisher.SetStatusMessage(ctx, message)
}

// SetActivity publishes rich-presence activity. Nil clears it.
func (w *Wisp) SetActivity(ctx context.Context, activity *presence.Activity) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	return w.publisher.SetActivity(ctx, activity)
}

// SetAvatar publishes avatar bytes.
func (w *Wisp) SetAvatar(ctx context.Context, data []byte) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	return w.publisher.SetAvatar(ctx, data)
}

// --- communities ---

// secureSend is the community manager's hook for pushing material to a
// member node over its established secure session.
func (w *Wisp) secureSend(ctx context.Context, node [32]byte, kind envelope.Kind, body []byte) error {
	ciphertext, err := w.sessions.Encrypt(node, body)
	if err != nil {
		return fmt.Errorf("no secure session with %x: %w", node[:8], err)
	}
	env, err := w.buildEnvelope(kind, ciphertext)
	if err != nil {
		return err
	}
	_, err = w.delivery.Send(ctx, node, env, delivery.ClassRequestResponse)
	return err
}

// CreateCommunity creates a new community hosted by this node.
func (w *Wisp) CreateCommunity(ctx context.Context, name string) (*community.Info, error) {
	if w.isClosed() {
		return nil, ErrNotRunning
	}
	info, err := w.communities.Create(ctx, name, w.DisplayName())
	if err != nil {
		return nil, err
	}
	w.saveCommunities()
	return info, nil
}

// JoinCommunity joins a community from an invite.
func (w *Wisp) JoinCommunity(ctx context.Context, inv *community.Invite) (*community.Info, error) {
	if w.isClosed() {
		return nil, ErrNotRunning
	}
	info, err := w.communities.Join(ctx, inv, w.DisplayName())
	if err != nil {
		return nil, err
	}
	w.saveCommunities()
	return info, nil
}

// LeaveCommunity leaves a community, or winds down hosting of one.
func (w *Wisp) LeaveCommunity(ctx context.Context, communityID string) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	err := w.communities.Leave(ctx, communityID)
	w.saveCommunities()
	return err
}

// ResyncCommunity forces a full state refresh from the community
// record.
func (w *Wisp) ResyncCommunity(ctx context.Context, communityID string) error {
	return w.communities.Resync(ctx, communityID)
}

// PostToCommunity sends content to a community channel under this
// node's pseudonym.
func (w *Wisp) PostToCommunity(ctx context.Context, communityID, channelID string, content []byte) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	return w.communities.Post(ctx, communityID, channelID, content)
}

// IssueCommunityInvite mints an invite for a community this node hosts
// or has invite permission in.
func (w *Wisp) IssueCommunityInvite(ctx context.Context, communityID string) (*community.Invite, error) {
	if w.isClosed() {
		return nil, ErrNotRunning
	}
	return w.communities.IssueInvite(ctx, communityID)
}

// InviteToCommunity mints a community invite and pushes it to the peer
// over the established secure session.
func (w *Wisp) InviteToCommunity(ctx context.Context, peer [32]byte, communityID string) error {
	if w.isClosed() {
		return ErrNotRunning
	}
	inv, err := w.communities.IssueInvite(ctx, communityID)
	if err != nil {
		return err
	}
	data, err := inv.Marshal()
	if err != nil {
		return err
	}
	return w.secureSend(ctx, peer, envelope.KindCommunityInvite, data)
}

// CreateCommunityChannel adds a channel and returns its generated ID.
func (w *Wisp) CreateCommunityChannel(ctx context.Context, communityID, name string) (string, error) {
	return w.communities.CreateChannel(ctx, communityID, name)
}

// UpdateCommunityChannel renames or re-topics a channel.
func (w *Wisp) UpdateCommunityChannel(ctx context.Context, communityID string, ch community.Channel) error {
	return w.communities.UpdateChannel(ctx, communityID, ch)
}

// DeleteCommunityChannel removes a channel.
func (w *Wisp) DeleteCommunityChannel(ctx context.Context, communityID, channelID string) error {
	return w.communities.DeleteChannel(ctx, communityID, channelID)
}

// AssignCommunityRole grants permission bits to a member pseudonym.
func (w *Wisp) AssignCommunityRole(ctx context.Context, communityID string, member [32]byte, perms community.Permission) error {
	return w.communities.AssignRole(ctx, communityID, member, perms)
}

// RevokeCommunityRole resets a member pseudonym to the default
// permissions.
func (w *Wisp) RevokeCommunityRole(ctx context.Context, communityID string, member [32]byte) error {
	return w.communities.RevokeRole(ctx, communityID, member)
}

// RemoveCommunityMember removes a member pseudonym from the roster. The
// media key rotates so the removed member cannot read anything sent
// afterwards.
func (w *Wisp) RemoveCommunityMember(ctx context.Context, communityID string, member [32]byte) error {
	return w.communities.RemoveMember(ctx, communityID, member)
}

// RotateCommunityKey triggers a media key rotation.
func (w *Wisp) RotateCommunityKey(ctx context.Context, communityID string) error {
	return w.communities.RotateKey(ctx, communityID)
}

// Communities lists all hosted and joined communities.
func (w *Wisp) Communities() []community.Info {
	return w.communities.Communities()
}

// CommunityChannels lists a community's channels.
func (w *Wisp) CommunityChannels(communityID string) ([]community.Channel, error) {
	return w.communities.Channels(communityID)
}

// CommunityMembers lists a community's roster.
func (w *Wisp) CommunityMembers(communityID string) ([]community.Member, error) {
	return w.communities.Members(communityID)
}

func (w *Wisp) saveCommunities() {
	infos := w.communities.Communities()
	list := make([]storedCommunity, 0, len(infos))
	for _, info := range infos {
		list = append(list, storedCommunity{
			ID:        info.ID,
			RecordKey: info.RecordKey,
			Hosting:   info.Hosting,
		})
	}

	data, err := cbor.Marshal(list)
	if err == nil {
		err = w.secure.StoreSecret(secretCommunities, data)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "saveCommunities",
			"error":    err,
		}).Warn("Failed to persist community registry")
	}
}

func (w *Wisp) restoreCommunities(ctx context.Context) {
	data, err := w.secure.LoadSecret(secretCommunities)
	if err != nil {
		return
	}
	var list []storedCommunity
	if err := cbor.Unmarshal(data, &list); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restoreCommunities",
			"error":    err,
		}).Warn("Community registry unreadable, starting empty")
		return
	}

	for _, sc := range list {
		if sc.Hosting {
			_, err = w.communities.ReopenHost(ctx, sc.ID, sc.RecordKey)
		} else {
			_, err = w.communities.Rejoin(ctx, sc.ID, sc.RecordKey)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "restoreCommunities",
				"community": sc.ID,
				"hosting":   sc.Hosting,
				"error":     err,
			}).Warn("Failed to restore community attachment")
		}
	}
	w.saveCommunities()
}

// --- shutdown ---

// Shutdown stops the node: intake stops first, queued work gets a
// bounded grace within ctx, then subscriptions, records, and the
// transport are released. Safe to call more than once.
func (w *Wisp) Shutdown(ctx context.Context) error {
	var err error
	w.shutdownOnce.Do(func() { err = w.shutdown(ctx) })
	return err
}

func (w *Wisp) shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	// Announce departure while the record layer is still open.
	if err := w.publisher.SetStatus(ctx, presence.StatusOffline); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "shutdown",
			"error":    err,
		}).Debug("Failed to publish offline status")
	}

	var errs []error
	errs = append(errs, w.delivery.Close(ctx))
	w.communities.Close()
	w.watcher.Close()
	w.sessions.Close()
	errs = append(errs, w.directory.Close())
	errs = append(errs, w.publisher.Close())
	errs = append(errs, w.transport.Close())
	if w.ownsSecure {
		errs = append(errs, w.secure.Close())
	}

	self := w.identity.PublicKey()
	logrus.WithFields(logrus.Fields{
		"function":   "shutdown",
		"public_key": fmt.Sprintf("%x", self[:8]),
	}).Info("Wisp node stopped")

	return errors.Join(errs...)
}

// teardown releases whatever New managed to set up before failing. The
// caller keeps ownership of the transport until New succeeds.
func (w *Wisp) teardown() {
	if w.delivery != nil {
		_ = w.delivery.Close(context.Background())
	}
	if w.communities != nil {
		w.communities.Close()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	if w.sessions != nil {
		w.sessions.Close()
	}
	if w.directory != nil {
		_ = w.directory.Close()
	}
	if w.publisher != nil {
		_ = w.publisher.Close()
	}
	if w.ownsSecure && w.secure != nil {
		_ = w.secure.Close()
	}
}
