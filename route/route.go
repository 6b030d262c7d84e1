// Package route maintains the mapping from peer identity to reachable
// address token.
//
// Each node allocates one local route token at startup and publishes it
// twice: into subkey 6 of its presence record and into its mailbox
// record, whose key any peer can derive from the identity alone. The
// mailbox is the bootstrap path; it breaks the circularity of needing a
// live route to fetch route data.
//
// Resolved tokens are cached for CacheTTL and refetched lazily after
// that. The cache is read-mostly and guarded by a reader/writer lock so
// unrelated peers' traffic never serializes on it.
package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/presence"
	"github.com/opd-ai/wisp/records"
)

var (
	// ErrUnreachablePeer indicates neither the peer's presence record nor
	// its mailbox yields a route token.
	ErrUnreachablePeer = errors.New("no route to peer")
	// ErrNoLocalRoute indicates PublishLocal was called before
	// AllocateLocal.
	ErrNoLocalRoute = errors.New("local route not allocated")
)

// CacheTTL is how long a resolved route token stays fresh. An entry
// older than this must be refetched before use.
const CacheTTL = 90 * time.Second

// Token is an opaque route token: whatever blob lets a sender reach the
// peer that published it.
type Token []byte

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Sink receives the local route token whenever it is published. The
// presence publisher implements this to mirror the token into the
// presence record.
type Sink interface {
	SetRouteToken(ctx context.Context, token []byte) error
}

type cacheEntry struct {
	token   Token
	fetched time.Time
}

// Directory resolves peer identities to route tokens and publishes the
// local one.
type Directory struct {
	store    records.Store
	identity *crypto.Identity
	source   func() []byte

	mu           sync.RWMutex
	cache        map[[32]byte]cacheEntry
	presenceKeys map[[32]byte]records.Key
	local        Token
	mailbox      *records.Handle

	sink         Sink
	timeProvider TimeProvider
}

// NewDirectory creates a route directory. source reports how other
// nodes reach this one; it is consulted by AllocateLocal.
func NewDirectory(store records.Store, identity *crypto.Identity, source func() []byte) *Directory {
	return &Directory{
		store:        store,
		identity:     identity,
		source:       source,
		cache:        make(map[[32]byte]cacheEntry),
		presenceKeys: make(map[[32]byte]records.Key),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetSink registers a sink that mirrors the local token into the
// presence record on publish.
func (d *Directory) SetSink(sink Sink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (d *Directory) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	d.timeProvider = tp
	d.mu.Unlock()
}

// AllocateLocal allocates the local route token and opens the mailbox
// record, creating it in place on first run. Called once at startup.
func (d *Directory) AllocateLocal(ctx context.Context) (Token, error) {
	if d.source == nil {
		return nil, errors.New("no route source configured")
	}
	token := d.source()
	if len(token) == 0 {
		return nil, errors.New("route source returned empty token")
	}

	mailboxKey := presence.MailboxKey(d.identity.PublicKey())
	h, err := d.store.Open(ctx, mailboxKey, d.identity.Signing)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox record: %w", err)
	}

	d.mu.Lock()
	d.local = append(Token(nil), token...)
	d.mailbox = h
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "AllocateLocal",
		"token_len": len(token),
	}).Info("Allocated local route")

	return append(Token(nil), token...), nil
}

// LocalToken returns the allocated local token, or nil before
// AllocateLocal.
func (d *Directory) LocalToken() Token {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.local == nil {
		return nil
	}
	return append(Token(nil), d.local...)
}

// PublishLocal writes the local token to the mailbox record and, when a
// sink is registered, to the presence record.
func (d *Directory) PublishLocal(ctx context.Context) error {
	d.mu.RLock()
	token := d.local
	h := d.mailbox
	sink := d.sink
	d.mu.RUnlock()

	if len(token) == 0 || h == nil {
		return ErrNoLocalRoute
	}

	if err := d.store.Write(ctx, h, presence.MailboxSubkeyToken, token); err != nil {
		return fmt.Errorf("failed to publish mailbox route: %w", err)
	}
	if sink != nil {
		if err := sink.SetRouteToken(ctx, token); err != nil {
			return fmt.Errorf("failed to publish presence route: %w", err)
		}
	}
	return nil
}

// RegisterPeer associates a peer identity with its presence record key,
// enabling the primary resolution path. Without a registration only the
// mailbox fallback is consulted.
func (d *Directory) RegisterPeer(peer [32]byte, presenceKey records.Key) {
	d.mu.Lock()
	d.presenceKeys[peer] = presenceKey
	d.mu.Unlock()
}

// ForgetPeer drops the peer's registration and any cached token.
func (d *Directory) ForgetPeer(peer [32]byte) {
	d.mu.Lock()
	delete(d.presenceKeys, peer)
	delete(d.cache, peer)
	d.mu.Unlock()
}

// Invalidate drops the cached token for a peer so the next Resolve
// refetches. Delivery calls this after a send to a resolved route fails.
func (d *Directory) Invalidate(peer [32]byte) {
	d.mu.Lock()
	delete(d.cache, peer)
	d.mu.Unlock()
}

// Resolve returns a route token for the peer, from cache when fresh.
// Stale entries are evicted and refetched: first from the peer's
// presence record, then from its mailbox.
func (d *Directory) Resolve(ctx context.Context, peer [32]byte) (Token, error) {
	d.mu.RLock()
	tp := d.timeProvider
	entry, ok := d.cache[peer]
	d.mu.RUnlock()

	if ok {
		if tp.Now().Sub(entry.fetched) < CacheTTL {
			return append(Token(nil), entry.token...), nil
		}
		d.mu.Lock()
		if cur, still := d.cache[peer]; still && cur.fetched.Equal(entry.fetched) {
			delete(d.cache, peer)
		}
		d.mu.Unlock()
	}

	token := d.fetchPresenceRoute(ctx, peer)
	if len(token) == 0 {
		token = d.fetchMailboxRoute(ctx, peer)
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("peer %x: %w", peer[:8], ErrUnreachablePeer)
	}

	d.mu.Lock()
	d.cache[peer] = cacheEntry{
		token:   append(Token(nil), token...),
		fetched: tp.Now(),
	}
	d.mu.Unlock()

	return token, nil
}

// fetchPresenceRoute reads the route subkey of the peer's presence
// record. Any failure falls through to the mailbox path.
func (d *Directory) fetchPresenceRoute(ctx context.Context, peer [32]byte) Token {
	d.mu.RLock()
	key, ok := d.presenceKeys[peer]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	h, err := d.store.Open(ctx, key, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchPresenceRoute",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"error":    err.Error(),
		}).Debug("Presence record unavailable, trying mailbox")
		return nil
	}
	defer d.store.Close(h)

	data, err := d.store.Read(ctx, h, presence.SubkeyRouteToken, true)
	if err != nil || len(data) == 0 {
		return nil
	}
	return Token(data)
}

// Seed primes the cache with a token learned out of band, such as a
// reply route carried inside a request. Seeded entries age out under
// the same TTL as resolved ones.
func (d *Directory) Seed(peer [32]byte, token Token) {
	if len(token) == 0 {
		return
	}
	d.mu.Lock()
	d.cache[peer] = cacheEntry{
		token:   append(Token(nil), token...),
		fetched: d.timeProvider.Now(),
	}
	d.mu.Unlock()
}

// Close releases the mailbox record handle. The directory is unusable
// for publishing afterwards.
func (d *Directory) Close() error {
	d.mu.Lock()
	h := d.mailbox
	d.mailbox = nil
	d.local = nil
	d.mu.Unlock()

	if h == nil {
		return nil
	}
	return d.store.Close(h)
}

// fetchMailboxRoute reads the peer's mailbox record under its
// deterministic key.
func (d *Directory) fetchMailboxRoute(ctx context.Context, peer [32]byte) Token {
	h, err := d.store.Open(ctx, presence.MailboxKey(peer), nil)
	if err != nil {
		return nil
	}
	defer d.store.Close(h)

	data, err := d.store.Read(ctx, h, presence.MailboxSubkeyToken, true)
	if err != nil || len(data) == 0 {
		return nil
	}
	return Token(data)
}
