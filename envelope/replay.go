package envelope

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrReplay indicates an envelope whose (sender, nonce) pair was seen
// before inside the guard window.
var ErrReplay = errors.New("replayed envelope")

const (
	// replayWindow is how long a (sender, nonce) pair is remembered.
	replayWindow = 10 * time.Minute
	// replayCleanupInterval is how often expired pairs are pruned.
	replayCleanupInterval = time.Minute
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

type replayKey struct {
	sender [32]byte
	nonce  [MaxNonceSize]byte
	length uint8
}

// ReplayGuard rejects envelopes whose (sender, nonce) pair repeats
// within the guard window. Duplicates must be discarded before any
// further processing.
type ReplayGuard struct {
	mu           sync.Mutex
	seen         map[replayKey]time.Time
	stopChan     chan struct{}
	stopOnce     sync.Once
	timeProvider TimeProvider
}

// NewReplayGuard creates a guard and starts its background cleanup.
func NewReplayGuard() *ReplayGuard {
	g := &ReplayGuard{
		seen:         make(map[replayKey]time.Time),
		stopChan:     make(chan struct{}),
		timeProvider: DefaultTimeProvider{},
	}
	go g.cleanupLoop()
	return g
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (g *ReplayGuard) SetTimeProvider(tp TimeProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	g.timeProvider = tp
}

// Check records the envelope's (sender, nonce) pair, failing with
// ErrReplay if it was already seen inside the window.
func (g *ReplayGuard) Check(env *Envelope) error {
	if env == nil || len(env.Nonce) == 0 || len(env.Nonce) > MaxNonceSize {
		return ErrMalformedEnvelope
	}

	key := replayKey{sender: env.SenderPublicKey, length: uint8(len(env.Nonce))}
	copy(key.nonce[:], env.Nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now()
	if expiry, exists := g.seen[key]; exists && now.Before(expiry) {
		logrus.WithFields(logrus.Fields{
			"function": "Check",
			"sender":   fmt.Sprintf("%x", env.SenderPublicKey[:8]),
			"nonce":    fmt.Sprintf("%x", env.Nonce[:min(8, len(env.Nonce))]),
		}).Warn("Replayed envelope rejected")
		return ErrReplay
	}

	g.seen[key] = now.Add(replayWindow)
	return nil
}

// Size returns the number of remembered pairs.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Close stops the background cleanup. Safe to call more than once.
func (g *ReplayGuard) Close() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

func (g *ReplayGuard) cleanupLoop() {
	ticker := time.NewTicker(replayCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopChan:
			return
		}
	}
}

func (g *ReplayGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now()
	removed := 0
	for key, expiry := range g.seen {
		if expiry.Before(now) {
			delete(g.seen, key)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "cleanup",
			"removed":   removed,
			"remaining": len(g.seen),
		}).Debug("Pruned expired replay entries")
	}
}
