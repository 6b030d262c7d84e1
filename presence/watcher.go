package presence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/records"
)

// ErrNotWatched indicates an operation against a peer that was never
// watched or has been unwatched.
var ErrNotWatched = errors.New("peer is not watched")

// watchedSubkeys are the subkeys the watcher subscribes to. Avatar
// bytes are fetched on demand, not streamed.
var watchedSubkeys = []int{
	SubkeyDisplayName,
	SubkeyStatusMessage,
	SubkeyStatus,
	SubkeyActivity,
	SubkeyRouteToken,
}

// watchedPeer couples a peer's cached record with its subscription.
type watchedPeer struct {
	record      PeerRecord
	activityRaw []byte
	handle      *records.Handle
	sub         *records.Subscription
}

// Watcher subscribes to peer presence records and reduces raw subkey
// changes to semantic events. Duplicate or reordered notifications are
// harmless: every notification is resolved by reading the record's
// current state and diffing against the cache.
type Watcher struct {
	store   records.Store
	onEvent EventFunc

	mu    sync.Mutex
	peers map[[32]byte]*watchedPeer

	wg           sync.WaitGroup
	timeProvider TimeProvider
}

// NewWatcher creates a watcher delivering events to onEvent. A nil
// onEvent is allowed; the cached PeerRecord state is still maintained.
func NewWatcher(store records.Store, onEvent EventFunc) *Watcher {
	return &Watcher{
		store:        store,
		onEvent:      onEvent,
		peers:        make(map[[32]byte]*watchedPeer),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider replaces the clock used for last-seen stamps.
func (w *Watcher) SetTimeProvider(tp TimeProvider) {
	w.mu.Lock()
	if tp != nil {
		w.timeProvider = tp
	}
	w.mu.Unlock()
}

// Watch opens the peer's presence record and starts delivering events
// for it. Watching an already-watched peer is a no-op. The initial
// record state is primed immediately: a peer already online produces a
// PeerOnline event.
func (w *Watcher) Watch(ctx context.Context, peer [32]byte, key records.Key) error {
	w.mu.Lock()
	if _, ok := w.peers[peer]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	handle, err := w.store.Open(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("failed to open presence record for %x: %w", peer[:8], err)
	}
	sub, err := w.store.Watch(ctx, handle, watchedSubkeys)
	if err != nil {
		w.store.Close(handle)
		return fmt.Errorf("failed to watch presence record for %x: %w", peer[:8], err)
	}

	wp := &watchedPeer{
		record: PeerRecord{PublicKey: peer},
		handle: handle,
		sub:    sub,
	}

	w.mu.Lock()
	if _, ok := w.peers[peer]; ok {
		// Lost the race to another Watch call.
		w.mu.Unlock()
		sub.Cancel()
		w.store.Close(handle)
		return nil
	}
	w.peers[peer] = wp
	w.mu.Unlock()

	for _, subkey := range watchedSubkeys {
		w.apply(ctx, peer, subkey)
	}

	w.wg.Add(1)
	go w.consume(ctx, peer, sub)

	logrus.WithFields(logrus.Fields{
		"function": "Watch",
		"peer":     fmt.Sprintf("%x", peer[:8]),
	}).Info("Watching peer presence")

	return nil
}

// consume drains one peer's change notifications until the
// subscription closes.
func (w *Watcher) consume(ctx context.Context, peer [32]byte, sub *records.Subscription) {
	defer w.wg.Done()
	for change := range sub.Changes() {
		w.apply(ctx, peer, change.Subkey)
	}
}

// apply reads a subkey's current value and folds it into the peer's
// cached record, emitting events for semantic transitions. The store
// read happens outside the watcher lock.
func (w *Watcher) apply(ctx context.Context, peer [32]byte, subkey int) {
	w.mu.Lock()
	wp := w.peers[peer]
	w.mu.Unlock()
	if wp == nil {
		return
	}

	data, err := w.store.Read(ctx, wp.handle, subkey, true)
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "apply",
			"peer":     fmt.Sprintf("%x", peer[:8]),
			"subkey":   subkey,
			"error":    err,
		}).Debug("Presence read failed")
		return
	}

	w.mu.Lock()
	if _, ok := w.peers[peer]; !ok {
		w.mu.Unlock()
		return
	}
	events := w.fold(wp, subkey, data)
	w.mu.Unlock()

	for _, ev := range events {
		w.emit(ev)
	}
}

// fold updates the cached record from one subkey value and returns the
// events the change implies. Caller holds w.mu.
func (w *Watcher) fold(wp *watchedPeer, subkey int, data []byte) []Event {
	rec := &wp.record
	now := w.timeProvider.Now()

	switch subkey {
	case SubkeyDisplayName:
		rec.DisplayName = string(data)

	case SubkeyStatusMessage:
		rec.StatusMessage = string(data)

	case SubkeyStatus:
		status := StatusOffline
		if len(data) > 0 {
			status = Status(data[0])
			if !status.Valid() {
				return nil
			}
		}
		prev := rec.Status
		if status == prev {
			return nil
		}
		rec.Status = status
		rec.LastSeen = now

		ev := Event{Peer: rec.PublicKey, Status: status, Previous: prev}
		switch {
		case status == StatusOffline:
			ev.Kind = PeerOffline
		case prev == StatusOffline:
			ev.Kind = PeerOnline
		default:
			ev.Kind = StatusChanged
		}
		return []Event{ev}

	case SubkeyActivity:
		if bytes.Equal(data, wp.activityRaw) {
			return nil
		}
		var activity *Activity
		if len(data) > 0 {
			activity = new(Activity)
			if err := cbor.Unmarshal(data, activity); err != nil {
				return nil
			}
		}
		wp.activityRaw = data
		rec.Activity = activity
		rec.LastSeen = now

		copied := cloneActivity(activity)
		return []Event{{
			Peer:     rec.PublicKey,
			Kind:     ActivityChanged,
			Status:   rec.Status,
			Previous: rec.Status,
			Activity: copied,
		}}

	case SubkeyRouteToken:
		rec.RouteToken = append([]byte(nil), data...)
		rec.LastSeen = now
	}
	return nil
}

func (w *Watcher) emit(ev Event) {
	logrus.WithFields(logrus.Fields{
		"function": "emit",
		"peer":     fmt.Sprintf("%x", ev.Peer[:8]),
		"kind":     ev.Kind.String(),
		"status":   ev.Status.String(),
	}).Debug("Presence event")

	if w.onEvent != nil {
		w.onEvent(ev)
	}
}

// Peer returns a snapshot of the cached record for a watched peer.
func (w *Watcher) Peer(peer [32]byte) (PeerRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wp, ok := w.peers[peer]
	if !ok {
		return PeerRecord{}, false
	}

	snap := wp.record
	snap.RouteToken = append([]byte(nil), wp.record.RouteToken...)
	snap.Activity = cloneActivity(wp.record.Activity)
	return snap, true
}

// KeyBundle fetches the peer's current prekey bundle bytes, bypassing
// any replica staleness.
func (w *Watcher) KeyBundle(ctx context.Context, peer [32]byte) ([]byte, error) {
	w.mu.Lock()
	wp := w.peers[peer]
	w.mu.Unlock()

	if wp == nil {
		return nil, fmt.Errorf("peer %x: %w", peer[:8], ErrNotWatched)
	}
	return w.store.Read(ctx, wp.handle, SubkeyKeyBundle, true)
}

// Avatar fetches the peer's avatar bytes on demand.
func (w *Watcher) Avatar(ctx context.Context, peer [32]byte) ([]byte, error) {
	w.mu.Lock()
	wp := w.peers[peer]
	w.mu.Unlock()

	if wp == nil {
		return nil, fmt.Errorf("peer %x: %w", peer[:8], ErrNotWatched)
	}
	return w.store.Read(ctx, wp.handle, SubkeyAvatar, true)
}

// Unwatch stops watching a peer and drops its cached state.
func (w *Watcher) Unwatch(peer [32]byte) {
	w.mu.Lock()
	wp := w.peers[peer]
	delete(w.peers, peer)
	w.mu.Unlock()

	if wp == nil {
		return
	}
	wp.sub.Cancel()
	w.store.Close(wp.handle)
}

// Close stops all subscriptions and waits for their notification
// goroutines to drain.
func (w *Watcher) Close() {
	w.mu.Lock()
	peers := make([]*watchedPeer, 0, len(w.peers))
	for peer, wp := range w.peers {
		peers = append(peers, wp)
		delete(w.peers, peer)
	}
	w.mu.Unlock()

	for _, wp := range peers {
		wp.sub.Cancel()
		w.store.Close(wp.handle)
	}
	w.wg.Wait()
}

func cloneActivity(a *Activity) *Activity {
	if a == nil {
		return nil
	}
	copied := *a
	return &copied
}
