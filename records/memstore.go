package records

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
)

// watchBuffer is the per-subscription channel depth. Notifications beyond
// it are dropped; watchers recover by reading current state, so a dropped
// notification degrades latency, not correctness.
const watchBuffer = 16

// MemStore is a complete in-process implementation of Store. It enforces
// the same owner-write semantics as a networked backend and fans change
// notifications out to watchers, which makes it suitable both for tests and
// for single-process deployments.
type MemStore struct {
	mu   sync.RWMutex
	recs map[Key]*memRecord
	subs map[*Subscription]*memSub
}

type memRecord struct {
	schema Schema
	values [][]byte
}

type memSub struct {
	key     Key
	handle  *Handle
	subkeys map[int]bool
	ch      chan Change
	done    chan struct{}
}

// NewMemStore creates an empty in-memory record store.
func NewMemStore() *MemStore {
	return &MemStore{
		recs: make(map[Key]*memRecord),
		subs: make(map[*Subscription]*memSub),
	}
}

// Create allocates a fresh record under a random key.
func (ms *MemStore) Create(ctx context.Context, schema Schema, owner *crypto.KeyPair) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if schema.Subkeys <= 0 {
		return nil, ErrBadSubkey
	}
	if owner != nil && len(schema.Writers) == 0 {
		schema.Writers = [][32]byte{owner.Public}
	}

	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	ms.recs[key] = &memRecord{
		schema: schema,
		values: make([][]byte, schema.Subkeys),
	}
	ms.mu.Unlock()

	return &Handle{Key: key, writer: owner}, nil
}

// Open opens a record by key. An absent key opened with a writer key pair
// is created implicitly as a single-writer record owned by that key pair.
func (ms *MemStore) Open(ctx context.Context, key Key, writer *crypto.KeyPair) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.recs[key]; !ok {
		if writer == nil {
			return nil, ErrNotFound
		}
		schema := SingleWriter(writer.Public, 1)
		ms.recs[key] = &memRecord{
			schema: schema,
			values: make([][]byte, schema.Subkeys),
		}
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"key":      key.String(),
		}).Debug("Created record in place for deterministic key")
	}

	return &Handle{Key: key, writer: writer}, nil
}

// Read returns a copy of the subkey's current value.
func (ms *MemStore) Read(ctx context.Context, h *Handle, subkey int, forceRefresh bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil || h.closed {
		return nil, ErrClosed
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rec, ok := ms.recs[h.Key]
	if !ok {
		return nil, ErrNotFound
	}
	if subkey < 0 || subkey >= rec.schema.Subkeys {
		return nil, ErrBadSubkey
	}

	value := rec.values[subkey]
	if value == nil {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Write replaces the subkey value after checking the writer set.
func (ms *MemStore) Write(ctx context.Context, h *Handle, subkey int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h == nil || h.closed {
		return ErrClosed
	}
	if h.writer == nil {
		return ErrPermissionDenied
	}

	ms.mu.Lock()
	rec, ok := ms.recs[h.Key]
	if !ok {
		ms.mu.Unlock()
		return ErrNotFound
	}
	if subkey < 0 || subkey >= rec.schema.Subkeys {
		ms.mu.Unlock()
		return ErrBadSubkey
	}
	if !rec.schema.AllowsWriter(h.writer.Public) {
		ms.mu.Unlock()
		return ErrPermissionDenied
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	rec.values[subkey] = stored

	// Notify while holding the lock: sends are non-blocking and dropSub
	// closes channels under the same lock, so no send can race a close.
	change := Change{Key: h.Key, Subkey: subkey}
	for _, sub := range ms.subs {
		if sub.key != h.Key {
			continue
		}
		if len(sub.subkeys) > 0 && !sub.subkeys[subkey] {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			// Watcher is behind; it will catch up from current state.
		}
	}
	ms.mu.Unlock()

	return nil
}

// Watch subscribes to changes on the given subkeys of the record.
func (ms *MemStore) Watch(ctx context.Context, h *Handle, subkeys []int) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil || h.closed {
		return nil, ErrClosed
	}

	ms.mu.Lock()
	rec, ok := ms.recs[h.Key]
	if !ok {
		ms.mu.Unlock()
		return nil, ErrNotFound
	}

	filter := make(map[int]bool, len(subkeys))
	for _, sk := range subkeys {
		if sk < 0 || sk >= rec.schema.Subkeys {
			ms.mu.Unlock()
			return nil, ErrBadSubkey
		}
		filter[sk] = true
	}

	inner := &memSub{
		key:     h.Key,
		handle:  h,
		subkeys: filter,
		ch:      make(chan Change, watchBuffer),
		done:    make(chan struct{}),
	}

	var sub *Subscription
	sub = NewSubscription(inner.ch, func() {
		ms.dropSub(sub)
	})
	ms.subs[sub] = inner
	ms.mu.Unlock()

	// Tie the subscription to the caller's context without leaking a
	// goroutine past Cancel.
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-inner.done:
		}
	}()

	return sub, nil
}

// dropSub removes a subscription and closes its channels under ms.mu so
// that no concurrent Write can send on a closed channel.
func (ms *MemStore) dropSub(sub *Subscription) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	inner, ok := ms.subs[sub]
	if !ok {
		return
	}
	delete(ms.subs, sub)
	close(inner.done)
	close(inner.ch)
}

// Close releases a handle and cancels subscriptions created through it.
func (ms *MemStore) Close(h *Handle) error {
	if h == nil {
		return ErrClosed
	}

	ms.mu.Lock()
	h.closed = true
	var cancel []*Subscription
	for sub, inner := range ms.subs {
		if inner.handle == h {
			cancel = append(cancel, sub)
		}
	}
	ms.mu.Unlock()

	for _, sub := range cancel {
		sub.Cancel()
	}

	return nil
}
