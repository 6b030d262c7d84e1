// Package storage holds the persistence contracts of a Wisp node and
// their implementations: a secure key-value store for private material
// and an append-only sink for message history.
package storage

import (
	"errors"
	"sync"
)

// ErrSecretNotFound indicates no secret is stored under the name.
var ErrSecretNotFound = errors.New("secret not found")

// SecureStore persists small private blobs: identity seeds, session
// material, community record keys. Implementations must return
// ErrSecretNotFound for absent names and must not log secret values.
type SecureStore interface {
	StoreSecret(name string, data []byte) error
	LoadSecret(name string) ([]byte, error)
	DeleteSecret(name string) error
	Close() error
}

// StoredMessage is one history entry of a conversation.
type StoredMessage struct {
	Sender    [32]byte
	Body      []byte
	Timestamp uint64
}

// HistorySink receives delivered and sent messages for local history.
// conversationID groups entries: a peer key in hex for direct chats, a
// community and channel pair for channels.
type HistorySink interface {
	AppendMessage(conversationID string, sender [32]byte, body []byte, timestamp uint64) error
}

// MemSecureStore is an in-memory SecureStore for tests and throwaway
// nodes. Contents vanish with the process.
type MemSecureStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
	closed  bool
}

// NewMemSecureStore creates an empty in-memory secure store.
func NewMemSecureStore() *MemSecureStore {
	return &MemSecureStore{secrets: make(map[string][]byte)}
}

// StoreSecret saves a copy of data under name.
func (ms *MemSecureStore) StoreSecret(name string, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return errors.New("secure store closed")
	}
	ms.secrets[name] = append([]byte(nil), data...)
	return nil
}

// LoadSecret returns a copy of the secret stored under name.
func (ms *MemSecureStore) LoadSecret(name string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, errors.New("secure store closed")
	}
	data, ok := ms.secrets[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return append([]byte(nil), data...), nil
}

// DeleteSecret removes the secret. Deleting an absent name is a no-op.
func (ms *MemSecureStore) DeleteSecret(name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return errors.New("secure store closed")
	}
	delete(ms.secrets, name)
	return nil
}

// Close zeroes and drops all stored secrets.
func (ms *MemSecureStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for name, data := range ms.secrets {
		for i := range data {
			data[i] = 0
		}
		delete(ms.secrets, name)
	}
	ms.closed = true
	return nil
}
