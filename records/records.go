package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/opd-ai/wisp/crypto"
)

// KeySize is the size of a record key in bytes.
const KeySize = 32

// Key addresses a record in the distributed store.
type Key [KeySize]byte

// String returns a short hex form for logging.
func (k Key) String() string {
	return hex.EncodeToString(k[:8])
}

// Hex returns the full hex encoding of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// KeyFromHex parses a full-length hex record key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeySize {
		return k, ErrMalformedKey
	}
	copy(k[:], b)
	return k, nil
}

// DeriveKey deterministically derives a record key from a namespace label
// and arbitrary material. Readers who know the namespace and material can
// locate the record without any prior exchange.
func DeriveKey(namespace string, material []byte) Key {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(material)

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the record or subkey does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrPermissionDenied indicates a write by a key pair outside the
	// record's writer set.
	ErrPermissionDenied = errors.New("record write permission denied")
	// ErrBadSubkey indicates a subkey index outside the record's schema.
	ErrBadSubkey = errors.New("subkey out of range")
	// ErrClosed indicates an operation on a closed handle or store.
	ErrClosed = errors.New("record handle closed")
	// ErrMalformedKey indicates an unparsable record key.
	ErrMalformedKey = errors.New("malformed record key")
)

// SchemaKind distinguishes single-writer from multi-writer records.
type SchemaKind uint8

const (
	// SchemaSingleWriter records accept writes only from the owner key pair.
	SchemaSingleWriter SchemaKind = iota
	// SchemaMultiWriter records accept writes from any key pair in Writers.
	SchemaMultiWriter
)

// Schema describes a record's shape and write-access policy.
type Schema struct {
	Kind    SchemaKind
	Subkeys int
	// Writers lists the public keys allowed to write. For single-writer
	// records it holds exactly the owner; for multi-writer records the
	// access-controlled member set.
	Writers [][32]byte
}

// SingleWriter builds a single-writer schema owned by the given public key.
func SingleWriter(owner [32]byte, subkeys int) Schema {
	return Schema{
		Kind:    SchemaSingleWriter,
		Subkeys: subkeys,
		Writers: [][32]byte{owner},
	}
}

// MultiWriter builds a multi-writer schema with the given writer set.
func MultiWriter(writers [][32]byte, subkeys int) Schema {
	return Schema{
		Kind:    SchemaMultiWriter,
		Subkeys: subkeys,
		Writers: writers,
	}
}

// AllowsWriter reports whether the schema grants write access to public.
func (s Schema) AllowsWriter(public [32]byte) bool {
	for _, w := range s.Writers {
		if w == public {
			return true
		}
	}
	return false
}

// Handle is an open reference to a record. A handle opened with a writer
// key pair may write; a handle opened without one is read-only.
type Handle struct {
	Key    Key
	writer *crypto.KeyPair
	closed bool
}

// Writer returns the key pair attached to the handle, or nil if read-only.
func (h *Handle) Writer() *crypto.KeyPair {
	return h.writer
}

// Change reports that a watched subkey has a new value. The value itself is
// not carried: consumers read the subkey, which lets the store serve the
// freshest replica.
type Change struct {
	Key    Key
	Subkey int
}

// Subscription delivers change notifications for a watched record.
type Subscription struct {
	ch     chan Change
	cancel func()
}

// NewSubscription builds a subscription around a channel and cancel hook.
// It is exported for Store implementations outside this package.
func NewSubscription(ch chan Change, cancel func()) *Subscription {
	return &Subscription{ch: ch, cancel: cancel}
}

// Changes returns the notification channel. It is closed after Cancel.
func (s *Subscription) Changes() <-chan Change {
	return s.ch
}

// Cancel releases the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Store is the distributed record store contract. Implementations replicate
// records across the overlay network; the protocol core treats them as a
// capability and has no compile-time dependency on any particular backend.
type Store interface {
	// Create allocates a fresh record with a store-chosen key. The owner
	// key pair is attached to the returned handle for writing.
	Create(ctx context.Context, schema Schema, owner *crypto.KeyPair) (*Handle, error)

	// Open opens an existing record by key. Passing a writer key pair
	// yields a writable handle; passing nil yields a read-only one.
	// Opening an absent key with the owner key pair creates the record in
	// place, which is how deterministically keyed records come to exist.
	Open(ctx context.Context, key Key, writer *crypto.KeyPair) (*Handle, error)

	// Read returns the current value of a subkey. With forceRefresh the
	// store must consult the network rather than a local replica.
	Read(ctx context.Context, h *Handle, subkey int, forceRefresh bool) ([]byte, error)

	// Write replaces the value of a subkey. Fails with ErrPermissionDenied
	// unless the handle's key pair is in the record's writer set.
	Write(ctx context.Context, h *Handle, subkey int, data []byte) error

	// Watch subscribes to change notifications for the given subkeys. An
	// empty subkey list watches the whole record.
	Watch(ctx context.Context, h *Handle, subkeys []int) (*Subscription, error)

	// Close releases a handle and any watch state tied to it.
	Close(h *Handle) error
}
