package presence

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/records"
)

// Publisher owns this node's presence record and writes its subkeys.
// All setters are safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	store    records.Store
	identity *crypto.Identity
	handle   *records.Handle
}

// NewPublisher creates a fresh presence record owned by the identity.
// The record key is new on every call; persist it and share it with
// peers through invites.
func NewPublisher(ctx context.Context, store records.Store, identity *crypto.Identity) (*Publisher, error) {
	if store == nil || identity == nil {
		return nil, fmt.Errorf("store and identity are required")
	}

	schema := records.SingleWriter(identity.PublicKey(), RecordSubkeys)
	handle, err := store.Create(ctx, schema, identity.Signing)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPublisher",
		"key":      fmt.Sprintf("%x", handle.Key[:8]),
	}).Info("Created presence record")

	return &Publisher{store: store, identity: identity, handle: handle}, nil
}

// OpenPublisher reopens an existing presence record by key with write
// access.
func OpenPublisher(ctx context.Context, store records.Store, identity *crypto.Identity, key records.Key) (*Publisher, error) {
	if store == nil || identity == nil {
		return nil, fmt.Errorf("store and identity are required")
	}

	handle, err := store.Open(ctx, key, identity.Signing)
	if err != nil {
		return nil, fmt.Errorf("failed to open presence record: %w", err)
	}
	return &Publisher{store: store, identity: identity, handle: handle}, nil
}

// Key returns the presence record key peers need to watch this node.
func (p *Publisher) Key() records.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle.Key
}

func (p *Publisher) write(ctx context.Context, subkey int, data []byte) error {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()

	if err := p.store.Write(ctx, handle, subkey, data); err != nil {
		return fmt.Errorf("presence subkey %d: %w", subkey, err)
	}
	return nil
}

// SetDisplayName publishes the node's display name.
func (p *Publisher) SetDisplayName(ctx context.Context, name string) error {
	return p.write(ctx, SubkeyDisplayName, []byte(name))
}

// SetStatusMessage publishes the free-form status message.
func (p *Publisher) SetStatusMessage(ctx context.Context, message string) error {
	return p.write(ctx, SubkeyStatusMessage, []byte(message))
}

// SetStatus publishes the availability status.
func (p *Publisher) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %d", status)
	}
	return p.write(ctx, SubkeyStatus, []byte{byte(status)})
}

// SetAvatar publishes avatar bytes.
func (p *Publisher) SetAvatar(ctx context.Context, data []byte) error {
	return p.write(ctx, SubkeyAvatar, data)
}

// SetActivity publishes the rich-presence activity. A nil activity
// clears the subkey.
func (p *Publisher) SetActivity(ctx context.Context, activity *Activity) error {
	if activity == nil {
		return p.write(ctx, SubkeyActivity, nil)
	}
	data, err := cbor.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}
	return p.write(ctx, SubkeyActivity, data)
}

// SetKeyBundle publishes the serialized prekey bundle peers use to
// initiate secure sessions.
func (p *Publisher) SetKeyBundle(ctx context.Context, bundle []byte) error {
	return p.write(ctx, SubkeyKeyBundle, bundle)
}

// SetRouteToken publishes the node's current route token.
func (p *Publisher) SetRouteToken(ctx context.Context, token []byte) error {
	return p.write(ctx, SubkeyRouteToken, token)
}

// Close releases the record handle.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Close(p.handle)
}
