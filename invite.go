package wisp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/presence"
	"github.com/opd-ai/wisp/records"
)

var (
	// ErrMalformedInvite indicates an invite string that does not decode
	// into a structurally valid invite.
	ErrMalformedInvite = errors.New("malformed invite")
	// ErrBadInviteSignature indicates an invite whose signature does not
	// verify against its embedded public key. No field of such an invite
	// may be trusted.
	ErrBadInviteSignature = errors.New("invite signature verification failed")
)

// invitePrefix makes invite strings self-describing when pasted around.
const invitePrefix = "wisp:"

// PeerInvite is the self-contained token one node hands another to
// establish contact: identity, display name, record keys, current route,
// and key-agreement material, all bound by a signature.
type PeerInvite struct {
	PublicKey   [32]byte         `cbor:"public_key"`
	DisplayName string           `cbor:"display_name"`
	MailboxKey  records.Key      `cbor:"mailbox_key"`
	PresenceKey records.Key      `cbor:"presence_key"`
	RouteToken  []byte           `cbor:"route_token"`
	KeyBundle   []byte           `cbor:"key_agreement_bundle"`
	Signature   crypto.Signature `cbor:"signature"`
}

// signInvite signs the invite with the issuer's identity. The signature
// covers the CBOR encoding with the signature field zeroed.
func signInvite(inv *PeerInvite, identity *crypto.Identity) error {
	unsigned := *inv
	unsigned.Signature = crypto.Signature{}
	body, err := cbor.Marshal(&unsigned)
	if err != nil {
		return fmt.Errorf("encode invite: %w", err)
	}
	sig, err := identity.Sign(body)
	if err != nil {
		return fmt.Errorf("sign invite: %w", err)
	}
	inv.Signature = sig
	return nil
}

// verify checks the invite signature against its embedded public key.
func (inv *PeerInvite) verify() bool {
	unsigned := *inv
	unsigned.Signature = crypto.Signature{}
	body, err := cbor.Marshal(&unsigned)
	if err != nil {
		return false
	}
	return crypto.Verify(body, inv.Signature, inv.PublicKey)
}

// Encode renders the invite as a deep-link-style string.
func (inv *PeerInvite) Encode() (string, error) {
	data, err := cbor.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("encode invite: %w", err)
	}
	return invitePrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParsePeerInvite decodes and verifies an invite string. The signature
// is checked before any field is returned to the caller, and the
// mailbox key must match the one derived from the identity.
func ParsePeerInvite(s string) (*PeerInvite, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, invitePrefix))
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInvite, err)
	}

	var inv PeerInvite
	if err := cbor.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInvite, err)
	}
	if inv.PublicKey == ([32]byte{}) {
		return nil, fmt.Errorf("%w: missing public key", ErrMalformedInvite)
	}
	if !inv.verify() {
		return nil, ErrBadInviteSignature
	}
	if inv.MailboxKey != presence.MailboxKey(inv.PublicKey) {
		return nil, fmt.Errorf("%w: mailbox key does not derive from identity", ErrMalformedInvite)
	}
	return &inv, nil
}
