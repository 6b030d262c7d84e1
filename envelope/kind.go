package envelope

import "fmt"

// Kind is the first byte of an envelope payload and selects how the
// rest of the body is handled.
type Kind byte

const (
	// KindChat is an encrypted chat message for an established session.
	KindChat Kind = iota + 1
	// KindSessionInit carries an X3DH handshake initiation.
	KindSessionInit
	// KindTyping is an ephemeral typing indicator. Never queued.
	KindTyping
	// KindReceipt acknowledges delivery of a chat message.
	KindReceipt
	// KindPresenceProbe asks a peer to refresh its published presence.
	KindPresenceProbe
	// KindCommunityRPC carries a community protocol request or response.
	KindCommunityRPC
	// KindMEKDistribute carries an encrypted media-encryption key for a
	// community member.
	KindMEKDistribute
	// KindFirstContact is a plaintext first-contact message, only
	// accepted when the receiving node opts in.
	KindFirstContact
	// KindCommunityInvite carries a community invite inside an
	// established session.
	KindCommunityInvite
)

// String names the kind for logs.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindSessionInit:
		return "session_init"
	case KindTyping:
		return "typing"
	case KindReceipt:
		return "receipt"
	case KindPresenceProbe:
		return "presence_probe"
	case KindCommunityRPC:
		return "community_rpc"
	case KindMEKDistribute:
		return "mek_distribute"
	case KindFirstContact:
		return "first_contact"
	case KindCommunityInvite:
		return "community_invite"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Ephemeral reports whether messages of this kind are dropped rather
// than queued when immediate delivery fails.
func (k Kind) Ephemeral() bool {
	return k == KindTyping || k == KindPresenceProbe
}

// FramePayload prefixes a body with its kind byte.
func FramePayload(kind Kind, body []byte) []byte {
	framed := make([]byte, 1+len(body))
	framed[0] = byte(kind)
	copy(framed[1:], body)
	return framed
}

// SplitPayload separates a framed payload into kind and body.
func SplitPayload(payload []byte) (Kind, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("empty payload: %w", ErrMalformedEnvelope)
	}
	return Kind(payload[0]), payload[1:], nil
}
