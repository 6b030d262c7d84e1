package community

// EventKind classifies a community event surfaced to the application.
type EventKind uint8

const (
	// EventMemberJoined fires when a pseudonym enters the roster.
	EventMemberJoined EventKind = iota + 1
	// EventMemberRemoved fires when a pseudonym leaves the roster,
	// including this node's own removal by an admin.
	EventMemberRemoved
	// EventChannelCreated fires when a channel is added.
	EventChannelCreated
	// EventChannelUpdated fires when a channel's name or topic changes.
	EventChannelUpdated
	// EventChannelDeleted fires when a channel is removed.
	EventChannelDeleted
	// EventRoleChanged fires when a member's permission bits change.
	EventRoleChanged
	// EventKeyRotated fires when a new media key generation becomes
	// active locally.
	EventKeyRotated
	// EventMessage fires for channel content, decrypted when a media
	// key generation covering it is held.
	EventMessage
	// EventEncryptionPending fires when channel content had to travel
	// without media encryption because no key is established yet. It is
	// never suppressed.
	EventEncryptionPending
	// EventResynced fires after a full state refresh from the record.
	EventResynced
)

// String names the event kind for logs.
func (k EventKind) String() string {
	switch k {
	case EventMemberJoined:
		return "member_joined"
	case EventMemberRemoved:
		return "member_removed"
	case EventChannelCreated:
		return "channel_created"
	case EventChannelUpdated:
		return "channel_updated"
	case EventChannelDeleted:
		return "channel_deleted"
	case EventRoleChanged:
		return "role_changed"
	case EventKeyRotated:
		return "key_rotated"
	case EventMessage:
		return "message"
	case EventEncryptionPending:
		return "encryption_pending"
	case EventResynced:
		return "resynced"
	default:
		return "unknown"
	}
}

// Event is one community state or content change. Member and Author
// are community pseudonyms, never main identities.
type Event struct {
	Community string
	Kind      EventKind

	// Member is set for membership and role events.
	Member [32]byte
	// Channel is set for channel and message events.
	Channel string
	// Author and Content are set for message events. Encrypted reports
	// whether the content traveled under the media key.
	Author    [32]byte
	Content   []byte
	Encrypted bool
	// Generation is set for key events.
	Generation uint32
}

// EventFunc receives community events. Calls arrive from notification
// goroutines and must not block for long.
type EventFunc func(Event)
