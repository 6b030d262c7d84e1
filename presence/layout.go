package presence

import "github.com/opd-ai/wisp/records"

// Presence record layout. Every identity publishes a single presence
// record with these subkeys; watchers and the route directory read them
// by position.
const (
	SubkeyDisplayName   = 0
	SubkeyStatusMessage = 1
	SubkeyStatus        = 2
	SubkeyAvatar        = 3
	SubkeyActivity      = 4
	SubkeyKeyBundle     = 5
	SubkeyRouteToken    = 6
	SubkeyReserved      = 7

	// RecordSubkeys is the subkey count of a presence record.
	RecordSubkeys = 8
)

// MailboxNamespace scopes deterministic mailbox record keys. A mailbox
// record holds only the owner's current route token, under a key any
// peer can derive from the owner's identity alone.
const MailboxNamespace = "wisp/mailbox/v1"

// MailboxSubkeyToken is the single mailbox subkey.
const MailboxSubkeyToken = 0

// MailboxKey returns the deterministic mailbox record key for an identity.
func MailboxKey(identity [32]byte) records.Key {
	return records.DeriveKey(MailboxNamespace, identity[:])
}
