package wisp

import (
	"time"

	"github.com/opd-ai/wisp/records"
	"github.com/opd-ai/wisp/session"
	"github.com/opd-ai/wisp/storage"
	"github.com/opd-ai/wisp/transport"
)

// Options configures a Wisp node.
type Options struct {
	// RecordStore is the distributed record store the node publishes
	// to and reads from. Required.
	RecordStore records.Store

	// Transport moves packets between nodes. Required. The node takes
	// ownership once New succeeds; Shutdown closes it.
	Transport transport.Transport

	// SecureStore persists the identity seed and peer state. When nil,
	// a bbolt-backed store is opened under DataDir; with no DataDir
	// either, the node runs on an in-memory store and its identity is
	// ephemeral.
	SecureStore storage.SecureStore

	// History receives sent and received messages. Nil disables local
	// history unless the node opened its own BoltStore, which then
	// serves both roles.
	History storage.HistorySink

	// DataDir is where the node keeps its database when no SecureStore
	// is supplied.
	DataDir string

	// DisplayName is published in the presence record and carried in
	// invites.
	DisplayName string

	// StatusMessage is the initial free-form status line.
	StatusMessage string

	// AllowPlaintextFirstContact opts in to sending and accepting
	// unencrypted payloads when no secure session can be established
	// yet. Disabled by default; every use is written to the audit log
	// and such messages are flagged unauthenticated in callbacks.
	AllowPlaintextFirstContact bool

	// RetryInterval is the cadence of the background redelivery task.
	// Zero selects the delivery package default.
	RetryInterval time.Duration

	// OneTimeKeys is the size of the published one-time prekey pool.
	OneTimeKeys int
}

// NewOptions returns Options with production defaults. RecordStore and
// Transport still have to be set by the caller.
func NewOptions() *Options {
	return &Options{
		RetryInterval: 0,
		OneTimeKeys:   session.DefaultOneTimeKeys,
	}
}
