// Package presence publishes and watches peer presence records.
//
// Every node owns one presence record with a fixed subkey layout
// (display name, status, activity, key bundle, route token). Peers
// learn the record key out of band, open the record read-only, and
// subscribe to changes. The watcher translates raw subkey changes into
// semantic events and keeps a cached PeerRecord per watched peer.
package presence

import (
	"time"
)

// Status is a peer's published availability. The zero value is
// offline, which is also what an absent status subkey means.
type Status uint8

const (
	StatusOffline Status = iota
	StatusOnline
	StatusAway
	StatusBusy
)

// Valid reports whether the value names a known status.
func (s Status) Valid() bool {
	return s <= StatusBusy
}

// String names the status for logs and UIs.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Activity is the optional rich-presence payload a peer publishes
// alongside its status.
type Activity struct {
	Label     string
	Detail    string `cbor:",omitempty"`
	StartedAt uint64 `cbor:",omitempty"`
}

// EventKind classifies a presence event.
type EventKind uint8

const (
	// PeerOnline fires when a peer transitions from offline to any
	// available status.
	PeerOnline EventKind = iota + 1
	// PeerOffline fires when a peer transitions to offline.
	PeerOffline
	// StatusChanged fires when a peer moves between available
	// statuses (online, away, busy).
	StatusChanged
	// ActivityChanged fires when a peer's activity payload changes.
	ActivityChanged
)

// String names the event kind.
func (k EventKind) String() string {
	switch k {
	case PeerOnline:
		return "peer_online"
	case PeerOffline:
		return "peer_offline"
	case StatusChanged:
		return "status_changed"
	case ActivityChanged:
		return "activity_changed"
	default:
		return "unknown"
	}
}

// Event is a semantic presence change for one watched peer.
type Event struct {
	Peer     [32]byte
	Kind     EventKind
	Status   Status
	Previous Status
	Activity *Activity
}

// EventFunc receives presence events. It is called from the watcher's
// notification goroutines and must not block for long.
type EventFunc func(Event)

// PeerRecord is the cached view of one watched peer.
type PeerRecord struct {
	PublicKey     [32]byte
	DisplayName   string
	StatusMessage string
	Status        Status
	Activity      *Activity
	RouteToken    []byte
	LastSeen      time.Time
}

// TimeProvider supplies the current time, letting tests control
// last-seen stamps.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current system time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}
