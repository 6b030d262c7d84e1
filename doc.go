// Package wisp implements the core of the Wisp protocol.
//
// Wisp is a serverless, end-to-end encrypted messaging protocol. Nodes
// address each other by Ed25519 public key, discover each other through
// signed records in a distributed record store, and exchange signed
// envelopes over an abstract transport. There is no account server; an
// identity is a key pair, and everything a peer needs to reach you fits
// in one invite string.
//
// # Getting Started
//
// Create a node with options and register callbacks for events:
//
//	options := wisp.NewOptions()
//	options.RecordStore = store
//	options.Transport = tr
//	options.DataDir = "/home/alice/.wisp"
//	options.DisplayName = "alice"
//
//	node, err := wisp.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Shutdown(context.Background())
//
//	node.OnMessageReceived(func(peer [32]byte, message []byte, sentAt time.Time, authenticated bool) {
//	    fmt.Printf("%x: %s\n", peer[:8], message)
//	})
//
// # Peers and Invites
//
// Peers are exchanged as signed invite strings. An invite carries the
// issuer's public key, display name, record keys, current route token,
// and key-agreement bundle; the signature is verified before any field
// is trusted.
//
//	invite, err := node.CreateInvite()
//	// ... deliver out of band ...
//	peer, err := node.AddPeer(ctx, invite)
//	id, err := node.SendMessage(ctx, peer, "hello")
//
// The first message to a peer establishes an end-to-end encrypted
// session automatically. Messages to unreachable peers are queued and
// redelivered in the background; permanent failures surface through
// OnDeliveryFailed.
//
// # Presence
//
// Each node publishes a presence record that watched peers subscribe
// to: display name, status, activity, key bundle, and route token.
//
//	node.SetStatus(ctx, presence.StatusAway)
//	node.OnPresenceChanged(func(ev presence.Event) {
//	    fmt.Println(ev.Kind, ev.Status)
//	})
//
// # Communities
//
// Communities are host-authoritative group spaces with channels, roles,
// and media encryption. Members act under per-community pseudonyms that
// cannot be linked to their main identity or to each other.
//
//	info, err := node.CreateCommunity(ctx, "gophers")
//	err = node.InviteToCommunity(ctx, peer, info.ID)
//	err = node.PostToCommunity(ctx, info.ID, channelID, []byte("hi all"))
//
// # Collaborators
//
// The protocol core depends on two injected capabilities: a
// records.Store for the distributed record layer and a
// transport.Transport for packet movement. In-memory implementations of
// both ship with the module for tests and local experiments; production
// deployments plug in their own.
//
// This package is the integration facade over the subsystem packages:
//
//   - [crypto]: identities, key agreement, pseudonyms
//   - [records]: distributed record store contract
//   - [envelope]: signed message wrapper and replay guard
//   - [session]: X3DH key agreement and symmetric ratchet
//   - [route]: route directory with TTL cache
//   - [presence]: presence publisher and watcher
//   - [delivery]: outbound pipeline with retry queue
//   - [community]: group state, roles, and media keys
//   - [storage]: secret and history persistence
package wisp
