// Package records defines the distributed record store contract used by the
// Wisp protocol core.
//
// A record is a small key-addressed document split into numbered subkeys.
// Records are either single-writer (only the owner key pair may write) or
// multi-writer (an access-controlled list of key pairs may write, used for
// shared community metadata). Readers need no credentials.
//
// The protocol core never implements storage or replication itself: the
// production backend is a peer-to-peer overlay consumed through the Store
// interface, and MemStore provides a complete in-process implementation for
// tests and local development.
//
// Change notification is delivered over channels rather than callbacks so
// that processing a notification can itself perform blocking reads without
// re-entrancy hazards:
//
//	sub, err := store.Watch(ctx, handle, []int{SubkeyStatus})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for change := range sub.Changes() {
//	    value, _ := store.Read(ctx, handle, change.Subkey, true)
//	    // interpret value
//	}
package records
