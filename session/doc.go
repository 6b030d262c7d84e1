// Package session establishes and maintains end-to-end encrypted
// sessions between peers.
//
// Establishment is an X3DH-style agreement: the initiator fetches the
// peer's published PreKeyBundle, combines up to four Diffie-Hellman
// results into a root key, and sends a session-init message carrying
// the public material the responder needs to mirror the derivation.
// From the shared root each side derives a sending and a receiving
// chain; every message key is ratcheted off its chain and never reused,
// so compromise of current state does not expose earlier traffic.
//
// Session state lives in the Manager, one entry per peer, each guarded
// by its own lock: traffic for different peers never serializes, while
// same-peer operations keep ratchet order. A peer whose published
// identity key changes triggers a continuity warning instead of a
// silent re-handshake.
package session
