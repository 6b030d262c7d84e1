// Package crypto implements cryptographic primitives for the Wisp protocol.
//
// This package provides the cryptographic foundation for wisp-go: Ed25519
// identity keys with a derived X25519 exchange key, authenticated symmetric
// encryption, labeled key derivation, and memory-safe handling of secret
// material. Private keys never leave this package in serialized form except
// through a SecretStore collaborator supplied by the application.
//
// # Core Types
//
//   - [Identity]: the local account. An Ed25519 signing key pair plus an
//     X25519 key pair derived from the same seed, used for Diffie-Hellman
//     key agreement.
//   - [KeyPair]: a raw 32-byte public/private key pair.
//   - [Nonce]: 24-byte random nonce for symmetric encryption.
//   - [Signature]: Ed25519 signature bytes.
//
// # Identity Operations
//
//	id, err := crypto.NewIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := id.Sign(message)
//	shared, _ := id.DH(peerExchangeKey)
//
// # Pseudonyms
//
// DerivePseudonym produces a deterministic per-community identity from the
// account's master secret. The same (secret, community) pair always yields
// the same key pair; different communities yield key pairs that cannot be
// linked to each other or to the master identity without the secret.
package crypto
