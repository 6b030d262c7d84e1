// Package envelope implements the signed outer wrapper every Wisp
// message travels in, plus replay protection for inbound envelopes.
//
// An envelope binds a payload to its sender: the sender's public key,
// a millisecond timestamp, a random nonce, and an Ed25519 signature
// over timestamp, nonce, and payload. Verification needs nothing but
// the envelope itself and happens before any session-layer decryption.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/wisp/crypto"
)

var (
	// ErrMalformedEnvelope indicates bytes that do not parse as an
	// envelope, or an envelope with out-of-range lengths.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrBadSignature indicates a signature that does not verify against
	// the embedded sender key.
	ErrBadSignature = errors.New("envelope signature verification failed")
)

// Envelope field sizes on the wire.
const (
	senderSize    = 32
	timestampSize = 8
	nonceLenSize  = 2
	payloadLen32  = 4
	signatureSize = 64

	headerSize = senderSize + timestampSize + nonceLenSize

	// MaxPayloadSize bounds the payload length field.
	MaxPayloadSize = 1 << 20
	// MaxNonceSize bounds the nonce length field.
	MaxNonceSize = 64
)

// Envelope is the signed outer wrapper of a Wisp message.
type Envelope struct {
	// SenderPublicKey identifies and authenticates the sender.
	SenderPublicKey [32]byte
	// Timestamp is milliseconds since the Unix epoch at build time.
	Timestamp uint64
	// Nonce makes each envelope unique; replay protection keys on it.
	Nonce []byte
	// Payload is opaque to this layer. See Kind for the inner framing.
	Payload []byte
	// Signature covers timestamp, nonce, and payload.
	Signature crypto.Signature
}

// signedBody returns the byte string the signature covers:
// timestamp_le ‖ nonce ‖ payload.
func signedBody(timestamp uint64, nonce, payload []byte) []byte {
	body := make([]byte, timestampSize+len(nonce)+len(payload))
	binary.LittleEndian.PutUint64(body, timestamp)
	copy(body[timestampSize:], nonce)
	copy(body[timestampSize+len(nonce):], payload)
	return body
}

// Build creates a signed envelope around payload using the identity's
// signing key. timestampMillis comes from the caller so the codec stays
// clock-free.
func Build(identity *crypto.Identity, payload []byte, timestampMillis uint64) (*Envelope, error) {
	if identity == nil {
		return nil, errors.New("identity cannot be nil")
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit: %w", len(payload), ErrMalformedEnvelope)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sig, err := identity.Sign(signedBody(timestampMillis, nonce[:], payload))
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	return &Envelope{
		SenderPublicKey: identity.PublicKey(),
		Timestamp:       timestampMillis,
		Nonce:           append([]byte(nil), nonce[:]...),
		Payload:         append([]byte(nil), payload...),
		Signature:       sig,
	}, nil
}

// Verify checks the envelope signature against the embedded sender key
// and returns the payload on success.
func Verify(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	if len(env.Nonce) == 0 || len(env.Nonce) > MaxNonceSize {
		return nil, fmt.Errorf("nonce length %d: %w", len(env.Nonce), ErrMalformedEnvelope)
	}
	if len(env.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload length %d: %w", len(env.Payload), ErrMalformedEnvelope)
	}

	if !crypto.Verify(signedBody(env.Timestamp, env.Nonce, env.Payload), env.Signature, env.SenderPublicKey) {
		return nil, ErrBadSignature
	}
	return env.Payload, nil
}

// Serialize encodes the envelope for transmission. All integers are
// little-endian:
//
//	sender(32) ‖ timestamp(8) ‖ nonce_len(2) ‖ nonce ‖
//	payload_len(4) ‖ payload ‖ signature(64)
func (e *Envelope) Serialize() ([]byte, error) {
	if len(e.Nonce) == 0 || len(e.Nonce) > MaxNonceSize {
		return nil, fmt.Errorf("nonce length %d: %w", len(e.Nonce), ErrMalformedEnvelope)
	}
	if len(e.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload length %d: %w", len(e.Payload), ErrMalformedEnvelope)
	}

	size := headerSize + len(e.Nonce) + payloadLen32 + len(e.Payload) + signatureSize
	buf := make([]byte, size)

	offset := 0
	copy(buf[offset:], e.SenderPublicKey[:])
	offset += senderSize

	binary.LittleEndian.PutUint64(buf[offset:], e.Timestamp)
	offset += timestampSize

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(e.Nonce)))
	offset += nonceLenSize

	copy(buf[offset:], e.Nonce)
	offset += len(e.Nonce)

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(e.Payload)))
	offset += payloadLen32

	copy(buf[offset:], e.Payload)
	offset += len(e.Payload)

	copy(buf[offset:], e.Signature[:])

	return buf, nil
}

// Parse decodes an envelope from wire bytes. It validates structure
// only; call Verify to check the signature.
func Parse(data []byte) (*Envelope, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%d bytes is too short: %w", len(data), ErrMalformedEnvelope)
	}

	env := &Envelope{}
	offset := 0

	copy(env.SenderPublicKey[:], data[offset:offset+senderSize])
	offset += senderSize

	env.Timestamp = binary.LittleEndian.Uint64(data[offset:])
	offset += timestampSize

	nonceLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += nonceLenSize
	if nonceLen == 0 || nonceLen > MaxNonceSize {
		return nil, fmt.Errorf("nonce length %d: %w", nonceLen, ErrMalformedEnvelope)
	}
	if len(data) < offset+nonceLen+payloadLen32 {
		return nil, fmt.Errorf("truncated nonce: %w", ErrMalformedEnvelope)
	}
	env.Nonce = append([]byte(nil), data[offset:offset+nonceLen]...)
	offset += nonceLen

	payloadLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += payloadLen32
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("payload length %d: %w", payloadLen, ErrMalformedEnvelope)
	}
	if len(data) != offset+payloadLen+signatureSize {
		return nil, fmt.Errorf("length mismatch: %w", ErrMalformedEnvelope)
	}
	env.Payload = append([]byte(nil), data[offset:offset+payloadLen]...)
	offset += payloadLen

	copy(env.Signature[:], data[offset:offset+signatureSize])

	return env, nil
}
