package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/wisp/crypto"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.currentTime }

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func testIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	return id
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	id := testIdentity(t)
	payload := []byte("the payload under signature")

	env, err := Build(id, payload, 1724600000000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if env.SenderPublicKey != id.PublicKey() {
		t.Error("sender key mismatch")
	}
	if env.Timestamp != 1724600000000 {
		t.Errorf("timestamp = %d", env.Timestamp)
	}
	if len(env.Nonce) != crypto.NonceSize {
		t.Errorf("nonce length = %d, want %d", len(env.Nonce), crypto.NonceSize)
	}

	got, err := Verify(env)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	id := testIdentity(t)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"short", []byte("hi")},
		{"empty", []byte{}},
		{"binary", bytes.Repeat([]byte{0x00, 0xFF}, 500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Build(id, tt.payload, 42)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}

			wire, err := env.Serialize()
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}

			parsed, err := Parse(wire)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			if parsed.SenderPublicKey != env.SenderPublicKey {
				t.Error("sender key did not survive the wire")
			}
			if parsed.Timestamp != env.Timestamp {
				t.Error("timestamp did not survive the wire")
			}
			if !bytes.Equal(parsed.Nonce, env.Nonce) {
				t.Error("nonce did not survive the wire")
			}
			if !bytes.Equal(parsed.Payload, env.Payload) {
				t.Error("payload did not survive the wire")
			}
			if parsed.Signature != env.Signature {
				t.Error("signature did not survive the wire")
			}

			if _, err := Verify(parsed); err != nil {
				t.Errorf("parsed envelope failed verification: %v", err)
			}
		})
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	id := testIdentity(t)

	mutations := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"payload bit flip", func(e *Envelope) { e.Payload[0] ^= 0x01 }},
		{"timestamp change", func(e *Envelope) { e.Timestamp++ }},
		{"nonce bit flip", func(e *Envelope) { e.Nonce[0] ^= 0x01 }},
		{"signature bit flip", func(e *Envelope) { e.Signature[0] ^= 0x01 }},
		{"sender swap", func(e *Envelope) {
			other := testIdentity(t)
			e.SenderPublicKey = other.PublicKey()
		}},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Build(id, []byte("authentic"), 7)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			tt.mutate(env)

			if _, err := Verify(env); !errors.Is(err, ErrBadSignature) {
				t.Errorf("expected ErrBadSignature, got %v", err)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	id := testIdentity(t)
	env, err := Build(id, []byte("valid"), 1)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := env.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", wire[:10]},
		{"truncated nonce", wire[:headerSize+3]},
		{"truncated signature", wire[:len(wire)-10]},
		{"trailing garbage", append(append([]byte(nil), wire...), 0xAA)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

func TestParseRejectsOversizeLengths(t *testing.T) {
	id := testIdentity(t)
	env, err := Build(id, []byte("x"), 1)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := env.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the nonce length field to a value past MaxNonceSize.
	wire[senderSize+timestampSize] = 0xFF
	wire[senderSize+timestampSize+1] = 0xFF

	if _, err := Parse(wire); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestReplayGuard(t *testing.T) {
	guard := NewReplayGuard()
	defer guard.Close()

	id := testIdentity(t)
	env, err := Build(id, []byte("once"), 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := guard.Check(env); err != nil {
		t.Fatalf("first check failed: %v", err)
	}
	if err := guard.Check(env); !errors.Is(err, ErrReplay) {
		t.Errorf("expected ErrReplay on duplicate, got %v", err)
	}

	// A fresh envelope from the same sender passes.
	env2, err := Build(id, []byte("once"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := guard.Check(env2); err != nil {
		t.Errorf("distinct nonce rejected: %v", err)
	}
}

func TestReplayGuardSenderScoped(t *testing.T) {
	guard := NewReplayGuard()
	defer guard.Close()

	alice := testIdentity(t)
	bob := testIdentity(t)

	env, err := Build(alice, []byte("msg"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := guard.Check(env); err != nil {
		t.Fatal(err)
	}

	// The same nonce from a different sender is a different pair.
	cloned := *env
	cloned.SenderPublicKey = bob.PublicKey()
	if err := guard.Check(&cloned); err != nil {
		t.Errorf("same nonce from different sender rejected: %v", err)
	}
}

func TestReplayGuardWindowExpiry(t *testing.T) {
	guard := NewReplayGuard()
	defer guard.Close()

	tp := &mockTimeProvider{currentTime: time.Now()}
	guard.SetTimeProvider(tp)

	id := testIdentity(t)
	env, err := Build(id, []byte("old"), 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := guard.Check(env); err != nil {
		t.Fatal(err)
	}

	tp.advance(replayWindow + time.Second)
	guard.cleanup()

	if guard.Size() != 0 {
		t.Errorf("guard size = %d after cleanup, want 0", guard.Size())
	}
	if err := guard.Check(env); err != nil {
		t.Errorf("pair rejected after window expired: %v", err)
	}
}

func TestKindFraming(t *testing.T) {
	body := []byte("inner body")
	framed := FramePayload(KindChat, body)

	kind, got, err := SplitPayload(framed)
	if err != nil {
		t.Fatalf("SplitPayload failed: %v", err)
	}
	if kind != KindChat {
		t.Errorf("kind = %v, want %v", kind, KindChat)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body = %q, want %q", got, body)
	}

	if _, _, err := SplitPayload(nil); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope for empty payload, got %v", err)
	}
}

func TestKindEphemeral(t *testing.T) {
	if !KindTyping.Ephemeral() {
		t.Error("typing must be ephemeral")
	}
	if !KindPresenceProbe.Ephemeral() {
		t.Error("presence probe must be ephemeral")
	}
	if KindChat.Ephemeral() {
		t.Error("chat must not be ephemeral")
	}
	if KindSessionInit.Ephemeral() {
		t.Error("session init must not be ephemeral")
	}
}
