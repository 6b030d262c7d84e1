package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/wisp/crypto"
)

// noisePair wires two NoiseTransports over an in-process mesh with each
// side knowing the other's static key.
func noisePair(t *testing.T) (*NoiseTransport, *NoiseTransport, net.Addr, net.Addr) {
	t.Helper()

	aliceKeys, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("failed to generate alice keys: %v", err)
	}
	bobKeys, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("failed to generate bob keys: %v", err)
	}

	mesh := NewMemNetwork()
	aliceAddr := MemAddr{Addr: "alice"}
	bobAddr := MemAddr{Addr: "bob"}

	alice, err := NewNoiseTransport(mesh.Transport("alice"), aliceKeys)
	if err != nil {
		t.Fatalf("failed to create alice transport: %v", err)
	}
	bob, err := NewNoiseTransport(mesh.Transport("bob"), bobKeys)
	if err != nil {
		t.Fatalf("failed to create bob transport: %v", err)
	}

	if err := alice.SetPeerKey(bobAddr, bobKeys.Public); err != nil {
		t.Fatalf("SetPeerKey failed: %v", err)
	}
	if err := bob.SetPeerKey(aliceAddr, aliceKeys.Public); err != nil {
		t.Fatalf("SetPeerKey failed: %v", err)
	}

	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})

	return alice, bob, aliceAddr, bobAddr
}

func TestNoiseTransportValidation(t *testing.T) {
	keys, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewNoiseTransport(nil, keys); err == nil {
		t.Error("expected error for nil underlying transport")
	}

	mesh := NewMemNetwork()
	if _, err := NewNoiseTransport(mesh.Transport("a"), nil); err == nil {
		t.Error("expected error for nil keypair")
	}
}

func TestNoiseTransportSetPeerKeyRejectsZero(t *testing.T) {
	keys, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	mesh := NewMemNetwork()
	nt, err := NewNoiseTransport(mesh.Transport("a"), keys)
	if err != nil {
		t.Fatal(err)
	}
	defer nt.Close()

	err = nt.SetPeerKey(MemAddr{Addr: "b"}, [32]byte{})
	if !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for zero key, got %v", err)
	}
}

func TestNoiseTransportUnknownPeer(t *testing.T) {
	keys, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	mesh := NewMemNetwork()
	nt, err := NewNoiseTransport(mesh.Transport("a"), keys)
	if err != nil {
		t.Fatal(err)
	}
	defer nt.Close()

	err = nt.Send(&Packet{PacketType: PacketEnvelope, Data: []byte("x")}, MemAddr{Addr: "stranger"})
	if !errors.Is(err, ErrNoPeerKey) {
		t.Errorf("expected ErrNoPeerKey, got %v", err)
	}
}

func TestNoiseTransportEncryptedDelivery(t *testing.T) {
	alice, bob, _, bobAddr := noisePair(t)

	received := make(chan *Packet, 1)
	bob.RegisterHandler(PacketEnvelope, func(p *Packet, addr net.Addr) error {
		received <- p
		return nil
	})

	payload := []byte("sealed under noise")
	if err := alice.Send(&Packet{PacketType: PacketEnvelope, Data: payload}, bobAddr); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case p := <-received:
		if p.PacketType != PacketEnvelope {
			t.Errorf("inner packet type = %d, want %d", p.PacketType, PacketEnvelope)
		}
		if !bytes.Equal(p.Data, payload) {
			t.Errorf("payload = %q, want %q", p.Data, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("encrypted packet never delivered")
	}
}

func TestNoiseTransportBidirectional(t *testing.T) {
	alice, bob, aliceAddr, bobAddr := noisePair(t)

	atAlice := make(chan []byte, 1)
	atBob := make(chan []byte, 1)
	alice.RegisterHandler(PacketEnvelope, func(p *Packet, addr net.Addr) error {
		atAlice <- p.Data
		return nil
	})
	bob.RegisterHandler(PacketEnvelope, func(p *Packet, addr net.Addr) error {
		atBob <- p.Data
		return nil
	})

	if err := alice.Send(&Packet{PacketType: PacketEnvelope, Data: []byte("to bob")}, bobAddr); err != nil {
		t.Fatalf("alice send failed: %v", err)
	}

	select {
	case data := <-atBob:
		if string(data) != "to bob" {
			t.Errorf("bob received %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bob never received")
	}

	// The return direction reuses the established session.
	if err := bob.Send(&Packet{PacketType: PacketEnvelope, Data: []byte("to alice")}, aliceAddr); err != nil {
		t.Fatalf("bob send failed: %v", err)
	}

	select {
	case data := <-atAlice:
		if string(data) != "to alice" {
			t.Errorf("alice received %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alice never received")
	}
}

func TestNoiseTransportQueuesDuringHandshake(t *testing.T) {
	alice, bob, _, bobAddr := noisePair(t)

	received := make(chan []byte, 4)
	bob.RegisterHandler(PacketEnvelope, func(p *Packet, addr net.Addr) error {
		received <- p.Data
		return nil
	})

	// Several sends before any handshake completes; all must arrive.
	for _, msg := range []string{"one", "two", "three"} {
		if err := alice.Send(&Packet{PacketType: PacketEnvelope, Data: []byte(msg)}, bobAddr); err != nil {
			t.Fatalf("Send(%q) failed: %v", msg, err)
		}
	}

	got := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			got[string(data)] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 packets delivered", i)
		}
	}

	for _, msg := range []string{"one", "two", "three"} {
		if !got[msg] {
			t.Errorf("packet %q never delivered", msg)
		}
	}
}

func TestNoiseTransportWireIsOpaque(t *testing.T) {
	aliceKeys, _ := crypto.GenerateExchangeKeyPair()
	bobKeys, _ := crypto.GenerateExchangeKeyPair()

	mesh := NewMemNetwork()
	bobAddr := MemAddr{Addr: "bob"}

	// A tap between alice's noise layer and the mesh records what
	// actually crosses the wire.
	aliceRaw := mesh.Transport("alice")
	tap := &tapTransport{inner: aliceRaw, seen: make(chan *Packet, 8)}

	alice, err := NewNoiseTransport(tap, aliceKeys)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewNoiseTransport(mesh.Transport("bob"), bobKeys)
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	defer bob.Close()

	if err := alice.SetPeerKey(bobAddr, bobKeys.Public); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{}, 1)
	bob.RegisterHandler(PacketEnvelope, func(p *Packet, addr net.Addr) error {
		done <- struct{}{}
		return nil
	})

	secret := []byte("do not leak this")
	if err := alice.Send(&Packet{PacketType: PacketEnvelope, Data: secret}, bobAddr); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("packet never delivered")
	}

	close(tap.seen)
	for p := range tap.seen {
		if p.PacketType != PacketNoiseHandshake && p.PacketType != PacketNoiseMessage {
			t.Errorf("plaintext packet type %d crossed the wire", p.PacketType)
		}
		if bytes.Contains(p.Data, secret) {
			t.Error("plaintext payload crossed the wire")
		}
	}
}

// tapTransport records outbound packets while passing them through.
type tapTransport struct {
	inner Transport
	seen  chan *Packet
}

func (tt *tapTransport) Send(packet *Packet, addr net.Addr) error {
	select {
	case tt.seen <- &Packet{PacketType: packet.PacketType, Data: append([]byte(nil), packet.Data...)}:
	default:
	}
	return tt.inner.Send(packet, addr)
}

func (tt *tapTransport) Close() error        { return tt.inner.Close() }
func (tt *tapTransport) LocalAddr() net.Addr { return tt.inner.LocalAddr() }
func (tt *tapTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	tt.inner.RegisterHandler(packetType, handler)
}
