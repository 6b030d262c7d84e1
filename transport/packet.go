package transport

import (
	"errors"
	"net"
)

// PacketType identifies the type of a Wisp packet.
type PacketType byte

const (
	// PacketEnvelope carries a signed message envelope. Community
	// traffic rides envelopes too; the inner payload kind selects the
	// handler.
	PacketEnvelope PacketType = iota + 1

	// Noise link-encryption packet types.
	PacketNoiseHandshake PacketType = 250
	PacketNoiseMessage   PacketType = 251
)

// Packet represents a Wisp transport packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for network transports used by Wisp.
// This abstraction allows different transport implementations to be used
// interchangeably throughout the codebase.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
