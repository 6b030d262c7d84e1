// Package transport implements the network transport layer for the Wisp
// protocol.
//
// The protocol core consumes transports through the Transport interface and
// never assumes a particular implementation. Three implementations ship with
// the package:
//
//   - MemTransport: an in-process mesh used by tests, the demo command, and
//     single-machine deployments.
//   - UDPTransport: a plain datagram transport.
//   - NoiseTransport: a wrapper adding Noise-IK link encryption between
//     static X25519 keys to any underlying transport.
//
// Example:
//
//	t, err := transport.NewUDPTransport("0.0.0.0:0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	t.RegisterHandler(transport.PacketEnvelope, func(p *transport.Packet, addr net.Addr) error {
//	    // dispatch
//	    return nil
//	})
package transport
