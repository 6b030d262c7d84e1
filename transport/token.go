package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrMalformedToken indicates route token bytes that do not name a
// reachable transport address.
var ErrMalformedToken = errors.New("malformed route token")

// AddrToken encodes a transport address as route token bytes in
// "network/address" form. Peers publish these through their presence
// and mailbox records.
func AddrToken(addr net.Addr) []byte {
	if addr == nil {
		return nil
	}
	return []byte(addr.Network() + "/" + addr.String())
}

// TokenAddr decodes route token bytes back into a transport address.
func TokenAddr(token []byte) (net.Addr, error) {
	network, address, ok := strings.Cut(string(token), "/")
	if !ok || address == "" {
		return nil, ErrMalformedToken
	}

	switch network {
	case "mem":
		return MemAddr{Addr: address}, nil
	case "udp", "udp4", "udp6":
		udpAddr, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", address, ErrMalformedToken)
		}
		return udpAddr, nil
	default:
		return nil, fmt.Errorf("network %q: %w", network, ErrMalformedToken)
	}
}
