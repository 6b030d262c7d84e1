package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestAddrTokenRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
	}{
		{"mem", MemAddr{Addr: "peer-1"}},
		{"udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33445}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := AddrToken(tt.addr)
			decoded, err := TokenAddr(token)
			if err != nil {
				t.Fatalf("TokenAddr failed: %v", err)
			}
			if decoded.Network() != tt.addr.Network() {
				t.Errorf("network = %q, want %q", decoded.Network(), tt.addr.Network())
			}
			if decoded.String() != tt.addr.String() {
				t.Errorf("address = %q, want %q", decoded.String(), tt.addr.String())
			}
		})
	}
}

func TestAddrTokenNil(t *testing.T) {
	if token := AddrToken(nil); token != nil {
		t.Errorf("expected nil token for nil addr, got %q", token)
	}
}

func TestTokenAddrMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("mem"),
		[]byte("mem/"),
		[]byte("carrier-pigeon/somewhere"),
		[]byte("udp/not-an-address-at-all:::"),
	}
	for _, token := range cases {
		if _, err := TokenAddr(token); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("TokenAddr(%q) = %v, want ErrMalformedToken", token, err)
		}
	}
}

func TestTokenIsPrintable(t *testing.T) {
	token := AddrToken(MemAddr{Addr: "node-a"})
	if !bytes.Equal(token, []byte("mem/node-a")) {
		t.Errorf("token = %q, want mem/node-a", token)
	}
}