package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// Sentinel errors shared by transport implementations.
var (
	// ErrTransportClosed indicates a send on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
	// ErrPeerUnavailable indicates the target address is not reachable.
	ErrPeerUnavailable = errors.New("peer unavailable")
)

// MemAddr implements net.Addr for the in-process mesh.
type MemAddr struct {
	Addr string
}

func (m MemAddr) Network() string { return "mem" }
func (m MemAddr) String() string  { return m.Addr }

// MemNetwork is an in-process mesh connecting MemTransports by address.
// Delivery is asynchronous, like a real datagram network, and individual
// nodes can be taken offline to exercise unreachable-peer paths.
type MemNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemTransport
}

// NewMemNetwork creates an empty in-process mesh.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: make(map[string]*MemTransport)}
}

// Transport attaches a new transport to the mesh under the given address.
func (n *MemNetwork) Transport(addr string) *MemTransport {
	t := &MemTransport{
		network:  n,
		addr:     MemAddr{Addr: addr},
		handlers: make(map[PacketType]PacketHandler),
		online:   true,
	}

	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()

	return t
}

// lookup finds an online node by address.
func (n *MemNetwork) lookup(addr string) (*MemTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	t, ok := n.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, addr)
	}
	if !t.isOnline() {
		return nil, fmt.Errorf("%w: %s offline", ErrPeerUnavailable, addr)
	}
	return t, nil
}

// remove detaches a transport from the mesh.
func (n *MemNetwork) remove(addr string) {
	n.mu.Lock()
	delete(n.nodes, addr)
	n.mu.Unlock()
}

// MemTransport is a mesh node implementing Transport.
type MemTransport struct {
	network  *MemNetwork
	addr     MemAddr
	handlers map[PacketType]PacketHandler
	online   bool
	closed   bool
	mu       sync.RWMutex
}

// Send delivers a packet to the node registered under addr. The packet is
// handed to the receiver's handler on a fresh goroutine, mirroring datagram
// semantics.
func (t *MemTransport) Send(packet *Packet, addr net.Addr) error {
	t.mu.RLock()
	closed, online := t.closed, t.online
	t.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if !online {
		return fmt.Errorf("%w: local node offline", ErrPeerUnavailable)
	}

	target, err := t.network.lookup(addr.String())
	if err != nil {
		return err
	}

	// Copy the payload so sender and receiver never alias.
	clone := &Packet{
		PacketType: packet.PacketType,
		Data:       append([]byte(nil), packet.Data...),
	}

	go target.dispatch(clone, t.addr)
	return nil
}

// dispatch runs the registered handler for an incoming packet.
func (t *MemTransport) dispatch(packet *Packet, from net.Addr) {
	t.mu.RLock()
	handler, ok := t.handlers[packet.PacketType]
	online := t.online && !t.closed
	t.mu.RUnlock()

	if ok && online {
		_ = handler(packet, from)
	}
}

// Close detaches the node from the mesh.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.network.remove(t.addr.Addr)
	return nil
}

// LocalAddr returns the node's mesh address.
func (t *MemTransport) LocalAddr() net.Addr {
	return t.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// SetOnline toggles the node's reachability without detaching it, which
// lets tests simulate a peer going offline and returning.
func (t *MemTransport) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
}

func (t *MemTransport) isOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online && !t.closed
}
