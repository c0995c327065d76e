package testhelpers

import (
	"net"
	"sync"

	"github.com/dbehnke/issi-ptt/pkg/protocol"
)

// MockNetwork simulates a datagram network for testing
type MockNetwork struct {
	mu          sync.RWMutex
	endpoints   map[string]*MockEndpoint
	sentPackets []MockPacket
	drop        func(MockPacket) bool
}

// MockPacket represents a packet sent on the mock network
type MockPacket struct {
	From string
	To   string
	Data []byte
}

// Frame decodes the packet, returning nil if it is not a PTT frame
func (p MockPacket) Frame() *protocol.Frame {
	f, err := protocol.ParseFrame(p.Data)
	if err != nil {
		return nil
	}
	return f
}

// MockEndpoint is one address on the mock network. It delivers received
// datagrams to its receiver in order, from its own goroutine.
type MockEndpoint struct {
	network  *MockNetwork
	addr     *net.UDPAddr
	packets  chan []byte
	done     chan struct{}
	mu       sync.RWMutex
	remote   net.Addr
	receiver func([]byte)
	closed   bool
}

// NewMockNetwork creates a new mock network
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		endpoints:   make(map[string]*MockEndpoint),
		sentPackets: make([]MockPacket, 0),
	}
}

// CreateEndpoint creates a mock endpoint on the specified address
func (n *MockNetwork) CreateEndpoint(addr string) (*MockEndpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	ep := &MockEndpoint{
		network: n,
		addr:    udpAddr,
		packets: make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	n.mu.Lock()
	n.endpoints[udpAddr.String()] = ep
	n.mu.Unlock()

	go ep.deliver()
	return ep, nil
}

// Pair creates two endpoints that send to each other
func (n *MockNetwork) Pair(a, b string) (*MockEndpoint, *MockEndpoint, error) {
	epA, err := n.CreateEndpoint(a)
	if err != nil {
		return nil, nil, err
	}
	epB, err := n.CreateEndpoint(b)
	if err != nil {
		return nil, nil, err
	}
	epA.SetRemoteAddr(epB.LocalAddr())
	epB.SetRemoteAddr(epA.LocalAddr())
	return epA, epB, nil
}

// SetDropFilter drops every packet for which fn returns true. A nil fn delivers everything.
func (n *MockNetwork) SetDropFilter(fn func(MockPacket) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// SendPacket records a packet being sent
func (n *MockNetwork) SendPacket(from, to string, data []byte) {
	n.mu.Lock()
	packet := MockPacket{
		From: from,
		To:   to,
		Data: make([]byte, len(data)),
	}
	copy(packet.Data, data)
	n.sentPackets = append(n.sentPackets, packet)

	endpoint, ok := n.endpoints[to]
	drop := n.drop
	n.mu.Unlock()

	if !ok || (drop != nil && drop(packet)) {
		return
	}
	endpoint.enqueue(packet.Data)
}

// GetSentPackets returns all sent packets
func (n *MockNetwork) GetSentPackets() []MockPacket {
	n.mu.RLock()
	defer n.mu.RUnlock()

	packets := make([]MockPacket, len(n.sentPackets))
	copy(packets, n.sentPackets)
	return packets
}

// SentFrom returns the decoded frames sent from addr
func (n *MockNetwork) SentFrom(addr string) []*protocol.Frame {
	var frames []*protocol.Frame
	for _, p := range n.GetSentPackets() {
		if p.From != addr {
			continue
		}
		if f := p.Frame(); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// CountSent counts the frames of a packet type sent from addr
func (n *MockNetwork) CountSent(addr string, pt protocol.PacketType) int {
	count := 0
	for _, f := range n.SentFrom(addr) {
		if f.Payload.PacketType.Type == pt {
			count++
		}
	}
	return count
}

// Reset forgets recorded packets
func (n *MockNetwork) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sentPackets = n.sentPackets[:0]
}

// Close closes the mock network
func (n *MockNetwork) Close() {
	n.mu.RLock()
	endpoints := make([]*MockEndpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		endpoints = append(endpoints, ep)
	}
	n.mu.RUnlock()

	for _, ep := range endpoints {
		_ = ep.Close()
	}
}

func (e *MockEndpoint) enqueue(data []byte) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.packets <- data:
	default:
		// Buffer full, drop packet
	}
}

func (e *MockEndpoint) deliver() {
	for {
		select {
		case <-e.done:
			return
		case data := <-e.packets:
			e.mu.RLock()
			recv := e.receiver
			e.mu.RUnlock()
			if recv != nil {
				recv(data)
			}
		}
	}
}

// Send sends data to the remote address
func (e *MockEndpoint) Send(data []byte) error {
	e.mu.RLock()
	closed, remote := e.closed, e.remote
	e.mu.RUnlock()

	if closed {
		return net.ErrClosed
	}
	if remote == nil {
		return &net.OpError{Op: "write", Net: "udp", Source: e.addr, Err: net.UnknownNetworkError("no remote address")}
	}
	e.network.SendPacket(e.addr.String(), remote.String(), data)
	return nil
}

// SetReceiver sets the callback for received datagrams
func (e *MockEndpoint) SetReceiver(fn func(data []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receiver = fn
}

// LocalAddr returns the endpoint address
func (e *MockEndpoint) LocalAddr() net.Addr {
	return e.addr
}

// RemoteAddr returns the peer address, or nil
func (e *MockEndpoint) RemoteAddr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote
}

// SetRemoteAddr sets the peer address
func (e *MockEndpoint) SetRemoteAddr(addr net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = addr
}

// Close closes the endpoint
func (e *MockEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	return nil
}

// IsClosed reports whether Close was called
func (e *MockEndpoint) IsClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
