package transport

import (
	"errors"
	"net/netip"
	"sync"
)

// ErrTransportClosed indicates a send on a closed channel transport.
var ErrTransportClosed = errors.New("transport closed")

// ChannelNetwork is an in-memory underlay connecting ChannelTransport
// instances by endpoint. It exists for tests and single-process
// topologies: frames pass through the same marshal/parse path as UDP so
// wire format bugs surface identically. Delivery to one endpoint is
// serialized and in order; the real underlay is allowed to reorder, so
// nothing above may depend on this.
type ChannelNetwork struct {
	mu    sync.RWMutex
	nodes map[netip.AddrPort]*ChannelTransport

	// DropFunc, when set, is consulted for every frame in flight;
	// returning true discards the frame. Used to inject loss.
	DropFunc func(frame *Frame, from, to netip.AddrPort) bool
}

// NewChannelNetwork creates an empty in-memory underlay.
func NewChannelNetwork() *ChannelNetwork {
	return &ChannelNetwork{
		nodes: make(map[netip.AddrPort]*ChannelTransport),
	}
}

// NewTransport attaches a new transport to the network at the given
// endpoint, replacing any previous occupant.
func (n *ChannelNetwork) NewTransport(endpoint netip.AddrPort) *ChannelTransport {
	t := &ChannelTransport{
		network:  n,
		endpoint: endpoint,
		handlers: make(map[FrameType]FrameHandler),
		inbound:  make(chan inboundFrame, 256),
		done:     make(chan struct{}),
	}

	n.mu.Lock()
	n.nodes[endpoint] = t
	n.mu.Unlock()

	go t.pump()

	return t
}

func (n *ChannelNetwork) deliver(data []byte, from, to netip.AddrPort) {
	n.mu.RLock()
	target := n.nodes[to]
	drop := n.DropFunc
	n.mu.RUnlock()

	if target == nil {
		return
	}

	frame, err := ParseFrame(data)
	if err != nil {
		return
	}
	if drop != nil && drop(frame, from, to) {
		return
	}

	target.enqueue(inboundFrame{frame: frame, from: from})
}

type inboundFrame struct {
	frame *Frame
	from  netip.AddrPort
}

// ChannelTransport is one endpoint on a ChannelNetwork. It satisfies
// the Transport interface.
type ChannelTransport struct {
	network  *ChannelNetwork
	endpoint netip.AddrPort
	handlers map[FrameType]FrameHandler
	inbound  chan inboundFrame
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
}

// Send transmits a frame to another endpoint on the same network.
func (t *ChannelTransport) Send(frame *Frame, to netip.AddrPort) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	t.network.deliver(data, t.endpoint, to)
	return nil
}

// Close shuts down the transport and detaches it from the network.
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.network.mu.Lock()
	if t.network.nodes[t.endpoint] == t {
		delete(t.network.nodes, t.endpoint)
	}
	t.network.mu.Unlock()

	return nil
}

// LocalAddr returns the endpoint the transport is attached at.
func (t *ChannelTransport) LocalAddr() netip.AddrPort {
	return t.endpoint
}

// RegisterHandler registers a handler for a specific frame type.
func (t *ChannelTransport) RegisterHandler(frameType FrameType, handler FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[frameType] = handler
}

// enqueue hands a frame to the pump, dropping on overflow the way a
// full socket buffer would.
func (t *ChannelTransport) enqueue(in inboundFrame) {
	select {
	case t.inbound <- in:
	case <-t.done:
	default:
	}
}

// pump dispatches inbound frames one at a time, preserving arrival
// order per endpoint.
func (t *ChannelTransport) pump() {
	for {
		select {
		case in := <-t.inbound:
			t.dispatch(in.frame, in.from)
		case <-t.done:
			return
		}
	}
}

func (t *ChannelTransport) dispatch(frame *Frame, from netip.AddrPort) {
	if frame.Version != ProtocolVersion {
		return
	}

	t.mu.RLock()
	handler, exists := t.handlers[frame.Type]
	closed := t.closed
	t.mu.RUnlock()

	if closed || !exists {
		return
	}
	_ = handler(frame, from)
}
