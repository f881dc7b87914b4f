package transport

import (
	"net/netip"
)

// FrameHandler is a function that processes incoming frames.
type FrameHandler func(frame *Frame, from netip.AddrPort) error

// Transport defines the interface for underlay transports used by
// mesh6. This abstraction allows different implementations (UDP for
// production, in-memory pipes for tests) to be used interchangeably.
type Transport interface {
	// Send transmits a frame to the specified underlay endpoint.
	Send(frame *Frame, to netip.AddrPort) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local endpoint the transport is bound to.
	LocalAddr() netip.AddrPort

	// RegisterHandler registers a handler for a specific frame type.
	// Frames with a type no handler is registered for are dropped
	// silently, keeping the wire format forward compatible.
	RegisterHandler(frameType FrameType, handler FrameHandler)
}
