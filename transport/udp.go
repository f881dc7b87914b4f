package transport

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPTransport implements datagram transport over UDP. It satisfies the
// Transport interface.
type UDPTransport struct {
	conn       *net.UDPConn
	listenAddr netip.AddrPort
	handlers   map[FrameType]FrameHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewUDPTransport creates a new UDP transport bound to listenAddr.
func NewUDPTransport(listenAddr string) (Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		handlers:   make(map[FrameType]FrameHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.processFrames()

	return t, nil
}

// RegisterHandler registers a handler for a specific frame type.
func (t *UDPTransport) RegisterHandler(frameType FrameType, handler FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[frameType] = handler
}

// Send transmits a frame to the specified underlay endpoint.
func (t *UDPTransport) Send(frame *Frame, to netip.AddrPort) error {
	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteToUDPAddrPort(data, to)
	return err
}

// Close shuts down the transport.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

// LocalAddr returns the local endpoint the transport is bound to.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.listenAddr
}

// processFrames handles incoming datagrams until the transport closes.
func (t *UDPTransport) processFrames() {
	buffer := make([]byte, MaxFrameSize+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingFrame(buffer)
		}
	}
}

// processIncomingFrame reads and dispatches a single incoming datagram.
func (t *UDPTransport) processIncomingFrame(buffer []byte) {
	// Read deadline keeps the loop responsive to shutdown.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, from, err := t.conn.ReadFromUDPAddrPort(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingFrame",
			"error":    err,
		}).Debug("UDP read failed")
		return
	}

	frame, err := ParseFrame(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingFrame",
			"from":     from,
			"error":    err,
		}).Debug("Dropping malformed datagram")
		return
	}

	t.dispatchFrame(frame, from)
}

// dispatchFrame finds and executes the handler for a frame. Frames with
// an unexpected version or an unregistered type are dropped silently.
func (t *UDPTransport) dispatchFrame(frame *Frame, from netip.AddrPort) {
	if frame.Version != ProtocolVersion {
		logrus.WithFields(logrus.Fields{
			"function": "dispatchFrame",
			"version":  frame.Version,
			"from":     from,
		}).Debug("Dropping frame with unknown protocol version")
		return
	}

	t.mu.RLock()
	handler, exists := t.handlers[frame.Type]
	t.mu.RUnlock()

	if exists {
		go handler(frame, from) // Handle frame in separate goroutine
	}
}
