// Package transport implements the underlay transport layer for the
// mesh6 overlay.
//
// This package handles the frame wire format and datagram I/O. The core
// above it treats the underlay as unordered, unreliable and bounded in
// datagram size: one datagram carries exactly one frame.
//
// Example:
//
//	tr, err := transport.NewUDPTransport("0.0.0.0:0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	frame := &transport.Frame{
//	    Version:   transport.ProtocolVersion,
//	    Type:      transport.FrameData,
//	    SessionID: sid,
//	    Payload:   ciphertext,
//	}
//
//	err = tr.Send(frame, remoteEndpoint)
package transport
