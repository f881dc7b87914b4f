package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the wire protocol version produced by this
// implementation. Frames carrying any other version are dropped by the
// dispatch layer.
const ProtocolVersion = 1

// FrameType identifies the type of a mesh6 frame.
type FrameType byte

const (
	// FrameHandshakeInit carries a handshake message from the session
	// initiator. Both the first and the final initiator message travel
	// under this type; the responder tells them apart by handshake state.
	FrameHandshakeInit FrameType = iota + 1
	// FrameHandshakeResp carries the responder's handshake message.
	FrameHandshakeResp
	// FrameData carries an encrypted payload frame.
	FrameData
	// FrameRelayRequest asks a public node to forward for a peer pair.
	FrameRelayRequest
	// FrameRelayAccept reports relay status back to a private peer.
	FrameRelayAccept
	// FrameTeardown ends a session or relay binding explicitly.
	FrameTeardown
	// FrameKeyRotate signals a send-key epoch advance to the receiver.
	FrameKeyRotate
)

const (
	// HeaderSize is the size of the fixed frame header on the wire:
	// version (1), type (1), session id (8), sequence (8), key epoch (1).
	HeaderSize = 19

	// MaxFrameSize bounds a serialized frame so it fits one underlay
	// datagram without fragmentation on common paths.
	MaxFrameSize = 1400

	// MaxPayloadSize bounds the payload carried in one frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

var (
	// ErrFrameTooShort indicates a datagram smaller than the frame header.
	ErrFrameTooShort = errors.New("frame shorter than header")
	// ErrFrameTooLarge indicates a frame exceeding the datagram bound.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Frame is the unit of overlay traffic on the underlay. The header is
// authenticated but not encrypted; relays route on it without access to
// the payload.
type Frame struct {
	Version   byte
	Type      FrameType
	SessionID uint64
	Sequence  uint64
	KeyEpoch  byte
	Payload   []byte
}

// Header returns the serialized 19 byte frame header. The header bytes
// double as associated data for payload authentication.
func (f *Frame) Header() []byte {
	h := make([]byte, HeaderSize)
	h[0] = f.Version
	h[1] = byte(f.Type)
	binary.BigEndian.PutUint64(h[2:10], f.SessionID)
	binary.BigEndian.PutUint64(h[10:18], f.Sequence)
	h[18] = f.KeyEpoch
	return h
}

// Marshal converts a frame to a byte slice for transmission.
func (f *Frame) Marshal() ([]byte, error) {
	if HeaderSize+len(f.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, HeaderSize+len(f.Payload))
	}

	data := make([]byte, HeaderSize+len(f.Payload))
	copy(data, f.Header())
	copy(data[HeaderSize:], f.Payload)

	return data, nil
}

// ParseFrame converts a received datagram into a Frame. Version and
// type validity are left to the dispatch layer so unknown values can be
// dropped silently rather than surfaced as errors.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	f := &Frame{
		Version:   data[0],
		Type:      FrameType(data[1]),
		SessionID: binary.BigEndian.Uint64(data[2:10]),
		Sequence:  binary.BigEndian.Uint64(data[10:18]),
		KeyEpoch:  data[18],
	}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}

	return f, nil
}
