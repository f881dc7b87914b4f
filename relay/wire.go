package relay

import (
	"errors"
	"net/netip"
)

// Status codes carried in the first byte of a FrameRelayAccept payload.
const (
	// StatusOK confirms the binding is (or already was) in place.
	StatusOK byte = iota
	// StatusPeerUnreachable reports that the requested peer has no
	// presence at this relay.
	StatusPeerUnreachable
	// StatusQuotaExceeded reports that the binding consumed its quota.
	StatusQuotaExceeded
)

var (
	// ErrPeerUnreachable is the local form of StatusPeerUnreachable.
	ErrPeerUnreachable = errors.New("relay: peer unreachable")
	// ErrQuotaExceeded is the local form of StatusQuotaExceeded.
	ErrQuotaExceeded = errors.New("relay: quota exceeded")

	errMalformedPayload = errors.New("relay: malformed payload")
)

const (
	requestPayloadSize = 32
	statusPayloadSize  = 33
)

// EncodeRequest builds a FrameRelayRequest payload naming the requester
// and the peer it wants relayed traffic with.
func EncodeRequest(src, dst netip.Addr) []byte {
	out := make([]byte, requestPayloadSize)
	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(out[:16], srcBytes[:])
	copy(out[16:], dstBytes[:])
	return out
}

// DecodeRequest parses a FrameRelayRequest payload.
func DecodeRequest(payload []byte) (src, dst netip.Addr, err error) {
	if len(payload) != requestPayloadSize {
		return netip.Addr{}, netip.Addr{}, errMalformedPayload
	}
	src = netip.AddrFrom16([16]byte(payload[:16]))
	dst = netip.AddrFrom16([16]byte(payload[16:]))
	return src, dst, nil
}

// EncodeStatus builds a FrameRelayAccept payload reporting the state of
// the binding between src and dst.
func EncodeStatus(status byte, src, dst netip.Addr) []byte {
	out := make([]byte, statusPayloadSize)
	out[0] = status
	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(out[1:17], srcBytes[:])
	copy(out[17:], dstBytes[:])
	return out
}

// DecodeStatus parses a FrameRelayAccept payload.
func DecodeStatus(payload []byte) (status byte, src, dst netip.Addr, err error) {
	if len(payload) != statusPayloadSize {
		return 0, netip.Addr{}, netip.Addr{}, errMalformedPayload
	}
	status = payload[0]
	src = netip.AddrFrom16([16]byte(payload[1:17]))
	dst = netip.AddrFrom16([16]byte(payload[17:]))
	return status, src, dst, nil
}
