package crypto

import (
	"net/netip"
)

// AddressPrefix is the first byte of every mesh6 overlay address. It
// pins the overlay into a fixed portion of the IPv6 space so overlay
// traffic is distinguishable from regular IPv6 traffic.
const AddressPrefix = 0x02

// AddressFromPublicKey derives the overlay IPv6 address owned by the
// holder of the given public key.
//
// The derivation follows the yggdrasil scheme: the key bytes are
// inverted, the run of leading one bits is counted and stripped
// (together with the first zero bit that terminates it), and the
// remaining bits are packed after a two byte prefix of {AddressPrefix,
// run length}. Keys with more leading zero bits therefore compress
// better and leave more key material inside the address itself.
func AddressFromPublicKey(publicKey [32]byte) netip.Addr {
	var inverted [32]byte
	for i, b := range publicKey {
		inverted[i] = ^b
	}

	var (
		done  bool
		ones  uint8
		bits  uint8
		nbits int
	)
	temp := make([]byte, 0, len(inverted))

	for idx := 0; idx < len(inverted)*8; idx++ {
		bit := (inverted[idx/8] & (0x80 >> (idx % 8))) >> (7 - idx%8)
		if !done && bit != 0 {
			ones++
			continue
		}
		if !done && bit == 0 {
			// Strip the zero bit terminating the run of ones.
			done = true
			continue
		}
		bits = (bits << 1) | bit
		nbits++
		if nbits == 8 {
			nbits = 0
			temp = append(temp, bits)
		}
	}

	var raw [16]byte
	raw[0] = AddressPrefix
	raw[1] = ones
	copy(raw[2:], temp)

	return netip.AddrFrom16(raw)
}

// VerifyAddress reports whether the given overlay address is the one
// derived from the given public key. Used after a handshake to bind the
// authenticated remote identity to the destination address the caller
// asked for.
func VerifyAddress(addr netip.Addr, publicKey [32]byte) bool {
	return addr == AddressFromPublicKey(publicKey)
}

// IsOverlayAddress reports whether an address falls inside the mesh6
// overlay range.
func IsOverlayAddress(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}
	return addr.As16()[0] == AddressPrefix
}
