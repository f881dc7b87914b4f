package relay

import (
	"net/netip"
	"sync"
	"time"
)

// leg is one side of a binding.
type leg struct {
	addr     netip.Addr
	endpoint netip.AddrPort
}

// Binding is the routing linkage a public node keeps for one private
// peer pair. It carries no key material.
type Binding struct {
	a leg
	b leg

	// sids are the session ids observed for this pair. Normally one;
	// two transiently when both peers initiate at the same time.
	sids map[uint64]struct{}

	mu              sync.Mutex
	bytesForwarded  uint64
	framesForwarded uint64
	createdAt       time.Time
	lastActivity    time.Time
}

// PeerA returns the overlay address of the first leg.
func (b *Binding) PeerA() netip.Addr { return b.a.addr }

// PeerB returns the overlay address of the second leg.
func (b *Binding) PeerB() netip.Addr { return b.b.addr }

// BytesForwarded returns the total frame bytes copied across.
func (b *Binding) BytesForwarded() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesForwarded
}

// FramesForwarded returns the number of frames copied across.
func (b *Binding) FramesForwarded() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.framesForwarded
}

func (b *Binding) addSID(sid uint64) {
	b.sids[sid] = struct{}{}
}

func (b *Binding) touch(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastActivity = now
}

func (b *Binding) activity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

func (b *Binding) wouldExceed(size, quota uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesForwarded+size > quota
}

func (b *Binding) account(size uint64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bytesForwarded += size
	b.framesForwarded++
	b.lastActivity = now
}

// other resolves the opposite leg for a frame arriving from ep. The
// second return is false when ep matches neither leg.
func (b *Binding) other(ep netip.AddrPort) (leg, bool) {
	switch ep {
	case b.a.endpoint:
		return b.b, true
	case b.b.endpoint:
		return b.a, true
	default:
		return leg{}, false
	}
}

// pairKey orders two overlay addresses so one binding exists per
// unordered peer pair.
type pairKey struct {
	lo netip.Addr
	hi netip.Addr
}

func makePairKey(x, y netip.Addr) pairKey {
	if y.Less(x) {
		x, y = y, x
	}
	return pairKey{lo: x, hi: y}
}

// half is a one-sided relay request waiting for the peer to opt in.
type half struct {
	src      netip.Addr
	dst      netip.Addr
	endpoint netip.AddrPort
	sid      uint64
	at       time.Time
}
