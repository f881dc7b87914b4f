package mesh6

import (
	"net/netip"
	"time"

	"github.com/opd-ai/mesh6/path"
)

// peer is the per-destination state a Manager keeps: the path state
// machine, payloads queued while no session exists, and the bookkeeping
// of an outstanding relay setup request. Guarded by the manager mutex.
type peer struct {
	dest    netip.Addr
	machine *path.Machine
	queue   *sendQueue

	// relaySID is the session id announced in an unanswered relay setup
	// request, zero otherwise.
	relaySID         uint64
	relayEndpoint    netip.AddrPort
	relayRequestedAt time.Time

	// idleSince marks when the entry was first seen pathless with no
	// queued payloads and no sessions; zero while it carries state.
	idleSince time.Time
}
