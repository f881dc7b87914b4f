package path

// State represents the routing decision for one destination.
type State uint8

const (
	// StateNoPath means no path exists and none is being established.
	StateNoPath State = iota
	// StateProbingDirect means a direct handshake probe is in flight and
	// no session serves traffic yet.
	StateProbingDirect
	// StateRelayed means traffic flows through a public relay node.
	StateRelayed
	// StateDirect means traffic flows straight to the peer.
	StateDirect
	// StateUpgrading means a relayed session serves traffic while a
	// parallel direct probe runs.
	StateUpgrading
	// StateFailed means consecutive handshake failures exhausted the
	// retry budget; the destination is in cooldown.
	StateFailed
)

// String returns a lower-case name to be used in logging.
func (s State) String() string {
	switch s {
	case StateNoPath:
		return "no-path"
	case StateProbingDirect:
		return "probing-direct"
	case StateRelayed:
		return "relayed"
	case StateDirect:
		return "direct"
	case StateUpgrading:
		return "upgrading"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// EndpointKind classifies a discovered underlay candidate.
type EndpointKind uint8

const (
	// KindDirect is an underlay endpoint believed to reach the peer itself.
	KindDirect EndpointKind = iota
	// KindRelay is the endpoint of a public node willing to relay.
	KindRelay
)

// String returns a lower-case name to be used in logging.
func (k EndpointKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRelay:
		return "relay"
	default:
		return "invalid"
	}
}
