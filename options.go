package mesh6

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mesh6/path"
)

// Defaults for Options fields left zero.
const (
	DefaultProbeTimeout      = 3 * time.Second
	DefaultUpgradeInterval   = 30 * time.Second
	DefaultDrainWindow       = 2 * time.Second
	DefaultIdleTimeout       = 300 * time.Second
	DefaultKeyRotateInterval = 10 * time.Minute
	DefaultRelayIdleTimeout  = 120 * time.Second
	DefaultFailedCooldown    = 60 * time.Second
	DefaultFailureLimit      = 5
	DefaultSendQueueDepth    = 64
	DefaultTickInterval      = 1 * time.Second
)

// Options carries the tunables of a Manager.
type Options struct {
	// ProbeTimeout bounds a direct handshake probe.
	ProbeTimeout time.Duration

	// UpgradeInterval is the minimum spacing between direct upgrade
	// attempts while a destination stays relayed.
	UpgradeInterval time.Duration

	// DrainWindow is how long a superseded session keeps decrypting
	// in-flight frames after an upgrade before it is torn down.
	DrainWindow time.Duration

	// IdleTimeout evicts sessions with no traffic in either direction.
	// Per-destination path state that stays pathless, with nothing
	// queued and no session, is forgotten after the same interval.
	IdleTimeout time.Duration

	// KeyRotateInterval bounds how long one send key epoch stays in
	// use; the maintenance loop rotates sessions past it.
	KeyRotateInterval time.Duration

	// RelayIdleTimeout is handed to the embedded forwarder; bindings
	// with no traffic for this long are torn down.
	RelayIdleTimeout time.Duration

	// FailedCooldown is how long a failed destination is refused before
	// establishment may be retried.
	FailedCooldown time.Duration

	// FailureLimit is the number of consecutive handshake failures that
	// marks a destination failed.
	FailureLimit int

	// SendQueueDepth bounds the per-destination queue of payloads
	// accepted while a path is being established. The oldest payload is
	// dropped on overflow.
	SendQueueDepth int

	// RelayQuotaBytes bounds traffic per relay binding on the embedded
	// forwarder; 0 disables quota enforcement.
	RelayQuotaBytes uint64

	// RelayCost orders relay candidates; nil preserves discovery order.
	RelayCost path.CostFunc

	// TickInterval is the cadence of the maintenance loop.
	TickInterval time.Duration

	// EnableRelay runs a relay forwarder on this node, making it usable
	// as a relay by other peers. Meant for publicly reachable nodes.
	EnableRelay bool

	// Clock supplies time; nil means the wall clock.
	Clock clock.Clock

	// Logger receives manager events; nil means the standard logger.
	Logger *logrus.Logger
}

// DefaultOptions returns the options a publicly invisible node would
// typically run with.
func DefaultOptions() Options {
	return Options{
		ProbeTimeout:      DefaultProbeTimeout,
		UpgradeInterval:   DefaultUpgradeInterval,
		DrainWindow:       DefaultDrainWindow,
		IdleTimeout:       DefaultIdleTimeout,
		KeyRotateInterval: DefaultKeyRotateInterval,
		RelayIdleTimeout:  DefaultRelayIdleTimeout,
		FailedCooldown:    DefaultFailedCooldown,
		FailureLimit:      DefaultFailureLimit,
		SendQueueDepth:    DefaultSendQueueDepth,
		TickInterval:      DefaultTickInterval,
	}
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.UpgradeInterval <= 0 {
		out.UpgradeInterval = DefaultUpgradeInterval
	}
	if out.DrainWindow <= 0 {
		out.DrainWindow = DefaultDrainWindow
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.KeyRotateInterval <= 0 {
		out.KeyRotateInterval = DefaultKeyRotateInterval
	}
	if out.RelayIdleTimeout <= 0 {
		out.RelayIdleTimeout = DefaultRelayIdleTimeout
	}
	if out.FailedCooldown <= 0 {
		out.FailedCooldown = DefaultFailedCooldown
	}
	if out.FailureLimit <= 0 {
		out.FailureLimit = DefaultFailureLimit
	}
	if out.SendQueueDepth <= 0 {
		out.SendQueueDepth = DefaultSendQueueDepth
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}
