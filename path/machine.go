package path

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Driver receives the side effects a Machine decides on. Implementations
// must not block: probes and relay setup run asynchronously and report
// back through the On* event methods.
type Driver interface {
	// StartDirectProbe launches a direct handshake probe towards dest at
	// the given endpoint. upgrade is set when a relayed session keeps
	// serving traffic while the probe runs.
	StartDirectProbe(dest netip.Addr, endpoint netip.AddrPort, upgrade bool)

	// StartRelaySetup launches relay negotiation for dest through the
	// given relay endpoint.
	StartRelaySetup(dest netip.Addr, relay netip.AddrPort)
}

// CostFunc orders relay candidates; lower cost wins. The default cost
// function returns zero for every endpoint, which preserves discovery
// order.
type CostFunc func(endpoint netip.AddrPort) float64

// Config carries the tunables of a path state machine.
type Config struct {
	// ProbeTimeout bounds a direct handshake probe.
	ProbeTimeout time.Duration
	// UpgradeInterval is the minimum spacing between direct upgrade
	// attempts while relayed.
	UpgradeInterval time.Duration
	// FailureLimit is the number of consecutive handshake failures that
	// moves the machine to StateFailed.
	FailureLimit int
	// FailedCooldown is how long StateFailed lasts before retry is
	// allowed again.
	FailedCooldown time.Duration
	// Cost orders relay candidates. Nil preserves discovery order.
	Cost CostFunc
	// Clock supplies time; nil means the wall clock.
	Clock clock.Clock
}

// Defaults for Config fields left zero.
const (
	DefaultProbeTimeout    = 3 * time.Second
	DefaultUpgradeInterval = 30 * time.Second
	DefaultFailureLimit    = 5
	DefaultFailedCooldown  = 60 * time.Second

	// relayCooldownSize bounds the set of relay endpoints remembered as
	// unusable at any one time.
	relayCooldownSize = 128
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.UpgradeInterval <= 0 {
		out.UpgradeInterval = DefaultUpgradeInterval
	}
	if out.FailureLimit <= 0 {
		out.FailureLimit = DefaultFailureLimit
	}
	if out.FailedCooldown <= 0 {
		out.FailedCooldown = DefaultFailedCooldown
	}
	if out.Cost == nil {
		out.Cost = func(netip.AddrPort) float64 { return 0 }
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Machine is the path state machine for one destination. Methods are
// not safe for concurrent use; the owner serializes events per
// destination, and different destinations proceed independently.
type Machine struct {
	dest   netip.Addr
	cfg    Config
	driver Driver

	state    State
	failures int

	direct []netip.AddrPort
	relays []netip.AddrPort

	// relayCooldown remembers relay endpoints that reported quota or
	// setup failures; entries expire after FailedCooldown.
	relayCooldown *lru.LRU[netip.AddrPort, struct{}]

	activeRelay     netip.AddrPort
	lastUpgradeTry  time.Time
	cooldownUntil   time.Time
	upgradeEligible bool
}

// NewMachine creates a path state machine for dest in StateNoPath.
func NewMachine(dest netip.Addr, driver Driver, cfg Config) *Machine {
	c := cfg.withDefaults()
	return &Machine{
		dest:          dest,
		cfg:           c,
		driver:        driver,
		state:         StateNoPath,
		relayCooldown: lru.NewLRU[netip.AddrPort, struct{}](relayCooldownSize, nil, c.FailedCooldown),
	}
}

// Dest returns the destination this machine routes.
func (m *Machine) Dest() netip.Addr { return m.dest }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Failures returns the count of consecutive handshake failures.
func (m *Machine) Failures() int { return m.failures }

// ActiveRelay returns the relay endpoint in use, valid in StateRelayed
// and StateUpgrading.
func (m *Machine) ActiveRelay() netip.AddrPort { return m.activeRelay }

// ProbeTimeout returns the configured probe timeout, for the driver to
// bound its handshake contexts with.
func (m *Machine) ProbeTimeout() time.Duration { return m.cfg.ProbeTimeout }

func (m *Machine) transition(to State) {
	if m.state == to {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "transition",
		"dest":     m.dest,
		"from":     m.state,
		"to":       to,
	}).Debug("Path state transition")
	m.state = to
}

// OnSendRequest reacts to the application wanting to reach dest.
// Returns false when the destination is failed and in cooldown, in
// which case the caller surfaces a no-path error.
func (m *Machine) OnSendRequest() bool {
	switch m.state {
	case StateNoPath:
		return m.startEstablishing()
	case StateFailed:
		if m.cfg.Clock.Now().Before(m.cooldownUntil) {
			return false
		}
		m.failures = 0
		m.transition(StateNoPath)
		return m.startEstablishing()
	default:
		return true
	}
}

// startEstablishing picks the best way out of StateNoPath.
func (m *Machine) startEstablishing() bool {
	if ep, ok := m.pickDirect(); ok {
		m.transition(StateProbingDirect)
		m.driver.StartDirectProbe(m.dest, ep, false)
		return true
	}
	if relay, ok := m.pickRelay(); ok {
		m.activeRelay = relay
		m.transition(StateRelayed)
		m.driver.StartRelaySetup(m.dest, relay)
		return true
	}
	return false
}

// OnEndpointDiscovered feeds a new underlay candidate into the machine.
// A direct candidate arriving while relayed makes the destination
// eligible for an upgrade attempt.
func (m *Machine) OnEndpointDiscovered(endpoint netip.AddrPort, kind EndpointKind) {
	switch kind {
	case KindDirect:
		if !containsEndpoint(m.direct, endpoint) {
			m.direct = append(m.direct, endpoint)
		}
		if m.state == StateRelayed {
			m.upgradeEligible = true
			m.maybeStartUpgrade()
		}
	case KindRelay:
		if !containsEndpoint(m.relays, endpoint) {
			m.relays = append(m.relays, endpoint)
		}
	}
}

// OnInboundSession reacts to a session the peer established towards us.
// The machine adopts the path without having driven a probe, so later
// idle, loss, and upgrade handling work the same as for outbound paths.
func (m *Machine) OnInboundSession(kind EndpointKind, relay netip.AddrPort) {
	m.failures = 0
	switch kind {
	case KindDirect:
		m.transition(StateDirect)
	case KindRelay:
		m.activeRelay = relay
		m.lastUpgradeTry = m.cfg.Clock.Now()
		m.transition(StateRelayed)
	}
}

// OnProbeSuccess reacts to a completed direct handshake.
func (m *Machine) OnProbeSuccess() {
	switch m.state {
	case StateProbingDirect, StateUpgrading:
		m.failures = 0
		m.transition(StateDirect)
	}
}

// OnProbeFailure reacts to a failed or timed out direct handshake. From
// StateUpgrading the relayed session is untouched and the machine
// simply falls back to StateRelayed; the failed attempt stays invisible
// to the application.
func (m *Machine) OnProbeFailure() {
	switch m.state {
	case StateProbingDirect:
		m.failures++
		if m.failures >= m.cfg.FailureLimit {
			m.enterFailed()
			return
		}
		if relay, ok := m.pickRelay(); ok {
			m.activeRelay = relay
			m.transition(StateRelayed)
			m.driver.StartRelaySetup(m.dest, relay)
			return
		}
		m.enterFailed()
	case StateUpgrading:
		m.failures++
		m.transition(StateRelayed)
	}
}

// OnRelayEstablished reacts to a confirmed relayed session.
func (m *Machine) OnRelayEstablished() {
	if m.state == StateRelayed || m.state == StateUpgrading {
		m.failures = 0
		m.lastUpgradeTry = m.cfg.Clock.Now()
	}
}

// OnRelayFailure reacts to relay setup or forwarding failure. The relay
// endpoint goes into cooldown and, when no session exists yet, an
// alternate relay is tried.
func (m *Machine) OnRelayFailure(relay netip.AddrPort, hadSession bool) {
	m.relayCooldown.Add(relay, struct{}{})

	logrus.WithFields(logrus.Fields{
		"function": "OnRelayFailure",
		"dest":     m.dest,
		"relay":    relay,
	}).Info("Relay candidate marked unusable")

	if m.state != StateRelayed && m.state != StateUpgrading {
		return
	}
	if hadSession && m.activeRelay != relay {
		return
	}

	if next, ok := m.pickRelay(); ok {
		m.activeRelay = next
		m.transition(StateRelayed)
		m.driver.StartRelaySetup(m.dest, next)
		return
	}

	m.failures++
	if m.failures >= m.cfg.FailureLimit {
		m.enterFailed()
		return
	}
	m.transition(StateNoPath)
	m.startEstablishing()
}

// OnSessionLost reacts to the active session dying outside the idle
// path (key exhaustion without successful re-handshake, explicit
// teardown from the peer).
func (m *Machine) OnSessionLost() {
	switch m.state {
	case StateDirect, StateRelayed, StateUpgrading:
		m.transition(StateNoPath)
	}
}

// OnIdleExpired reacts to the idle timeout: the path is forgotten and a
// later send re-establishes from scratch.
func (m *Machine) OnIdleExpired() {
	switch m.state {
	case StateDirect, StateRelayed, StateUpgrading:
		m.transition(StateNoPath)
	}
}

// OnTick drives time based transitions: the failed cooldown ending and
// periodic upgrade attempts while relayed.
func (m *Machine) OnTick() {
	now := m.cfg.Clock.Now()

	switch m.state {
	case StateFailed:
		if !now.Before(m.cooldownUntil) {
			m.failures = 0
			m.transition(StateNoPath)
		}
	case StateRelayed:
		m.maybeStartUpgrade()
	}
}

// maybeStartUpgrade spawns a parallel direct probe when a direct
// candidate is known and the upgrade interval has passed.
func (m *Machine) maybeStartUpgrade() {
	if m.state != StateRelayed || !m.upgradeEligible {
		return
	}
	ep, ok := m.pickDirect()
	if !ok {
		return
	}
	now := m.cfg.Clock.Now()
	if !m.lastUpgradeTry.IsZero() && now.Sub(m.lastUpgradeTry) < m.cfg.UpgradeInterval {
		return
	}
	m.lastUpgradeTry = now
	m.transition(StateUpgrading)
	m.driver.StartDirectProbe(m.dest, ep, true)
}

func (m *Machine) enterFailed() {
	m.cooldownUntil = m.cfg.Clock.Now().Add(m.cfg.FailedCooldown)
	m.transition(StateFailed)
}

// pickDirect returns the first known direct candidate.
func (m *Machine) pickDirect() (netip.AddrPort, bool) {
	if len(m.direct) == 0 {
		return netip.AddrPort{}, false
	}
	return m.direct[0], true
}

// pickRelay returns the cheapest relay candidate not in cooldown.
func (m *Machine) pickRelay() (netip.AddrPort, bool) {
	var (
		best     netip.AddrPort
		bestCost float64
		found    bool
	)
	for _, relay := range m.relays {
		if m.relayCooldown.Contains(relay) {
			continue
		}
		cost := m.cfg.Cost(relay)
		if !found || cost < bestCost {
			best, bestCost, found = relay, cost, true
		}
	}
	return best, found
}

func containsEndpoint(list []netip.AddrPort, ep netip.AddrPort) bool {
	for _, e := range list {
		if e == ep {
			return true
		}
	}
	return false
}
