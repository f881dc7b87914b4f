package relay

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mesh6/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultIdleTimeout   = 120 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Config carries the tunables of a relay forwarder.
type Config struct {
	// QuotaBytes bounds the traffic forwarded per binding; 0 disables
	// quota enforcement.
	QuotaBytes uint64
	// IdleTimeout tears down bindings with no traffic unilaterally.
	IdleTimeout time.Duration
	// SweepInterval is how often idle state is inspected.
	SweepInterval time.Duration
	// Clock supplies time; nil means the wall clock.
	Clock clock.Clock
	// Logger receives forwarder events; nil means the standard logger.
	Logger *logrus.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type presenceEntry struct {
	endpoint netip.AddrPort
	lastSeen time.Time
}

type halfKey struct {
	src netip.Addr
	dst netip.Addr
}

// Forwarder relays sealed frames between private peer pairs on a
// public node. It holds bindings and pending halves, never keys.
type Forwarder struct {
	cfg Config
	tr  transport.Transport

	mu       sync.RWMutex
	presence map[netip.Addr]presenceEntry
	halves   map[halfKey]*half
	byPair   map[pairKey]*Binding
	bySID    map[uint64]*Binding

	done chan struct{}
	once sync.Once
}

// NewForwarder creates a forwarder sending through the given transport.
func NewForwarder(tr transport.Transport, cfg Config) *Forwarder {
	return &Forwarder{
		cfg:      cfg.withDefaults(),
		tr:       tr,
		presence: make(map[netip.Addr]presenceEntry),
		halves:   make(map[halfKey]*half),
		byPair:   make(map[pairKey]*Binding),
		bySID:    make(map[uint64]*Binding),
		done:     make(chan struct{}),
	}
}

// Attach registers the forwarder as the transport's handler for every
// frame type it relays. Use on dedicated relay nodes; nodes that also
// terminate sessions chain HandleFrame from their own handlers instead.
func (f *Forwarder) Attach() {
	f.tr.RegisterHandler(transport.FrameRelayRequest, func(frame *transport.Frame, from netip.AddrPort) error {
		return f.AcceptRelayRequest(frame, from)
	})
	forward := func(frame *transport.Frame, from netip.AddrPort) error {
		f.HandleFrame(frame, from)
		return nil
	}
	f.tr.RegisterHandler(transport.FrameData, forward)
	f.tr.RegisterHandler(transport.FrameHandshakeInit, forward)
	f.tr.RegisterHandler(transport.FrameHandshakeResp, forward)
	f.tr.RegisterHandler(transport.FrameKeyRotate, forward)
	f.tr.RegisterHandler(transport.FrameTeardown, func(frame *transport.Frame, from netip.AddrPort) error {
		f.HandleTeardown(frame, from)
		return nil
	})
}

// Start launches the idle sweeper.
func (f *Forwarder) Start() {
	go f.sweepLoop()
}

// Close stops the sweeper. Bindings are dropped with the process.
func (f *Forwarder) Close() {
	f.once.Do(func() { close(f.done) })
}

// AcceptRelayRequest processes a FrameRelayRequest. A request only
// yields a usable binding once the named peer has also requested (or
// accepted) relaying with the requester through this node.
func (f *Forwarder) AcceptRelayRequest(frame *transport.Frame, from netip.AddrPort) error {
	src, dst, err := DecodeRequest(frame.Payload)
	if err != nil {
		return err
	}
	now := f.cfg.Clock.Now()

	f.mu.Lock()
	f.presence[src] = presenceEntry{endpoint: from, lastSeen: now}

	// Pair already bound: refresh, learn the session id, confirm.
	if b, ok := f.byPair[makePairKey(src, dst)]; ok {
		if frame.SessionID != 0 {
			b.addSID(frame.SessionID)
			f.bySID[frame.SessionID] = b
		}
		b.touch(now)
		f.mu.Unlock()
		return f.sendStatus(StatusOK, src, dst, frame.SessionID, from)
	}

	// The peer already holds the matching half: double opt-in complete.
	if opposite, ok := f.halves[halfKey{src: dst, dst: src}]; ok {
		b := &Binding{
			a:         leg{addr: src, endpoint: from},
			b:         leg{addr: dst, endpoint: opposite.endpoint},
			sids:      make(map[uint64]struct{}),
			createdAt: now,
		}
		b.touch(now)
		for _, sid := range []uint64{frame.SessionID, opposite.sid} {
			if sid != 0 {
				b.addSID(sid)
				f.bySID[sid] = b
			}
		}
		delete(f.halves, halfKey{src: dst, dst: src})
		delete(f.halves, halfKey{src: src, dst: dst})
		f.byPair[makePairKey(src, dst)] = b
		f.mu.Unlock()

		f.cfg.Logger.WithFields(logrus.Fields{
			"function": "AcceptRelayRequest",
			"peerA":    src,
			"peerB":    dst,
		}).Info("Relay binding established")

		if err := f.sendStatus(StatusOK, src, dst, frame.SessionID, from); err != nil {
			return err
		}
		return f.sendStatus(StatusOK, dst, src, opposite.sid, opposite.endpoint)
	}

	// One-sided so far: park the half.
	f.halves[halfKey{src: src, dst: dst}] = &half{
		src: src, dst: dst, endpoint: from, sid: frame.SessionID, at: now,
	}
	peerPresence, peerKnown := f.presence[dst]
	f.mu.Unlock()

	if peerKnown {
		// Let the peer know someone wants to relay with it here; it
		// opts in with its own request if it agrees.
		return f.tr.Send(frame, peerPresence.endpoint)
	}
	return f.sendStatus(StatusPeerUnreachable, src, dst, frame.SessionID, from)
}

// HandleFrame forwards a sealed frame across its binding. It reports
// whether the frame belonged to a binding; unbound frames are left for
// the caller, which lets session-terminating nodes chain the forwarder
// in front of their own handlers.
func (f *Forwarder) HandleFrame(frame *transport.Frame, from netip.AddrPort) bool {
	f.mu.RLock()
	b, ok := f.bySID[frame.SessionID]
	f.mu.RUnlock()
	if !ok {
		return false
	}

	target, ok := b.other(from)
	if !ok {
		// Bound session id from a foreign endpoint: drop.
		return true
	}

	size := uint64(transport.HeaderSize + len(frame.Payload))
	if f.cfg.QuotaBytes > 0 && b.wouldExceed(size, f.cfg.QuotaBytes) {
		f.cfg.Logger.WithFields(logrus.Fields{
			"function": "HandleFrame",
			"peerA":    b.PeerA(),
			"peerB":    b.PeerB(),
			"bytes":    b.BytesForwarded(),
		}).Warn("Relay binding exceeded quota")
		f.removeBinding(b)
		// The binding is gone for both sides. Each leg hears about it
		// with its own peer in the dst slot, so either can fail over.
		sender := b.a
		if from == b.b.endpoint {
			sender = b.b
		}
		_ = f.sendStatus(StatusQuotaExceeded, sender.addr, target.addr, frame.SessionID, sender.endpoint)
		_ = f.sendStatus(StatusQuotaExceeded, target.addr, sender.addr, frame.SessionID, target.endpoint)
		return true
	}

	if err := f.tr.Send(frame, target.endpoint); err != nil {
		f.cfg.Logger.WithFields(logrus.Fields{
			"function": "HandleFrame",
			"target":   target.endpoint,
			"error":    err,
		}).Debug("Relay forward failed")
		return true
	}
	b.account(size, f.cfg.Clock.Now())
	return true
}

// HandleTeardown forwards an explicit teardown to the other side and
// destroys the binding. Reports whether the frame belonged to one.
func (f *Forwarder) HandleTeardown(frame *transport.Frame, from netip.AddrPort) bool {
	f.mu.RLock()
	b, ok := f.bySID[frame.SessionID]
	f.mu.RUnlock()
	if !ok {
		return false
	}

	if target, legOK := b.other(from); legOK {
		_ = f.tr.Send(frame, target.endpoint)
	}
	f.removeBinding(b)

	f.cfg.Logger.WithFields(logrus.Fields{
		"function": "HandleTeardown",
		"peerA":    b.PeerA(),
		"peerB":    b.PeerB(),
	}).Debug("Relay binding torn down")
	return true
}

// BindingFor looks up the binding for a peer pair, for inspection.
func (f *Forwarder) BindingFor(x, y netip.Addr) (*Binding, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.byPair[makePairKey(x, y)]
	return b, ok
}

// BindingCount returns the number of live bindings.
func (f *Forwarder) BindingCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byPair)
}

// PendingCount returns the number of one-sided halves waiting for the
// peer to opt in.
func (f *Forwarder) PendingCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.halves)
}

func (f *Forwarder) removeBinding(b *Binding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byPair, makePairKey(b.a.addr, b.b.addr))
	for sid := range b.sids {
		if f.bySID[sid] == b {
			delete(f.bySID, sid)
		}
	}
}

func (f *Forwarder) sendStatus(status byte, src, dst netip.Addr, sid uint64, to netip.AddrPort) error {
	frame := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameRelayAccept,
		SessionID: sid,
		Payload:   EncodeStatus(status, src, dst),
	}
	return f.tr.Send(frame, to)
}

func (f *Forwarder) sweepLoop() {
	ticker := f.cfg.Clock.Ticker(f.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Sweep()
		case <-f.done:
			return
		}
	}
}

// Sweep tears down idle bindings and expires stale halves and presence
// entries.
func (f *Forwarder) Sweep() {
	now := f.cfg.Clock.Now()

	f.mu.Lock()
	var idle []*Binding
	for _, b := range f.byPair {
		if now.Sub(b.activity()) >= f.cfg.IdleTimeout {
			idle = append(idle, b)
		}
	}
	for key, h := range f.halves {
		if now.Sub(h.at) >= f.cfg.IdleTimeout {
			delete(f.halves, key)
		}
	}
	for addr, p := range f.presence {
		if now.Sub(p.lastSeen) >= 2*f.cfg.IdleTimeout {
			delete(f.presence, addr)
		}
	}
	f.mu.Unlock()

	for _, b := range idle {
		f.cfg.Logger.WithFields(logrus.Fields{
			"function": "Sweep",
			"peerA":    b.PeerA(),
			"peerB":    b.PeerB(),
		}).Debug("Relay binding idle, tearing down")
		f.removeBinding(b)
	}
}
