package mesh6

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mesh6/crypto"
	"github.com/opd-ai/mesh6/path"
	"github.com/opd-ai/mesh6/relay"
	"github.com/opd-ai/mesh6/session"
	"github.com/opd-ai/mesh6/transport"
)

const (
	receiveBuffer = 256

	// recentSessionCacheSize bounds how many recently closed session
	// ids are remembered to attribute late frames to their peer.
	recentSessionCacheSize = 256
)

// Received is one decrypted payload handed to the application.
type Received struct {
	// From is the overlay address of the authenticated sender.
	From netip.Addr
	// Payload is the decrypted application payload.
	Payload []byte
}

// Manager ties the handshake engine, the per-destination path state
// machines, and optionally a relay forwarder together on one transport.
// It is the connection management core of a node: applications hand it
// payloads addressed by overlay address and receive authenticated
// payloads back, while path establishment, relay fallback, direct
// upgrade, key rotation, and idle eviction happen underneath.
type Manager struct {
	opts   Options
	tr     transport.Transport
	engine *session.Engine
	table  *session.Table
	fwd    *relay.Forwarder
	clk    clock.Clock
	logger *logrus.Logger

	mu             sync.Mutex
	peers          map[netip.Addr]*peer
	relayEndpoints map[netip.AddrPort]struct{}
	closed         bool

	// recent maps session ids that were torn down not long ago to
	// their peer, so a frame on a dead session can signal the path
	// machine that the peer still believes the session is alive.
	recent *lru.LRU[uint64, netip.Addr]

	recv   chan Received
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager for the given identity on a transport.
// Call Start to launch the maintenance loop.
func NewManager(identity *crypto.KeyPair, tr transport.Transport, opts Options) *Manager {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:           o,
		tr:             tr,
		engine:         session.NewEngine(identity, o.Clock, o.Logger),
		table:          session.NewTable(),
		clk:            o.Clock,
		logger:         o.Logger,
		peers:          make(map[netip.Addr]*peer),
		relayEndpoints: make(map[netip.AddrPort]struct{}),
		recent:         lru.NewLRU[uint64, netip.Addr](recentSessionCacheSize, nil, o.IdleTimeout),
		recv:           make(chan Received, receiveBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}

	if o.EnableRelay {
		m.fwd = relay.NewForwarder(tr, relay.Config{
			QuotaBytes:  o.RelayQuotaBytes,
			IdleTimeout: o.RelayIdleTimeout,
			Clock:       o.Clock,
			Logger:      o.Logger,
		})
	}

	tr.RegisterHandler(transport.FrameHandshakeInit, m.handleHandshakeInit)
	tr.RegisterHandler(transport.FrameHandshakeResp, m.handleHandshakeResp)
	tr.RegisterHandler(transport.FrameData, m.handleData)
	tr.RegisterHandler(transport.FrameKeyRotate, m.handleKeyRotate)
	tr.RegisterHandler(transport.FrameTeardown, m.handleTeardown)
	tr.RegisterHandler(transport.FrameRelayRequest, m.handleRelayRequest)
	tr.RegisterHandler(transport.FrameRelayAccept, m.handleRelayAccept)

	return m
}

// Start launches the maintenance loop and, when relaying is enabled,
// the forwarder's idle sweeper.
func (m *Manager) Start() {
	go m.tickLoop()
	if m.fwd != nil {
		m.fwd.Start()
	}
}

// Close tears down every session, stops the maintenance loop, and
// closes the transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, s := range m.table.All() {
		m.sendTeardownLocked(s)
		m.dropSessionLocked(s)
	}
	m.mu.Unlock()

	m.cancel()
	if m.fwd != nil {
		m.fwd.Close()
	}
	return m.tr.Close()
}

// LocalAddr returns the node's overlay address.
func (m *Manager) LocalAddr() netip.Addr { return m.engine.LocalAddr() }

// Forwarder returns the embedded relay forwarder, nil unless relaying
// was enabled.
func (m *Manager) Forwarder() *relay.Forwarder { return m.fwd }

// PathState reports the path state machine's state for a destination.
func (m *Manager) PathState(dest netip.Addr) (path.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[dest]
	if !ok {
		return path.StateNoPath, false
	}
	return p.machine.State(), true
}

// ActiveSession returns the live session towards a destination.
func (m *Manager) ActiveSession(dest netip.Addr) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Active(dest)
}

// Send queues or transmits a payload towards an overlay destination.
// With a live session the payload goes out immediately; otherwise path
// establishment starts and the payload waits in a bounded queue whose
// oldest entry is dropped on overflow. ErrNoPathAvailable is returned
// when no endpoint candidate is known or the destination is failed and
// cooling down.
func (m *Manager) Send(dest netip.Addr, payload []byte) error {
	if len(payload) > transport.MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}

	p := m.peerLocked(dest)
	if s, ok := m.table.Active(dest); ok && !s.Draining() {
		return m.transmitOrRecoverLocked(p, s, payload)
	}

	if !p.machine.OnSendRequest() {
		return ErrNoPathAvailable
	}

	// Establishment may have completed synchronously on another
	// goroutine between the state check and here; re-check before
	// queueing.
	if s, ok := m.table.Active(dest); ok && !s.Draining() {
		return m.transmitOrRecoverLocked(p, s, payload)
	}

	m.queuePayloadLocked(p, payload)
	return nil
}

// queuePayloadLocked parks a payload until a session exists.
func (m *Manager) queuePayloadLocked(p *peer, payload []byte) {
	if p.queue.push(payload) {
		m.logger.WithFields(logrus.Fields{
			"function": "queuePayloadLocked",
			"dest":     p.dest,
		}).Warn("Send queue overflow, oldest payload dropped")
	}
}

// transmitOrRecoverLocked sends on s and, when the session's key
// material is spent, replaces it: the session is dropped, the machine
// re-establishes, and the payload waits for the fresh session to flush
// it.
func (m *Manager) transmitOrRecoverLocked(p *peer, s *session.Session, payload []byte) error {
	err := m.transmitLocked(s, payload)
	if err == nil || !errors.Is(err, session.ErrKeyExhausted) {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"function": "transmitOrRecoverLocked",
		"peer":     p.dest,
		"session":  s.ID(),
	}).Info("Session keys exhausted, forcing re-handshake")

	m.dropSessionLocked(s)
	p.machine.OnSessionLost()
	if !p.machine.OnSendRequest() {
		return ErrNoPathAvailable
	}
	if fresh, ok := m.table.Active(p.dest); ok && !fresh.Draining() {
		return m.transmitLocked(fresh, payload)
	}
	m.queuePayloadLocked(p, payload)
	return nil
}

// Receive blocks until a payload arrives, the context ends, or the
// manager closes.
func (m *Manager) Receive(ctx context.Context) (Received, error) {
	select {
	case r := <-m.recv:
		return r, nil
	case <-ctx.Done():
		return Received{}, ctx.Err()
	case <-m.ctx.Done():
		return Received{}, ErrManagerClosed
	}
}

// OnDiscoveredEndpoint feeds an underlay candidate for a destination
// into its path state machine. Discovering a relay candidate also
// registers this node's presence at the relay so the peer's setup
// request can bind immediately.
func (m *Manager) OnDiscoveredEndpoint(dest netip.Addr, endpoint netip.AddrPort, kind path.EndpointKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	p := m.peerLocked(dest)
	p.machine.OnEndpointDiscovered(endpoint, kind)

	if kind == path.KindRelay {
		m.relayEndpoints[endpoint] = struct{}{}
		frame := &transport.Frame{
			Version:   transport.ProtocolVersion,
			Type:      transport.FrameRelayRequest,
			SessionID: 0,
			Payload:   relay.EncodeRequest(m.LocalAddr(), dest),
		}
		if err := m.tr.Send(frame, endpoint); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "OnDiscoveredEndpoint",
				"relay":    endpoint,
				"error":    err,
			}).Debug("Relay registration failed")
		}
	}
}

// Shutdown tears down all sessions towards a destination and forgets
// its path state.
func (m *Manager) Shutdown(dest netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.table.RemovePeer(dest) {
		m.sendTeardownLocked(s)
		m.recent.Add(s.ID(), s.RemoteAddr())
		s.Close()
	}
	delete(m.peers, dest)
}

// StartDirectProbe implements path.Driver: a handshake probe runs on
// its own goroutine and reports back into the machine when it settles.
func (m *Manager) StartDirectProbe(dest netip.Addr, endpoint netip.AddrPort, upgrade bool) {
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ProbeTimeout)
		defer cancel()

		s, err := m.engine.Establish(ctx, m.tr, dest, endpoint, session.PathDirect, netip.Addr{})

		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.peers[dest]
		if !ok || m.closed {
			if s != nil {
				s.Close()
			}
			return
		}
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "StartDirectProbe",
				"dest":     dest,
				"endpoint": endpoint,
				"upgrade":  upgrade,
				"error":    err,
			}).Debug("Direct probe failed")
			p.machine.OnProbeFailure()
			return
		}
		m.adoptLocked(p, s)
		p.machine.OnProbeSuccess()
	}()
}

// StartRelaySetup implements path.Driver: a setup request carrying a
// pre-allocated session id goes to the relay; the handshake starts once
// the relay confirms the binding. Machines only fire driver calls while
// the manager mutex is held, so no locking here.
func (m *Manager) StartRelaySetup(dest netip.Addr, relayEP netip.AddrPort) {
	p, ok := m.peers[dest]
	if !ok {
		return
	}

	sid := m.engine.AllocateSessionID()
	p.relaySID = sid
	p.relayEndpoint = relayEP
	p.relayRequestedAt = m.clk.Now()
	m.relayEndpoints[relayEP] = struct{}{}

	frame := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameRelayRequest,
		SessionID: sid,
		Payload:   relay.EncodeRequest(m.LocalAddr(), dest),
	}
	if err := m.tr.Send(frame, relayEP); err != nil {
		p.relaySID = 0
		p.machine.OnRelayFailure(relayEP, false)
	}
}

func (m *Manager) handleHandshakeInit(frame *transport.Frame, from netip.AddrPort) error {
	if m.fwd != nil && m.fwd.HandleFrame(frame, from) {
		return nil
	}

	s, err := m.engine.HandleHandshakeInit(m.tr, frame, from)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "handleHandshakeInit",
			"from":     from,
			"error":    err,
		}).Debug("Handshake frame rejected")
		return nil
	}
	if s == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kind := session.PathDirect
	machineKind := path.KindDirect
	if _, viaRelay := m.relayEndpoints[from]; viaRelay {
		kind = session.PathRelayed
		machineKind = path.KindRelay
	}
	s.SetPath(kind, from, netip.Addr{})

	p := m.peerLocked(s.RemoteAddr())
	m.adoptLocked(p, s)
	p.machine.OnInboundSession(machineKind, from)
	return nil
}

func (m *Manager) handleHandshakeResp(frame *transport.Frame, from netip.AddrPort) error {
	if m.fwd != nil && m.fwd.HandleFrame(frame, from) {
		return nil
	}

	// Completion wakes the blocked Establish call, which adopts the
	// session; nothing more to do here.
	if _, err := m.engine.HandleHandshakeResp(m.tr, frame, from); err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "handleHandshakeResp",
			"from":     from,
			"error":    err,
		}).Debug("Handshake response rejected")
	}
	return nil
}

func (m *Manager) handleData(frame *transport.Frame, from netip.AddrPort) error {
	if m.fwd != nil && m.fwd.HandleFrame(frame, from) {
		return nil
	}

	s, ok := m.table.Get(frame.SessionID)
	if !ok {
		m.handleUnknownSession(frame.SessionID, from)
		return nil
	}

	payload, err := s.Decrypt(frame)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "handleData",
			"session":  frame.SessionID,
			"error":    err,
		}).Debug("Frame rejected")
		return nil
	}

	select {
	case m.recv <- Received{From: s.RemoteAddr(), Payload: payload}:
	default:
		m.logger.WithFields(logrus.Fields{
			"function": "handleData",
			"peer":     s.RemoteAddr(),
		}).Warn("Receive buffer full, payload dropped")
	}
	return nil
}

func (m *Manager) handleKeyRotate(frame *transport.Frame, from netip.AddrPort) error {
	if m.fwd != nil && m.fwd.HandleFrame(frame, from) {
		return nil
	}

	// The epoch bump in the header does the work; the frame only has to
	// authenticate.
	s, ok := m.table.Get(frame.SessionID)
	if !ok {
		return nil
	}
	if _, err := s.Decrypt(frame); err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "handleKeyRotate",
			"session":  frame.SessionID,
			"error":    err,
		}).Debug("Rotation frame rejected")
	}
	return nil
}

func (m *Manager) handleTeardown(frame *transport.Frame, from netip.AddrPort) error {
	if m.fwd != nil && m.fwd.HandleTeardown(frame, from) {
		return nil
	}

	s, ok := m.table.Get(frame.SessionID)
	if !ok {
		return nil
	}
	// Only an authenticated teardown may kill the session.
	if _, err := s.Decrypt(frame); err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active, wasActive := m.table.Active(s.RemoteAddr())
	m.dropSessionLocked(s)
	if wasActive && active == s {
		if p, ok := m.peers[s.RemoteAddr()]; ok {
			p.machine.OnSessionLost()
		}
	}

	m.logger.WithFields(logrus.Fields{
		"function": "handleTeardown",
		"session":  frame.SessionID,
		"peer":     s.RemoteAddr(),
	}).Debug("Session torn down by peer")
	return nil
}

// handleRelayRequest on a non-relay node is the opt-in notification
// path: a relay forwarded another peer's request naming this node, and
// answering with our own request completes the binding.
func (m *Manager) handleRelayRequest(frame *transport.Frame, from netip.AddrPort) error {
	if m.fwd != nil {
		return m.fwd.AcceptRelayRequest(frame, from)
	}

	src, dst, err := relay.DecodeRequest(frame.Payload)
	if err != nil {
		return err
	}
	if dst != m.LocalAddr() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	m.relayEndpoints[from] = struct{}{}
	p := m.peerLocked(src)
	p.machine.OnEndpointDiscovered(from, path.KindRelay)

	optIn := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameRelayRequest,
		SessionID: 0,
		Payload:   relay.EncodeRequest(m.LocalAddr(), src),
	}
	return m.tr.Send(optIn, from)
}

func (m *Manager) handleRelayAccept(frame *transport.Frame, from netip.AddrPort) error {
	status, _, dst, err := relay.DecodeStatus(frame.Payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	switch status {
	case relay.StatusOK:
		// Registration acks carry no session id and need no action.
		if frame.SessionID == 0 {
			return nil
		}
		p, ok := m.peers[dst]
		if !ok || p.relaySID != frame.SessionID {
			return nil
		}
		p.relaySID = 0
		m.startRelayedHandshake(dst, frame.SessionID, from)

	case relay.StatusPeerUnreachable:
		// Only a refused setup request counts against the relay; the
		// same answer to a standing registration just means the peer
		// has not shown up there yet.
		if frame.SessionID == 0 {
			return nil
		}
		if p, ok := m.peers[dst]; ok && p.relaySID == frame.SessionID {
			p.relaySID = 0
			p.machine.OnRelayFailure(from, false)
		}

	case relay.StatusQuotaExceeded:
		m.handleRelayQuotaLocked(dst, from)
	}
	return nil
}

// startRelayedHandshake launches the handshake through a confirmed
// relay binding. Caller holds the manager mutex.
func (m *Manager) startRelayedHandshake(dest netip.Addr, sid uint64, relayEP netip.AddrPort) {
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ProbeTimeout)
		defer cancel()

		s, err := m.engine.EstablishWithID(ctx, m.tr, sid, dest, relayEP, session.PathRelayed, netip.Addr{})

		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.peers[dest]
		if !ok || m.closed {
			if s != nil {
				s.Close()
			}
			return
		}
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "startRelayedHandshake",
				"dest":     dest,
				"relay":    relayEP,
				"error":    err,
			}).Debug("Relayed handshake failed")
			p.machine.OnRelayFailure(relayEP, false)
			return
		}
		m.adoptLocked(p, s)
		p.machine.OnRelayEstablished()
	}()
}

// handleRelayQuotaLocked reacts to a relay refusing further traffic:
// the binding is gone, so the session riding it is dropped and the
// machine fails over. OnRelayFailure covers the loss itself, picking
// an alternate relay or re-establishing from scratch, so no separate
// loss event is raised here.
func (m *Manager) handleRelayQuotaLocked(dest netip.Addr, relayEP netip.AddrPort) {
	p, ok := m.peers[dest]
	if !ok {
		return
	}

	if s, live := m.table.Active(dest); live && s.Kind() == session.PathRelayed && s.Endpoint() == relayEP {
		m.dropSessionLocked(s)
		p.machine.OnRelayFailure(relayEP, true)
		return
	}
	p.machine.OnRelayFailure(relayEP, false)
}

// adoptLocked installs a freshly minted session as the active one for
// its peer, drains a superseded session, and flushes queued payloads.
func (m *Manager) adoptLocked(p *peer, s *session.Session) {
	if superseded := m.table.Insert(s, true); superseded != nil && superseded != s {
		superseded.StartDraining(m.opts.DrainWindow)
	}

	for _, payload := range p.queue.drain() {
		if err := m.transmitLocked(s, payload); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "adoptLocked",
				"peer":     p.dest,
				"error":    err,
			}).Warn("Queued payload lost")
		}
	}
}

// dropSessionLocked removes a session from the table and remembers its
// id so late frames can still be attributed to the peer.
func (m *Manager) dropSessionLocked(s *session.Session) {
	m.recent.Add(s.ID(), s.RemoteAddr())
	m.table.Remove(s.ID())
	s.Close()
}

// handleUnknownSession reacts to a frame on a session id this node does
// not hold. When the id was torn down recently the peer evidently still
// uses it, so the path machine is told the session is gone; queued
// payloads prompt immediate re-establishment.
func (m *Manager) handleUnknownSession(sid uint64, from netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest, ok := m.recent.Get(sid)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"function": "handleUnknownSession",
			"session":  sid,
			"from":     from,
		}).Debug("Frame for unknown session dropped")
		return
	}

	p, ok := m.peers[dest]
	if !ok {
		return
	}
	p.machine.OnSessionLost()
	if p.queue.len() > 0 {
		p.machine.OnSendRequest()
	}
}

func (m *Manager) transmitLocked(s *session.Session, payload []byte) error {
	frame, err := s.Encrypt(transport.FrameData, payload)
	if err != nil {
		return err
	}
	return m.tr.Send(frame, s.Endpoint())
}

// sendTeardownLocked seals and sends a best effort teardown on s.
func (m *Manager) sendTeardownLocked(s *session.Session) {
	frame, err := s.Encrypt(transport.FrameTeardown, nil)
	if err != nil {
		return
	}
	_ = m.tr.Send(frame, s.Endpoint())
}

// peerLocked returns the peer entry for dest, creating it and its path
// state machine on first use.
func (m *Manager) peerLocked(dest netip.Addr) *peer {
	if p, ok := m.peers[dest]; ok {
		return p
	}
	p := &peer{
		dest: dest,
		machine: path.NewMachine(dest, m, path.Config{
			ProbeTimeout:    m.opts.ProbeTimeout,
			UpgradeInterval: m.opts.UpgradeInterval,
			FailureLimit:    m.opts.FailureLimit,
			FailedCooldown:  m.opts.FailedCooldown,
			Cost:            m.opts.RelayCost,
			Clock:           m.clk,
		}),
		queue: newSendQueue(m.opts.SendQueueDepth),
	}
	m.peers[dest] = p
	return p
}

func (m *Manager) tickLoop() {
	ticker := m.clk.Ticker(m.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.ctx.Done():
			return
		}
	}
}

// tick drives time based maintenance: path machine timers, unanswered
// relay setups, drained session teardown, idle eviction, scheduled key
// rotation, peer eviction, and stale handshake cleanup.
func (m *Manager) tick() {
	now := m.clk.Now()

	m.mu.Lock()
	for dest, p := range m.peers {
		p.machine.OnTick()

		if p.relaySID != 0 && now.Sub(p.relayRequestedAt) >= m.opts.ProbeTimeout {
			p.relaySID = 0
			p.machine.OnRelayFailure(p.relayEndpoint, false)
		}

		if !m.peerIdleLocked(p) {
			p.idleSince = time.Time{}
		} else if p.idleSince.IsZero() {
			p.idleSince = now
		} else if now.Sub(p.idleSince) >= m.opts.IdleTimeout {
			delete(m.peers, dest)
		}
	}

	for _, s := range m.table.All() {
		switch {
		case s.Draining() && s.DrainExpired():
			m.sendTeardownLocked(s)
			m.dropSessionLocked(s)

		case s.IdleFor(m.opts.IdleTimeout):
			active, wasActive := m.table.Active(s.RemoteAddr())
			m.sendTeardownLocked(s)
			m.dropSessionLocked(s)
			if wasActive && active == s {
				if p, ok := m.peers[s.RemoteAddr()]; ok {
					p.machine.OnIdleExpired()
				}
			}

		case !s.Draining() && s.EpochAge() >= m.opts.KeyRotateInterval:
			m.rotateSessionLocked(s)
		}
	}
	m.mu.Unlock()

	m.engine.SweepPending(2 * m.opts.ProbeTimeout)
}

// peerIdleLocked reports whether a peer entry holds no state worth
// keeping: no path, nothing queued, no setup in flight, and no session
// still referencing it.
func (m *Manager) peerIdleLocked(p *peer) bool {
	return p.machine.State() == path.StateNoPath &&
		p.queue.len() == 0 &&
		p.relaySID == 0 &&
		!m.table.HasPeer(p.dest)
}

// rotateSessionLocked advances the send key on schedule and tells the
// peer with a sealed rotation frame carrying the new epoch. A session
// whose epoch space is spent is torn down instead; the next send
// re-establishes.
func (m *Manager) rotateSessionLocked(s *session.Session) {
	if _, err := s.Rotate(); err != nil {
		m.sendTeardownLocked(s)
		active, wasActive := m.table.Active(s.RemoteAddr())
		m.dropSessionLocked(s)
		if wasActive && active == s {
			if p, ok := m.peers[s.RemoteAddr()]; ok {
				p.machine.OnSessionLost()
			}
		}
		return
	}

	frame, err := s.Encrypt(transport.FrameKeyRotate, nil)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "rotateSessionLocked",
			"session":  s.ID(),
			"error":    err,
		}).Debug("Rotation frame not sealed")
		return
	}
	if err := m.tr.Send(frame, s.Endpoint()); err != nil {
		m.logger.WithFields(logrus.Fields{
			"function": "rotateSessionLocked",
			"session":  s.ID(),
			"error":    err,
		}).Debug("Rotation frame not sent")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"function": "rotateSessionLocked",
		"session":  s.ID(),
		"epoch":    s.SendEpoch(),
	}).Debug("Send key rotated on schedule")
}
