package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mesh6/crypto"
	"github.com/opd-ai/mesh6/noise"
	"github.com/opd-ai/mesh6/transport"
)

const sessionSeedSize = 32

// Engine performs authenticated key exchanges and mints Sessions. It
// owns the set of handshakes in flight; completed sessions are handed
// to the caller, who owns their lifetime from then on.
type Engine struct {
	identity  *crypto.KeyPair
	localAddr netip.Addr
	clk       clock.Clock
	logger    *logrus.Logger

	rotateAfter uint64

	mu      sync.Mutex
	pending map[uint64]*pendingHandshake
}

type establishResult struct {
	session *Session
	err     error
}

type pendingHandshake struct {
	hs        *noise.Handshake
	sid       uint64
	seed      [32]byte
	dest      netip.Addr // initiator only: the overlay address dialed
	endpoint  netip.AddrPort
	kind      PathKind
	relayAddr netip.Addr
	done      chan establishResult // initiator only
	createdAt time.Time
}

// NewEngine creates a handshake engine bound to a local identity. The
// local overlay address is derived from the identity's public key.
func NewEngine(identity *crypto.KeyPair, clk clock.Clock, logger *logrus.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		identity:    identity,
		localAddr:   crypto.AddressFromPublicKey(identity.Public),
		clk:         clk,
		logger:      logger,
		rotateAfter: DefaultRotateAfterFrames,
		pending:     make(map[uint64]*pendingHandshake),
	}
}

// SetRotateAfterFrames overrides the per-epoch frame volume that
// triggers automatic key rotation on sessions minted by this engine.
func (e *Engine) SetRotateAfterFrames(n uint64) {
	e.rotateAfter = n
}

// LocalAddr returns the local overlay address.
func (e *Engine) LocalAddr() netip.Addr { return e.localAddr }

// Establish dials dest through the given underlay endpoint and blocks
// until the handshake completes, the context is cancelled, or its
// deadline passes. The endpoint is the peer itself for a direct path or
// the relay for a relayed one. The returned session is confirmed: keys
// are derived and the peer's identity has been verified to own dest.
func (e *Engine) Establish(ctx context.Context, tr transport.Transport, dest netip.Addr, endpoint netip.AddrPort, kind PathKind, relayAddr netip.Addr) (*Session, error) {
	return e.EstablishWithID(ctx, tr, e.AllocateSessionID(), dest, endpoint, kind, relayAddr)
}

// AllocateSessionID reserves a fresh session id for a later
// EstablishWithID call. Used when the id must be announced before the
// handshake starts, as a relay setup request does.
func (e *Engine) AllocateSessionID() uint64 {
	return e.newSessionID()
}

// EstablishWithID is Establish with a caller-chosen session id, usually
// one returned by AllocateSessionID.
func (e *Engine) EstablishWithID(ctx context.Context, tr transport.Transport, sid uint64, dest netip.Addr, endpoint netip.AddrPort, kind PathKind, relayAddr netip.Addr) (*Session, error) {
	hs, err := noise.NewHandshake(e.identity, noise.Initiator)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake: %w", err)
	}

	p := &pendingHandshake{
		hs:        hs,
		sid:       sid,
		dest:      dest,
		endpoint:  endpoint,
		kind:      kind,
		relayAddr: relayAddr,
		done:      make(chan establishResult, 1),
		createdAt: e.clk.Now(),
	}
	if _, err := rand.Read(p.seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session seed: %w", err)
	}

	msg1, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	e.mu.Lock()
	e.pending[p.sid] = p
	e.mu.Unlock()

	frame := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameHandshakeInit,
		SessionID: p.sid,
		Payload:   msg1,
	}
	if err := tr.Send(frame, endpoint); err != nil {
		e.removePending(p.sid)
		return nil, fmt.Errorf("failed to send handshake init: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"function": "Establish",
		"session":  p.sid,
		"dest":     dest,
		"endpoint": endpoint,
		"path":     kind,
	}).Debug("Handshake initiated")

	select {
	case res := <-p.done:
		return res.session, res.err
	case <-ctx.Done():
		e.removePending(p.sid)
		if ctx.Err() == context.Canceled {
			return nil, ErrHandshakeCancelled
		}
		return nil, ErrHandshakeTimeout
	}
}

// Cancel aborts an in-flight handshake probe. Safe to call for ids that
// already completed or never existed.
func (e *Engine) Cancel(sid uint64) {
	e.mu.Lock()
	p, ok := e.pending[sid]
	if ok {
		delete(e.pending, sid)
	}
	e.mu.Unlock()

	if ok && p.done != nil {
		select {
		case p.done <- establishResult{err: ErrHandshakeCancelled}:
		default:
		}
	}
}

// HandleHandshakeInit processes a FrameHandshakeInit as the responder.
// The first initiator message creates a pending responder handshake and
// sends the response; the final initiator message completes it, and the
// minted session is returned with the path marked direct towards the
// frame's source. The caller re-marks the path when the frame arrived
// through a relay.
func (e *Engine) HandleHandshakeInit(tr transport.Transport, frame *transport.Frame, from netip.AddrPort) (*Session, error) {
	e.mu.Lock()
	p, exists := e.pending[frame.SessionID]
	e.mu.Unlock()

	if exists && p.done == nil {
		return e.completeResponder(p, frame, from)
	}
	if exists {
		// An id we are dialing ourselves: drop rather than let a
		// reflected frame confuse the initiator state machine.
		return nil, nil
	}
	return nil, e.startResponder(tr, frame, from)
}

// startResponder handles the first initiator message.
func (e *Engine) startResponder(tr transport.Transport, frame *transport.Frame, from netip.AddrPort) error {
	hs, err := noise.NewHandshake(e.identity, noise.Responder)
	if err != nil {
		return fmt.Errorf("failed to create responder handshake: %w", err)
	}
	if _, _, err := hs.ReadMessage(frame.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	p := &pendingHandshake{
		hs:        hs,
		sid:       frame.SessionID,
		endpoint:  from,
		createdAt: e.clk.Now(),
	}
	if _, err := rand.Read(p.seed[:]); err != nil {
		return fmt.Errorf("failed to generate session seed: %w", err)
	}

	msg2, _, err := hs.WriteMessage(p.seed[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	e.mu.Lock()
	e.pending[p.sid] = p
	e.mu.Unlock()

	resp := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameHandshakeResp,
		SessionID: p.sid,
		Payload:   msg2,
	}
	if err := tr.Send(resp, from); err != nil {
		e.removePending(p.sid)
		return fmt.Errorf("failed to send handshake response: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"function": "startResponder",
		"session":  p.sid,
		"from":     from,
	}).Debug("Handshake response sent")
	return nil
}

// completeResponder handles the final initiator message.
func (e *Engine) completeResponder(p *pendingHandshake, frame *transport.Frame, from netip.AddrPort) (*Session, error) {
	initSeed, complete, err := p.hs.ReadMessage(frame.Payload)
	if err != nil || !complete {
		e.removePending(p.sid)
		return nil, fmt.Errorf("%w: final handshake message rejected", ErrHandshakeAuthFailure)
	}
	if len(initSeed) != sessionSeedSize {
		e.removePending(p.sid)
		return nil, fmt.Errorf("%w: malformed session seed", ErrHandshakeAuthFailure)
	}

	session, err := e.mintSession(p, initSeed, p.seed[:], false, from)
	e.removePending(p.sid)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"function": "completeResponder",
		"session":  session.ID(),
		"peer":     session.RemoteAddr(),
	}).Info("Session established as responder")
	return session, nil
}

// HandleHandshakeResp processes a FrameHandshakeResp as the initiator,
// sending the final message and completing the pending Establish call.
// The returned session is also delivered to the blocked Establish.
func (e *Engine) HandleHandshakeResp(tr transport.Transport, frame *transport.Frame, from netip.AddrPort) (*Session, error) {
	e.mu.Lock()
	p, exists := e.pending[frame.SessionID]
	e.mu.Unlock()
	if !exists || p.done == nil {
		return nil, ErrUnknownSession
	}

	session, err := e.completeInitiator(tr, p, frame)
	if err != nil {
		e.removePending(p.sid)
		p.done <- establishResult{err: err}
		return nil, err
	}

	e.removePending(p.sid)
	p.done <- establishResult{session: session}

	e.logger.WithFields(logrus.Fields{
		"function": "HandleHandshakeResp",
		"session":  session.ID(),
		"peer":     session.RemoteAddr(),
		"path":     session.Kind(),
	}).Info("Session established as initiator")
	return session, nil
}

func (e *Engine) completeInitiator(tr transport.Transport, p *pendingHandshake, frame *transport.Frame) (*Session, error) {
	respSeed, _, err := p.hs.ReadMessage(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	if len(respSeed) != sessionSeedSize {
		return nil, fmt.Errorf("%w: malformed session seed", ErrHandshakeAuthFailure)
	}

	msg3, complete, err := p.hs.WriteMessage(p.seed[:])
	if err != nil || !complete {
		return nil, fmt.Errorf("%w: could not finalize handshake", ErrHandshakeAuthFailure)
	}

	// The remote static is authenticated by the pattern; what remains is
	// binding it to the overlay address we dialed.
	remoteStatic, err := p.hs.RemoteStaticKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	if !crypto.VerifyAddress(p.dest, remoteStatic) {
		return nil, fmt.Errorf("%w: peer does not own %s", ErrHandshakeAuthFailure, p.dest)
	}

	final := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameHandshakeInit,
		SessionID: p.sid,
		Payload:   msg3,
	}
	if err := tr.Send(final, p.endpoint); err != nil {
		return nil, fmt.Errorf("failed to send final handshake message: %w", err)
	}

	return e.mintSession(p, p.seed[:], respSeed, true, p.endpoint)
}

// mintSession derives directional keys and builds the Session.
func (e *Engine) mintSession(p *pendingHandshake, initSeed, respSeed []byte, initiator bool, endpoint netip.AddrPort) (*Session, error) {
	binding, err := p.hs.ChannelBinding()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	remoteStatic, err := p.hs.RemoteStaticKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	var iSeed, rSeed [32]byte
	copy(iSeed[:], initSeed)
	copy(rSeed[:], respSeed)
	keys, err := crypto.DeriveSessionKeys(iSeed, rSeed, binding, initiator)
	crypto.ZeroBytes(iSeed[:])
	crypto.ZeroBytes(rSeed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive session keys: %w", err)
	}

	remoteAddr := crypto.AddressFromPublicKey(remoteStatic)
	s := newSession(p.sid, e.localAddr, remoteAddr, remoteStatic, keys, endpoint, e.rotateAfter, e.clk)
	if initiator {
		s.SetPath(p.kind, endpoint, p.relayAddr)
	}
	return s, nil
}

// SweepPending drops handshakes that have been in flight longer than
// maxAge, waking their initiators with ErrHandshakeTimeout.
func (e *Engine) SweepPending(maxAge time.Duration) {
	now := e.clk.Now()

	e.mu.Lock()
	var expired []*pendingHandshake
	for sid, p := range e.pending {
		if now.Sub(p.createdAt) >= maxAge {
			delete(e.pending, sid)
			expired = append(expired, p)
		}
	}
	e.mu.Unlock()

	for _, p := range expired {
		if p.done != nil {
			select {
			case p.done <- establishResult{err: ErrHandshakeTimeout}:
			default:
			}
		}
	}
}

// PendingCount returns the number of handshakes in flight.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) removePending(sid uint64) {
	e.mu.Lock()
	delete(e.pending, sid)
	e.mu.Unlock()
}

// newSessionID picks a random session id not colliding with a pending
// handshake.
func (e *Engine) newSessionID() uint64 {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		sid := binary.BigEndian.Uint64(buf[:])
		if sid == 0 {
			continue
		}
		e.mu.Lock()
		_, taken := e.pending[sid]
		e.mu.Unlock()
		if !taken {
			return sid
		}
	}
}
