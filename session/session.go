package session

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mesh6/crypto"
	"github.com/opd-ai/mesh6/transport"
)

// PathKind describes how frames of a session reach the peer.
type PathKind uint8

const (
	// PathDirect means frames go straight to the peer's underlay endpoint.
	PathDirect PathKind = iota
	// PathRelayed means frames go through a public relay node.
	PathRelayed
)

// String returns a lower-case name for logging.
func (k PathKind) String() string {
	switch k {
	case PathDirect:
		return "direct"
	case PathRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// DefaultRotateAfterFrames is the per-epoch frame volume after which the
// send key is rotated automatically.
const DefaultRotateAfterFrames = 1 << 20

// Session holds the live cryptographic and sequencing state for one
// peer pair. All methods are safe for concurrent use; encrypts and
// decrypts on the same Session are serialized so sequence counters and
// replay windows never race.
type Session struct {
	id           uint64
	localAddr    netip.Addr
	remoteAddr   netip.Addr
	remoteStatic [32]byte

	mu          sync.Mutex
	kind        PathKind
	relayAddr   netip.Addr
	endpoint    netip.AddrPort
	keys        *crypto.SessionKeys
	sendEpoch   uint8
	recvEpoch   uint8
	prevRecvKey [32]byte
	hasPrevRecv bool
	sendSeq     uint64
	window      crypto.ReplayWindow
	prevWindow  crypto.ReplayWindow
	rotateAfter uint64

	// epochStarted is when the current send epoch began carrying
	// traffic; the owner rotates on a schedule based on it.
	epochStarted time.Time

	createdAt    time.Time
	lastActivity time.Time
	draining     bool
	drainUntil   time.Time

	clk clock.Clock
}

func newSession(id uint64, localAddr, remoteAddr netip.Addr, remoteStatic [32]byte, keys *crypto.SessionKeys, endpoint netip.AddrPort, rotateAfter uint64, clk clock.Clock) *Session {
	now := clk.Now()
	return &Session{
		id:           id,
		localAddr:    localAddr,
		remoteAddr:   remoteAddr,
		remoteStatic: remoteStatic,
		kind:         PathDirect,
		endpoint:     endpoint,
		keys:         keys,
		rotateAfter:  rotateAfter,
		epochStarted: now,
		createdAt:    now,
		lastActivity: now,
		clk:          clk,
	}
}

// ID returns the session id carried in every frame header.
func (s *Session) ID() uint64 { return s.id }

// LocalAddr returns the local overlay address.
func (s *Session) LocalAddr() netip.Addr { return s.localAddr }

// RemoteAddr returns the peer's overlay address.
func (s *Session) RemoteAddr() netip.Addr { return s.remoteAddr }

// RemoteStatic returns the peer's authenticated identity key.
func (s *Session) RemoteStatic() [32]byte { return s.remoteStatic }

// Kind returns the current path kind of the session.
func (s *Session) Kind() PathKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// RelayAddr returns the overlay address of the relay peer, valid only
// when Kind is PathRelayed.
func (s *Session) RelayAddr() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayAddr
}

// Endpoint returns the underlay endpoint frames are sent to: the peer
// itself on a direct path, the relay on a relayed one.
func (s *Session) Endpoint() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SetPath records how this session reaches the peer.
func (s *Session) SetPath(kind PathKind, endpoint netip.AddrPort, relayAddr netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = kind
	s.endpoint = endpoint
	s.relayAddr = relayAddr
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last successful encrypt or decrypt.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor reports whether the session has seen no activity for at least d.
func (s *Session) IdleFor(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Now().Sub(s.lastActivity) >= d
}

// Encrypt seals a payload into a frame of the given type, advancing the
// send sequence counter. It fails with ErrKeyExhausted when the counter
// would wrap or the epoch space is spent, and with ErrSessionDraining
// on a draining session. A teardown frame is the one thing a draining
// session may still seal.
func (s *Session) Encrypt(frameType transport.FrameType, plaintext []byte) (*transport.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining && frameType != transport.FrameTeardown {
		return nil, ErrSessionDraining
	}
	if s.sendSeq == math.MaxUint64 {
		return nil, ErrKeyExhausted
	}

	// Volume based rotation: advance the send epoch when the current
	// epoch has carried its share of frames.
	if s.rotateAfter > 0 && s.sendSeq > 0 && s.sendSeq%s.rotateAfter == 0 {
		if err := s.advanceSendEpochLocked(); err != nil {
			return nil, err
		}
	}

	s.sendSeq++
	frame := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      frameType,
		SessionID: s.id,
		Sequence:  s.sendSeq,
		KeyEpoch:  s.sendEpoch,
	}

	ciphertext, err := crypto.SealFrame(s.keys.Send, s.sendEpoch, s.sendSeq, frame.Header(), plaintext)
	if err != nil {
		return nil, err
	}
	frame.Payload = ciphertext

	s.lastActivity = s.clk.Now()
	return frame, nil
}

// Decrypt authenticates and opens a frame. A frame carrying the next
// key epoch causes the matching receive key to be derived before
// decryption; the previous epoch stays usable so frames still in flight
// across a rotation are not lost. Replays are rejected without touching
// receive state.
func (s *Session) Decrypt(frame *transport.Frame) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch frame.KeyEpoch {
	case s.recvEpoch:
		if !s.window.Check(frame.Sequence) {
			return nil, ErrReplayDetected
		}
		plaintext, err := crypto.OpenFrame(s.keys.Recv, frame.KeyEpoch, frame.Sequence, frame.Header(), frame.Payload)
		if err != nil {
			return nil, ErrAuthFailure
		}
		s.window.CheckAndUpdate(frame.Sequence)
		s.lastActivity = s.clk.Now()
		return plaintext, nil

	case s.recvEpoch + 1:
		// Peer rotated. Derive the candidate key but commit only after
		// the frame authenticates, so forged headers cannot advance our
		// receive chain.
		next, err := crypto.NextEpochKey(s.keys.Recv)
		if err != nil {
			return nil, err
		}
		plaintext, err := crypto.OpenFrame(next, frame.KeyEpoch, frame.Sequence, frame.Header(), frame.Payload)
		if err != nil {
			return nil, ErrAuthFailure
		}
		s.prevRecvKey = s.keys.Recv
		s.hasPrevRecv = true
		s.prevWindow = s.window
		s.keys.Recv = next
		s.recvEpoch = frame.KeyEpoch
		s.window.Reset()
		s.window.CheckAndUpdate(frame.Sequence)
		s.lastActivity = s.clk.Now()

		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"session":  s.id,
			"epoch":    s.recvEpoch,
		}).Debug("Receive key rotated to new epoch")
		return plaintext, nil

	case s.recvEpoch - 1:
		if !s.hasPrevRecv {
			return nil, ErrAuthFailure
		}
		if !s.prevWindow.Check(frame.Sequence) {
			return nil, ErrReplayDetected
		}
		plaintext, err := crypto.OpenFrame(s.prevRecvKey, frame.KeyEpoch, frame.Sequence, frame.Header(), frame.Payload)
		if err != nil {
			return nil, ErrAuthFailure
		}
		s.prevWindow.CheckAndUpdate(frame.Sequence)
		s.lastActivity = s.clk.Now()
		return plaintext, nil

	default:
		return nil, ErrAuthFailure
	}
}

// SendEpoch returns the current send key epoch.
func (s *Session) SendEpoch() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendEpoch
}

// EpochAge returns how long the current send epoch has been in use.
func (s *Session) EpochAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Now().Sub(s.epochStarted)
}

// Rotate advances the send key to the next epoch ahead of schedule.
// The receiver derives the matching key from the epoch byte of the next
// frame it accepts. Fails with ErrKeyExhausted once the epoch space is
// spent; the session must then be replaced by a fresh handshake.
func (s *Session) Rotate() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advanceSendEpochLocked(); err != nil {
		return 0, err
	}
	return s.sendEpoch, nil
}

func (s *Session) advanceSendEpochLocked() error {
	if s.sendEpoch == math.MaxUint8 {
		return ErrKeyExhausted
	}
	next, err := crypto.NextEpochKey(s.keys.Send)
	if err != nil {
		return err
	}
	crypto.ZeroBytes(s.keys.Send[:])
	s.keys.Send = next
	s.sendEpoch++
	s.epochStarted = s.clk.Now()
	return nil
}

// StartDraining stops the session from accepting new sends while
// leaving decryption of trailing in-flight frames working for the grace
// window.
func (s *Session) StartDraining(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return
	}
	s.draining = true
	s.drainUntil = s.clk.Now().Add(grace)

	logrus.WithFields(logrus.Fields{
		"function": "StartDraining",
		"session":  s.id,
		"peer":     s.remoteAddr,
		"grace":    grace,
	}).Debug("Session draining")
}

// Draining reports whether the session has stopped accepting new sends.
func (s *Session) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// DrainExpired reports whether the drain grace window has passed.
func (s *Session) DrainExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining && s.clk.Now().After(s.drainUntil)
}

// Close wipes the session key material.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		_ = crypto.WipeSessionKeys(s.keys)
	}
	crypto.ZeroBytes(s.prevRecvKey[:])
	s.hasPrevRecv = false
}
