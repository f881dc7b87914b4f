package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/mesh6/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

// Handshake implements the Noise XX pattern for mutual authentication
// without prior key knowledge. Message and payload framing above it is
// owned by the session engine; this type only processes raw handshake
// messages.
type Handshake struct {
	role        HandshakeRole
	state       *noise.HandshakeState
	complete    bool
	localPubKey []byte
}

// NewHandshake creates a new XX pattern handshake from our long-term
// identity key pair.
func NewHandshake(identity *crypto.KeyPair, role HandshakeRole) (*Handshake, error) {
	if identity == nil {
		return nil, errors.New("identity key pair required")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, identity.Private[:])
	copy(staticKey.Public, identity.Public[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &Handshake{
		role:        role,
		state:       hs,
		localPubKey: staticKey.Public,
	}, nil
}

// WriteMessage produces the next outgoing handshake message carrying
// the given payload. Returns the message, whether the handshake is now
// complete on our side, and any error.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if h.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, send, recv, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("handshake write failed: %w", err)
	}

	if send != nil && recv != nil {
		h.complete = true
		return message, true, nil
	}

	return message, false, nil
}

// ReadMessage consumes an incoming handshake message and returns the
// peer's payload, whether the handshake is now complete on our side,
// and any error. A failed read means the message was forged, replayed
// against the wrong state, or corrupted; the handshake is unusable
// afterwards.
func (h *Handshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if h.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, send, recv, err := h.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("handshake read failed: %w", err)
	}

	if send != nil && recv != nil {
		h.complete = true
		return payload, true, nil
	}

	return payload, false, nil
}

// IsComplete returns whether the handshake has finished on our side.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// Role returns the handshake role.
func (h *Handshake) Role() HandshakeRole {
	return h.role
}

// RemoteStaticKey returns the peer's authenticated static public key.
// For the initiator it is available after reading the second message;
// for the responder after reading the third.
func (h *Handshake) RemoteStaticKey() ([32]byte, error) {
	var key [32]byte
	peer := h.state.PeerStatic()
	if len(peer) != 32 {
		return key, ErrHandshakeNotComplete
	}
	copy(key[:], peer)
	return key, nil
}

// LocalStaticKey returns our static public key.
func (h *Handshake) LocalStaticKey() [32]byte {
	var key [32]byte
	copy(key[:], h.localPubKey)
	return key
}

// ChannelBinding returns the handshake transcript hash. Both sides see
// the same value once the handshake completes; it salts the session key
// derivation so keys are bound to this particular handshake.
func (h *Handshake) ChannelBinding() ([]byte, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}
	binding := h.state.ChannelBinding()
	out := make([]byte, len(binding))
	copy(out, binding)
	return out, nil
}
