package session

import "errors"

var (
	// ErrHandshakeTimeout indicates no handshake response arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrHandshakeAuthFailure indicates the peer failed authentication,
	// including the case where the authenticated key does not own the
	// overlay address that was dialed.
	ErrHandshakeAuthFailure = errors.New("handshake authentication failed")
	// ErrVersionMismatch indicates the peer speaks a different protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrHandshakeCancelled indicates the probe was cancelled by its owner.
	ErrHandshakeCancelled = errors.New("handshake cancelled")

	// ErrReplayDetected indicates a frame whose sequence number was
	// already accepted, or fell behind the replay window.
	ErrReplayDetected = errors.New("replay detected")
	// ErrAuthFailure indicates a frame that failed payload authentication.
	ErrAuthFailure = errors.New("frame authentication failed")
	// ErrUnknownSession indicates a frame for a session id we do not hold.
	ErrUnknownSession = errors.New("unknown session")
	// ErrKeyExhausted indicates the send counter would wrap; the session
	// must be replaced by a fresh handshake.
	ErrKeyExhausted = errors.New("session key exhausted")
	// ErrSessionDraining indicates a send on a session that no longer
	// accepts new traffic.
	ErrSessionDraining = errors.New("session draining")
)
