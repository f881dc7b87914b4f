// Package session implements the cryptographic session layer of the
// mesh6 overlay: per-peer-pair symmetric key state, authenticated frame
// encryption with replay protection, in-band key rotation, and the
// handshake engine that establishes sessions over any underlay path.
//
// A Session is the unit of cryptographic state between exactly two
// overlay addresses. All operations on one Session are serialized
// internally; operations on different Sessions proceed independently.
// Relays never see Session key material: only sealed frames cross a
// relay, and the frame header they route on is bound into the payload
// authentication tag.
package session
