// Package noise provides the Noise Protocol Framework handshake used to
// establish mesh6 sessions.
//
// The XX pattern is used because a node dials overlay addresses, not
// public keys: neither side needs the other's static key in advance.
// Both statics are exchanged and mutually authenticated during the
// handshake, after which the caller binds the authenticated remote key
// to the overlay address it intended to reach (see crypto.VerifyAddress).
//
// The handshake takes three messages:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// Handshake payloads carry the random session seeds both ends feed into
// the session key derivation; the second and third message payloads are
// encrypted by the pattern, so seeds never appear on the wire in clear.
package noise
