// Package relay implements the forwarder that runs on public mesh6
// nodes, ferrying sealed frames between two private peers that cannot
// reach each other directly.
//
// The forwarder never holds session key material. A relay binding is
// pure routing linkage: two underlay legs, the session id the peers
// settled on, and byte counters for quota enforcement. Forwarding is a
// header-routed copy; payloads are neither decrypted nor inspected.
//
// A binding only forms after symmetric double opt-in: both private
// peers must ask for (or accept) relaying with the other through this
// node before a single frame is forwarded. One-sided requests park as
// pending halves and expire; they can never turn the node into an
// unsolicited open relay.
package relay
