// Package mesh6 manages encrypted connections between nodes of an IPv6
// overlay network. Nodes are addressed by IPv6 addresses derived from
// their public keys; the package establishes authenticated sessions to
// such addresses, forwards traffic through public relay nodes when no
// direct underlay path exists, and transparently upgrades relayed
// connections to direct ones as endpoints become reachable.
//
// The Manager type is the entry point. It ties together the handshake
// engine (session package), the per-destination path state machines
// (path package), and the relay forwarder (relay package) on top of a
// frame transport (transport package).
package mesh6
