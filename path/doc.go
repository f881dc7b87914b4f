// Package path implements the per-destination path state machine of the
// mesh6 overlay.
//
// One Machine exists per overlay address the local node has ever tried
// to reach. It decides whether traffic flows directly, through a relay,
// or not at all, and drives opportunistic upgrades from a relayed path
// to a direct one without interrupting traffic: the relayed session
// keeps serving while a parallel direct probe runs, and a failed probe
// is invisible to the application.
//
// The machine is purely a decision component. Side effects (handshake
// probes, relay setup, teardown) are delegated to a Driver implemented
// by the connection manager, so transition logic stays synchronous and
// testable against a mock clock.
package path
