// Package crypto implements the cryptographic primitives for the mesh6
// overlay: identity key pairs, derivation of overlay IPv6 addresses from
// public keys, the per-session key schedule, authenticated frame
// encryption, and replay protection.
//
// Identity keys are Curve25519 key pairs generated through Go's x/crypto
// packages. A node's overlay address is a pure function of its public
// key, so possession of the matching private key is what authorizes a
// node to speak for an address.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := crypto.AddressFromPublicKey(keys.Public)
//	fmt.Println("Overlay address:", addr)
package crypto
