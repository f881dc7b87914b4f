package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings binding derived keys to their direction. The
// initiator sends on the i2r key and receives on the r2i key; the
// responder holds the mirror image.
const (
	keyInfoInitiatorToResponder = "mesh6/v1/session/i2r"
	keyInfoResponderToInitiator = "mesh6/v1/session/r2i"
	keyInfoEpochRotation        = "mesh6/v1/session/rotate"
)

// SessionKeys holds the directional symmetric keys of one session as
// seen from one endpoint.
type SessionKeys struct {
	Send [32]byte
	Recv [32]byte
}

// DeriveSessionKeys produces the directional session keys from the two
// random seeds exchanged inside the handshake payloads, bound to the
// handshake transcript via the channel binding hash. Both endpoints
// call this with the same seeds and transcript and obtain mirrored
// send/receive keys.
func DeriveSessionKeys(initiatorSeed, responderSeed [32]byte, channelBinding []byte, initiator bool) (*SessionKeys, error) {
	secret := make([]byte, 0, 64)
	secret = append(secret, initiatorSeed[:]...)
	secret = append(secret, responderSeed[:]...)
	defer ZeroBytes(secret)

	i2r, err := expandKey(secret, channelBinding, keyInfoInitiatorToResponder)
	if err != nil {
		return nil, fmt.Errorf("failed to derive i2r key: %w", err)
	}
	r2i, err := expandKey(secret, channelBinding, keyInfoResponderToInitiator)
	if err != nil {
		return nil, fmt.Errorf("failed to derive r2i key: %w", err)
	}

	keys := &SessionKeys{}
	if initiator {
		keys.Send, keys.Recv = i2r, r2i
	} else {
		keys.Send, keys.Recv = r2i, i2r
	}

	return keys, nil
}

// NextEpochKey derives the key for the following epoch from the current
// one. The derivation is one-way: compromise of a later epoch key does
// not reveal earlier traffic.
func NextEpochKey(current [32]byte) ([32]byte, error) {
	return expandKey(current[:], nil, keyInfoEpochRotation)
}

func expandKey(secret, salt []byte, info string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}
