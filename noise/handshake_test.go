package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mesh6/crypto"
)

func newTestPair(t *testing.T) (*Handshake, *Handshake, *crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()

	initKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	respKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	initiator, err := NewHandshake(initKeys, Initiator)
	require.NoError(t, err)
	responder, err := NewHandshake(respKeys, Responder)
	require.NoError(t, err)

	return initiator, responder, initKeys, respKeys
}

// runHandshake drives a full three message exchange and returns the
// payloads carried in messages two and three.
func runHandshake(t *testing.T, initiator, responder *Handshake, respPayload, initPayload []byte) ([]byte, []byte) {
	t.Helper()

	msg1, complete, err := initiator.WriteMessage(nil)
	require.NoError(t, err)
	require.False(t, complete)

	_, complete, err = responder.ReadMessage(msg1)
	require.NoError(t, err)
	require.False(t, complete)

	msg2, complete, err := responder.WriteMessage(respPayload)
	require.NoError(t, err)
	require.False(t, complete)

	gotRespPayload, complete, err := initiator.ReadMessage(msg2)
	require.NoError(t, err)
	require.False(t, complete)

	msg3, complete, err := initiator.WriteMessage(initPayload)
	require.NoError(t, err)
	require.True(t, complete, "initiator completes on writing message three")

	gotInitPayload, complete, err := responder.ReadMessage(msg3)
	require.NoError(t, err)
	require.True(t, complete, "responder completes on reading message three")

	return gotRespPayload, gotInitPayload
}

func TestHandshakeCompletes(t *testing.T) {
	initiator, responder, initKeys, respKeys := newTestPair(t)

	respSeed := []byte("responder seed, 32 bytes of data")
	initSeed := []byte("initiator seed, 32 bytes of data")
	gotResp, gotInit := runHandshake(t, initiator, responder, respSeed, initSeed)

	assert.Equal(t, respSeed, gotResp)
	assert.Equal(t, initSeed, gotInit)

	// Both ends learned the other's authenticated static key.
	remoteAtInit, err := initiator.RemoteStaticKey()
	require.NoError(t, err)
	assert.Equal(t, respKeys.Public, remoteAtInit)

	remoteAtResp, err := responder.RemoteStaticKey()
	require.NoError(t, err)
	assert.Equal(t, initKeys.Public, remoteAtResp)
}

func TestHandshakeChannelBindingMatches(t *testing.T) {
	initiator, responder, _, _ := newTestPair(t)
	runHandshake(t, initiator, responder, nil, nil)

	initBinding, err := initiator.ChannelBinding()
	require.NoError(t, err)
	respBinding, err := responder.ChannelBinding()
	require.NoError(t, err)

	assert.Equal(t, initBinding, respBinding)
	assert.NotEmpty(t, initBinding)
}

func TestHandshakeChannelBindingBeforeComplete(t *testing.T) {
	initiator, _, _, _ := newTestPair(t)

	_, err := initiator.ChannelBinding()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestHandshakeRejectsCorruptedMessage(t *testing.T) {
	initiator, responder, _, _ := newTestPair(t)

	msg1, _, err := initiator.WriteMessage(nil)
	require.NoError(t, err)
	_, _, err = responder.ReadMessage(msg1)
	require.NoError(t, err)

	msg2, _, err := responder.WriteMessage([]byte("seed"))
	require.NoError(t, err)

	msg2[len(msg2)-1] ^= 0xff
	_, _, err = initiator.ReadMessage(msg2)
	assert.Error(t, err, "tampered handshake message must not verify")
}

func TestHandshakeWriteAfterComplete(t *testing.T) {
	initiator, responder, _, _ := newTestPair(t)
	runHandshake(t, initiator, responder, nil, nil)

	_, _, err := initiator.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrHandshakeComplete)
	_, _, err = responder.ReadMessage([]byte("late"))
	assert.ErrorIs(t, err, ErrHandshakeComplete)
}

func TestNewHandshakeRequiresIdentity(t *testing.T) {
	_, err := NewHandshake(nil, Initiator)
	assert.Error(t, err)
}
