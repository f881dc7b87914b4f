package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := [32]byte{0x42}
	header := []byte{0x01, 0x02, 0x03}
	plaintext := []byte("overlay payload")

	ciphertext, err := SealFrame(key, 0, 7, header, plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(plaintext)+TagSize)

	recovered, err := OpenFrame(key, 0, 7, header, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := [32]byte{0x42}
	header := []byte{0x01}

	ciphertext, err := SealFrame(key, 0, 1, header, []byte("payload"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = OpenFrame(key, 0, 1, header, ciphertext)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestOpenRejectsRewrittenHeader(t *testing.T) {
	key := [32]byte{0x42}

	ciphertext, err := SealFrame(key, 0, 1, []byte{0x01}, []byte("payload"))
	require.NoError(t, err)

	_, err = OpenFrame(key, 0, 1, []byte{0x02}, ciphertext)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestOpenRejectsWrongEpochOrSequence(t *testing.T) {
	key := [32]byte{0x42}
	header := []byte{0x01}

	ciphertext, err := SealFrame(key, 1, 5, header, []byte("payload"))
	require.NoError(t, err)

	_, err = OpenFrame(key, 2, 5, header, ciphertext)
	assert.ErrorIs(t, err, ErrAuthFailure, "epoch is part of the nonce")

	_, err = OpenFrame(key, 1, 6, header, ciphertext)
	assert.ErrorIs(t, err, ErrAuthFailure, "sequence is part of the nonce")
}

func TestSealDistinctCiphertextPerSequence(t *testing.T) {
	key := [32]byte{0x42}
	header := []byte{0x01}
	plaintext := []byte("same payload")

	c1, err := SealFrame(key, 0, 1, header, plaintext)
	require.NoError(t, err)
	c2, err := SealFrame(key, 0, 2, header, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, c1, c2)
}
