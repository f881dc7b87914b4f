package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, keys)

	assert.False(t, isZeroKey(keys.Public))
	assert.False(t, isZeroKey(keys.Private))
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(keys.Private)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, rebuilt.Public)
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestWipeKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(keys))
	assert.True(t, isZeroKey(keys.Private))
}
