package crypto

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressFromPublicKeyVector(t *testing.T) {
	// Known-answer vector from the yggdrasil address derivation.
	key := [32]byte{
		189, 186, 207, 216, 34, 64, 222, 61, 205, 18, 57, 36, 203, 181,
		82, 86, 251, 141, 171, 8, 170, 152, 227, 5, 82, 138, 184, 79,
		65, 158, 110, 25,
	}
	expected := netip.AddrFrom16([16]byte{
		2, 0, 132, 138, 96, 79, 187, 126, 67, 132, 101, 219, 141, 182,
		104, 149,
	})

	assert.Equal(t, expected, AddressFromPublicKey(key))
}

func TestAddressDerivationDeterministic(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	addr1 := AddressFromPublicKey(keys.Public)
	addr2 := AddressFromPublicKey(keys.Public)

	assert.Equal(t, addr1, addr2)
	assert.True(t, IsOverlayAddress(addr1))
	assert.True(t, VerifyAddress(addr1, keys.Public))
}

func TestVerifyAddressRejectsForeignKey(t *testing.T) {
	keysA, err := GenerateKeyPair()
	require.NoError(t, err)
	keysB, err := GenerateKeyPair()
	require.NoError(t, err)

	addrA := AddressFromPublicKey(keysA.Public)
	assert.False(t, VerifyAddress(addrA, keysB.Public))
}

func TestIsOverlayAddress(t *testing.T) {
	assert.False(t, IsOverlayAddress(netip.MustParseAddr("10.0.0.1")))
	assert.False(t, IsOverlayAddress(netip.MustParseAddr("fe80::1")))
	assert.True(t, IsOverlayAddress(netip.MustParseAddr("200::1")))
}
