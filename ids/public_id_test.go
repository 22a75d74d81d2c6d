package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicIDRoundTrip(t *testing.T) {
	kx := make([]byte, KeySize)
	inv := make([]byte, KeySize)
	for i := 0; i < KeySize; i++ {
		kx[i] = byte(i)
		inv[i] = byte(255 - i)
	}

	id, err := EncodePublicID(kx, inv)
	require.NoError(t, err)
	outKx, outInv, err := DecodePublicID(id)
	require.NoError(t, err)
	require.Equal(t, kx, outKx)
	require.Equal(t, inv, outInv)
}

func TestPublicIDRejectsBadInput(t *testing.T) {
	kx := make([]byte, KeySize)
	inv := make([]byte, KeySize)

	_, err := EncodePublicID(kx[:16], inv)
	require.Error(t, err)
	_, err = EncodePublicID(kx, inv[:16])
	require.Error(t, err)

	id, err := EncodePublicID(kx, inv)
	require.NoError(t, err)

	// flip a character to break the checksum
	broken := []byte(id)
	if broken[0] == '2' {
		broken[0] = '3'
	} else {
		broken[0] = '2'
	}
	_, _, err = DecodePublicID(string(broken))
	require.Error(t, err)

	_, _, err = DecodePublicID("tooshort")
	require.Error(t, err)
	_, _, err = DecodePublicID("not!base58")
	require.Error(t, err)
}
