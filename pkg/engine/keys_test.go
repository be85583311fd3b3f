package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64KeyRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 1<<32 - 1, 1 << 40} {
		require.Equal(t, v, DecodeUint64Key(EncodeUint64Key(v, 8)))
	}
}

func TestUint64KeyOrderMatchesByteOrder(t *testing.T) {
	values := []uint64{0, 1, 2, 255, 256, 1000, 1 << 16, 1 << 31, 1<<40 + 7}
	for i := 1; i < len(values); i++ {
		a := EncodeUint64Key(values[i-1], 8)
		b := EncodeUint64Key(values[i], 8)
		require.Negative(t, bytes.Compare(a, b), "%d should sort before %d", values[i-1], values[i])
	}
}

func TestNarrowKeysRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 200, 65535} {
		key := EncodeUint64Key(v, 4)
		require.Len(t, key, 4)
		require.Equal(t, v, DecodeUint64Key(key))
	}
}

func TestWideKeysPadWithLeadingZeros(t *testing.T) {
	key := EncodeUint64Key(7, 16)
	require.Len(t, key, 16)
	require.Equal(t, uint64(7), DecodeUint64Key(key))
	require.Equal(t, make([]byte, 8), key[:8])
}
