package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCompact(t *testing.T) {
	blob := []byte{
		0x01, 0x02, 0x03, 0x04, 0x1a, 0xe1,
		0x05, 0x06, 0x07, 0x08, 0x1a, 0xe1,
	}
	addrs, err := ParseCompact(blob)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "1.2.3.4:6881", addrs[0].String())
	require.Equal(t, "5.6.7.8:6881", addrs[1].String())
}

func TestParseCompactEmpty(t *testing.T) {
	addrs, err := ParseCompact(nil)
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestParseCompactBadLength(t *testing.T) {
	_, err := ParseCompact(make([]byte, 7))
	require.Error(t, err)
}

func TestParseCompactDoesNotAliasInput(t *testing.T) {
	blob := []byte{10, 0, 0, 1, 0x1a, 0xe1}
	addrs, err := ParseCompact(blob)
	require.NoError(t, err)
	blob[0] = 99
	require.Equal(t, "10.0.0.1:6881", addrs[0].String())
}
