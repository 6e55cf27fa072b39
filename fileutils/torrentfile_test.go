package fileutils

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedless/leech/bencode"
)

// testMetainfo builds a canonical single-file metainfo blob with the
// given dimensions and synthetic piece hashes.
func testMetainfo(t *testing.T, name string, length int64, pieceLength uint32) []byte {
	t.Helper()
	numPieces := int((length + int64(pieceLength) - 1) / int64(pieceLength))
	pieces := make([]byte, 0, numPieces*HashSize)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://tracker.example/announce"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String(name),
			"length":       bencode.Integer(length),
			"piece length": bencode.Integer(int64(pieceLength)),
			"pieces":       bencode.Bytes(pieces),
		}),
	}))
}

func TestLoad(t *testing.T) {
	data := testMetainfo(t, "debian.iso", 100, 32)
	tf, err := Load(data)
	require.NoError(t, err)
	require.Equal(t, "http://tracker.example/announce", tf.Announce)
	require.Equal(t, "debian.iso", tf.Info.Name)
	require.Equal(t, int64(100), tf.Info.Length)
	require.Equal(t, uint32(32), tf.Info.PieceLength)
	require.Equal(t, 4, tf.PieceCount())
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.torrent")
	require.NoError(t, os.WriteFile(path, testMetainfo(t, "x", 20, 16), 0644))
	tf, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "x", tf.Info.Name)
}

// TestInfoHashStability checks the identifier is the SHA-1 over the
// bencoded info dictionary exactly as it appears in the file.
func TestInfoHashStability(t *testing.T) {
	data := testMetainfo(t, "x", 20, 16)
	tf, err := Load(data)
	require.NoError(t, err)

	start := bytes.Index(data, []byte("4:infod"))
	require.GreaterOrEqual(t, start, 0)
	infoBytes := data[start+len("4:info") : len(data)-1] // strip outer dict 'e'
	require.Equal(t, sha1.Sum(infoBytes), tf.InfoHash)
}

func TestInfoHashIgnoresForeignKeys(t *testing.T) {
	// Keys outside the info dictionary must not change the identity.
	base := testMetainfo(t, "x", 20, 16)
	tf1, err := Load(base)
	require.NoError(t, err)

	root, err := bencode.Parse(base)
	require.NoError(t, err)
	root.Dict["comment"] = bencode.String("added later")
	tf2, err := Load(bencode.Encode(root))
	require.NoError(t, err)
	require.Equal(t, tf1.InfoHash, tf2.InfoHash)
}

func TestPieceSizeLaw(t *testing.T) {
	// length 20, piece length 16: pieces of 16 and 4.
	tf, err := Load(testMetainfo(t, "x", 20, 16))
	require.NoError(t, err)
	require.Equal(t, 2, tf.PieceCount())
	require.Equal(t, 16, tf.PieceSize(0))
	require.Equal(t, 4, tf.PieceSize(1))

	// Exact multiple: the last piece is full-sized.
	tf, err = Load(testMetainfo(t, "x", 64, 16))
	require.NoError(t, err)
	require.Equal(t, 4, tf.PieceCount())
	require.Equal(t, 16, tf.PieceSize(3))

	total := 0
	for i := 0; i < tf.PieceCount(); i++ {
		total += tf.PieceSize(i)
	}
	require.Equal(t, int64(total), tf.Info.Length)
}

func TestPieceHash(t *testing.T) {
	tf, err := Load(testMetainfo(t, "x", 20, 16))
	require.NoError(t, err)
	require.Equal(t, sha1.Sum([]byte{0}), tf.PieceHash(0))
	require.Equal(t, sha1.Sum([]byte{1}), tf.PieceHash(1))
}

func TestLoadRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not bencode":    []byte("garbage"),
		"not a dict":     []byte("i42e"),
		"missing info":   bencode.Encode(bencode.Dict(map[string]bencode.Value{"announce": bencode.String("http://t")})),
		"wrong type": bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"announce": bencode.String("http://t"),
			"info":     bencode.Dict(map[string]bencode.Value{"name": bencode.Integer(3)}),
		})),
		"pieces not multiple of 20": bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"announce": bencode.String("http://t"),
			"info": bencode.Dict(map[string]bencode.Value{
				"name":         bencode.String("x"),
				"length":       bencode.Integer(20),
				"piece length": bencode.Integer(16),
				"pieces":       bencode.Bytes(make([]byte, 19)),
			}),
		})),
		"hash count mismatch": bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"announce": bencode.String("http://t"),
			"info": bencode.Dict(map[string]bencode.Value{
				"name":         bencode.String("x"),
				"length":       bencode.Integer(20),
				"piece length": bencode.Integer(16),
				"pieces":       bencode.Bytes(make([]byte, 3*HashSize)),
			}),
		})),
	}
	for name, data := range cases {
		_, err := Load(data)
		require.ErrorIs(t, err, ErrInvalidMetainfo, name)
	}
}
