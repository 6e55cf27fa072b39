package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedless/leech/fileutils"
)

// testTorrent builds a TorrentFile over deterministic content and
// returns both. Piece hashes are real so verification in fakes and
// sessions works.
func testTorrent(t *testing.T, length int64, pieceLength uint32) (*fileutils.TorrentFile, []byte) {
	t.Helper()
	content := make([]byte, length)
	for i := range content {
		content[i] = byte(i*31 + 7)
	}
	numPieces := int((length + int64(pieceLength) - 1) / int64(pieceLength))
	pieces := make([]byte, 0, numPieces*fileutils.HashSize)
	for i := 0; i < numPieces; i++ {
		start := int64(i) * int64(pieceLength)
		end := start + int64(pieceLength)
		if end > length {
			end = length
		}
		h := sha1.Sum(content[start:end])
		pieces = append(pieces, h[:]...)
	}
	return &fileutils.TorrentFile{
		Announce: "http://tracker.example/announce",
		Info: fileutils.TorrentInfo{
			Name:        "test",
			Length:      length,
			PieceLength: pieceLength,
			Pieces:      pieces,
		},
		InfoHash: sha1.Sum(pieces),
	}, content
}

func TestPartition(t *testing.T) {
	meta, content := testTorrent(t, 20, 16)
	descs := Partition(meta)
	require.Len(t, descs, 2)

	require.Equal(t, 0, descs[0].Index)
	require.Equal(t, 16, descs[0].Length)
	require.Equal(t, sha1.Sum(content[:16]), descs[0].Hash)

	require.Equal(t, 1, descs[1].Index)
	require.Equal(t, 4, descs[1].Length)
	require.Equal(t, sha1.Sum(content[16:]), descs[1].Hash)
}

func TestPartitionExactMultiple(t *testing.T) {
	meta, _ := testTorrent(t, 64, 16)
	descs := Partition(meta)
	require.Len(t, descs, 4)
	total := 0
	for i, d := range descs {
		require.Equal(t, i, d.Index)
		require.Equal(t, 16, d.Length)
		total += d.Length
	}
	require.Equal(t, int64(total), meta.Info.Length)
}

func TestPartitionLastPieceLaw(t *testing.T) {
	for _, tc := range []struct {
		length      int64
		pieceLength uint32
		last        int
	}{
		{length: 1, pieceLength: 16, last: 1},
		{length: 16, pieceLength: 16, last: 16},
		{length: 17, pieceLength: 16, last: 1},
		{length: 100, pieceLength: 32, last: 4},
	} {
		meta, _ := testTorrent(t, tc.length, tc.pieceLength)
		descs := Partition(meta)
		require.Equal(t, tc.last, descs[len(descs)-1].Length,
			"length %d piece %d", tc.length, tc.pieceLength)
		// ((L-1) mod P) + 1, the closed form of the same law.
		require.Equal(t, int((tc.length-1)%int64(tc.pieceLength))+1, descs[len(descs)-1].Length)
	}
}
