// Package torrent drives a download: it owns the piece work queue,
// consumes tracker peer lists, fans sessions out across peers under a
// concurrency cap, and writes verified pieces into the output file.
package torrent

import (
	"github.com/seedless/leech/fileutils"
	"github.com/seedless/leech/peer"
)

// Partition breaks a torrent into per-piece download descriptors.
// Every piece has the metainfo piece length except possibly the last,
// which covers the remainder.
func Partition(t *fileutils.TorrentFile) []peer.PieceDescriptor {
	descs := make([]peer.PieceDescriptor, t.PieceCount())
	for i := range descs {
		descs[i] = peer.PieceDescriptor{
			Index:  i,
			Length: t.PieceSize(i),
			Hash:   t.PieceHash(i),
		}
	}
	return descs
}
