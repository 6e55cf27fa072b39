// Package fileutils loads single-file torrent metainfo from disk and
// computes the identifiers derived from it.
package fileutils

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/seedless/leech/bencode"
)

// HashSize is the size of a SHA-1 digest; piece hashes and the
// info-hash are both this long.
const HashSize = 20

// ErrInvalidMetainfo reports a torrent file whose bencode parses but
// whose schema does not match a single-file torrent.
var ErrInvalidMetainfo = errors.New("fileutils: invalid metainfo")

// TorrentInfo is the decoded info dictionary.
// Only single-file content is supported.
type TorrentInfo struct {
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	PieceLength uint32 `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
}

// TorrentFile is a decoded metainfo file together with the SHA-1 of
// its bencoded info dictionary, the identifier trackers and peers
// key on.
type TorrentFile struct {
	Announce string
	Info     TorrentInfo
	InfoHash [HashSize]byte
}

// Open reads and decodes the torrent file at path.
func Open(path string) (*TorrentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading torrent file: %w", err)
	}
	return Load(data)
}

// Load decodes torrent metainfo bytes. The info-hash is computed over
// the canonical re-encoding of the info dictionary, which reproduces
// the on-disk bytes for any conforming torrent.
func Load(data []byte) (*TorrentFile, error) {
	root, err := bencode.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetainfo, err)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top-level value is a %s, want dictionary", ErrInvalidMetainfo, root.Kind)
	}
	infoValue, ok := root.Dict["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetainfo)
	}

	var meta struct {
		Announce string      `bencode:"announce"`
		Info     TorrentInfo `bencode:"info"`
	}
	if err := bencode.FromValue(root, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetainfo, err)
	}

	t := &TorrentFile{
		Announce: meta.Announce,
		Info:     meta.Info,
		InfoHash: sha1.Sum(bencode.Encode(infoValue)),
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TorrentFile) validate() error {
	switch {
	case t.Announce == "":
		return fmt.Errorf("%w: missing announce URL", ErrInvalidMetainfo)
	case t.Info.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidMetainfo)
	case t.Info.Length <= 0:
		return fmt.Errorf("%w: non-positive length %d", ErrInvalidMetainfo, t.Info.Length)
	case t.Info.PieceLength == 0:
		return fmt.Errorf("%w: zero piece length", ErrInvalidMetainfo)
	case len(t.Info.Pieces) == 0 || len(t.Info.Pieces)%HashSize != 0:
		return fmt.Errorf("%w: pieces blob of %d bytes is not a multiple of %d", ErrInvalidMetainfo, len(t.Info.Pieces), HashSize)
	}
	if got, want := t.PieceCount(), pieceCountFor(t.Info.Length, t.Info.PieceLength); got != want {
		return fmt.Errorf("%w: %d piece hashes for a %d byte torrent with %d byte pieces, want %d",
			ErrInvalidMetainfo, got, t.Info.Length, t.Info.PieceLength, want)
	}
	return nil
}

func pieceCountFor(length int64, pieceLength uint32) int {
	return int((length + int64(pieceLength) - 1) / int64(pieceLength))
}

// PieceCount returns the number of pieces in the torrent.
func (t *TorrentFile) PieceCount() int {
	return len(t.Info.Pieces) / HashSize
}

// PieceHash returns the published SHA-1 for piece i.
func (t *TorrentFile) PieceHash(i int) [HashSize]byte {
	var h [HashSize]byte
	copy(h[:], t.Info.Pieces[i*HashSize:])
	return h
}

// PieceSize returns the byte length of piece i: the piece length for
// every piece but the last, which covers only the remainder.
func (t *TorrentFile) PieceSize(i int) int {
	if i == t.PieceCount()-1 {
		if rem := t.Info.Length % int64(t.Info.PieceLength); rem != 0 {
			return int(rem)
		}
	}
	return int(t.Info.PieceLength)
}
