// Package messaging implements the peer wire format: the fixed
// 68-byte handshake and the length-prefixed messages that follow it.
// All multi-byte fields are big-endian.
package messaging

import (
	"bytes"
	"fmt"
	"io"
)

// Protocol is the protocol string exchanged in the handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the total size of a handshake frame:
// 1 length byte + 19 protocol bytes + 8 reserved + 20 + 20.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Handshake carries the two identifying fields of a handshake frame.
// The reserved bytes are always sent as zero and ignored on receipt.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize renders the 68-byte handshake frame.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// 8 reserved bytes stay zero
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake frame. The protocol
// string must match exactly; the info-hash is returned for the caller
// to compare against its own.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	if buf[0] != byte(len(Protocol)) || !bytes.Equal(buf[1:1+len(Protocol)], []byte(Protocol)) {
		return nil, fmt.Errorf("%w: not a %q handshake", ErrMalformed, Protocol)
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+len(Protocol)+8:])
	copy(h.PeerID[:], buf[1+len(Protocol)+8+20:])
	return &h, nil
}
