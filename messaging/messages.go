package messaging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID is the single-byte message id following the length prefix.
type ID uint8

// The closed set of wire message ids. Anything else is rejected.
const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case IDChoke:
		return "choke"
	case IDUnchoke:
		return "unchoke"
	case IDInterested:
		return "interested"
	case IDNotInterested:
		return "not interested"
	case IDHave:
		return "have"
	case IDBitfield:
		return "bitfield"
	case IDRequest:
		return "request"
	case IDPiece:
		return "piece"
	case IDCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// maxFrameSize bounds how much a single frame may ask us to buffer.
// The largest legitimate frame is a piece message (block + 9 bytes);
// bitfields for any realistic torrent are far smaller.
const maxFrameSize = 1 << 20

// ErrMalformed reports a frame that violates the wire format: unknown
// id, oversized length prefix, or a payload too short for its id.
var ErrMalformed = errors.New("messaging: malformed message")

// Message is a decoded non-keep-alive frame.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize renders the frame: 4-byte big-endian length prefix over
// the id byte plus payload.
func (m *Message) Serialize() []byte {
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Read decodes the next message from r. Keep-alive frames (length 0)
// are consumed and skipped; the first real message is returned.
func Read(r io.Reader) (*Message, error) {
	for {
		var prefix [4]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length == 0 {
			continue // keep-alive
		}
		if length > maxFrameSize {
			return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, length)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		id := ID(buf[0])
		if id > IDCancel {
			return nil, fmt.Errorf("%w: id %d", ErrMalformed, buf[0])
		}
		return &Message{ID: id, Payload: buf[1:]}, nil
	}
}

// KeepAlive returns the serialized keep-alive frame: a zero length
// prefix and nothing else.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// NewInterested builds an interested message.
func NewInterested() *Message {
	return &Message{ID: IDInterested}
}

// NewRequest builds a request for a block: length bytes of piece
// index starting at begin.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: IDRequest, Payload: payload}
}

// NewCancel builds a cancel for a previously requested block. Same
// payload layout as a request.
func NewCancel(index, begin, length int) *Message {
	m := NewRequest(index, begin, length)
	m.ID = IDCancel
	return m
}

// NewHave builds a have message for a completed piece.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: IDHave, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != IDHave {
		return 0, fmt.Errorf("%w: parsing %s as have", ErrMalformed, m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of %d bytes", ErrMalformed, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or
// cancel message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if m.ID != IDRequest && m.ID != IDCancel {
		return 0, 0, 0, fmt.Errorf("%w: parsing %s as request", ErrMalformed, m.ID)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload of %d bytes", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts (index, begin, block) from a piece message.
// The block aliases the message payload.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if m.ID != IDPiece {
		return 0, 0, nil, fmt.Errorf("%w: parsing %s as piece", ErrMalformed, m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload of %d bytes", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}
