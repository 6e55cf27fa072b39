package peer

import (
	"fmt"

	"github.com/willf/bitset"
)

// Bitfield tracks which pieces a peer claims to have. The wire format
// packs pieces most-significant-bit first within each byte.
type Bitfield struct {
	bits *bitset.BitSet
	n    int
}

// NewBitfield returns an empty bitfield over n pieces.
func NewBitfield(n int) *Bitfield {
	return &Bitfield{bits: bitset.New(uint(n)), n: n}
}

// BitfieldFromWire decodes a bitfield message payload for a torrent
// of n pieces. The payload must be exactly ceil(n/8) bytes.
func BitfieldFromWire(payload []byte, n int) (*Bitfield, error) {
	if len(payload) != (n+7)/8 {
		return nil, fmt.Errorf("bitfield of %d bytes for %d pieces, want %d", len(payload), n, (n+7)/8)
	}
	b := NewBitfield(n)
	for i := 0; i < n; i++ {
		if payload[i/8]>>(7-i%8)&1 != 0 {
			b.bits.Set(uint(i))
		}
	}
	return b, nil
}

// Has reports whether piece i is set.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits.Test(uint(i))
}

// Set marks piece i.
func (b *Bitfield) Set(i int) {
	if i >= 0 && i < b.n {
		b.bits.Set(uint(i))
	}
}

// Count returns the number of pieces set.
func (b *Bitfield) Count() int {
	return int(b.bits.Count())
}

// ToWire packs the bitfield into the message payload layout.
func (b *Bitfield) ToWire() []byte {
	payload := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.bits.Test(uint(i)) {
			payload[i/8] |= 1 << (7 - i%8)
		}
	}
	return payload
}
