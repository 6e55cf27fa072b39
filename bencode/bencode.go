// Package bencode implements the bencoding format used by the
// BitTorrent protocol: metainfo files, tracker responses and the
// info-hash all flow through it. Encoding is canonical (dictionary
// keys sorted bytewise), so re-encoding a decoded value reproduces
// the exact byte stream the info-hash was computed over.
package bencode

import (
	"errors"
	"fmt"
	"sort"
)

// Kind discriminates the four bencoded value shapes.
type Kind uint8

const (
	// KindBytes is a length-prefixed byte string. It is not required
	// to be valid UTF-8; piece hashes and compact peer lists use it
	// as a raw byte carrier.
	KindBytes Kind = iota + 1
	// KindInt is a signed 64-bit integer.
	KindInt
	// KindList is an ordered sequence of values.
	KindList
	// KindDict maps byte-string keys to values.
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindInt:
		return "integer"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	}
	return "invalid"
}

// Value is a single bencoded term. Exactly one of the payload fields
// is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bytes []byte
	Int   int64
	List  []Value
	Dict  map[string]Value
}

// Bytes returns a byte-string value.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// String returns a byte-string value from a Go string.
func String(s string) Value { return Value{Kind: KindBytes, Bytes: []byte(s)} }

// Integer returns an integer value.
func Integer(i int64) Value { return Value{Kind: KindInt, Int: i} }

// List returns a list value.
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// Dict returns a dictionary value. Key order does not matter; the
// encoder sorts.
func Dict(m map[string]Value) Value { return Value{Kind: KindDict, Dict: m} }

// ErrSyntax reports malformed bencode: bad tokens, truncated input,
// leading zeros, negative zero, or bytes trailing the outermost value.
var ErrSyntax = errors.New("bencode: syntax error")

// ErrOutOfRange reports an integer literal that does not fit in a
// signed 64-bit integer.
var ErrOutOfRange = errors.New("bencode: integer out of range")

func syntaxErr(pos int, format string, args ...interface{}) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, pos, fmt.Sprintf(format, args...))
}

// Parse decodes a single bencoded value. The whole input must be
// consumed; trailing bytes are an error.
func Parse(data []byte) (Value, error) {
	d := decoder{data: data}
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.data) {
		return Value{}, syntaxErr(d.pos, "%d trailing bytes after value", len(d.data)-d.pos)
	}
	return v, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, syntaxErr(d.pos, "unexpected end of input")
	}
	return d.data[d.pos], nil
}

func (d *decoder) value() (Value, error) {
	c, err := d.peek()
	if err != nil {
		return Value{}, err
	}
	switch {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	case c >= '0' && c <= '9':
		b, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: b}, nil
	default:
		return Value{}, syntaxErr(d.pos, "unexpected byte %q", c)
	}
}

// digits consumes an unsigned decimal run obeying the no-leading-zero
// rule: "0" alone is legal, "03" is not.
func (d *decoder) digits() ([]byte, error) {
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
		d.pos++
	}
	run := d.data[start:d.pos]
	if len(run) == 0 {
		return nil, syntaxErr(start, "expected digits")
	}
	if len(run) > 1 && run[0] == '0' {
		return nil, syntaxErr(start, "leading zero in %q", run)
	}
	return run, nil
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	d.pos++ // 'i'
	negative := false
	if c, err := d.peek(); err != nil {
		return Value{}, err
	} else if c == '-' {
		negative = true
		d.pos++
	}
	run, err := d.digits()
	if err != nil {
		return Value{}, err
	}
	if negative && len(run) == 1 && run[0] == '0' {
		return Value{}, syntaxErr(start, "negative zero")
	}
	c, err := d.peek()
	if err != nil {
		return Value{}, err
	}
	if c != 'e' {
		return Value{}, syntaxErr(d.pos, "unterminated integer")
	}
	d.pos++
	n, err := parseInt64(run, negative)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %q at offset %d", ErrOutOfRange, d.data[start:d.pos], start)
	}
	return Value{Kind: KindInt, Int: n}, nil
}

// parseInt64 folds an ASCII digit run into an int64, detecting
// overflow for both signs. Accumulating negated keeps -2^63 reachable.
func parseInt64(run []byte, negative bool) (int64, error) {
	var n int64
	for _, c := range run {
		digit := int64(c - '0')
		if n < (-1<<63+digit)/10 {
			return 0, ErrOutOfRange
		}
		n = n*10 - digit
	}
	if !negative {
		if n == -1<<63 {
			return 0, ErrOutOfRange
		}
		n = -n
	}
	return n, nil
}

func (d *decoder) byteString() ([]byte, error) {
	run, err := d.digits()
	if err != nil {
		return nil, err
	}
	c, err := d.peek()
	if err != nil {
		return nil, err
	}
	if c != ':' {
		return nil, syntaxErr(d.pos, "expected ':' after string length")
	}
	d.pos++
	length, err := parseInt64(run, false)
	if err != nil || length > int64(len(d.data)-d.pos) {
		return nil, syntaxErr(d.pos, "string length %s exceeds remaining input", run)
	}
	b := d.data[d.pos : d.pos+int(length)]
	d.pos += int(length)
	return b, nil
}

func (d *decoder) list() (Value, error) {
	d.pos++ // 'l'
	var list []Value
	for {
		c, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: KindList, List: list}, nil
		}
		v, err := d.value()
		if err != nil {
			return Value{}, err
		}
		list = append(list, v)
	}
}

// dict accepts out-of-order keys (permissive decode); the encoder
// restores canonical order, which is what the info-hash relies on.
func (d *decoder) dict() (Value, error) {
	d.pos++ // 'd'
	dict := make(map[string]Value)
	for {
		c, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: KindDict, Dict: dict}, nil
		}
		keyPos := d.pos
		if c < '0' || c > '9' {
			return Value{}, syntaxErr(keyPos, "dictionary key must be a string")
		}
		key, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		v, err := d.value()
		if err != nil {
			return Value{}, err
		}
		if _, dup := dict[string(key)]; dup {
			return Value{}, syntaxErr(keyPos, "duplicate dictionary key %q", key)
		}
		dict[string(key)] = v
	}
}

// sortedKeys returns the dictionary keys in ascending bytewise order.
// Go string comparison is already bytewise, so sort.Strings is the
// canonical order bencode requires.
func sortedKeys(dict map[string]Value) []string {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
