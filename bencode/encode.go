package bencode

import (
	"bytes"
	"strconv"
)

// Encode renders a value as canonical bencode. Dictionary keys are
// emitted in ascending bytewise order regardless of how the value was
// built, so Encode(Parse(b)) == b for any canonically encoded input.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindBytes:
		writeString(buf, string(v.Bytes))
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeTo(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, k := range sortedKeys(v.Dict) {
			writeString(buf, k)
			encodeTo(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}
