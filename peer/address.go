// Package peer implements the downloader's side of a peer session:
// dialing and handshaking, the choke/interest state machine, and the
// per-piece block pipeline with hash verification.
package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// compactEntrySize is one peer in a compact tracker peer list:
// 4 bytes IPv4 followed by 2 bytes port, both big-endian.
const compactEntrySize = 6

// Address is an IPv4 peer endpoint.
type Address struct {
	IP   net.IP
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// ParseCompact decodes a compact peer list blob from a tracker
// response.
func ParseCompact(blob []byte) ([]Address, error) {
	if len(blob)%compactEntrySize != 0 {
		return nil, fmt.Errorf("compact peer list of %d bytes is not a multiple of %d", len(blob), compactEntrySize)
	}
	addrs := make([]Address, 0, len(blob)/compactEntrySize)
	for i := 0; i < len(blob); i += compactEntrySize {
		ip := make(net.IP, net.IPv4len)
		copy(ip, blob[i:i+net.IPv4len])
		addrs = append(addrs, Address{
			IP:   ip,
			Port: binary.BigEndian.Uint16(blob[i+net.IPv4len:]),
		})
	}
	return addrs, nil
}
