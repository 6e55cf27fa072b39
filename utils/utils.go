// Package utils holds small helpers shared across the client.
package utils

import "crypto/rand"

// ClientID returns a fresh peer id: the Azureus-style prefix -LC0001-
// followed by 12 random bytes. Generated once per run; the tracker
// announce and every handshake must carry the same id.
func ClientID() [20]byte {
	id := [20]byte{'-', 'L', 'C', '0', '0', '0', '1', '-'}
	rand.Read(id[8:])
	return id
}
