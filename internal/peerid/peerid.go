// Package peerid generates the local 20-byte peer identifier sent in the
// handshake and to the tracker.
package peerid

import (
	"github.com/google/uuid"
)

// Prefix identifies this client in the conventional Azureus-style peer id
// scheme, mirroring the teacher's "-GT0001-" convention.
const Prefix = "-LE0001-"

// New returns a fresh 20-byte peer id: Prefix followed by random bytes
// drawn from a freshly generated UUID.
func New() [20]byte {
	var id [20]byte
	copy(id[:], Prefix)

	u := uuid.New()
	copy(id[len(Prefix):], u[:20-len(Prefix)])

	return id
}
