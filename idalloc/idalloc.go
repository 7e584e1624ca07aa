// Package idalloc mints unique, non-reusing identifiers: 64-bit Connection
// IDs used as metrics labels, and 32-bit SRT SocketIDs handed out during the
// handshake. Both are seeded from a high-entropy value at startup so that a
// server restart does not reissue colliding IDs into a monitoring system
// that still remembers the previous process.
package idalloc

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// Allocator hands out monotonically increasing identifiers. It is safe for
// concurrent use.
type Allocator struct {
	connCounter   uint64
	socketCounter uint64
}

// New returns an Allocator seeded from crypto/rand. If the system RNG is
// unavailable the connection seed falls back to zero and the socket seed
// to one, which is safe (just less
// collision-resistant across restarts) rather than fatal.
func New() *Allocator {
	return &Allocator{
		connCounter:   seed(),
		socketCounter: uint64(seed32()),
	}
}

func seed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func seed32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

// NextConnectionID returns a unique, never-reused 64-bit identifier used to
// label per-connection metrics.
func (a *Allocator) NextConnectionID() uint64 {
	return atomic.AddUint64(&a.connCounter, 1)
}

// NextSocketID returns a unique 32-bit SRT SocketID. 0 is reserved for
// INDUCTION and is never returned.
func (a *Allocator) NextSocketID() uint32 {
	for {
		v := uint32(atomic.AddUint64(&a.socketCounter, 1))
		if v != 0 {
			return v
		}
	}
}
