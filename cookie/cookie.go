// Package cookie implements the deterministic SYN cookie used during the
// SRT INDUCTION/CONCLUSION handshake. The cookie is a function of the peer
// address, a server secret and a coarse time window, so the server never
// has to remember which peers it has sent an INDUCTION response to: a
// CONCLUSION is accepted as long as its cookie matches what the server
// would have handed out in the current or immediately preceding window.
package cookie

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Window is the time-bucket size used for cookie freshness. A cookie is
// accepted for 2×Window (the current bucket and the one before it), per the
// spec's deterministic-cookie replay-dedup rationale.
const Window = 64 * time.Second

// Generator mints and verifies SYN cookies for one listener address.
type Generator struct {
	localAddr string
	secret1   string
	secret2   string
	now       func() time.Time
}

// New returns a Generator bound to localAddr, with two random secrets drawn
// at startup.
func New(localAddr string) *Generator {
	return &Generator{
		localAddr: localAddr,
		secret1:   randomSecret(),
		secret2:   randomSecret(),
		now:       time.Now,
	}
}

func randomSecret() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func (g *Generator) window() int64 {
	return g.now().Unix() / int64(Window.Seconds())
}

// Get returns the cookie for peerAddr in the current time window.
func (g *Generator) Get(peerAddr string) uint32 {
	return g.calculate(g.window(), peerAddr)
}

// Verify reports whether cookie matches what Get would have returned for
// peerAddr in the current or the immediately preceding window (2×Window
// freshness).
func (g *Generator) Verify(cookie uint32, peerAddr string) bool {
	w := g.window()

	if g.calculate(w, peerAddr) == cookie {
		return true
	}

	return g.calculate(w-1, peerAddr) == cookie
}

func (g *Generator) calculate(window int64, peerAddr string) uint32 {
	h := md5.New()
	h.Write([]byte(g.secret1))
	h.Write([]byte(g.localAddr))
	h.Write([]byte(peerAddr))
	h.Write([]byte(g.secret2))

	var wb [8]byte
	binary.BigEndian.PutUint64(wb[:], uint64(window))
	h.Write(wb[:])

	sum := h.Sum(nil)

	return binary.BigEndian.Uint32(sum[:4])
}
