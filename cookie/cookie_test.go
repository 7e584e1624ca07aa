package cookie

import (
	"testing"
	"time"
)

func TestVerifyAcceptsCurrentAndPreviousWindow(t *testing.T) {
	g := New("127.0.0.1:9999")

	base := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return base }

	c := g.Get("203.0.113.7:4000")

	if !g.Verify(c, "203.0.113.7:4000") {
		t.Fatalf("cookie should verify within the same window")
	}

	g.now = func() time.Time { return base.Add(Window) }
	if !g.Verify(c, "203.0.113.7:4000") {
		t.Fatalf("cookie should still verify one window later (2x freshness)")
	}

	g.now = func() time.Time { return base.Add(3 * Window) }
	if g.Verify(c, "203.0.113.7:4000") {
		t.Fatalf("cookie should expire after 2x the window")
	}
}

func TestVerifyRejectsWrongPeer(t *testing.T) {
	g := New("127.0.0.1:9999")

	c := g.Get("203.0.113.7:4000")
	if g.Verify(c, "203.0.113.8:4000") {
		t.Fatalf("cookie minted for one peer must not verify for another")
	}
}
