// Package session implements single-use session tokens for resources: an
// Issuer mints a (resourceID, sessionID) pair with a mode and a TTL, and a
// Registry lets the relay's handshake path consume that pair exactly once.
// Two interchangeable stores satisfy both interfaces: an in-memory one for
// single-process deployments and a go.etcd.io/bbolt-backed one that
// survives a restart.
package session

import (
	"context"
	"errors"
	"time"
)

// Role is the relationship a validated session grants its connection.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// ErrInvalidSession is returned when a (resourceID, sessionID, mode) triple
// does not match a currently valid, unconsumed session.
var ErrInvalidSession = errors.New("session: invalid or expired session")

// DefaultTTL is how long an issued session remains valid if unconsumed.
const DefaultTTL = 5 * time.Minute

// Registry validates and consumes session tokens presented during a
// handshake's StreamID.
type Registry interface {
	// Validate consumes the session identified by resourceID/sessionID if
	// it is valid for mode, and returns the Role it grants. Validate is
	// single-use: a second call with the same sessionID returns
	// ErrInvalidSession.
	Validate(ctx context.Context, resourceID uint64, sessionID string, mode string) (Role, error)
}

// Issuer mints new sessions, typically from the HTTP surface.
type Issuer interface {
	Issue(ctx context.Context, resourceID uint64, mode string) (sessionID string, expiresAt time.Time, err error)
}

func roleForMode(mode string) (Role, bool) {
	switch mode {
	case "publish":
		return RolePublisher, true
	case "request":
		return RoleSubscriber, true
	}
	return "", false
}

type entry struct {
	resourceID uint64
	mode       string
	expiresAt  time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}
