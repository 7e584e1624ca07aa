package packet

import "errors"

// Codec-level errors. None of these are fatal to the server: the caller
// drops the offending datagram and increments a metric.
var (
	ErrTruncated           = errors.New("packet: truncated datagram")
	ErrBadVersion          = errors.New("packet: unsupported handshake version")
	ErrBadControlType      = errors.New("packet: unknown or malformed control type")
	ErrBadHandshakeCookie  = errors.New("packet: invalid or stale SYN cookie")
)

// RejectReason is a handshake rejection code (Table 7 of the draft, extended
// with the relay-specific REJ_RESOURCE/REJ_ROGUE/REJ_BADSECRET/REJ_UNKNOWN
// semantics spelled out in the spec).
type RejectReason uint32

const (
	RejUnknown    RejectReason = 1000
	RejSystem     RejectReason = 1001
	RejPeer       RejectReason = 1002
	RejResource   RejectReason = 1003
	RejRogue      RejectReason = 1004
	RejBacklog    RejectReason = 1005
	RejVersion    RejectReason = 1008
	RejBadSecret  RejectReason = 1010
)

func (r RejectReason) String() string {
	switch r {
	case RejUnknown:
		return "REJ_UNKNOWN"
	case RejSystem:
		return "REJ_SYSTEM"
	case RejPeer:
		return "REJ_PEER"
	case RejResource:
		return "REJ_RESOURCE"
	case RejRogue:
		return "REJ_ROGUE"
	case RejBacklog:
		return "REJ_BACKLOG"
	case RejVersion:
		return "REJ_VERSION"
	case RejBadSecret:
		return "REJ_BADSECRET"
	}
	return "REJ_UNKNOWN"
}
