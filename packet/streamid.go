package packet

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is the role a peer requests via the StreamID.
type Mode string

const (
	ModePublish Mode = "publish"
	ModeRequest Mode = "request"
)

// StreamID is the parsed form of the SRT StreamID extension, following the
// recommended syntax "#!::k=v,k=v,...". Nested "#{...}" groups are rejected
// as rogue.
type StreamID struct {
	ResourceID uint64
	SessionID  string // hex-encoded, kept opaque
	Mode       Mode
}

// ErrRogueStreamID marks a StreamID that is malformed, missing a required
// key, uses an unsupported mode, or attempts the nested "#{...}" syntax.
var ErrRogueStreamID = fmt.Errorf("packet: rogue streamid")

// ParseStreamID parses the "#!::r=<hex>,s=<hex>,m=publish|request" syntax
// required by the spec. Unknown keys are ignored; missing or malformed
// required keys are rejected.
func ParseStreamID(raw string) (StreamID, error) {
	var sid StreamID

	if !strings.HasPrefix(raw, "#!::") {
		return sid, ErrRogueStreamID
	}

	body := strings.TrimPrefix(raw, "#!::")

	if strings.Contains(body, "#{") {
		return sid, ErrRogueStreamID
	}

	var haveResource, haveSession, haveMode bool

	for _, kv := range strings.Split(body, ",") {
		if kv == "" {
			continue
		}

		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return sid, ErrRogueStreamID
		}

		key, value := parts[0], parts[1]

		switch key {
		case "r":
			id, err := strconv.ParseUint(value, 16, 64)
			if err != nil {
				return sid, ErrRogueStreamID
			}
			sid.ResourceID = id
			haveResource = true
		case "s":
			if value == "" {
				return sid, ErrRogueStreamID
			}
			// Session IDs may exceed 64 bits of hex, so they are validated
			// digit-by-digit rather than parsed into a uint64.
			for _, c := range value {
				if !isHexDigit(c) {
					return sid, ErrRogueStreamID
				}
			}
			sid.SessionID = value
			haveSession = true
		case "m":
			switch Mode(value) {
			case ModePublish, ModeRequest:
				sid.Mode = Mode(value)
				haveMode = true
			default:
				return sid, ErrRogueStreamID
			}
		}
	}

	if !haveResource || !haveSession || !haveMode {
		return sid, ErrRogueStreamID
	}

	return sid, nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// String re-encodes the StreamID in wire form.
func (s StreamID) String() string {
	return fmt.Sprintf("#!::r=%x,s=%s,m=%s", s.ResourceID, s.SessionID, s.Mode)
}
