package packet

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/relaymesh/srtrelay/circular"
)

// HandshakeType is either one of the handshake phase markers or, once a
// handshake is rejected, one of the REJ_* reason codes (they share the
// same 32-bit wire field).
type HandshakeType uint32

const (
	HSDone       HandshakeType = 0xFFFFFFFD
	HSAgreement  HandshakeType = 0xFFFFFFFE
	HSConclusion HandshakeType = 0xFFFFFFFF
	HSWavehand   HandshakeType = 0x00000000
	HSInduction  HandshakeType = 0x00000001
)

func (h HandshakeType) IsRejection() bool {
	switch h {
	case HSDone, HSAgreement, HSConclusion, HSWavehand, HSInduction:
		return false
	}
	return true
}

// Handshake extension types (Table 5).
const (
	ExtHSREQ  uint16 = 1
	ExtHSRSP  uint16 = 2
	ExtKMREQ  uint16 = 3
	ExtKMRSP  uint16 = 4
	ExtSID    uint16 = 5
)

// Flags advertised during the HSREQ/HSRSP extension exchange (Table 6).
type Flags struct {
	TSBPDSnd     bool
	TSBPDRcv     bool
	Crypt        bool
	TLPktDrop    bool
	PeriodicNAK  bool
	RexmitFlag   bool
	Stream       bool
	PacketFilter bool
}

func (f Flags) encode() uint32 {
	var v uint32
	if f.TSBPDSnd {
		v |= 1 << 0
	}
	if f.TSBPDRcv {
		v |= 1 << 1
	}
	if f.Crypt {
		v |= 1 << 2
	}
	if f.TLPktDrop {
		v |= 1 << 3
	}
	if f.PeriodicNAK {
		v |= 1 << 4
	}
	if f.RexmitFlag {
		v |= 1 << 5
	}
	if f.Stream {
		v |= 1 << 6
	}
	if f.PacketFilter {
		v |= 1 << 7
	}
	return v
}

func decodeFlags(v uint32) Flags {
	return Flags{
		TSBPDSnd:     v&(1<<0) != 0,
		TSBPDRcv:     v&(1<<1) != 0,
		Crypt:        v&(1<<2) != 0,
		TLPktDrop:    v&(1<<3) != 0,
		PeriodicNAK:  v&(1<<4) != 0,
		RexmitFlag:   v&(1<<5) != 0,
		Stream:       v&(1<<6) != 0,
		PacketFilter: v&(1<<7) != 0,
	}
}

// Handshake is the CIF body of a HANDSHAKE control packet, covering both
// the v4-shaped INDUCTION exchange and the v5 CONCLUSION exchange with its
// HSREQ/HSRSP, KM and StreamID extensions.
type Handshake struct {
	IsRequest bool // true when encoding the caller's side

	Version                     uint32
	EncryptionField             uint16
	ExtensionField              uint16
	InitialSequenceNumber       circular.Number
	MaxTransmissionUnit         uint32
	MaxFlowWindow               uint32
	HandshakeType               HandshakeType
	SocketID                    uint32
	SynCookie                   uint32

	HasHSExt bool
	HasKMExt bool
	HasSID   bool

	SRTVersion     uint32
	SRTFlags       Flags
	RecvTSBPDDelay uint16 // ms
	SendTSBPDDelay uint16 // ms

	// KM is forwarded verbatim; the relay never inspects key material.
	KM []byte

	StreamID string
}

// Decode parses a handshake CIF body. Only INDUCTION and CONCLUSION are
// understood; any other handshake type is accepted structurally but its
// extensions (if any) are not further interpreted.
func (h *Handshake) Decode(data []byte) error {
	if len(data) < 48 {
		return ErrTruncated
	}

	h.Version = binary.BigEndian.Uint32(data[0:])
	h.EncryptionField = binary.BigEndian.Uint16(data[4:])
	h.ExtensionField = binary.BigEndian.Uint16(data[6:])
	h.InitialSequenceNumber = circular.New(binary.BigEndian.Uint32(data[8:])&MaxSequenceNumber, MaxSequenceNumber)
	h.MaxTransmissionUnit = binary.BigEndian.Uint32(data[12:])
	h.MaxFlowWindow = binary.BigEndian.Uint32(data[16:])
	h.HandshakeType = HandshakeType(binary.BigEndian.Uint32(data[20:]))
	h.SocketID = binary.BigEndian.Uint32(data[24:])
	h.SynCookie = binary.BigEndian.Uint32(data[28:])
	// data[32:48] is the peer-IP field; the relay has no use for it and
	// does not round-trip it.

	if h.HandshakeType != HSConclusion {
		return nil
	}

	if h.ExtensionField == 0 || len(data) <= 48 {
		return nil
	}

	pivot := data[48:]

	for len(pivot) >= 4 {
		extType := binary.BigEndian.Uint16(pivot[0:])
		extLen := int(binary.BigEndian.Uint16(pivot[2:])) * 4
		pivot = pivot[4:]

		if extLen < 0 || len(pivot) < extLen {
			return ErrTruncated
		}

		switch extType {
		case ExtHSREQ, ExtHSRSP:
			if extLen != 12 {
				return ErrTruncated
			}
			h.HasHSExt = true
			h.SRTVersion = binary.BigEndian.Uint32(pivot[0:])
			h.SRTFlags = decodeFlags(binary.BigEndian.Uint32(pivot[4:]))
			h.RecvTSBPDDelay = binary.BigEndian.Uint16(pivot[8:])
			h.SendTSBPDDelay = binary.BigEndian.Uint16(pivot[10:])
		case ExtKMREQ, ExtKMRSP:
			h.HasKMExt = true
			h.KM = append([]byte(nil), pivot[:extLen]...)
		case ExtSID:
			if extLen > 512 {
				return ErrTruncated
			}
			h.HasSID = true

			var b strings.Builder
			for i := 0; i < extLen; i += 4 {
				b.WriteByte(pivot[i+3])
				b.WriteByte(pivot[i+2])
				b.WriteByte(pivot[i+1])
				b.WriteByte(pivot[i+0])
			}
			h.StreamID = strings.TrimRight(b.String(), "\x00")
		default:
			// Unknown extension: skip it, don't fail the whole handshake.
		}

		pivot = pivot[extLen:]
	}

	return nil
}

// Encode serializes the handshake CIF body into a newly allocated buffer
// and returns it. It is used both for the codec round-trip tests and by the
// connection state machine to build wire responses.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, 48)

	binary.BigEndian.PutUint32(buf[0:], h.Version)
	binary.BigEndian.PutUint16(buf[4:], h.EncryptionField)

	ext := h.ExtensionField
	if h.HandshakeType == HSConclusion {
		ext = 0
		if h.HasHSExt {
			ext |= 1
		}
		if h.HasKMExt {
			ext |= 2
		}
		if h.HasSID && len(h.StreamID) > 0 {
			ext |= 4
		}
	}
	binary.BigEndian.PutUint16(buf[6:], ext)

	binary.BigEndian.PutUint32(buf[8:], h.InitialSequenceNumber.Val())
	binary.BigEndian.PutUint32(buf[12:], h.MaxTransmissionUnit)
	binary.BigEndian.PutUint32(buf[16:], h.MaxFlowWindow)
	binary.BigEndian.PutUint32(buf[20:], uint32(h.HandshakeType))
	binary.BigEndian.PutUint32(buf[24:], h.SocketID)
	binary.BigEndian.PutUint32(buf[28:], h.SynCookie)
	// buf[32:48] left zero: the relay does not populate the peer-IP field.

	if h.HandshakeType != HSConclusion {
		return buf
	}

	if h.HasHSExt {
		var ext [16]byte
		if h.IsRequest {
			binary.BigEndian.PutUint16(ext[0:], ExtHSREQ)
		} else {
			binary.BigEndian.PutUint16(ext[0:], ExtHSRSP)
		}
		binary.BigEndian.PutUint16(ext[2:], 3)
		binary.BigEndian.PutUint32(ext[4:], h.SRTVersion)
		binary.BigEndian.PutUint32(ext[8:], h.SRTFlags.encode())
		binary.BigEndian.PutUint16(ext[12:], h.RecvTSBPDDelay)
		binary.BigEndian.PutUint16(ext[14:], h.SendTSBPDDelay)
		buf = append(buf, ext[:]...)
	}

	if h.HasKMExt && len(h.KM) > 0 {
		var hdr [4]byte
		if h.IsRequest {
			binary.BigEndian.PutUint16(hdr[0:], ExtKMREQ)
		} else {
			binary.BigEndian.PutUint16(hdr[0:], ExtKMRSP)
		}
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(h.KM)/4))
		buf = append(buf, hdr[:]...)
		buf = append(buf, h.KM...)
	}

	if h.HasSID && len(h.StreamID) > 0 {
		sid := []byte(h.StreamID)
		if pad := 4 - len(sid)%4; pad < 4 {
			sid = append(sid, make([]byte, pad)...)
		}

		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:], ExtSID)
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(sid)/4))
		buf = append(buf, hdr[:]...)

		for i := 0; i < len(sid); i += 4 {
			buf = append(buf, sid[i+3], sid[i+2], sid[i+1], sid[i+0])
		}
	}

	return buf
}

func (h Handshake) String() string {
	return fmt.Sprintf("handshake type=%s version=%d socketId=%#08x cookie=%#08x streamId=%q", h.HandshakeType, h.Version, h.SocketID, h.SynCookie, h.StreamID)
}

func (h HandshakeType) String() string {
	switch h {
	case HSDone:
		return "DONE"
	case HSAgreement:
		return "AGREEMENT"
	case HSConclusion:
		return "CONCLUSION"
	case HSWavehand:
		return "WAVEHAND"
	case HSInduction:
		return "INDUCTION"
	}

	return RejectReason(h).String()
}
