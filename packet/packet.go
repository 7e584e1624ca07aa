// Package packet implements bit-exact encoding and decoding of SRT control
// and data packet headers, following the IETF SRT draft (v1.5-era). It is
// deliberately narrow: it knows how to turn wire bytes into a Packet and
// back, and nothing about retransmission, congestion or delivery timing.
package packet

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/relaymesh/srtrelay/circular"
)

const (
	MaxSequenceNumber uint32 = 0b01111111_11111111_11111111_11111111 // 2^31 - 1
	MaxTimestamp      uint32 = 0b11111111_11111111_11111111_11111111 // 2^32 - 1

	HeaderSize = 16
)

// Control packet types (Table 1 of the draft).
const (
	CtrlHandshake   uint16 = 0x0000
	CtrlKeepalive   uint16 = 0x0001
	CtrlACK         uint16 = 0x0002
	CtrlNAK         uint16 = 0x0003
	CtrlCongestion  uint16 = 0x0004 // consumed only
	CtrlShutdown    uint16 = 0x0005
	CtrlACKACK      uint16 = 0x0006
	CtrlDropReq     uint16 = 0x0007
	CtrlPeerError   uint16 = 0x0008
	CtrlUser        uint16 = 0x7FFF
)

// PacketPosition describes where within a message a data packet sits.
type PacketPosition uint8

const (
	PositionLast   PacketPosition = 0b00 // last fragment
	PositionFirst  PacketPosition = 0b10 // first fragment
	PositionMiddle PacketPosition = 0b11 // middle fragment
	PositionSolo   PacketPosition = 0b01 // entire message in one packet
)

func (p PacketPosition) String() string {
	switch p {
	case PositionFirst:
		return "first"
	case PositionMiddle:
		return "middle"
	case PositionLast:
		return "last"
	case PositionSolo:
		return "solo"
	}
	return "unknown"
}

// Encryption describes the key used to encrypt a data packet's payload.
// The relay never decrypts payloads; this flag is forwarded verbatim.
type Encryption uint8

const (
	Unencrypted Encryption = 0
	EvenKey     Encryption = 1
	OddKey      Encryption = 2
)

// Header carries the fields common to, or specific to, control and data
// packets. Addr is the packet's peer address and is not part of the wire
// encoding.
type Header struct {
	Addr net.Addr

	IsControl bool

	// control fields
	ControlType  uint16
	SubType      uint16
	TypeSpecific uint32

	// data fields
	SequenceNumber  circular.Number
	Position        PacketPosition
	InOrder         bool
	KeyEncryption   Encryption
	Retransmitted   bool
	MessageNumber   uint32

	// common fields
	Timestamp           uint32 // microseconds since connection start, wraps
	DestinationSocketID uint32

	// TsbpdDeadline is computed locally on receipt; it is never encoded on
	// the wire. It records when the packet becomes eligible for delivery.
	TsbpdDeadline uint64
}

// Packet is a decoded SRT datagram: a Header plus an opaque payload (the
// CIF body for control packets, the MPEG-TS bytes for data packets).
type Packet struct {
	Header  Header
	Payload []byte
}

// NewDataPacket returns an empty data packet ready to have its header
// fields filled in by the caller.
func NewDataPacket() *Packet {
	return &Packet{
		Header: Header{
			SequenceNumber: circular.New(0, MaxSequenceNumber),
			Position:       PositionSolo,
			MessageNumber:  1,
		},
	}
}

// Clone returns a deep copy of the packet. The broadcast bus clones a
// delivered packet once per subscriber so that no two consumers share the
// same payload slice.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// Decode parses raw into a Packet. addr is attached to the header for
// bookkeeping; it is not validated here.
func Decode(addr net.Addr, raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, ErrTruncated
	}

	p := &Packet{Header: Header{Addr: addr}}

	p.Header.IsControl = raw[0]&0x80 != 0

	if p.Header.IsControl {
		p.Header.ControlType = binary.BigEndian.Uint16(raw[0:]) &^ (1 << 15)
		p.Header.SubType = binary.BigEndian.Uint16(raw[2:])
		p.Header.TypeSpecific = binary.BigEndian.Uint32(raw[4:])
	} else {
		seq := binary.BigEndian.Uint32(raw[0:]) & MaxSequenceNumber
		p.Header.SequenceNumber = circular.New(seq, MaxSequenceNumber)

		flags := raw[4]
		p.Header.Position = PacketPosition((flags & 0b11000000) >> 6)
		p.Header.InOrder = flags&0b00100000 != 0
		p.Header.KeyEncryption = Encryption((flags & 0b00011000) >> 3)
		p.Header.Retransmitted = flags&0b00000100 != 0
		p.Header.MessageNumber = binary.BigEndian.Uint32(raw[4:]) &^ (uint32(0b11111100) << 24)
	}

	p.Header.Timestamp = binary.BigEndian.Uint32(raw[8:])
	p.Header.DestinationSocketID = binary.BigEndian.Uint32(raw[12:])

	p.Payload = append([]byte(nil), raw[HeaderSize:]...)

	return p, nil
}

// PeekDestinationSocketID extracts only the destination SocketID field
// without allocating a Packet. The relay's demultiplexer does not call it:
// it decodes every datagram in full and routes on the decoded header.
func PeekDestinationSocketID(raw []byte) (uint32, error) {
	if len(raw) < HeaderSize {
		return 0, ErrTruncated
	}

	return binary.BigEndian.Uint32(raw[12:]), nil
}

// Encode serializes the packet onto buf, returning the number of bytes
// written. buf must be at least HeaderSize+len(p.Payload) long; a shorter
// buf receives a truncated packet.
func (p *Packet) Encode(buf []byte) int {
	var hdr [HeaderSize]byte

	if p.Header.IsControl {
		binary.BigEndian.PutUint16(hdr[0:], p.Header.ControlType)
		binary.BigEndian.PutUint16(hdr[2:], p.Header.SubType)
		binary.BigEndian.PutUint32(hdr[4:], p.Header.TypeSpecific)
		hdr[0] |= 0x80
	} else {
		binary.BigEndian.PutUint32(hdr[0:], p.Header.SequenceNumber.Val())

		var typeSpecific uint32
		typeSpecific |= uint32(p.Header.Position) << 6
		if p.Header.InOrder {
			typeSpecific |= 1 << 5
		}
		typeSpecific |= uint32(p.Header.KeyEncryption) << 3
		if p.Header.Retransmitted {
			typeSpecific |= 1 << 2
		}
		typeSpecific = typeSpecific<<24 + p.Header.MessageNumber

		binary.BigEndian.PutUint32(hdr[4:], typeSpecific)
	}

	binary.BigEndian.PutUint32(hdr[8:], p.Header.Timestamp)
	binary.BigEndian.PutUint32(hdr[12:], p.Header.DestinationSocketID)

	n := copy(buf, hdr[:])
	n += copy(buf[n:], p.Payload)

	return n
}

// Len returns the number of bytes Encode would write.
func (p *Packet) Len() int {
	return HeaderSize + len(p.Payload)
}

func (p *Packet) String() string {
	if p.Header.IsControl {
		return fmt.Sprintf("control type=%#04x sub=%#04x dest=%#08x ts=%d", p.Header.ControlType, p.Header.SubType, p.Header.DestinationSocketID, p.Header.Timestamp)
	}

	return fmt.Sprintf("data seq=%d pos=%s retx=%v dest=%#08x ts=%d len=%d",
		p.Header.SequenceNumber.Val(), p.Header.Position, p.Header.Retransmitted, p.Header.DestinationSocketID, p.Header.Timestamp, len(p.Payload))
}

// HexDump renders the encoded packet as a hex dump, for diagnostic logging.
func (p *Packet) HexDump() string {
	buf := make([]byte, p.Len())
	n := p.Encode(buf)
	return hex.Dump(buf[:n])
}
