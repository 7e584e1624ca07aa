package packet

import (
	"encoding/binary"

	"github.com/relaymesh/srtrelay/circular"
)

// ACK is the CIF body of a full ACK control packet. A light ACK only
// carries LastACK (IsLite is set and only those 4 bytes go on the wire;
// the other fields are not encoded); the caller decides which shape to send.
type ACK struct {
	IsLite                bool
	LastACK               circular.Number
	RTT                   uint32 // microseconds
	RTTVar                uint32 // microseconds
	AvailableBufferSize   uint32 // bytes
	PacketsReceivingRate  uint32 // packets/s
	EstimatedLinkCapacity uint32 // packets/s
	ReceivingRate         uint32 // bytes/s
}

func (a *ACK) Decode(data []byte) error {
	if len(data) < 4 {
		return ErrTruncated
	}

	a.LastACK = circular.New(binary.BigEndian.Uint32(data[0:])&MaxSequenceNumber, MaxSequenceNumber)

	if len(data) < 28 {
		a.IsLite = true
		return nil
	}

	a.RTT = binary.BigEndian.Uint32(data[4:])
	a.RTTVar = binary.BigEndian.Uint32(data[8:])
	a.AvailableBufferSize = binary.BigEndian.Uint32(data[12:])
	a.PacketsReceivingRate = binary.BigEndian.Uint32(data[16:])
	a.EstimatedLinkCapacity = binary.BigEndian.Uint32(data[20:])
	a.ReceivingRate = binary.BigEndian.Uint32(data[24:])

	return nil
}

func (a *ACK) Encode() []byte {
	if a.IsLite {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf[0:], a.LastACK.Val())
		return buf
	}

	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:], a.LastACK.Val())
	binary.BigEndian.PutUint32(buf[4:], a.RTT)
	binary.BigEndian.PutUint32(buf[8:], a.RTTVar)
	binary.BigEndian.PutUint32(buf[12:], a.AvailableBufferSize)
	binary.BigEndian.PutUint32(buf[16:], a.PacketsReceivingRate)
	binary.BigEndian.PutUint32(buf[20:], a.EstimatedLinkCapacity)
	binary.BigEndian.PutUint32(buf[24:], a.ReceivingRate)

	return buf
}

// NAK is the CIF body of a NAK control packet: a list of lost sequence
// numbers, where a single value reports one lost packet and a pair with
// the high bit set on the first value reports an inclusive range.
type NAK struct {
	Ranges []SeqRange
}

// SeqRange is an inclusive range of lost sequence numbers. From==To
// encodes a single lost packet.
type SeqRange struct {
	From, To circular.Number
}

func (n *NAK) Decode(data []byte) error {
	if len(data)%4 != 0 {
		return ErrTruncated
	}

	for i := 0; i < len(data); i += 4 {
		v := binary.BigEndian.Uint32(data[i:])

		if v&0x80000000 != 0 {
			if i+8 > len(data) {
				return ErrTruncated
			}
			from := circular.New(v&MaxSequenceNumber, MaxSequenceNumber)
			to := circular.New(binary.BigEndian.Uint32(data[i+4:])&MaxSequenceNumber, MaxSequenceNumber)
			n.Ranges = append(n.Ranges, SeqRange{From: from, To: to})
			i += 4
		} else {
			seq := circular.New(v, MaxSequenceNumber)
			n.Ranges = append(n.Ranges, SeqRange{From: seq, To: seq})
		}
	}

	return nil
}

func (n *NAK) Encode() []byte {
	buf := make([]byte, 0, len(n.Ranges)*8)

	for _, r := range n.Ranges {
		if r.From.Equals(r.To) {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], r.From.Val())
			buf = append(buf, b[:]...)
			continue
		}

		var from, to [4]byte
		binary.BigEndian.PutUint32(from[:], r.From.Val()|0x80000000)
		binary.BigEndian.PutUint32(to[:], r.To.Val())
		buf = append(buf, from[:]...)
		buf = append(buf, to[:]...)
	}

	return buf
}

// Empty-body control packets: KEEPALIVE, SHUTDOWN. ACKACK carries its
// acknowledged ACK sequence number in the header's TypeSpecific field, not
// in a CIF body, so it needs no dedicated type here.
