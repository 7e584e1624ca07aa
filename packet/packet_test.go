package packet

import (
	"net"
	"testing"

	"github.com/relaymesh/srtrelay/circular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9999")
	require.NoError(t, err)
	return addr
}

func TestDataPacketRoundTrip(t *testing.T) {
	addr := mustAddr(t)

	p := NewDataPacket()
	p.Header.Addr = addr
	p.Header.SequenceNumber = circular.New(123456, MaxSequenceNumber)
	p.Header.Position = PositionFirst
	p.Header.InOrder = true
	p.Header.Retransmitted = true
	p.Header.MessageNumber = 7
	p.Header.Timestamp = 99999
	p.Header.DestinationSocketID = 0xDEADBEEF
	p.Payload = []byte("hello mpeg-ts")

	buf := make([]byte, p.Len())
	n := p.Encode(buf)
	require.Equal(t, p.Len(), n)

	decoded, err := Decode(addr, buf[:n])
	require.NoError(t, err)

	assert.False(t, decoded.Header.IsControl)
	assert.Equal(t, p.Header.SequenceNumber.Val(), decoded.Header.SequenceNumber.Val())
	assert.Equal(t, p.Header.Position, decoded.Header.Position)
	assert.True(t, decoded.Header.InOrder)
	assert.True(t, decoded.Header.Retransmitted)
	assert.Equal(t, p.Header.MessageNumber, decoded.Header.MessageNumber)
	assert.Equal(t, p.Header.Timestamp, decoded.Header.Timestamp)
	assert.Equal(t, p.Header.DestinationSocketID, decoded.Header.DestinationSocketID)
	assert.Equal(t, p.Payload, decoded.Payload)
}

func TestControlPacketRoundTrip(t *testing.T) {
	addr := mustAddr(t)

	p := &Packet{Header: Header{Addr: addr, IsControl: true, ControlType: CtrlShutdown, Timestamp: 42, DestinationSocketID: 7}}

	buf := make([]byte, p.Len())
	n := p.Encode(buf)

	decoded, err := Decode(addr, buf[:n])
	require.NoError(t, err)

	assert.True(t, decoded.Header.IsControl)
	assert.Equal(t, CtrlShutdown, decoded.Header.ControlType)
	assert.Equal(t, uint32(42), decoded.Header.Timestamp)
	assert.Equal(t, uint32(7), decoded.Header.DestinationSocketID)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(mustAddr(t), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPeekDestinationSocketID(t *testing.T) {
	p := &Packet{Header: Header{IsControl: true, ControlType: CtrlHandshake, DestinationSocketID: 0}}
	buf := make([]byte, p.Len())
	n := p.Encode(buf)

	dest, err := PeekDestinationSocketID(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), dest)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := &Handshake{
		IsRequest:             false,
		Version:               5,
		InitialSequenceNumber: circular.New(555, MaxSequenceNumber),
		MaxTransmissionUnit:   1500,
		MaxFlowWindow:         8192,
		HandshakeType:         HSConclusion,
		SocketID:              123,
		SynCookie:             0xAABBCCDD,
		HasHSExt:              true,
		SRTVersion:            0x00010402,
		SRTFlags:              Flags{TSBPDSnd: true, TSBPDRcv: true, TLPktDrop: true, PeriodicNAK: true, RexmitFlag: true},
		RecvTSBPDDelay:        120,
		SendTSBPDDelay:        120,
		HasSID:                true,
		StreamID:              "#!::r=1,s=91bf7a9ed500c8ce,m=publish",
	}

	encoded := h.Encode()

	var decoded Handshake
	require.NoError(t, decoded.Decode(encoded))

	assert.Equal(t, h.Version, decoded.Version)
	assert.Equal(t, h.HandshakeType, decoded.HandshakeType)
	assert.Equal(t, h.SocketID, decoded.SocketID)
	assert.Equal(t, h.SynCookie, decoded.SynCookie)
	assert.True(t, decoded.HasHSExt)
	assert.Equal(t, h.SRTVersion, decoded.SRTVersion)
	assert.True(t, decoded.SRTFlags.TSBPDSnd)
	assert.Equal(t, h.RecvTSBPDDelay, decoded.RecvTSBPDDelay)
	assert.True(t, decoded.HasSID)
	assert.Equal(t, h.StreamID, decoded.StreamID)
}

func TestHandshakeInductionHasNoExtensions(t *testing.T) {
	h := &Handshake{
		Version:        4,
		HandshakeType:  HSInduction,
		SocketID:       0,
		SynCookie:      0,
	}

	encoded := h.Encode()
	assert.Len(t, encoded, 48)

	var decoded Handshake
	require.NoError(t, decoded.Decode(encoded))
	assert.Equal(t, HSInduction, decoded.HandshakeType)
}

func TestACKRoundTrip(t *testing.T) {
	a := &ACK{
		LastACK:               circular.New(1000, MaxSequenceNumber),
		RTT:                   15000,
		RTTVar:                4000,
		AvailableBufferSize:   8192,
		PacketsReceivingRate:  5000,
		EstimatedLinkCapacity: 20000,
		ReceivingRate:         1250000,
	}

	var decoded ACK
	require.NoError(t, decoded.Decode(a.Encode()))

	assert.Equal(t, a.LastACK.Val(), decoded.LastACK.Val())
	assert.Equal(t, a.RTT, decoded.RTT)
	assert.Equal(t, a.RTTVar, decoded.RTTVar)
	assert.False(t, decoded.IsLite)
}

func TestLightACKRoundTrip(t *testing.T) {
	a := &ACK{IsLite: true, LastACK: circular.New(42, MaxSequenceNumber)}

	var decoded ACK
	require.NoError(t, decoded.Decode(a.Encode()))

	assert.True(t, decoded.IsLite)
	assert.Equal(t, uint32(42), decoded.LastACK.Val())
}

func TestNAKRoundTripSingleAndRange(t *testing.T) {
	n := &NAK{Ranges: []SeqRange{
		{From: circular.New(104, MaxSequenceNumber), To: circular.New(104, MaxSequenceNumber)},
		{From: circular.New(200, MaxSequenceNumber), To: circular.New(210, MaxSequenceNumber)},
	}}

	var decoded NAK
	require.NoError(t, decoded.Decode(n.Encode()))

	require.Len(t, decoded.Ranges, 2)
	assert.Equal(t, uint32(104), decoded.Ranges[0].From.Val())
	assert.Equal(t, uint32(104), decoded.Ranges[0].To.Val())
	assert.Equal(t, uint32(200), decoded.Ranges[1].From.Val())
	assert.Equal(t, uint32(210), decoded.Ranges[1].To.Val())
}

func TestParseStreamIDHappyPath(t *testing.T) {
	sid, err := ParseStreamID("#!::r=1,s=91bf7a9ed500c8ce,m=publish")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), sid.ResourceID)
	assert.Equal(t, "91bf7a9ed500c8ce", sid.SessionID)
	assert.Equal(t, ModePublish, sid.Mode)
}

func TestParseStreamIDRogue(t *testing.T) {
	cases := []string{
		"hello",
		"#!::r=1,m=publish", // missing s
		"#!::r=1,s=abc,m=unknown",
		"#!::r=1,s=abc,m=publish,#{nested}",
		"#!::r=1,s=hello,m=publish", // non-hex session id, short enough to dodge a length-gated check
	}

	for _, c := range cases {
		_, err := ParseStreamID(c)
		assert.ErrorIs(t, err, ErrRogueStreamID, "case %q", c)
	}
}
