package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/srtrelay/bus"
	"github.com/relaymesh/srtrelay/circular"
	"github.com/relaymesh/srtrelay/log"
	"github.com/relaymesh/srtrelay/packet"
	"github.com/relaymesh/srtrelay/session"
)

func testConnection(t *testing.T, mode packet.Mode) (*Connection, *bus.Stream, *[]*packet.Packet) {
	t.Helper()

	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9000")
	stream := bus.New().StreamFor(1)

	sent := make([]*packet.Packet, 0)
	var lock sync.Mutex

	cfg := connConfig{
		localAddr:     addr,
		remoteAddr:    addr,
		socketID:      100,
		peerSocketID:  200,
		tsbpdTimeBase: 0,
		tsbpdDelay:    120_000,
		resourceID:    1,
		mode:          mode,
		role:          session.RolePublisher,
		stream:        stream,
		send: func(p *packet.Packet) {
			lock.Lock()
			defer lock.Unlock()
			sent = append(sent, p)
		},
		onShutdown: func(uint32) {},
		logger:     log.New("test"),
	}

	if mode == packet.ModePublish {
		stream.Attach(cfg.socketID)
	}

	c := newConnection(cfg)

	return c, stream, &sent
}

func TestHandleDataDeliversToStreamOncePastDeadline(t *testing.T) {
	c, stream, _ := testConnection(t, packet.ModePublish)

	sub := stream.Subscribe(999)

	p := packet.NewDataPacket()
	p.Payload = []byte("hello")
	p.Header.Timestamp = 0

	c.handleData(p)

	// Past the TSBPD deadline, delivery should happen.
	c.rcv.Tick(c.cfg.tsbpdDelay + 1)

	select {
	case got := <-sub.C():
		if string(got.Payload) != "hello" {
			t.Fatalf("unexpected payload %q", got.Payload)
		}
	default:
		t.Fatalf("expected the packet to have been delivered to the stream")
	}
}

func TestHandleDataIgnoredWhenNotPublisher(t *testing.T) {
	c, _, _ := testConnection(t, packet.ModeRequest)

	p := packet.NewDataPacket()
	c.handleData(p)

	if c.rcv.Stats().PacketsReceived != 0 {
		t.Fatalf("a subscriber connection must not feed the receive congestion control")
	}
}

func TestHandleACKTrimsSenderBuffer(t *testing.T) {
	c, _, _ := testConnection(t, packet.ModePublish)

	for i := uint32(0); i < 5; i++ {
		p := packet.NewDataPacket()
		p.Header.SequenceNumber = p.Header.SequenceNumber.Add(i)
		c.snd.Push(p)
	}

	liteAck := packet.ACK{IsLite: true, LastACK: circular.New(2, packet.MaxSequenceNumber)}
	body := liteAck.Encode()

	p := &packet.Packet{Header: packet.Header{IsControl: true, ControlType: packet.CtrlACK}, Payload: body}
	c.handleACK(p)

	if c.snd.Buffered() != 2 {
		t.Fatalf("expected 2 packets remaining after ACK up to seq 2, got %d", c.snd.Buffered())
	}
}

func TestReapStaleAcksCountsUnmatchedFullACKsAsLost(t *testing.T) {
	c, _, _ := testConnection(t, packet.ModeRequest)

	c.lock.Lock()
	c.ackNumbers[1] = time.Now().Add(-2 * AckAckTimeout)
	c.ackNumbers[2] = time.Now()
	c.lock.Unlock()

	c.reapStaleAcks()

	if got := c.Stats().CtrlPacketsLost; got != 1 {
		t.Fatalf("expected 1 stale ACK counted as lost, got %d", got)
	}

	c.lock.Lock()
	_, stillPending := c.ackNumbers[2]
	c.lock.Unlock()

	if !stillPending {
		t.Fatalf("an ACK within AckAckTimeout must not be reaped yet")
	}
}

func TestStatsEstimatesLostBytesFromLostPacketsTimesMTU(t *testing.T) {
	c, stream, _ := testConnection(t, packet.ModeRequest)
	c.sink = stream.Subscribe(c.cfg.socketID)

	for i := 0; i < 3; i++ {
		stream.Publish(packet.NewDataPacket())
	}
	for i := 0; i < bus.QueueDepth; i++ {
		stream.Publish(packet.NewDataPacket())
	}

	stats := c.Stats()
	if stats.DataBytesLost != stats.DataPacketsLost*MaxDatagramSize {
		t.Fatalf("expected DataBytesLost to equal DataPacketsLost x MTU, got %d for %d lost packets", stats.DataBytesLost, stats.DataPacketsLost)
	}
}
