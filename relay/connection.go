package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/srtrelay/bus"
	"github.com/relaymesh/srtrelay/circular"
	"github.com/relaymesh/srtrelay/congestion"
	"github.com/relaymesh/srtrelay/log"
	"github.com/relaymesh/srtrelay/packet"
	"github.com/relaymesh/srtrelay/session"
)

// State is the connection's position in its handshake/run/teardown
// lifecycle.
type State int

const (
	StateInduction State = iota
	StateConclusion
	StateRunning
	StateShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInduction:
		return "induction"
	case StateConclusion:
		return "conclusion"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// KeepAliveInterval is how often a running connection sends a keepalive
// when it has no other traffic.
const KeepAliveInterval = 1 * time.Second

// PeerIdleTimeout is how long a connection waits for any packet from its
// peer before tearing itself down.
const PeerIdleTimeout = 5 * time.Second

// AckAckTimeout bounds how long a full ACK waits for its ACKACK before it is
// counted as a lost control packet and its ackNumbers entry is reclaimed.
const AckAckTimeout = 1 * time.Second

// TickInterval drives both the sender and receiver congestion-control Tick.
// It bounds how coarsely TSBPD delivery deadlines and the periodic-ACK/NAK
// cadence can be honored, so it is kept well under the smallest budget
// (TSBPD's 120ms floor) rather than at the nominal 10ms ACK cadence itself.
const TickInterval = 1 * time.Millisecond

type connConfig struct {
	localAddr, remoteAddr net.Addr

	socketID, peerSocketID uint32
	connectionID           uint64
	initialSeq             circular.Number
	tsbpdTimeBase          uint64
	tsbpdDelay             uint64

	resourceID uint64
	mode       packet.Mode
	role       session.Role

	maxBandwidth int64

	bus    *bus.Bus
	stream *bus.Stream

	send              func(p *packet.Packet)
	onShutdown        func(socketID uint32)
	notifySubscribers func(socketIDs []uint32)
	logger            log.Logger
}

// Connection is one accepted peer: a congestion-controlled data path tied
// to one side of a bus.Stream.
type Connection struct {
	cfg connConfig

	startTime time.Time

	lock  sync.Mutex
	state State

	snd *congestion.Sender
	rcv *congestion.Receiver

	sink *bus.Sink

	rcvQueue chan *packet.Packet

	ackNumbers map[uint32]time.Time

	lastRecv time.Time

	stop context.CancelFunc

	logger log.Logger

	stats ConnectionStats

	ctrlPacketsSent     uint64 // atomic
	ctrlPacketsReceived uint64 // atomic
	ctrlBytesSent       uint64 // atomic
	ctrlBytesReceived   uint64 // atomic
	ctrlPacketsLost     uint64 // atomic
}

// ConnectionStats exposes the counters the metrics package samples per
// connection, split between the data path (subject to TSBPD/loss/
// retransmission) and the control path (handshake aside, ACK/NAK/keepalive/
// shutdown).
type ConnectionStats struct {
	DataPacketsSent          uint64
	DataPacketsReceived      uint64
	DataPacketsLost          uint64
	DataPacketsRetransmitted uint64
	DataPacketsDropped       uint64
	DataBytesSent            uint64
	DataBytesReceived        uint64
	DataBytesLost            uint64

	CtrlPacketsSent     uint64
	CtrlPacketsReceived uint64
	CtrlBytesSent       uint64
	CtrlBytesReceived   uint64
	CtrlPacketsLost     uint64
	CtrlBytesLost       uint64

	RTT, RTTVar uint32
}

func newConnection(cfg connConfig) *Connection {
	c := &Connection{
		cfg:        cfg,
		startTime:  time.Now(),
		state:      StateConclusion,
		rcvQueue:   make(chan *packet.Packet, 256),
		ackNumbers: make(map[uint32]time.Time),
		logger:     cfg.logger.WithComponent("connection"),
	}

	c.snd = congestion.NewSender(uint64(cfg.tsbpdDelay) * 2)
	c.rcv = congestion.NewReceiver(c.deliver)

	if cfg.maxBandwidth > 0 {
		c.snd.SetMaxBandwidth(float64(cfg.maxBandwidth))
	}

	return c
}

func (c *Connection) deliver(p *packet.Packet) {
	if c.cfg.mode == packet.ModePublish {
		c.cfg.stream.Publish(p)
	}
}

// start begins the connection's read/tick loops. Called once the
// CONCLUSION response has been sent.
func (c *Connection) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel

	c.lock.Lock()
	c.state = StateRunning
	c.lastRecv = time.Now()
	c.lock.Unlock()

	go c.readLoop(ctx)
	go c.ticker(ctx)
}

// attachSubscriber wires this connection's data path to the bus as a
// subscriber, fanning out delivered packets to the network.
func (c *Connection) attachSubscriber() {
	sink := c.cfg.stream.Subscribe(c.cfg.socketID)
	c.sink = sink

	go func() {
		for p := range sink.C() {
			c.sendData(p)
		}
	}()
}

func (c *Connection) now() uint64 {
	return uint64(time.Since(c.startTime).Microseconds())
}

// push enqueues a packet received from the network for processing.
func (c *Connection) push(p *packet.Packet) {
	select {
	case c.rcvQueue <- p:
	default:
		c.logger.Warn().WithField("socketId", c.cfg.socketID).Log("connection receive queue full, dropping packet")
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.rcvQueue:
			c.handlePacket(p)
		}
	}
}

func (c *Connection) handlePacket(p *packet.Packet) {
	c.lock.Lock()
	c.lastRecv = time.Now()
	c.lock.Unlock()

	if !p.Header.IsControl {
		c.handleData(p)
		return
	}

	atomic.AddUint64(&c.ctrlPacketsReceived, 1)
	atomic.AddUint64(&c.ctrlBytesReceived, uint64(p.Len()))

	switch p.Header.ControlType {
	case packet.CtrlKeepalive:
		c.handleKeepalive(p)
	case packet.CtrlShutdown:
		c.handleShutdown()
	case packet.CtrlACK:
		c.handleACK(p)
	case packet.CtrlNAK:
		c.handleNAK(p)
	case packet.CtrlACKACK:
		c.handleACKACK(p)
	}
}

func (c *Connection) handleData(p *packet.Packet) {
	if c.cfg.mode != packet.ModePublish {
		return
	}

	p.Header.TsbpdDeadline = c.cfg.tsbpdTimeBase + uint64(p.Header.Timestamp) + c.cfg.tsbpdDelay

	dup, nak := c.rcv.Push(p)
	if dup {
		return
	}

	if nak != nil {
		c.sendNAK(nak.From, nak.To)
	}
}

func (c *Connection) handleKeepalive(p *packet.Packet) {
	c.sendKeepalive()
}

func (c *Connection) handleShutdown() {
	go c.teardown()
}

func (c *Connection) handleACK(p *packet.Packet) {
	var ack packet.ACK
	if err := ack.Decode(p.Payload); err != nil {
		return
	}

	c.snd.OnACK(ack.LastACK)

	if !ack.IsLite {
		c.recalculateRTT(time.Duration(ack.RTT) * time.Microsecond)
		c.sendACKACK(p.Header.TypeSpecific)
	}
}

func (c *Connection) handleNAK(p *packet.Packet) {
	var nak packet.NAK
	if err := nak.Decode(p.Payload); err != nil {
		return
	}

	c.snd.OnNAK(nak.Ranges)
}

func (c *Connection) handleACKACK(p *packet.Packet) {
	c.lock.Lock()
	sentAt, ok := c.ackNumbers[p.Header.TypeSpecific]
	if ok {
		delete(c.ackNumbers, p.Header.TypeSpecific)
	}
	c.lock.Unlock()

	if ok {
		c.recalculateRTT(time.Since(sentAt))
	}
}

func (c *Connection) recalculateRTT(sample time.Duration) {
	c.rcv.UpdateRTT(uint32(sample.Microseconds()))
}

func (c *Connection) ticker(ctx context.Context) {
	t := time.NewTicker(TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := c.now()

			if ack, nak := c.rcv.Tick(now); ack != nil || nak != nil {
				if ack != nil {
					c.emitACK(ack)
				}
				if nak != nil {
					c.sendNAK(nak.Ranges[0].From, nak.Ranges[0].To)
				}
			}

			for _, retx := range c.snd.Tick(now) {
				c.sendData(retx)
			}

			c.reapStaleAcks()
			c.checkIdle()
		}
	}
}

// reapStaleAcks drops ackNumbers entries whose ACKACK never arrived within
// AckAckTimeout, counting each as a lost control packet. A full ACK is the
// only control packet this connection can detect the loss of, since nothing
// else round-trips a matching reply.
func (c *Connection) reapStaleAcks() {
	cutoff := time.Now().Add(-AckAckTimeout)

	c.lock.Lock()
	var lost int
	for seq, sentAt := range c.ackNumbers {
		if sentAt.Before(cutoff) {
			delete(c.ackNumbers, seq)
			lost++
		}
	}
	c.lock.Unlock()

	if lost > 0 {
		atomic.AddUint64(&c.ctrlPacketsLost, uint64(lost))
	}
}

func (c *Connection) checkIdle() {
	c.lock.Lock()
	idle := time.Since(c.lastRecv)
	c.lock.Unlock()

	if idle > PeerIdleTimeout {
		go c.teardown()
		return
	}

	if idle >= KeepAliveInterval {
		c.sendKeepalive()
	}
}

func (c *Connection) newControlPacket(ctrlType uint16) *packet.Packet {
	return &packet.Packet{
		Header: packet.Header{
			Addr:                c.cfg.remoteAddr,
			IsControl:           true,
			ControlType:         ctrlType,
			Timestamp:           uint32(c.now()),
			DestinationSocketID: c.cfg.peerSocketID,
		},
	}
}

// sendCtrl sends a control packet and counts it toward this connection's
// control-path metrics, kept separate from the data path's own counters.
func (c *Connection) sendCtrl(p *packet.Packet) {
	atomic.AddUint64(&c.ctrlPacketsSent, 1)
	atomic.AddUint64(&c.ctrlBytesSent, uint64(p.Len()))
	c.cfg.send(p)
}

func (c *Connection) sendKeepalive() {
	c.sendCtrl(c.newControlPacket(packet.CtrlKeepalive))
}

func (c *Connection) emitACK(ack *packet.ACK) {
	p := c.newControlPacket(packet.CtrlACK)
	p.Payload = ack.Encode()

	if !ack.IsLite {
		seq := uint32(time.Now().UnixNano())
		p.Header.TypeSpecific = seq

		c.lock.Lock()
		c.ackNumbers[seq] = time.Now()
		c.lock.Unlock()
	}

	c.sendCtrl(p)
}

func (c *Connection) sendNAK(from, to circular.Number) {
	p := c.newControlPacket(packet.CtrlNAK)
	p.Payload = (&packet.NAK{Ranges: []packet.SeqRange{{From: from, To: to}}}).Encode()
	c.sendCtrl(p)
}

func (c *Connection) sendACKACK(ackSeq uint32) {
	p := c.newControlPacket(packet.CtrlACKACK)
	p.Header.TypeSpecific = ackSeq
	c.sendCtrl(p)
}

// sendShutdown emits a SHUTDOWN carrying reason in the header's TypeSpecific
// field, the only slot a SHUTDOWN has to say why.
func (c *Connection) sendShutdown(reason packet.RejectReason) {
	p := c.newControlPacket(packet.CtrlShutdown)
	p.Header.TypeSpecific = uint32(reason)
	c.sendCtrl(p)
}

// sendData transmits a data packet to this connection's peer, stamping it
// with the destination socket ID, and buffers it for retransmission. A
// packet rejected by the sender's bandwidth ceiling is not sent.
func (c *Connection) sendData(p *packet.Packet) {
	out := p.Clone()
	out.Header.Addr = c.cfg.remoteAddr
	out.Header.DestinationSocketID = c.cfg.peerSocketID

	if !c.snd.Push(out) {
		return
	}
	c.cfg.send(out)
}

// shutdown rejects/terminates the connection immediately with reason,
// without waiting for a SHUTDOWN round trip. Used when the listener itself
// is closing.
func (c *Connection) shutdown(reason packet.RejectReason) {
	c.sendShutdown(reason)
	c.teardown()
}

func (c *Connection) teardown() {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return
	}
	c.state = StateClosed
	c.lock.Unlock()

	if c.stop != nil {
		c.stop()
	}

	if c.sink != nil {
		c.cfg.stream.Unsubscribe(c.cfg.socketID)
	}
	if c.cfg.mode == packet.ModePublish {
		subscribers := c.cfg.stream.Detach(c.cfg.socketID)
		if c.cfg.notifySubscribers != nil {
			c.cfg.notifySubscribers(subscribers)
		}
	}

	if c.cfg.bus != nil {
		c.cfg.bus.Reap(c.cfg.resourceID)
	}

	c.cfg.onShutdown(c.cfg.socketID)
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Stats returns a snapshot combining the sender and receiver congestion
// counters with this connection's control-path counters, for the metrics
// package. A subscriber's data loss includes packets its bus.Sink had to
// drop to keep up, on top of whatever the receive path itself lost.
func (c *Connection) Stats() ConnectionStats {
	snd := c.snd.Stats()
	rcv := c.rcv.Stats()

	lost := rcv.PacketsLost
	if c.sink != nil {
		lost += c.sink.Dropped()
	}

	ctrlLost := atomic.LoadUint64(&c.ctrlPacketsLost)

	return ConnectionStats{
		DataPacketsSent:          snd.PacketsSent,
		DataPacketsReceived:      rcv.PacketsReceived,
		DataPacketsLost:          lost,
		DataPacketsRetransmitted: snd.PacketsRetransmitted,
		DataPacketsDropped:       snd.PacketsDropped,
		DataBytesSent:            snd.BytesSent,
		DataBytesReceived:        rcv.BytesReceived,
		DataBytesLost:            lost * MaxDatagramSize,

		CtrlPacketsSent:     atomic.LoadUint64(&c.ctrlPacketsSent),
		CtrlPacketsReceived: atomic.LoadUint64(&c.ctrlPacketsReceived),
		CtrlBytesSent:       atomic.LoadUint64(&c.ctrlBytesSent),
		CtrlBytesReceived:   atomic.LoadUint64(&c.ctrlBytesReceived),
		CtrlPacketsLost:     ctrlLost,
		CtrlBytesLost:       ctrlLost * MaxDatagramSize,

		RTT:    rcv.RTT,
		RTTVar: rcv.RTTVar,
	}
}

// ResourceID returns the resource this connection is attached to.
func (c *Connection) ResourceID() uint64 {
	return c.cfg.resourceID
}

// Mode returns whether this connection is a publisher or subscriber.
func (c *Connection) Mode() packet.Mode {
	return c.cfg.mode
}

// ConnectionID returns the identifier this connection is labeled with in
// metrics, stable for the life of the connection and never reused.
func (c *Connection) ConnectionID() uint64 {
	return c.cfg.connectionID
}
