// Package relay implements the UDP-facing half of the server: a single
// socket demultiplexer that routes incoming datagrams to the right
// connection by destination SocketID, drives the INDUCTION/CONCLUSION
// handshake for new connections, and hands accepted connections off to the
// broadcast bus according to their StreamID mode.
package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/srtrelay/bus"
	"github.com/relaymesh/srtrelay/cookie"
	"github.com/relaymesh/srtrelay/idalloc"
	"github.com/relaymesh/srtrelay/log"
	"github.com/relaymesh/srtrelay/metrics"
	"github.com/relaymesh/srtrelay/packet"
	"github.com/relaymesh/srtrelay/session"
)

// ErrListenerClosed is returned by Serve once the listener has been closed.
var ErrListenerClosed = errors.New("relay: listener closed")

// MaxDatagramSize is the receive buffer size; it comfortably covers the
// largest MTU a caller is allowed to advertise.
const MaxDatagramSize = 1500

// MinSRTVersion is the lowest SRT handshake version this listener accepts.
const MinSRTVersion = 0x010302

// Listener owns the UDP socket and every Connection accepted on it.
type Listener struct {
	pc   *net.UDPConn
	addr net.Addr

	bus      *bus.Bus
	sessions session.Registry
	ids      *idalloc.Allocator
	cookies  *cookie.Generator
	logger   log.Logger

	maxBandwidth int64

	sndQueue chan *packet.Packet

	lock  sync.RWMutex
	conns map[uint32]*Connection

	start time.Time

	shutdown     bool
	shutdownLock sync.RWMutex
	shutdownOnce sync.Once

	stop  context.CancelFunc
	group *errgroup.Group

	connsTotal uint64 // atomic

	pendingLock sync.Mutex
	pending     []time.Time // one entry per INDUCTION awaiting its CONCLUSION

	currentLock sync.Mutex
	current     map[string]int
}

// pendingHandshakeTimeout is how long an INDUCTION is tracked as pending
// before it is swept as abandoned; a CONCLUSION with a cookie this old would
// fail cookie.Verify anyway (2x cookie.Window freshness), so nothing older
// than this could still complete.
const pendingHandshakeTimeout = 2 * cookie.Window

// Config bundles the collaborators a Listener needs; all fields are
// required.
type Config struct {
	Bus      *bus.Bus
	Sessions session.Registry
	Logger   log.Logger

	// MaxBandwidth caps each accepted connection's send side at this many
	// bytes/sec. Zero means unlimited.
	MaxBandwidth int64
}

// Listen opens a UDP socket on address and starts the demultiplexer. The
// returned Listener must be closed with Close.
func Listen(address string, cfg Config) (*Listener, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}

	pc, err := net.ListenUDP("udp", raddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	ln := &Listener{
		pc:           pc,
		addr:         pc.LocalAddr(),
		bus:          cfg.Bus,
		sessions:     cfg.Sessions,
		ids:          idalloc.New(),
		logger:       cfg.Logger,
		sndQueue:     make(chan *packet.Packet, 2048),
		conns:        make(map[uint32]*Connection),
		current:      make(map[string]int),
		start:        time.Now(),
		stop:         cancel,
		maxBandwidth: cfg.MaxBandwidth,
	}

	ln.cookies = cookie.New(ln.addr.String())

	g, gctx := errgroup.WithContext(ctx)
	ln.group = g

	g.Go(func() error {
		ln.writer(gctx)
		return nil
	})
	g.Go(func() error {
		ln.reader(gctx)
		return nil
	})
	g.Go(func() error {
		ln.reapPendingHandshakes(gctx)
		return nil
	})

	return ln, nil
}

// Addr returns the address the listener is bound to.
func (ln *Listener) Addr() net.Addr {
	return ln.addr
}

// Close shuts down every connection and releases the socket.
func (ln *Listener) Close() {
	ln.shutdownOnce.Do(func() {
		ln.shutdownLock.Lock()
		ln.shutdown = true
		ln.shutdownLock.Unlock()

		// Snapshot under the read lock: each shutdown ends in
		// handleShutdown, which takes the write lock.
		ln.lock.RLock()
		conns := make([]*Connection, 0, len(ln.conns))
		for _, c := range ln.conns {
			conns = append(conns, c)
		}
		ln.lock.RUnlock()

		for _, c := range conns {
			c.shutdown(packet.RejUnknown)
		}

		ln.stop()
		ln.pc.Close()
		ln.group.Wait()
	})
}

func (ln *Listener) isShutdown() bool {
	ln.shutdownLock.RLock()
	defer ln.shutdownLock.RUnlock()
	return ln.shutdown
}

func (ln *Listener) reader(ctx context.Context) {
	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ln.pc.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, addr, err := ln.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ln.isShutdown() {
				return
			}
			continue
		}

		p, err := packet.Decode(addr, buf[:n])
		if err != nil {
			continue
		}

		if p.Header.DestinationSocketID == 0 {
			if p.Header.IsControl && p.Header.ControlType == packet.CtrlHandshake {
				ln.handleHandshake(p)
			}
			continue
		}

		ln.lock.RLock()
		conn, ok := ln.conns[p.Header.DestinationSocketID]
		ln.lock.RUnlock()

		if !ok {
			continue
		}

		conn.push(p)
	}
}

func (ln *Listener) send(p *packet.Packet) {
	select {
	case ln.sndQueue <- p:
	default:
		ln.logger.Warn().Log("send queue full, dropping packet")
	}
}

func (ln *Listener) writer(ctx context.Context) {
	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ln.sndQueue:
			n := p.Encode(buf)
			ln.pc.WriteTo(buf[:n], p.Header.Addr)
		}
	}
}

func (ln *Listener) now() uint32 {
	return uint32(time.Since(ln.start).Microseconds())
}

// handleHandshake implements both legs of the INDUCTION/CONCLUSION exchange
// for requests that have no destination connection yet.
func (ln *Listener) handleHandshake(p *packet.Packet) {
	var hs packet.Handshake
	if err := hs.Decode(p.Payload); err != nil {
		return
	}

	clientSocketID := hs.SocketID

	reply := func(reason packet.HandshakeType) {
		hs.HandshakeType = reason
		p.Header.ControlType = packet.CtrlHandshake
		p.Header.SubType = 0
		p.Header.TypeSpecific = 0
		p.Header.Timestamp = ln.now()
		p.Header.DestinationSocketID = clientSocketID
		p.Payload = hs.Encode()
		ln.send(p)
	}

	if hs.HandshakeType == packet.HSInduction {
		hs.Version = 5
		hs.EncryptionField = 0
		hs.ExtensionField = 0x4A17
		hs.SocketID = 0
		hs.SynCookie = ln.cookies.Get(p.Header.Addr.String())

		ln.pendingLock.Lock()
		ln.pending = append(ln.pending, time.Now())
		ln.pendingLock.Unlock()

		reply(packet.HSInduction)
		return
	}

	if hs.HandshakeType != packet.HSConclusion {
		return
	}

	// Every CONCLUSION received closes out one pending handshake, whether it
	// succeeds or is rejected below. FIFO order is approximate under
	// concurrent peers, but the count is a gauge, not a ledger.
	defer func() {
		ln.pendingLock.Lock()
		if len(ln.pending) > 0 {
			ln.pending = ln.pending[1:]
		}
		ln.pendingLock.Unlock()
	}()

	if !ln.cookies.Verify(hs.SynCookie, p.Header.Addr.String()) {
		reply(packet.HandshakeType(packet.RejRogue))
		return
	}

	if hs.Version != 5 {
		reply(packet.HandshakeType(packet.RejRogue))
		return
	}

	if hs.SRTVersion < MinSRTVersion {
		reply(packet.HandshakeType(packet.RejVersion))
		return
	}

	if !hs.SRTFlags.TSBPDSnd || !hs.SRTFlags.TSBPDRcv || !hs.SRTFlags.TLPktDrop || !hs.SRTFlags.PeriodicNAK || !hs.SRTFlags.RexmitFlag {
		reply(packet.HandshakeType(packet.RejRogue))
		return
	}

	if hs.SRTFlags.Stream {
		reply(packet.HandshakeType(packet.RejRogue))
		return
	}

	sid, err := packet.ParseStreamID(hs.StreamID)
	if err != nil {
		reply(packet.HandshakeType(packet.RejRogue))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	role, err := ln.sessions.Validate(ctx, sid.ResourceID, sid.SessionID, string(sid.Mode))
	cancel()
	if err != nil {
		// A publisher with a bad or unknown session secret is rejected as
		// BADSECRET; a subscriber requesting an unknown resource/session has
		// nothing to authenticate against, so it gets UNKNOWN instead.
		if sid.Mode == packet.ModePublish {
			reply(packet.HandshakeType(packet.RejBadSecret))
		} else {
			reply(packet.HandshakeType(packet.RejUnknown))
		}
		return
	}

	stream := ln.bus.StreamFor(sid.ResourceID)
	socketID := ln.ids.NextSocketID()
	connectionID := ln.ids.NextConnectionID()

	if sid.Mode == packet.ModePublish {
		if err := stream.Attach(socketID); err != nil {
			reply(packet.HandshakeType(packet.RejResource))
			return
		}
	}

	conn := newConnection(connConfig{
		localAddr:         ln.addr,
		remoteAddr:        p.Header.Addr,
		socketID:          socketID,
		peerSocketID:      hs.SocketID,
		connectionID:      connectionID,
		initialSeq:        hs.InitialSequenceNumber,
		tsbpdTimeBase:     uint64(p.Header.Timestamp),
		tsbpdDelay:        uint64(tsbpdDelay(hs)) * 1000,
		resourceID:        sid.ResourceID,
		mode:              sid.Mode,
		role:              role,
		bus:               ln.bus,
		stream:            stream,
		maxBandwidth:      ln.maxBandwidth,
		send:              ln.send,
		onShutdown:        ln.handleShutdown,
		notifySubscribers: ln.shutdownSubscribers,
		logger:            ln.logger,
	})

	ln.lock.Lock()
	ln.conns[socketID] = conn
	ln.lock.Unlock()

	atomic.AddUint64(&ln.connsTotal, 1)
	ln.incrementCurrent(string(sid.Mode))

	hs.SocketID = socketID
	hs.SynCookie = 0
	hs.SRTVersion = 0x00010402
	hs.SRTFlags.TSBPDSnd = true
	hs.SRTFlags.TSBPDRcv = true
	hs.SRTFlags.Crypt = false
	hs.SRTFlags.TLPktDrop = true
	hs.SRTFlags.PeriodicNAK = true
	hs.SRTFlags.RexmitFlag = true
	hs.SRTFlags.Stream = false
	hs.SRTFlags.PacketFilter = false

	reply(packet.HSConclusion)

	conn.start()

	if sid.Mode == packet.ModeRequest {
		conn.attachSubscriber()
	}
}

func tsbpdDelay(hs packet.Handshake) uint16 {
	d := uint16(120)
	if hs.RecvTSBPDDelay > d {
		d = hs.RecvTSBPDDelay
	}
	if hs.SendTSBPDDelay > d {
		d = hs.SendTSBPDDelay
	}
	return d
}

func (ln *Listener) handleShutdown(socketID uint32) {
	ln.lock.Lock()
	conn, ok := ln.conns[socketID]
	delete(ln.conns, socketID)
	ln.lock.Unlock()

	if ok {
		ln.decrementCurrent(string(conn.Mode()))
	}
}

// shutdownSubscribers sends a SHUTDOWN to every subscriber connection named
// by socketIDs, called once a publisher detaches from its stream. Run in
// its own goroutine per connection so it never blocks on the listener lock
// the caller (a connection's own teardown) may still be holding indirectly.
func (ln *Listener) shutdownSubscribers(socketIDs []uint32) {
	ln.lock.RLock()
	targets := make([]*Connection, 0, len(socketIDs))
	for _, id := range socketIDs {
		if c, ok := ln.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	ln.lock.RUnlock()

	for _, c := range targets {
		go c.shutdown(packet.RejUnknown)
	}
}

// reapPendingHandshakes periodically drops INDUCTIONs abandoned without a
// matching CONCLUSION, so a peer that induces and walks away doesn't leak
// the handshake gauge upward forever.
func (ln *Listener) reapPendingHandshakes(ctx context.Context) {
	t := time.NewTicker(cookie.Window)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-pendingHandshakeTimeout)

			ln.pendingLock.Lock()
			i := 0
			for i < len(ln.pending) && ln.pending[i].Before(cutoff) {
				i++
			}
			ln.pending = ln.pending[i:]
			ln.pendingLock.Unlock()
		}
	}
}

func (ln *Listener) incrementCurrent(mode string) {
	ln.currentLock.Lock()
	ln.current[mode]++
	ln.currentLock.Unlock()
}

func (ln *Listener) decrementCurrent(mode string) {
	ln.currentLock.Lock()
	if ln.current[mode] > 0 {
		ln.current[mode]--
	}
	ln.currentLock.Unlock()
}

// ConnectionsTotal implements metrics.ServerSource.
func (ln *Listener) ConnectionsTotal() uint64 {
	return atomic.LoadUint64(&ln.connsTotal)
}

// ConnectionsCurrent implements metrics.ServerSource.
func (ln *Listener) ConnectionsCurrent() map[string]int {
	ln.currentLock.Lock()
	defer ln.currentLock.Unlock()

	out := make(map[string]int, len(ln.current)+1)
	for mode, n := range ln.current {
		out[mode] = n
	}
	ln.pendingLock.Lock()
	out["handshake"] = len(ln.pending)
	ln.pendingLock.Unlock()

	return out
}

// ConnectionCount reports the number of currently tracked connections.
func (ln *Listener) ConnectionCount() int {
	ln.lock.RLock()
	defer ln.lock.RUnlock()
	return len(ln.conns)
}

// Connections implements metrics.ConnectionSource.
func (ln *Listener) Connections() []metrics.ConnectionInfo {
	ln.lock.RLock()
	defer ln.lock.RUnlock()

	out := make([]metrics.ConnectionInfo, 0, len(ln.conns))

	for _, c := range ln.conns {
		stats := c.Stats()
		out = append(out, metrics.ConnectionInfo{
			ConnectionID:             c.ConnectionID(),
			DataPacketsSent:          stats.DataPacketsSent,
			DataPacketsReceived:      stats.DataPacketsReceived,
			DataPacketsLost:          stats.DataPacketsLost,
			DataPacketsRetransmitted: stats.DataPacketsRetransmitted,
			DataPacketsDropped:       stats.DataPacketsDropped,
			DataBytesSent:            stats.DataBytesSent,
			DataBytesReceived:        stats.DataBytesReceived,
			DataBytesLost:            stats.DataBytesLost,
			CtrlPacketsSent:          stats.CtrlPacketsSent,
			CtrlPacketsReceived:      stats.CtrlPacketsReceived,
			CtrlBytesSent:            stats.CtrlBytesSent,
			CtrlBytesReceived:        stats.CtrlBytesReceived,
			CtrlPacketsLost:          stats.CtrlPacketsLost,
			CtrlBytesLost:            stats.CtrlBytesLost,
			RTT:                      stats.RTT,
			RTTVar:                   stats.RTTVar,
		})
	}

	return out
}
