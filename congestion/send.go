package congestion

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymesh/srtrelay/circular"
	"github.com/relaymesh/srtrelay/packet"
)

// Sender buffers outgoing data packets so that a NAK can trigger a
// retransmit, and drops packets once they are too old to be useful to the
// receiver's TSBPD delivery even if retransmitted immediately.
type Sender struct {
	lock sync.Mutex

	buf  *list.List // ordered by sequence number, oldest first
	drop uint64     // microseconds; packets older than this without an ACK are dropped

	lastACK circular.Number
	hasACK  bool

	retransmitQueue []*packet.Packet

	limiter *rate.Limiter

	stats Stats
}

// NewSender returns a Sender whose buffered packets are dropped once they
// are dropThresholdMicros older than the current send-side clock without
// having been ACKed. It has no bandwidth ceiling until SetMaxBandwidth is
// called.
func NewSender(dropThresholdMicros uint64) *Sender {
	return &Sender{
		buf:     list.New(),
		drop:    dropThresholdMicros,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetMaxBandwidth installs a token-bucket ceiling of bytesPerSecond on the
// data this Sender admits through Push; a non-positive value removes the
// ceiling. The teacher's live congestion controller only advises a send
// period, it never enforces one, so this is a stricter, enforced cap.
func (s *Sender) SetMaxBandwidth(bytesPerSecond float64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if bytesPerSecond <= 0 {
		s.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}

	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// Push enqueues a freshly sent data packet for potential retransmission. It
// reports false if the configured bandwidth ceiling rejected the packet,
// in which case it is counted as dropped and not buffered.
func (s *Sender) Push(p *packet.Packet) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.limiter.AllowN(time.Now(), p.Len()) {
		s.stats.PacketsDropped++
		return false
	}

	s.buf.PushBack(p)
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(p.Len())
	return true
}

// OnACK drops every buffered packet at or before seq: the receiver has
// confirmed delivery (or TSBPD expiry) up to that point and will never NAK
// for it again.
func (s *Sender) OnACK(seq circular.Number) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.lastACK = seq
	s.hasACK = true

	for e := s.buf.Front(); e != nil; {
		p := e.Value.(*packet.Packet)
		if !p.Header.SequenceNumber.Lte(seq) {
			break
		}

		next := e.Next()
		s.buf.Remove(e)
		e = next
	}
}

// OnNAK schedules every packet named by ranges, still present in the send
// buffer, for retransmission on the next Tick. Ranges naming sequence
// numbers that have already been dropped or ACKed are silently ignored: the
// receiver's view is allowed to lag.
func (s *Sender) OnNAK(ranges []packet.SeqRange) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, r := range ranges {
		for e := s.buf.Front(); e != nil; e = e.Next() {
			p := e.Value.(*packet.Packet)
			seq := p.Header.SequenceNumber

			if seq.Lt(r.From) {
				continue
			}
			if r.To.Lt(seq) {
				break
			}

			retx := p.Clone()
			retx.Header.Retransmitted = true
			s.retransmitQueue = append(s.retransmitQueue, retx)
			s.stats.PacketsRetransmitted++
		}
	}
}

// Tick returns the packets queued for retransmission since the last Tick,
// and drops (removing from the buffer and counting as dropped) any packet
// whose timestamp is more than the drop threshold behind now, since a
// retransmit can no longer beat the receiver's TSBPD deadline for it.
func (s *Sender) Tick(now uint64) []*packet.Packet {
	s.lock.Lock()
	defer s.lock.Unlock()

	removeList := make([]*list.Element, 0)
	for e := s.buf.Front(); e != nil; e = e.Next() {
		p := e.Value.(*packet.Packet)

		if now-uint64(p.Header.Timestamp) <= s.drop {
			break
		}

		removeList = append(removeList, e)
		s.stats.PacketsDropped++
	}

	for _, e := range removeList {
		s.buf.Remove(e)
	}

	out := s.retransmitQueue
	s.retransmitQueue = nil

	return out
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.stats
}

// Buffered reports how many packets are currently held for retransmission.
func (s *Sender) Buffered() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.buf.Len()
}
