package congestion

import (
	"container/list"
	"sync"

	"github.com/relaymesh/srtrelay/circular"
	"github.com/relaymesh/srtrelay/packet"
)

// Receiver reorders arriving data packets, tracks loss for NAK, smooths RTT
// from ACKACK round trips and releases packets for delivery once their
// TsbpdDeadline has passed.
type Receiver struct {
	lock sync.Mutex

	packetList *list.List // ordered by sequence number

	lastACKSeq       circular.Number
	lastDeliveredSeq circular.Number
	maxSeenSeq       circular.Number
	seenAny          bool

	nPackets        int
	lastPeriodicACK uint64
	lastPeriodicNAK uint64
	nakIntervalUs   uint64

	rtt    uint32
	rttVar uint32

	stats Stats

	deliver func(p *packet.Packet)
}

// NewReceiver returns a Receiver that calls deliver for every packet once
// it becomes eligible for TSBPD release.
func NewReceiver(deliver func(p *packet.Packet)) *Receiver {
	return &Receiver{
		packetList:    list.New(),
		nakIntervalUs: MinPeriodicNAKInterval,
		deliver:       deliver,
	}
}

// Push inserts a freshly received data packet into the reorder buffer. It
// reports the packet as a duplicate if its sequence number has already
// been ACKed or delivered, and reports an immediate-NAK range when the
// packet's arrival reveals a new gap that should be reported without
// waiting for the next periodic NAK.
func (r *Receiver) Push(p *packet.Packet) (duplicate bool, nak *packet.SeqRange) {
	r.lock.Lock()
	defer r.lock.Unlock()

	seq := p.Header.SequenceNumber

	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(p.Len())
	r.nPackets++

	if r.seenAny && seq.Lte(r.lastACKSeq) {
		return true, nil
	}

	if !r.seenAny {
		r.maxSeenSeq = seq
		r.lastACKSeq = seq.Dec()
		r.lastDeliveredSeq = seq.Dec()
		r.seenAny = true
	}

	for e := r.packetList.Front(); e != nil; e = e.Next() {
		existing := e.Value.(*packet.Packet)

		if existing.Header.SequenceNumber.Equals(seq) {
			return true, nil
		}

		if seq.Lt(existing.Header.SequenceNumber) {
			r.packetList.InsertBefore(p, e)
			goto inserted
		}
	}
	r.packetList.PushBack(p)

inserted:
	if seq.Gt(r.maxSeenSeq) {
		gapFrom := r.maxSeenSeq.Inc()

		if !seq.Equals(gapFrom) {
			r.stats.PacketsLost += uint64(seq.Distance(gapFrom))
			r.maxSeenSeq = seq
			return false, &packet.SeqRange{From: gapFrom, To: seq.Dec()}
		}

		r.maxSeenSeq = seq
	}

	return false, nil
}

// UpdateRTT folds a fresh RTT sample (from an ACKACK round trip) into the
// smoothed RTT/RTTVar estimate and recomputes the periodic-NAK interval.
func (r *Receiver) UpdateRTT(sampleMicros uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.rtt, r.rttVar = updateRTT(r.rtt, r.rttVar, sampleMicros)
	r.nakIntervalUs = nakInterval(r.rtt, r.rttVar)
	r.stats.RTT, r.stats.RTTVar = r.rtt, r.rttVar
}

// periodicACK decides whether a full or light ACK is due, and if so what
// sequence number it should report as fully received.
func (r *Receiver) periodicACK(now uint64) (ok bool, seq circular.Number, lite bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.seenAny {
		return false, circular.Number{}, false
	}

	due := now-r.lastPeriodicACK >= DefaultPeriodicACKInterval
	light := r.nPackets >= LightACKEvery

	if !due && !light {
		return false, circular.Number{}, false
	}

	ack := r.lastACKSeq

	for e := r.packetList.Front(); e != nil; e = e.Next() {
		p := e.Value.(*packet.Packet)
		seqNo := p.Header.SequenceNumber

		if seqNo.Lte(ack) {
			continue
		}

		if p.Header.TsbpdDeadline != 0 && p.Header.TsbpdDeadline <= now {
			ack = seqNo
			continue
		}

		if seqNo.Equals(ack.Inc()) {
			ack = seqNo
			continue
		}

		break
	}

	r.lastACKSeq = ack
	r.lastPeriodicACK = now
	r.nPackets = 0

	return true, ack, !due
}

// periodicNAK decides whether the first still-open loss gap should be
// re-reported, throttled to the RTT-derived interval.
func (r *Receiver) periodicNAK(now uint64) (ok bool, from, to circular.Number) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.seenAny || now-r.lastPeriodicNAK < r.nakIntervalUs {
		return false, circular.Number{}, circular.Number{}
	}

	ack := r.lastACKSeq

	for e := r.packetList.Front(); e != nil; e = e.Next() {
		p := e.Value.(*packet.Packet)
		seqNo := p.Header.SequenceNumber

		if seqNo.Lte(ack) {
			continue
		}

		if !seqNo.Equals(ack.Inc()) {
			r.lastPeriodicNAK = now
			return true, ack.Inc(), seqNo.Dec()
		}

		ack = seqNo
	}

	r.lastPeriodicNAK = now

	return false, circular.Number{}, circular.Number{}
}

// Tick drives ACK/NAK cadence and TSBPD delivery. It returns whatever ACK
// and NAK the connection should now send, having already delivered every
// packet that became eligible.
func (r *Receiver) Tick(now uint64) (ack *packet.ACK, nak *packet.NAK) {
	if ok, seq, lite := r.periodicACK(now); ok {
		r.lock.Lock()
		rtt, rttVar := r.rtt, r.rttVar
		r.lock.Unlock()

		ack = &packet.ACK{IsLite: lite, LastACK: seq, RTT: rtt, RTTVar: rttVar}
	}

	if ok, from, to := r.periodicNAK(now); ok {
		nak = &packet.NAK{Ranges: []packet.SeqRange{{From: from, To: to}}}
	}

	r.lock.Lock()
	removeList := make([]*list.Element, 0, r.packetList.Len())

	for e := r.packetList.Front(); e != nil; e = e.Next() {
		p := e.Value.(*packet.Packet)
		seqNo := p.Header.SequenceNumber

		if seqNo.Lte(r.lastACKSeq) && p.Header.TsbpdDeadline <= now {
			r.lastDeliveredSeq = seqNo
			removeList = append(removeList, e)
		} else {
			break
		}
	}

	for _, e := range removeList {
		r.packetList.Remove(e)
	}
	r.lock.Unlock()

	for _, e := range removeList {
		r.deliver(e.Value.(*packet.Packet))
	}

	return ack, nak
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.stats
}
