// Package congestion implements the live-streaming congestion control
// profile: a sender side that buffers outgoing data packets until they are
// ACKed or have aged past the point where a retransmit could still arrive in
// time, and a receiver side that reorders arriving packets, reports loss via
// NAK and releases packets for delivery once their TSBPD deadline has
// passed. Both sides are driven by an external Tick(now) call rather than by
// their own timers, so that a single connection's timer-wheel entry can
// drive both halves.
package congestion

// DefaultPeriodicACKInterval is how often a full or light ACK is considered
// for sending, in microseconds.
const DefaultPeriodicACKInterval uint64 = 10_000

// LightACKEvery is the number of data packets received between light ACKs,
// when no full ACK is due yet.
const LightACKEvery = 64

// MinPeriodicNAKInterval is the floor on the NAK re-send interval; the
// actual interval is max(MinPeriodicNAKInterval, rtt+4*rttvar).
const MinPeriodicNAKInterval uint64 = 20_000

// Stats carries the counters exposed to the metrics package for one
// connection's send or receive path.
type Stats struct {
	PacketsSent         uint64
	PacketsReceived      uint64
	PacketsRetransmitted uint64
	PacketsLost          uint64
	PacketsDropped       uint64
	BytesSent            uint64
	BytesReceived        uint64
	RTT                  uint32 // microseconds
	RTTVar               uint32 // microseconds
}

// updateRTT applies the RFC 6298-style EWMA smoothing SRT uses for RTT
// tracking, sampled from ACKACK round trips. The arithmetic is carried out
// entirely in int64 since sample is routinely smaller than the current
// estimate on a live link, which makes the delta negative.
func updateRTT(rtt, rttVar, sample uint32) (uint32, uint32) {
	if rtt == 0 {
		return sample, sample / 2
	}

	delta := int64(sample) - int64(rtt)
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	newRTT := int64(rtt) + delta/8
	newRTTVar := int64(rttVar) + (absDelta-int64(rttVar))/4

	if newRTT < 0 {
		newRTT = 0
	}
	if newRTTVar < 0 {
		newRTTVar = 0
	}

	return uint32(newRTT), uint32(newRTTVar)
}

// nakInterval returns the periodic-NAK re-send interval for the given RTT
// sample, in microseconds.
func nakInterval(rtt, rttVar uint32) uint64 {
	v := uint64(rtt) + 4*uint64(rttVar)
	if v < MinPeriodicNAKInterval {
		return MinPeriodicNAKInterval
	}
	return v
}
