// Package bus implements the broadcast fan-out between one publisher and
// many subscribers of a single resource. Delivery to a slow subscriber
// never blocks the publisher or other subscribers: a subscriber's queue
// drops its oldest buffered packet rather than apply backpressure upstream.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/relaymesh/srtrelay/packet"
)

// QueueDepth is the number of packets buffered per subscriber before the
// oldest is dropped to make room for the newest.
const QueueDepth = 1024

// ErrPublisherExists is returned when a second publisher tries to attach to
// a resource that already has one.
var ErrPublisherExists = errors.New("bus: resource already has a publisher")

// Sink receives fanned-out packets for one subscriber.
type Sink struct {
	id      uint32
	ch      chan *packet.Packet
	dropped uint64 // atomic

	lock   sync.Mutex
	closed bool
}

func newSink(id uint32) *Sink {
	return &Sink{id: id, ch: make(chan *packet.Packet, QueueDepth)}
}

// C returns the channel the subscriber should read delivered packets from.
// It is closed when the sink is detached.
func (s *Sink) C() <-chan *packet.Packet {
	return s.ch
}

// Dropped reports how many packets this sink has discarded to make room in
// a full queue, counted toward the subscribing connection's packet loss.
func (s *Sink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Sink) push(p *packet.Packet) {
	select {
	case s.ch <- p:
		return
	default:
	}

	// Queue is full: drop the oldest buffered packet to make room, rather
	// than block the publisher or this sink's siblings.
	select {
	case <-s.ch:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}

	select {
	case s.ch <- p:
	default:
	}
}

func (s *Sink) close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Stream is the single publisher, many subscribers fan-out for one
// resource. A Stream with no publisher and no subscribers is ready for
// garbage collection by its owning Bus.
type Stream struct {
	lock sync.RWMutex

	publisherSet bool
	publisherID  uint32

	sinks map[uint32]*Sink

	joinSeq uint64
}

func newStream() *Stream {
	return &Stream{sinks: make(map[uint32]*Sink)}
}

// Attach registers socketID as this stream's publisher. It fails with
// ErrPublisherExists if one is already attached.
func (s *Stream) Attach(socketID uint32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.publisherSet {
		return ErrPublisherExists
	}

	s.publisherSet = true
	s.publisherID = socketID

	return nil
}

// Detach removes socketID as this stream's publisher, if it is the current
// one, and tears down every subscriber sink: a stream has no content once
// its source disappears. The sinks are closed before Detach returns; the
// returned socket IDs name the subscribers so the caller can send each
// of them a SHUTDOWN control packet.
func (s *Stream) Detach(socketID uint32) []uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.publisherSet || s.publisherID != socketID {
		return nil
	}

	s.publisherSet = false

	ids := make([]uint32, 0, len(s.sinks))
	for id, sink := range s.sinks {
		ids = append(ids, id)
		sink.close()
		delete(s.sinks, id)
	}

	return ids
}

// Publish fans p out to every attached sink, cloning it once per recipient
// so that no two subscribers share a payload slice.
func (s *Stream) Publish(p *packet.Packet) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, sink := range s.sinks {
		sink.push(p.Clone())
	}
}

// Subscribe attaches a new sink for socketID and returns it.
func (s *Stream) Subscribe(socketID uint32) *Sink {
	s.lock.Lock()
	defer s.lock.Unlock()

	sink := newSink(socketID)
	s.sinks[socketID] = sink
	s.joinSeq++

	return sink
}

// Unsubscribe detaches socketID's sink, if present.
func (s *Stream) Unsubscribe(socketID uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if sink, ok := s.sinks[socketID]; ok {
		sink.close()
		delete(s.sinks, socketID)
	}
}

// Empty reports whether the stream has neither a publisher nor any
// subscriber, and can be removed from its Bus.
func (s *Stream) Empty() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return !s.publisherSet && len(s.sinks) == 0
}

// HasPublisher reports whether socketID is the current publisher.
func (s *Stream) HasPublisher(socketID uint32) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.publisherSet && s.publisherID == socketID
}

// SubscriberCount reports the number of attached subscriber sinks.
func (s *Stream) SubscriberCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.sinks)
}

// Bus maps resource IDs to their Stream.
type Bus struct {
	lock    sync.Mutex
	streams map[uint64]*Stream
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{streams: make(map[uint64]*Stream)}
}

// StreamFor returns the Stream for resourceID, creating it if necessary.
func (b *Bus) StreamFor(resourceID uint64) *Stream {
	b.lock.Lock()
	defer b.lock.Unlock()

	s, ok := b.streams[resourceID]
	if !ok {
		s = newStream()
		b.streams[resourceID] = s
	}

	return s
}

// Lookup returns the Stream for resourceID without creating it.
func (b *Bus) Lookup(resourceID uint64) (*Stream, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	s, ok := b.streams[resourceID]
	return s, ok
}

// Reap removes resourceID's Stream if it is empty. Called after a
// publisher or subscriber detaches.
func (b *Bus) Reap(resourceID uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()

	s, ok := b.streams[resourceID]
	if ok && s.Empty() {
		delete(b.streams, resourceID)
	}
}

// Count returns the number of active streams, for metrics.
func (b *Bus) Count() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.streams)
}
