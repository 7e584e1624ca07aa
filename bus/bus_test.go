package bus

import (
	"testing"
	"time"

	"github.com/relaymesh/srtrelay/packet"
)

func TestSecondPublisherRejected(t *testing.T) {
	s := newStream()

	if err := s.Attach(1); err != nil {
		t.Fatalf("unexpected error attaching first publisher: %v", err)
	}

	if err := s.Attach(2); err != ErrPublisherExists {
		t.Fatalf("expected ErrPublisherExists, got %v", err)
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	s := newStream()
	s.Attach(1)

	a := s.Subscribe(10)
	b := s.Subscribe(20)

	p := packet.NewDataPacket()
	p.Payload = []byte("frame")
	s.Publish(p)

	select {
	case got := <-a.C():
		if string(got.Payload) != "frame" {
			t.Fatalf("subscriber a got wrong payload: %q", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the packet")
	}

	select {
	case got := <-b.C():
		if string(got.Payload) != "frame" {
			t.Fatalf("subscriber b got wrong payload: %q", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received the packet")
	}
}

func TestSlowSubscriberDropsOldestRatherThanBlock(t *testing.T) {
	s := newStream()
	s.Attach(1)

	sink := s.Subscribe(10)

	for i := 0; i < QueueDepth+10; i++ {
		p := packet.NewDataPacket()
		p.Header.SequenceNumber = p.Header.SequenceNumber.Add(uint32(i))
		s.Publish(p)
	}

	if len(sink.C()) != QueueDepth {
		t.Fatalf("expected sink queue to stay at capacity %d, got %d", QueueDepth, len(sink.C()))
	}

	first := <-sink.C()
	if first.Header.SequenceNumber.Val() != 10 {
		t.Fatalf("expected the oldest surviving packet to be seq 10, got %d", first.Header.SequenceNumber.Val())
	}

	if sink.Dropped() != 10 {
		t.Fatalf("expected 10 overflow drops counted, got %d", sink.Dropped())
	}
}

func TestDetachPublisherTearsDownSubscribers(t *testing.T) {
	s := newStream()
	s.Attach(1)
	sink := s.Subscribe(10)

	ids := s.Detach(1)

	if s.HasPublisher(1) {
		t.Fatalf("publisher should be detached")
	}

	if _, ok := <-sink.C(); ok {
		t.Fatalf("subscriber sink should be closed when the publisher detaches")
	}

	if !s.Empty() {
		t.Fatalf("stream should be empty after publisher detach tears down all subscribers")
	}

	if len(ids) != 1 || ids[0] != 10 {
		t.Fatalf("expected Detach to report subscriber 10 for a SHUTDOWN notice, got %v", ids)
	}
}

func TestBusReapsEmptyStream(t *testing.T) {
	b := New()
	s := b.StreamFor(42)
	s.Attach(1)

	b.Reap(42)
	if _, ok := b.Lookup(42); !ok {
		t.Fatalf("non-empty stream must not be reaped")
	}

	s.Detach(1)
	b.Reap(42)
	if _, ok := b.Lookup(42); ok {
		t.Fatalf("empty stream should have been reaped")
	}
}
