package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConns struct {
	infos []ConnectionInfo
}

func (f fakeConns) Connections() []ConnectionInfo { return f.infos }

type fakeBus struct{ n int }

func (f fakeBus) Count() int { return f.n }

type fakeServer struct {
	total   uint64
	current map[string]int
}

func (f fakeServer) ConnectionsTotal() uint64           { return f.total }
func (f fakeServer) ConnectionsCurrent() map[string]int { return f.current }

func TestCollectorExportsConnectionAndStreamMetrics(t *testing.T) {
	c := NewCollector(
		fakeConns{infos: []ConnectionInfo{
			{ConnectionID: 7, DataPacketsSent: 10, DataBytesSent: 1000, RTT: 5000, RTTVar: 1000},
		}},
		fakeBus{n: 3},
		fakeServer{total: 5, current: map[string]int{"publish": 1, "request": 2, "handshake": 0}},
	)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	// 1 stream gauge + 1 connections-total counter + 3 connections-current
	// gauges (one per mode) + 16 per-connection metrics for the single
	// connection.
	if count != 21 {
		t.Fatalf("expected 21 metrics, got %d", count)
	}
}
