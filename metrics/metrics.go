// Package metrics exposes server- and connection-scoped counters as
// Prometheus metrics, following the Collector pattern the ecosystem uses:
// Describe declares the metric shapes up front, Collect samples the live
// source on every scrape rather than keeping its own counters.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionSource is anything that can list its currently active
// connections and their per-connection stats, for the Collect call to
// sample. The relay's Listener satisfies this.
type ConnectionSource interface {
	Connections() []ConnectionInfo
}

// ConnectionInfo is the sampled state of one connection at collect time,
// labeled by its ConnectionID rather than by resource/mode so the cardinality
// of connection metrics tracks actual connections, not resource churn.
type ConnectionInfo struct {
	ConnectionID uint64

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

	RTT    uint32
	RTTVar uint32
}

// BusSource reports the number of active streams, for the server-scope
// gauge.
type BusSource interface {
	Count() int
}

// ServerSource reports connection counts across the whole server's
// lifetime, independent of any single connection's own stats.
type ServerSource interface {
	// ConnectionsTotal is the monotonic count of connections ever fully
	// established, for a counter that only ever goes up.
	ConnectionsTotal() uint64
	// ConnectionsCurrent is the live count of connections right now,
	// keyed by mode ("handshake", "publish" or "request").
	ConnectionsCurrent() map[string]int
}

type collector struct {
	conns  ConnectionSource
	bus    BusSource
	server ServerSource

	streamsDesc *prometheus.Desc

	connsTotalDesc   *prometheus.Desc
	connsCurrentDesc *prometheus.Desc

	dataPacketsSentDesc          *prometheus.Desc
	dataPacketsRecvDesc          *prometheus.Desc
	dataPacketsLostDesc          *prometheus.Desc
	dataPacketsRetransmittedDesc *prometheus.Desc
	dataPacketsDroppedDesc       *prometheus.Desc
	dataBytesSentDesc            *prometheus.Desc
	dataBytesRecvDesc            *prometheus.Desc
	dataBytesLostDesc            *prometheus.Desc

	ctrlPacketsSentDesc *prometheus.Desc
	ctrlPacketsRecvDesc *prometheus.Desc
	ctrlBytesSentDesc   *prometheus.Desc
	ctrlBytesRecvDesc   *prometheus.Desc
	ctrlPacketsLostDesc *prometheus.Desc
	ctrlBytesLostDesc   *prometheus.Desc

	rttDesc    *prometheus.Desc
	rttVarDesc *prometheus.Desc
}

// NewCollector returns a prometheus.Collector sampling conns, bus and server
// on every scrape.
func NewCollector(conns ConnectionSource, bus BusSource, server ServerSource) prometheus.Collector {
	labels := []string{"id"}

	return &collector{
		conns:  conns,
		bus:    bus,
		server: server,

		streamsDesc: prometheus.NewDesc(
			"srtrelay_streams_active",
			"Number of active resources with at least one publisher or subscriber",
			nil, nil),

		connsTotalDesc: prometheus.NewDesc(
			"srt_connections_total",
			"Total number of connections ever fully established",
			nil, nil),
		connsCurrentDesc: prometheus.NewDesc(
			"srt_connections_current",
			"Number of connections currently in handshake, publish or request mode",
			[]string{"mode"}, nil),

		dataPacketsSentDesc: prometheus.NewDesc(
			"srtrelay_connection_data_packets_sent_total",
			"Total data packets sent on this connection",
			labels, nil),
		dataPacketsRecvDesc: prometheus.NewDesc(
			"srtrelay_connection_data_packets_received_total",
			"Total data packets received on this connection",
			labels, nil),
		dataPacketsLostDesc: prometheus.NewDesc(
			"srtrelay_connection_data_packets_lost_total",
			"Total data packets detected lost on this connection, including subscriber queue overflow drops",
			labels, nil),
		dataPacketsRetransmittedDesc: prometheus.NewDesc(
			"srtrelay_connection_data_packets_retransmitted_total",
			"Total data packets retransmitted on this connection",
			labels, nil),
		dataPacketsDroppedDesc: prometheus.NewDesc(
			"srtrelay_connection_data_packets_dropped_total",
			"Total data packets dropped past their TSBPD deadline or bandwidth ceiling",
			labels, nil),
		dataBytesSentDesc: prometheus.NewDesc(
			"srtrelay_connection_data_bytes_sent_total",
			"Total data bytes sent on this connection",
			labels, nil),
		dataBytesRecvDesc: prometheus.NewDesc(
			"srtrelay_connection_data_bytes_received_total",
			"Total data bytes received on this connection",
			labels, nil),
		dataBytesLostDesc: prometheus.NewDesc(
			"srtrelay_connection_data_bytes_lost_total",
			"Estimated data bytes lost on this connection (data_packets_lost x MTU)",
			labels, nil),

		ctrlPacketsSentDesc: prometheus.NewDesc(
			"srtrelay_connection_ctrl_packets_sent_total",
			"Total control packets sent on this connection",
			labels, nil),
		ctrlPacketsRecvDesc: prometheus.NewDesc(
			"srtrelay_connection_ctrl_packets_received_total",
			"Total control packets received on this connection",
			labels, nil),
		ctrlBytesSentDesc: prometheus.NewDesc(
			"srtrelay_connection_ctrl_bytes_sent_total",
			"Total control bytes sent on this connection",
			labels, nil),
		ctrlBytesRecvDesc: prometheus.NewDesc(
			"srtrelay_connection_ctrl_bytes_received_total",
			"Total control bytes received on this connection",
			labels, nil),
		ctrlPacketsLostDesc: prometheus.NewDesc(
			"srtrelay_connection_ctrl_packets_lost_total",
			"Control packets (full ACKs) that never received a matching ACKACK",
			labels, nil),
		ctrlBytesLostDesc: prometheus.NewDesc(
			"srtrelay_connection_ctrl_bytes_lost_total",
			"Estimated control bytes lost on this connection (ctrl_packets_lost x MTU)",
			labels, nil),

		rttDesc: prometheus.NewDesc(
			"srtrelay_connection_rtt_microseconds",
			"Smoothed round-trip time estimate for this connection",
			labels, nil),
		rttVarDesc: prometheus.NewDesc(
			"srtrelay_connection_rtt_variance_microseconds",
			"Smoothed round-trip time variance for this connection",
			labels, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamsDesc
	ch <- c.connsTotalDesc
	ch <- c.connsCurrentDesc
	ch <- c.dataPacketsSentDesc
	ch <- c.dataPacketsRecvDesc
	ch <- c.dataPacketsLostDesc
	ch <- c.dataPacketsRetransmittedDesc
	ch <- c.dataPacketsDroppedDesc
	ch <- c.dataBytesSentDesc
	ch <- c.dataBytesRecvDesc
	ch <- c.dataBytesLostDesc
	ch <- c.ctrlPacketsSentDesc
	ch <- c.ctrlPacketsRecvDesc
	ch <- c.ctrlBytesSentDesc
	ch <- c.ctrlBytesRecvDesc
	ch <- c.ctrlPacketsLostDesc
	ch <- c.ctrlBytesLostDesc
	ch <- c.rttDesc
	ch <- c.rttVarDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.streamsDesc, prometheus.GaugeValue, float64(c.bus.Count()))

	ch <- prometheus.MustNewConstMetric(c.connsTotalDesc, prometheus.CounterValue, float64(c.server.ConnectionsTotal()))
	for mode, n := range c.server.ConnectionsCurrent() {
		ch <- prometheus.MustNewConstMetric(c.connsCurrentDesc, prometheus.GaugeValue, float64(n), mode)
	}

	for _, info := range c.conns.Connections() {
		id := strconv.FormatUint(info.ConnectionID, 10)

		ch <- prometheus.MustNewConstMetric(c.dataPacketsSentDesc, prometheus.CounterValue, float64(info.DataPacketsSent), id)
		ch <- prometheus.MustNewConstMetric(c.dataPacketsRecvDesc, prometheus.CounterValue, float64(info.DataPacketsReceived), id)
		ch <- prometheus.MustNewConstMetric(c.dataPacketsLostDesc, prometheus.CounterValue, float64(info.DataPacketsLost), id)
		ch <- prometheus.MustNewConstMetric(c.dataPacketsRetransmittedDesc, prometheus.CounterValue, float64(info.DataPacketsRetransmitted), id)
		ch <- prometheus.MustNewConstMetric(c.dataPacketsDroppedDesc, prometheus.CounterValue, float64(info.DataPacketsDropped), id)
		ch <- prometheus.MustNewConstMetric(c.dataBytesSentDesc, prometheus.CounterValue, float64(info.DataBytesSent), id)
		ch <- prometheus.MustNewConstMetric(c.dataBytesRecvDesc, prometheus.CounterValue, float64(info.DataBytesReceived), id)
		ch <- prometheus.MustNewConstMetric(c.dataBytesLostDesc, prometheus.CounterValue, float64(info.DataBytesLost), id)

		ch <- prometheus.MustNewConstMetric(c.ctrlPacketsSentDesc, prometheus.CounterValue, float64(info.CtrlPacketsSent), id)
		ch <- prometheus.MustNewConstMetric(c.ctrlPacketsRecvDesc, prometheus.CounterValue, float64(info.CtrlPacketsReceived), id)
		ch <- prometheus.MustNewConstMetric(c.ctrlBytesSentDesc, prometheus.CounterValue, float64(info.CtrlBytesSent), id)
		ch <- prometheus.MustNewConstMetric(c.ctrlBytesRecvDesc, prometheus.CounterValue, float64(info.CtrlBytesReceived), id)
		ch <- prometheus.MustNewConstMetric(c.ctrlPacketsLostDesc, prometheus.CounterValue, float64(info.CtrlPacketsLost), id)
		ch <- prometheus.MustNewConstMetric(c.ctrlBytesLostDesc, prometheus.CounterValue, float64(info.CtrlBytesLost), id)

		ch <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, float64(info.RTT), id)
		ch <- prometheus.MustNewConstMetric(c.rttVarDesc, prometheus.GaugeValue, float64(info.RTTVar), id)
	}
}
