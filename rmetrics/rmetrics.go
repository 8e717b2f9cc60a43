// Package rmetrics exposes optional Prometheus counters and gauges for a
// connection: packets sent/received/dropped, acks processed, block
// fragments in flight, and bytes sent through block fragmentation. Nothing in conn/channel/endpoint
// requires these — a Connection works with metrics left nil — this is
// purely an ambient observability layer an application wires in if it
// wants a /metrics endpoint.
package rmetrics

import "github.com/prometheus/client_golang/prometheus"

// Connection bundles the per-connection counters/gauges. All fields are
// safe to leave nil if the caller does not register them with a
// prometheus.Registerer; callers should construct via New for real use.
type Connection struct {
	PacketsSent      prometheus.Counter
	PacketsReceived  prometheus.Counter
	PacketsDropped   prometheus.Counter
	AcksProcessed    prometheus.Counter
	FragmentsInFlight prometheus.Gauge
	BytesFragmented  prometheus.Counter
}

// New creates and registers a Connection's metrics against reg, labeling
// each with the given connection id so multiple connections on one process
// don't collide.
func New(reg prometheus.Registerer, connectionID string) (*Connection, error) {
	labels := prometheus.Labels{"connection": connectionID}
	c := &Connection{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "yojimbo_packets_sent_total",
			Help:        "Packets transmitted by this connection's endpoint.",
			ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "yojimbo_packets_received_total",
			Help:        "Packets received and accepted by this connection's endpoint.",
			ConstLabels: labels,
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "yojimbo_packets_dropped_total",
			Help:        "Packets discarded as stale or as invalid fragments.",
			ConstLabels: labels,
		}),
		AcksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "yojimbo_acks_processed_total",
			Help:        "Previously sent packets newly confirmed delivered.",
			ConstLabels: labels,
		}),
		FragmentsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "yojimbo_fragments_in_flight",
			Help:        "Block fragments currently awaiting ack.",
			ConstLabels: labels,
		}),
		BytesFragmented: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "yojimbo_bytes_fragmented_total",
			Help:        "Bytes sent through block fragmentation.",
			ConstLabels: labels,
		}),
	}
	for _, collector := range []prometheus.Collector{
		c.PacketsSent, c.PacketsReceived, c.PacketsDropped,
		c.AcksProcessed, c.FragmentsInFlight, c.BytesFragmented,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveEndpointStats adds this tick's delta against the endpoint's
// cumulative counters (sent, received, dropped, acked since the last
// call) — the caller is expected to diff successive endpoint.Stats
// snapshots itself, since Prometheus counters only ever move forward.
func (c *Connection) ObserveEndpointStats(sent, received, dropped, acked uint64) {
	if c == nil {
		return
	}
	if c.PacketsSent != nil {
		c.PacketsSent.Add(float64(sent))
	}
	if c.PacketsReceived != nil {
		c.PacketsReceived.Add(float64(received))
	}
	if c.PacketsDropped != nil {
		c.PacketsDropped.Add(float64(dropped))
	}
	if c.AcksProcessed != nil {
		c.AcksProcessed.Add(float64(acked))
	}
}
