// Package metrics exposes the stack's Prometheus counters and gauges.
// Each is a vector labeled by the originating layer kind (e.g.
// "frame-short", "transport-long"); several instances of the same kind in
// one process share a series. The per-instance Stats fields on each layer
// remain the cheap, allocation-free counters used internally (e.g. by
// tests), these vectors are the process-wide view exported for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RxErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isn",
		Name:      "rx_errors_total",
		Help:      "Receive errors (CRC mismatch, decode failure) by layer.",
	}, []string{"layer"})

	RxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isn",
		Name:      "rx_dropped_total",
		Help:      "Received packets dropped (idle timeout, unbound port) by layer.",
	}, []string{"layer"})

	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isn",
		Name:      "tx_retries_total",
		Help:      "Send attempts that had to be retried or fragmented by layer.",
	}, []string{"layer"})

	DupErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isn",
		Name:      "dup_errors_total",
		Help:      "Consumption-count divergences between fanout.Dup's two receivers.",
	}, []string{"layer"})

	ReactorQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isn",
		Name:      "reactor_queue_depth",
		Help:      "Number of entries currently held by a reactor.Reactor.",
	}, []string{"reactor"})
)
