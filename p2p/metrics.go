package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerScore       *prometheus.GaugeVec
	peerLatency     *prometheus.GaugeVec
	peerUseful      *prometheus.GaugeVec
	peerMisbehavior *prometheus.GaugeVec
	triedPeers      prometheus.Gauge
	newPeers        prometheus.Gauge
	evictions       *prometheus.CounterVec

	meter            metric.Meter
	evictionCounter  metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dposnode_p2p_peer_score",
				Help: "Composite reputation score per peer.",
			}, []string{"peer"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dposnode_p2p_peer_latency_ms",
				Help: "Latency exponential moving average per peer.",
			}, []string{"peer"}),
			peerUseful: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dposnode_p2p_peer_useful_events",
				Help: "Count of useful messages processed per peer.",
			}, []string{"peer"}),
			peerMisbehavior: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dposnode_p2p_peer_misbehavior",
				Help: "Count of misbehavior incidents per peer.",
			}, []string{"peer"}),
			triedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dposnode_p2p_tried_peers",
				Help: "Number of peers currently in the address book's tried table.",
			}),
			newPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dposnode_p2p_new_peers",
				Help: "Number of peers currently in the address book's new table.",
			}),
			evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dposnode_p2p_eviction_total",
				Help: "Count of bucket/connection-set evictions by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(nm.peerScore, nm.peerLatency, nm.peerUseful, nm.peerMisbehavior, nm.triedPeers, nm.newPeers, nm.evictions)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("dposnode/p2p")
	evictionCounter, err := meter.Int64Counter("dposnode.p2p.evictions")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("dposnode/p2p")
		evictionCounter, _ = fallback.Int64Counter("dposnode.p2p.evictions")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("dposnode.p2p.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("dposnode/p2p")
		latency, _ = fallback.Float64Histogram("dposnode.p2p.latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.evictionCounter = evictionCounter
	m.latencyHistogram = latency
}

func (m *networkMetrics) observePeerStatus(peerID string, status ReputationStatus) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.WithLabelValues(peerID).Set(float64(status.Score))
	m.peerLatency.WithLabelValues(peerID).Set(status.LatencyMS)
	m.peerUseful.WithLabelValues(peerID).Set(float64(status.Useful))
	m.peerMisbehavior.WithLabelValues(peerID).Set(float64(status.Misbehavior))
	if m.latencyHistogram != nil && status.LatencyMS > 0 {
		m.latencyHistogram.Record(
			contextBackground(),
			status.LatencyMS,
			metric.WithAttributes(attribute.String("peer", peerID)),
		)
	}
}

// observeBookSizes records the address book's current table occupancy.
func (m *networkMetrics) observeBookSizes(newCount, triedCount int) {
	if m == nil {
		return
	}
	m.newPeers.Set(float64(newCount))
	m.triedPeers.Set(float64(triedCount))
}

func (m *networkMetrics) recordEviction(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.evictions.WithLabelValues(reason).Inc()
	if m.evictionCounter != nil {
		m.evictionCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

func (m *networkMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.DeleteLabelValues(peerID)
	m.peerLatency.DeleteLabelValues(peerID)
	m.peerUseful.DeleteLabelValues(peerID)
	m.peerMisbehavior.DeleteLabelValues(peerID)
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}
