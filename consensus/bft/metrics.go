package bft

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *finalityMetrics
)

type finalityMetrics struct {
	finalizedHeight prometheus.Gauge
	prevoteHeight   prometheus.Gauge
	headersRejected *prometheus.CounterVec

	meter                  metric.Meter
	finalizedHeightCounter metric.Int64Counter
}

func newFinalityMetrics() *finalityMetrics {
	metricsInitOnce.Do(func() {
		fm := &finalityMetrics{
			finalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dposnode_bft_finalized_height",
				Help: "Highest height whose pre-commit count crossed the finality threshold.",
			}),
			prevoteHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dposnode_bft_prevote_height",
				Help: "Highest height whose pre-vote count crossed the pre-vote threshold.",
			}),
			headersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dposnode_bft_headers_rejected_total",
				Help: "Count of headers rejected by addBlockHeader, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(fm.finalizedHeight, fm.prevoteHeight, fm.headersRejected)
		fm.initMeter()
		sharedMetrics = fm
	})
	return sharedMetrics
}

func (m *finalityMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("dposnode/consensus/bft")
	counter, err := meter.Int64Counter("dposnode.bft.finality_changed")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("dposnode/consensus/bft")
		counter, _ = fallback.Int64Counter("dposnode.bft.finality_changed")
		meter = fallback
	}
	m.meter = meter
	m.finalizedHeightCounter = counter
}

func (m *finalityMetrics) observeFinalizedHeight(height uint64) {
	if m == nil {
		return
	}
	m.finalizedHeight.Set(float64(height))
	if m.finalizedHeightCounter != nil {
		m.finalizedHeightCounter.Add(context.Background(), 1)
	}
}

func (m *finalityMetrics) observePrevoteHeight(height uint64) {
	if m == nil {
		return
	}
	m.prevoteHeight.Set(float64(height))
}

func (m *finalityMetrics) recordRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.headersRejected.WithLabelValues(reason).Inc()
}
