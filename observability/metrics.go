package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// BridgeMetrics exposes Prometheus collectors for the settlement bridge.
type BridgeMetrics struct {
	transitions *prometheus.CounterVec
	sideEffects *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
	pollErrors  prometheus.Counter
	events      prometheus.Counter
	watermark   prometheus.Gauge
}

// Bridge returns the lazily-initialised bridge metrics registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sovr",
				Subsystem: "bridge",
				Name:      "transitions_total",
				Help:      "Settlement state transitions segmented by target state.",
			}, []string{"state"}),
			sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sovr",
				Subsystem: "bridge",
				Name:      "side_effects_total",
				Help:      "External side effects segmented by effect and outcome.",
			}, []string{"effect", "outcome"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sovr",
				Subsystem: "bridge",
				Name:      "webhook_requests_total",
				Help:      "Inbound webhook requests segmented by verification outcome.",
			}, []string{"outcome"}),
			pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sovr",
				Subsystem: "bridge",
				Name:      "poller_errors_total",
				Help:      "Ledger poll attempts that failed and left the watermark unchanged.",
			}),
			events: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sovr",
				Subsystem: "bridge",
				Name:      "ledger_events_total",
				Help:      "Burn events handed off to the correlator.",
			}),
			watermark: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sovr",
				Subsystem: "bridge",
				Name:      "watermark_height",
				Help:      "Highest ledger block height fully processed by the poller.",
			}),
		}
		prometheus.MustRegister(
			bridgeRegistry.transitions,
			bridgeRegistry.sideEffects,
			bridgeRegistry.webhooks,
			bridgeRegistry.pollErrors,
			bridgeRegistry.events,
			bridgeRegistry.watermark,
		)
	})
	return bridgeRegistry
}

// RecordTransition counts a settlement reaching the supplied state.
func (m *BridgeMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordSideEffect counts one external side-effect attempt outcome.
// Outcomes should be stable strings such as "success", "rejected", or
// "transient" so dashboards remain consistent.
func (m *BridgeMetrics) RecordSideEffect(effect, outcome string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(effect, outcome).Inc()
}

// RecordWebhook counts an inbound webhook verification outcome.
func (m *BridgeMetrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

// RecordPollError counts a failed poll tick.
func (m *BridgeMetrics) RecordPollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// RecordEvents counts burn events handed to the correlator.
func (m *BridgeMetrics) RecordEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.Add(float64(n))
}

// SetWatermark publishes the persisted watermark height.
func (m *BridgeMetrics) SetWatermark(height uint64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(height))
}
