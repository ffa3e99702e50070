package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chargerdMetricsOnce sync.Once
	chargerdRegistry    *ChargerdMetrics
)

// ChargerdMetrics wraps collectors tracking recurring charge pipeline health.
type ChargerdMetrics struct {
	chargeLatency  *prometheus.HistogramVec
	chargeOutcomes *prometheus.CounterVec
	retries        *prometheus.CounterVec
	activeSubs     prometheus.Gauge
	pausedSubs     prometheus.Gauge
	relayerQueue   prometheus.Gauge
}

// Chargerd exposes the metrics registry for the charging daemon.
func Chargerd() *ChargerdMetrics {
	chargerdMetricsOnce.Do(func() {
		chargerdRegistry = &ChargerdMetrics{
			chargeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "veilpay",
				Subsystem: "chargerd",
				Name:      "charge_latency_seconds",
				Help:      "Latency distribution for settled charges.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			chargeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "veilpay",
				Subsystem: "chargerd",
				Name:      "charge_outcomes_total",
				Help:      "Count of charge attempts segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "veilpay",
				Subsystem: "chargerd",
				Name:      "charge_retries_total",
				Help:      "Count of transient-failure retries segmented by route.",
			}, []string{"route"}),
			activeSubs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "veilpay",
				Subsystem: "chargerd",
				Name:      "active_subscriptions",
				Help:      "Number of subscriptions currently armed in the scheduler.",
			}),
			pausedSubs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "veilpay",
				Subsystem: "chargerd",
				Name:      "paused_subscriptions",
				Help:      "Number of subscriptions currently paused by their payer.",
			}),
			relayerQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "veilpay",
				Subsystem: "chargerd",
				Name:      "relayer_queue_depth",
				Help:      "Number of submissions waiting on the relayer's signing identity.",
			}),
		}
		prometheus.MustRegister(
			chargerdRegistry.chargeLatency,
			chargerdRegistry.chargeOutcomes,
			chargerdRegistry.retries,
			chargerdRegistry.activeSubs,
			chargerdRegistry.pausedSubs,
			chargerdRegistry.relayerQueue,
		)
	})
	return chargerdRegistry
}

// ObserveCharge records a settled charge with its end-to-end latency.
func (m *ChargerdMetrics) ObserveCharge(route string, duration time.Duration) {
	if m == nil {
		return
	}
	m.chargeLatency.WithLabelValues(normalizeLabel(route)).Observe(duration.Seconds())
}

// RecordOutcome counts a charge attempt's terminal outcome for the period.
func (m *ChargerdMetrics) RecordOutcome(route, outcome string) {
	if m == nil {
		return
	}
	m.chargeOutcomes.WithLabelValues(normalizeLabel(route), normalizeLabel(outcome)).Inc()
}

// RecordRetry counts a transient-failure retry within a billing period.
func (m *ChargerdMetrics) RecordRetry(route string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(route)).Inc()
}

// SetActiveSubscriptions updates the armed-subscription gauge.
func (m *ChargerdMetrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubs.Set(float64(n))
}

// SetPausedSubscriptions updates the paused-subscription gauge.
func (m *ChargerdMetrics) SetPausedSubscriptions(n int) {
	if m == nil {
		return
	}
	m.pausedSubs.Set(float64(n))
}

// SetRelayerQueueDepth records the submissions waiting on the signing identity.
func (m *ChargerdMetrics) SetRelayerQueueDepth(n int) {
	if m == nil {
		return
	}
	m.relayerQueue.Set(float64(n))
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
