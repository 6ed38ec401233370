package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics bundles collectors tracking the incoming-payment engine.
type SettlementMetrics struct {
	fragments        *prometheus.CounterVec
	settleLatency    prometheus.Histogram
	receipts         prometheus.Counter
	invoicesIssued   *prometheus.CounterVec
	activeCollectors prometheus.Gauge
	collectorResults *prometheus.CounterVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics
)

// Settlement returns the lazily-initialised metrics registry for the
// settlement engine.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylink",
				Subsystem: "settle",
				Name:      "fragments_total",
				Help:      "Count of incoming payment fragments segmented by outcome.",
			}, []string{"outcome"}),
			settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "paylink",
				Subsystem: "settle",
				Name:      "fragment_duration_seconds",
				Help:      "Latency distribution for fragment handling.",
				Buckets:   prometheus.DefBuckets,
			}),
			receipts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "paylink",
				Subsystem: "settle",
				Name:      "receipts_total",
				Help:      "Count of settled-payment receipts published.",
			}),
			invoicesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylink",
				Subsystem: "invoice",
				Name:      "issued_total",
				Help:      "Count of issued invoices segmented by outcome.",
			}, []string{"outcome"}),
			activeCollectors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "paylink",
				Subsystem: "settle",
				Name:      "active_collectors",
				Help:      "Number of in-flight multi-part payments awaiting completion.",
			}),
			collectorResults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylink",
				Subsystem: "settle",
				Name:      "collector_results_total",
				Help:      "Terminal multi-part collector outcomes (completed or timed_out).",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			settlementReg.fragments,
			settlementReg.settleLatency,
			settlementReg.receipts,
			settlementReg.invoicesIssued,
			settlementReg.activeCollectors,
			settlementReg.collectorResults,
		)
	})
	return settlementReg
}

// ObserveFragment records the handling of one fragment. Outcomes should be
// stable strings such as "fulfilled", "held", "rejected".
func (m *SettlementMetrics) ObserveFragment(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.fragments.WithLabelValues(outcome).Inc()
	m.settleLatency.Observe(duration.Seconds())
}

// RecordReceipt counts a published settlement receipt.
func (m *SettlementMetrics) RecordReceipt() {
	if m == nil {
		return
	}
	m.receipts.Inc()
}

// RecordInvoiceIssued counts an issuance attempt.
func (m *SettlementMetrics) RecordInvoiceIssued(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.invoicesIssued.WithLabelValues(outcome).Inc()
}

// SetActiveCollectors updates the in-flight multi-part payment gauge.
func (m *SettlementMetrics) SetActiveCollectors(count int) {
	if m == nil {
		return
	}
	m.activeCollectors.Set(float64(count))
}

// RecordCollectorResult counts a terminal collector outcome.
func (m *SettlementMetrics) RecordCollectorResult(result string) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unknown"
	}
	m.collectorResults.WithLabelValues(result).Inc()
}

type apiMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// API returns the metrics registry tracking the HTTP API.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylink",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "paylink",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency)
	})
	return apiRegistry
}

// Observe records the outcome of an API request.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}
