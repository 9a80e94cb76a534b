package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the royalty workflow.
// Each instance owns its registry so tests and multiple servers in one
// process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// --- Ledger ---
	LedgerLoads      *prometheus.CounterVec // result: ok, error
	LedgerRecords    prometheus.Gauge
	LedgerUnpaid     prometheus.Gauge
	LedgerGeneration prometheus.Gauge

	// --- Recalculation ---
	Recalculations      *prometheus.CounterVec // result, trigger
	RecalculateDuration prometheus.Histogram

	// --- Payments ---
	Payments         *prometheus.CounterVec // result: paid, failed, in_progress, not_found
	PaymentDuration  prometheus.Histogram
	PaymentsInFlight prometheus.Gauge

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec // route, method, code
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		LedgerLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "royalty_ledger_loads_total",
			Help: "Ledger reloads from the royalty service",
		}, []string{"result"}),
		LedgerRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "royalty_ledger_records",
			Help: "Records in the current ledger snapshot",
		}),
		LedgerUnpaid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "royalty_ledger_unpaid_records",
			Help: "UNPAID records in the current ledger snapshot",
		}),
		LedgerGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "royalty_ledger_generation",
			Help: "Successful ledger loads since start",
		}),

		Recalculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "royalty_recalculations_total",
			Help: "Royalty recalculations by outcome and trigger",
		}, []string{"result", "trigger"}),
		RecalculateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "royalty_recalculate_duration_seconds",
			Help:    "Recalculate plus reload time",
			Buckets: prometheus.DefBuckets,
		}),

		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "royalty_payments_total",
			Help: "Payment attempts by outcome",
		}, []string{"result"}),
		PaymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "royalty_payment_duration_seconds",
			Help:    "Time from request to payment outcome",
			Buckets: prometheus.DefBuckets,
		}),
		PaymentsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "royalty_payments_in_flight",
			Help: "Records with a payment currently in flight",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "royalty_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "royalty_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	reg.MustRegister(
		m.LedgerLoads, m.LedgerRecords, m.LedgerUnpaid, m.LedgerGeneration,
		m.Recalculations, m.RecalculateDuration,
		m.Payments, m.PaymentDuration, m.PaymentsInFlight,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLedger records the state after a successful load.
func (m *Metrics) ObserveLedger(records, unpaid int, generation uint64) {
	m.LedgerLoads.WithLabelValues("ok").Inc()
	m.LedgerRecords.Set(float64(records))
	m.LedgerUnpaid.Set(float64(unpaid))
	m.LedgerGeneration.Set(float64(generation))
}

// ObserveRecalculation records one recalculation.
func (m *Metrics) ObserveRecalculation(trigger string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Recalculations.WithLabelValues(result, trigger).Inc()
	m.RecalculateDuration.Observe(time.Since(started).Seconds())
}

// ObservePayment records one payment outcome.
func (m *Metrics) ObservePayment(result string, started time.Time) {
	m.Payments.WithLabelValues(result).Inc()
	m.PaymentDuration.Observe(time.Since(started).Seconds())
}
