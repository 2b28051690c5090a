// Package metrics exposes Prometheus instrumentation for runs, candidate
// intake and the operator API. A nil *Collector records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flasharb"

// Candidate intake outcomes.
const (
	CandidateAccepted     = "accepted"
	CandidateDuplicate    = "duplicate"
	CandidateExpired      = "expired"
	CandidateOverLimit    = "over_limit"
	CandidateUnprofitable = "unprofitable"
	CandidateInvalid      = "invalid"
	CandidateDropped      = "dropped"
)

// Collector holds every metric the service records.
type Collector struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	profitTotal     *prometheus.CounterVec
	toleranceBps    prometheus.Gauge
	withdrawals     *prometheus.CounterVec
	candidatesTotal *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers the metrics on a fresh registry together with the Go and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Arbitrage runs by status and error kind",
		}, []string{"status", "kind"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall time of arbitrage runs including lock and persistence",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}, []string{"status"}),
		profitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "profit_total",
			Help:      "Realized profit forwarded to the controller, in token units",
		}, []string{"asset"}),
		toleranceBps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "slippage_tolerance_bps",
			Help:      "Current slippage tolerance in basis points",
		}),
		withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "withdrawals_total",
			Help:      "Controller withdrawals by asset",
		}, []string{"asset"}),
		candidatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "candidates_total",
			Help:      "Candidates seen by the executor by source and outcome",
		}, []string{"source", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Operator API requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Operator API request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRun counts a finished run. kind is empty for succeeded runs.
func (c *Collector) RecordRun(status, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status, kind).Inc()
	c.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// AddProfit adds realized profit of asset in human units.
func (c *Collector) AddProfit(asset string, amount float64) {
	if c == nil || amount <= 0 {
		return
	}
	c.profitTotal.WithLabelValues(asset).Add(amount)
}

// SetTolerance records the current tolerance.
func (c *Collector) SetTolerance(bps uint32) {
	if c == nil {
		return
	}
	c.toleranceBps.Set(float64(bps))
}

// RecordWithdrawal counts a withdrawal of asset.
func (c *Collector) RecordWithdrawal(asset string) {
	if c == nil {
		return
	}
	c.withdrawals.WithLabelValues(asset).Inc()
}

// RecordCandidate counts a candidate intake outcome.
func (c *Collector) RecordCandidate(source, outcome string) {
	if c == nil {
		return
	}
	c.candidatesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordHTTP counts an API request.
func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
